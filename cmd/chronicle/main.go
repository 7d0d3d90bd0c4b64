package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/activity"
	"github.com/mosaicms/chronicle/internal/auth"
	"github.com/mosaicms/chronicle/internal/authors"
	"github.com/mosaicms/chronicle/internal/config"
	"github.com/mosaicms/chronicle/internal/database"
	"github.com/mosaicms/chronicle/internal/graph"
	"github.com/mosaicms/chronicle/internal/history"
	"github.com/mosaicms/chronicle/internal/logging"
	"github.com/mosaicms/chronicle/internal/record"
	"github.com/mosaicms/chronicle/internal/server"
	"github.com/mosaicms/chronicle/internal/snapshot"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chronicle",
		Short: "Change tracking and reconciliation service for versioned records",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	rebuildCmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the snapshot log from record version history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd.Context())
		},
	}
	rootCmd.AddCommand(serveCmd, rebuildCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("registry-path", defaults.GetString("registry.path"), "Type registry fixture path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "registry.path", "registry-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// core holds the wired domain services shared by the subcommands.
type core struct {
	logger    *zap.Logger
	db        *gorm.DB
	store     *record.Store
	traversal *graph.Traversal
	tracker   *snapshot.Tracker
	engine    *activity.Engine
	close     func()
}

func buildCore(appConfig config.AppConfig) (*core, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	registry, err := config.LoadRegistry(appConfig.RegistryPath)
	if err != nil {
		return nil, err
	}

	store, err := record.NewStore(record.StoreConfig{Database: db, Registry: registry, Logger: logger})
	if err != nil {
		return nil, err
	}
	traversal, err := graph.NewTraversal(store)
	if err != nil {
		return nil, err
	}
	tracker, err := snapshot.NewTracker(snapshot.TrackerConfig{
		Database:  db,
		Store:     store,
		Traversal: traversal,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	store.SetHooks(tracker)

	engine, err := activity.NewEngine(activity.EngineConfig{Database: db, Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &core{
		logger:    logger,
		db:        db,
		store:     store,
		traversal: traversal,
		tracker:   tracker,
		engine:    engine,
		close: func() {
			_ = sqlDB.Close()
			_ = logger.Sync()
		},
	}, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	services, err := buildCore(appConfig)
	if err != nil {
		return err
	}
	defer services.close()

	authorService, err := authors.NewService(authors.ServiceConfig{Database: services.db})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Authors:      authorService,
		Store:        services.store,
		Tracker:      services.tracker,
		Engine:       services.engine,
		Logger:       services.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		services.logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runRebuild(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	services, err := buildCore(appConfig)
	if err != nil {
		return err
	}
	defer services.close()

	rebuilder, err := history.NewRebuilder(history.RebuilderConfig{
		Database:  services.db,
		Store:     services.store,
		Traversal: services.traversal,
		Logger:    services.logger,
	})
	if err != nil {
		return err
	}

	return rebuilder.Run(ctx)
}
