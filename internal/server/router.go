package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mosaicms/chronicle/internal/activity"
	"github.com/mosaicms/chronicle/internal/authors"
	"github.com/mosaicms/chronicle/internal/identity"
	"github.com/mosaicms/chronicle/internal/record"
	"github.com/mosaicms/chronicle/internal/snapshot"
)

const authorIDContextKey = "chronicle_author_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingAuthors       = errors.New("authors service dependency required")
	errMissingStore         = errors.New("record store dependency required")
	errMissingTracker       = errors.New("snapshot tracker dependency required")
	errMissingEngine        = errors.New("activity engine dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates author bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenManager TokenManager
	Authors      *authors.Service
	Store        *record.Store
	Tracker      *snapshot.Tracker
	Engine       *activity.Engine
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the query and trigger endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Authors == nil {
		return nil, errMissingAuthors
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Tracker == nil {
		return nil, errMissingTracker
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.TokenManager,
		authors: deps.Authors,
		store:   deps.Store,
		tracker: deps.Tracker,
		engine:  deps.Engine,
		logger:  logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/records/:type/:id/activity", handler.handleActivity)
	protected.GET("/records/:type/:id/publishable", handler.handlePublishable)
	protected.GET("/records/:type/:id/modified", handler.handleModified)
	protected.POST("/records/:type/:id/rollback", handler.handleRollback)
	protected.POST("/actions", handler.handleAction)

	return router, nil
}

type httpHandler struct {
	tokens  TokenManager
	authors *authors.Service
	store   *record.Store
	tracker *snapshot.Tracker
	engine  *activity.Engine
	logger  *zap.Logger
}

type tokenRequestPayload struct {
	Subject     string `json:"subject"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	AuthorID    string `json:"author_id"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	authorID, err := h.authors.Resolve(c.Request.Context(), request.Subject, request.DisplayName, request.Email)
	if err != nil {
		if errors.Is(err, authors.ErrInvalidSubject) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("failed to resolve author", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "author_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), authorID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		AuthorID:    authorID,
	})
}

type refPayload struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

func (p refPayload) toRef() identity.Ref {
	return identity.Ref{Type: p.Type, ID: p.ID}
}

func refOf(ref identity.Ref) refPayload {
	return refPayload{Type: ref.Type, ID: ref.ID}
}

type entryPayload struct {
	Subject          refPayload `json:"subject"`
	Title            string     `json:"title"`
	Action           string     `json:"action"`
	Version          int64      `json:"version"`
	Message          string     `json:"message,omitempty"`
	AuthorID         string     `json:"author_id,omitempty"`
	SnapshotID       int64      `json:"snapshot_id"`
	CreatedAtSeconds int64      `json:"created_at_s"`
}

func (h *httpHandler) handleActivity(c *gin.Context) {
	ref, ok := h.recordParam(c)
	if !ok {
		return
	}
	minVersion := queryInt(c, "min")
	maxVersion := queryInt(c, "max")

	entries, err := h.engine.Feed(c.Request.Context(), ref, minVersion, maxVersion)
	if err != nil {
		h.logger.Error("failed to load activity", zap.Error(err), zap.String("record", ref.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activity_failed"})
		return
	}

	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			Subject:          refOf(entry.Subject),
			Title:            entry.Title,
			Action:           string(entry.Action),
			Version:          entry.Version,
			Message:          entry.Message,
			AuthorID:         entry.AuthorID,
			SnapshotID:       entry.SnapshotID,
			CreatedAtSeconds: entry.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

type recordPayload struct {
	Type        string `json:"type"`
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Version     int64  `json:"version"`
	LiveVersion int64  `json:"live_version"`
	IsDeleted   bool   `json:"is_deleted"`
}

func (h *httpHandler) handlePublishable(c *gin.Context) {
	ref, ok := h.recordParam(c)
	if !ok {
		return
	}
	rows, err := h.engine.PublishableObjects(c.Request.Context(), ref)
	if err != nil {
		h.logger.Error("failed to load publishable objects", zap.Error(err), zap.String("record", ref.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publishable_failed"})
		return
	}

	payload := make([]recordPayload, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, recordPayload{
			Type:        row.RecordType,
			ID:          row.RecordID,
			Title:       row.Title,
			Version:     row.Version,
			LiveVersion: row.LiveVersion,
			IsDeleted:   row.IsDeleted,
		})
	}
	c.JSON(http.StatusOK, gin.H{"objects": payload})
}

func (h *httpHandler) handleModified(c *gin.Context) {
	ref, ok := h.recordParam(c)
	if !ok {
		return
	}
	modified, err := h.engine.HasOwnedModifications(c.Request.Context(), ref)
	if err != nil {
		h.logger.Error("failed to check modifications", zap.Error(err), zap.String("record", ref.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "modified_check_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"modified": modified})
}

type rollbackRequestPayload struct {
	Target string `json:"target"`
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	ref, ok := h.recordParam(c)
	if !ok {
		return
	}
	var request rollbackRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Target) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := snapshot.WithActor(c.Request.Context(), c.GetString(authorIDContextKey))
	row, err := h.engine.Rollback(ctx, ref, request.Target)
	if err != nil {
		switch {
		case errors.Is(err, activity.ErrInvalidSnapshot):
			c.JSON(http.StatusNotFound, gin.H{"error": "invalid_snapshot"})
		case errors.Is(err, record.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
		default:
			h.logger.Error("rollback failed", zap.Error(err), zap.String("record", ref.String()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rollback_failed"})
		}
		return
	}

	c.JSON(http.StatusOK, recordPayload{
		Type:        row.RecordType,
		ID:          row.RecordID,
		Title:       row.Title,
		Version:     row.Version,
		LiveVersion: row.LiveVersion,
		IsDeleted:   row.IsDeleted,
	})
}

type actionRequestPayload struct {
	Owner   refPayload   `json:"owner"`
	Origin  *refPayload  `json:"origin,omitempty"`
	Message string       `json:"message"`
	Extra   []refPayload `json:"extra,omitempty"`
}

func (h *httpHandler) handleAction(c *gin.Context) {
	var request actionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Owner.Type == "" || request.Owner.ID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.store.Registry().IsRegistered(request.Owner.Type) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_type"})
		return
	}

	var origin *identity.Ref
	if request.Origin != nil {
		originRef := request.Origin.toRef()
		origin = &originRef
	}
	extra := make([]identity.Ref, 0, len(request.Extra))
	for _, item := range request.Extra {
		extra = append(extra, item.toRef())
	}

	ctx := snapshot.WithActor(c.Request.Context(), c.GetString(authorIDContextKey))
	snap, err := h.tracker.CreateFromAction(ctx, request.Owner.toRef(), origin, request.Message, extra...)
	if err != nil {
		h.logger.Error("failed to record action", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "action_failed"})
		return
	}
	if snap == nil {
		// Precondition not met; the action does not apply.
		c.JSON(http.StatusOK, gin.H{"created": false})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"created":       true,
		"snapshot_id":   snap.ID,
		"origin":        refOf(snap.Origin()),
		"message":       snap.Message,
		"author_id":     snap.AuthorID,
		"created_at_s":  snap.CreatedAtSeconds,
		"last_edited_s": snap.LastEditedSeconds,
	})
}

// recordParam parses and validates the :type/:id pair.
func (h *httpHandler) recordParam(c *gin.Context) (identity.Ref, bool) {
	typeName := c.Param("type")
	recordID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || recordID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return identity.Ref{}, false
	}
	if !h.store.Registry().IsRegistered(typeName) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_type"})
		return identity.Ref{}, false
	}
	return identity.Ref{Type: typeName, ID: recordID}, true
}

func queryInt(c *gin.Context, name string) int64 {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine churn, not an attack signal.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(authorIDContextKey, subject)
	c.Next()
}
