package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/mosaicms/chronicle/internal/record"
	"github.com/mosaicms/chronicle/internal/snapshot"
)

// typeDecl mirrors record.TypeSpec in fixture form.
type typeDecl struct {
	Name      string         `mapstructure:"name"`
	Owners    []ownerDecl    `mapstructure:"owners"`
	Relations []relationDecl `mapstructure:"relations"`
	Link      *linkDecl      `mapstructure:"link"`
}

type ownerDecl struct {
	Field      string `mapstructure:"field"`
	ParentType string `mapstructure:"parent_type"`
}

type relationDecl struct {
	Name               string `mapstructure:"name"`
	Kind               string `mapstructure:"kind"`
	TargetType         string `mapstructure:"target_type"`
	ChildField         string `mapstructure:"child_field"`
	Through            string `mapstructure:"through"`
	ThroughParentField string `mapstructure:"through_parent_field"`
	ThroughChildField  string `mapstructure:"through_child_field"`
	Tracked            bool   `mapstructure:"tracked"`
}

type linkDecl struct {
	ParentField string `mapstructure:"parent_field"`
	ChildField  string `mapstructure:"child_field"`
}

// LoadRegistry reads the type declaration fixture and builds the validated
// registry. The snapshot event type is always registered alongside the
// declared types.
func LoadRegistry(path string) (*record.Registry, error) {
	fixture := viper.New()
	fixture.SetConfigFile(path)
	if err := fixture.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading registry fixture: %w", err)
	}

	var decls []typeDecl
	if err := fixture.UnmarshalKey("types", &decls); err != nil {
		return nil, fmt.Errorf("config: parsing registry fixture: %w", err)
	}

	registry := record.NewRegistry()
	if err := registry.Register(record.TypeSpec{Name: snapshot.EventType}); err != nil {
		return nil, err
	}
	for _, decl := range decls {
		spec := record.TypeSpec{Name: decl.Name}
		for _, owner := range decl.Owners {
			spec.Owners = append(spec.Owners, record.OwnerEdge{
				Field:      owner.Field,
				ParentType: owner.ParentType,
			})
		}
		for _, rel := range decl.Relations {
			spec.Relations = append(spec.Relations, record.RelationSpec{
				Name:               rel.Name,
				Kind:               record.Kind(rel.Kind),
				TargetType:         rel.TargetType,
				ChildField:         rel.ChildField,
				Through:            rel.Through,
				ThroughParentField: rel.ThroughParentField,
				ThroughChildField:  rel.ThroughChildField,
				Tracked:            rel.Tracked,
			})
		}
		if decl.Link != nil {
			spec.Link = &record.LinkRole{
				ParentField: decl.Link.ParentField,
				ChildField:  decl.Link.ChildField,
			}
		}
		if err := registry.Register(spec); err != nil {
			return nil, err
		}
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}
