package record

import (
	"errors"
	"testing"
)

func galleryRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	specs := []TypeSpec{
		{Name: "page", Relations: []RelationSpec{{
			Name:               "images",
			Kind:               KindManyMany,
			TargetType:         "image",
			Through:            "page_image",
			ThroughParentField: "page",
			ThroughChildField:  "image",
			Tracked:            true,
		}}},
		{Name: "image"},
		{Name: "page_image", Link: &LinkRole{ParentField: "page", ChildField: "image"}},
		{Name: "block", Owners: []OwnerEdge{{Field: "page", ParentType: "page"}}},
	}
	for _, spec := range specs {
		if err := registry.Register(spec); err != nil {
			t.Fatalf("failed to register %q: %v", spec.Name, err)
		}
	}
	if err := registry.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	return registry
}

func TestRegisterRejectsMalformedSpecs(t *testing.T) {
	cases := []struct {
		name string
		spec TypeSpec
	}{
		{name: "empty name", spec: TypeSpec{}},
		{name: "unnamed relation", spec: TypeSpec{Name: "page", Relations: []RelationSpec{{Kind: KindHasMany, TargetType: "block", ChildField: "page"}}}},
		{name: "has_many without child field", spec: TypeSpec{Name: "page", Relations: []RelationSpec{{Name: "blocks", Kind: KindHasMany, TargetType: "block"}}}},
		{name: "many_many without through", spec: TypeSpec{Name: "page", Relations: []RelationSpec{{Name: "images", Kind: KindManyMany, TargetType: "image"}}}},
		{name: "unknown kind", spec: TypeSpec{Name: "page", Relations: []RelationSpec{{Name: "blocks", Kind: "owns", TargetType: "block"}}}},
	}
	for _, testCase := range cases {
		registry := NewRegistry()
		if err := registry.Register(testCase.spec); !errors.Is(err, ErrInvalidTypeSpec) {
			t.Fatalf("%s: expected ErrInvalidTypeSpec, got %v", testCase.name, err)
		}
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(TypeSpec{Name: "page"}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := registry.Register(TypeSpec{Name: "page"}); !errors.Is(err, ErrInvalidTypeSpec) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestValidateCrossChecksReferences(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(TypeSpec{
		Name:   "block",
		Owners: []OwnerEdge{{Field: "page", ParentType: "page"}},
	}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := registry.Validate(); !errors.Is(err, ErrTypeNotRegistered) {
		t.Fatalf("expected dangling owner edge error, got %v", err)
	}
}

func TestValidateRequiresLinkRoleToMatchRelation(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(TypeSpec{
		Name: "orphan_link",
		Link: &LinkRole{ParentField: "a", ChildField: "b"},
	}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := registry.Validate(); !errors.Is(err, ErrInvalidTypeSpec) {
		t.Fatalf("expected unmatched link role error, got %v", err)
	}
}

func TestRegistryLookups(t *testing.T) {
	registry := galleryRegistry(t)

	if !registry.IsRegistered("page") || registry.IsRegistered("widget") {
		t.Fatalf("unexpected registration state")
	}
	rel, ok := registry.Relation("page", "images")
	if !ok || rel.Through != "page_image" {
		t.Fatalf("unexpected relation %#v ok=%v", rel, ok)
	}
	if _, ok := registry.Relation("page", "missing"); ok {
		t.Fatalf("expected missing relation to be absent")
	}
	tracked := registry.TrackedRelations("page")
	if len(tracked) != 1 || tracked[0].Name != "images" {
		t.Fatalf("unexpected tracked relations %#v", tracked)
	}
	role, ok := registry.LinkRoleOf("page_image")
	if !ok || role.ParentField != "page" || role.ChildField != "image" {
		t.Fatalf("unexpected link role %#v ok=%v", role, ok)
	}
	if _, ok := registry.LinkRoleOf("image"); ok {
		t.Fatalf("expected image to have no link role")
	}
}

func TestOwnerEdgesInto(t *testing.T) {
	registry := galleryRegistry(t)
	edges := registry.ownerEdgesInto("page")
	if len(edges) != 1 || edges[0].ChildType != "block" || edges[0].Edge.Field != "page" {
		t.Fatalf("unexpected edges %#v", edges)
	}
	if edges := registry.ownerEdgesInto("image"); len(edges) != 0 {
		t.Fatalf("expected no edges into image, got %#v", edges)
	}
}
