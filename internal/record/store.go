package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mosaicms/chronicle/internal/identity"
)

const maxOwnedWalkDepth = 50

var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("record: not found")
	// ErrUnknownRelation indicates a membership query named an undeclared relation.
	ErrUnknownRelation = errors.New("record: unknown relation")
	// ErrNotPublished indicates a revert was requested for a record with no live version.
	ErrNotPublished = errors.New("record: no live version to revert to")
	// ErrNoHistory indicates no history entry exists at or before the requested time.
	ErrNoHistory = errors.New("record: no history at requested time")

	errMissingDatabase = errors.New("record: database handle is required")
	errMissingRegistry = errors.New("record: registry is required")

	noOpLogger = zap.NewNop()
)

// Hooks receives write-path notifications from the store. The snapshot
// tracker implements this to capture every qualifying action.
type Hooks interface {
	AfterWrite(ctx context.Context, ref identity.Ref, prevRefs, currRefs map[string]identity.Ref, created bool) error
	AfterDelete(ctx context.Context, ref identity.Ref) error
	AfterPublish(ctx context.Context, origin identity.Ref, published []identity.Ref) error
}

// StoreConfig configures the versioned record store.
type StoreConfig struct {
	Database *gorm.DB
	Registry *Registry
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the reference versioned record store: draft rows, an append-only
// version history, foreign-key ref rows, and relation baselines advanced on
// publish.
type Store struct {
	db       *gorm.DB
	registry *Registry
	clock    func() time.Time
	logger   *zap.Logger
	hooks    Hooks
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, registry: cfg.Registry, clock: clock, logger: logger}, nil
}

// SetHooks wires the write-path observer. Wired after construction because
// the tracker needs the store as well.
func (s *Store) SetHooks(hooks Hooks) {
	s.hooks = hooks
}

// Registry exposes the declaration table the store was built with.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Write creates or updates the draft state of a record, bumps its version,
// replaces its foreign-key rows and appends a history entry. Hooks fire
// after the transaction commits.
func (s *Store) Write(ctx context.Context, draft Draft) (*Row, error) {
	if !s.registry.IsRegistered(draft.Type) {
		return nil, fmt.Errorf("%w: %q", ErrTypeNotRegistered, draft.Type)
	}

	var (
		row      Row
		created  bool
		prevRefs map[string]identity.Ref
	)
	now := s.clock().UTC().Unix()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recordID := draft.ID
		if recordID == 0 {
			nextID, err := nextRecordID(tx, draft.Type)
			if err != nil {
				return err
			}
			recordID = nextID
		}

		err := tx.Where("record_type = ? AND record_id = ?", draft.Type, recordID).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			row = Row{
				RecordType:       draft.Type,
				RecordID:         recordID,
				Version:          1,
				CreatedAtSeconds: now,
			}
		case err != nil:
			return err
		default:
			row.Version++
		}

		prevRefs, err = loadRefs(tx, identity.Ref{Type: draft.Type, ID: recordID})
		if err != nil {
			return err
		}

		row.Title = draft.Title
		row.PayloadJSON = draft.PayloadJSON
		row.IsDeleted = false
		row.UpdatedAtSeconds = now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}

		if err := tx.Where("record_type = ? AND record_id = ?", draft.Type, recordID).
			Delete(&RefRow{}).Error; err != nil {
			return err
		}
		for field, target := range draft.Refs {
			if target.IsZero() {
				continue
			}
			refRow := RefRow{
				RecordType: draft.Type,
				RecordID:   recordID,
				Field:      field,
				TargetType: target.Type,
				TargetID:   target.ID,
			}
			if err := tx.Create(&refRow).Error; err != nil {
				return err
			}
		}

		history := VersionRow{
			RecordType:       row.RecordType,
			RecordID:         row.RecordID,
			Version:          row.Version,
			Title:            row.Title,
			PayloadJSON:      row.PayloadJSON,
			WasDraft:         true,
			CreatedAtSeconds: now,
		}
		return tx.Create(&history).Error
	})
	if txErr != nil {
		s.logError("record.write", txErr, zap.String("record_type", draft.Type))
		return nil, txErr
	}

	if s.hooks != nil {
		currRefs := refsOf(draft)
		if err := s.hooks.AfterWrite(ctx, row.Ref(), prevRefs, currRefs, created); err != nil {
			return nil, err
		}
	}
	return &row, nil
}

// Delete marks a record deleted on draft. The row stays behind so history
// queries keep resolving; a later write revives it.
func (s *Store) Delete(ctx context.Context, ref identity.Ref) error {
	var row Row
	now := s.clock().UTC().Unix()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := takeRow(tx, ref, &row); err != nil {
			return err
		}
		row.IsDeleted = true
		row.Version++
		row.UpdatedAtSeconds = now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		history := VersionRow{
			RecordType:       row.RecordType,
			RecordID:         row.RecordID,
			Version:          row.Version,
			Title:            row.Title,
			PayloadJSON:      row.PayloadJSON,
			WasDraft:         true,
			WasDeleted:       true,
			CreatedAtSeconds: now,
		}
		return tx.Create(&history).Error
	})
	if txErr != nil {
		return txErr
	}

	if s.hooks != nil {
		return s.hooks.AfterDelete(ctx, ref)
	}
	return nil
}

// Publish makes the draft state of a record live, then recursively publishes
// everything it transitively owns. Each published record is staged as a new
// version, so the version currently live is always strictly newer than any
// draft activity that preceded the publish. Relation baselines advance
// alongside so the next diff compares against the just-published membership.
func (s *Store) Publish(ctx context.Context, ref identity.Ref) error {
	targets, err := s.publishClosure(ctx, ref)
	if err != nil {
		return err
	}

	now := s.clock().UTC().Unix()
	published := make([]identity.Ref, 0, len(targets))

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, target := range targets {
			var row Row
			if err := takeRow(tx, target, &row); err != nil {
				return err
			}
			if row.IsDeleted {
				continue
			}
			row.Version++
			row.LiveVersion = row.Version
			row.UpdatedAtSeconds = now
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
			history := VersionRow{
				RecordType:       row.RecordType,
				RecordID:         row.RecordID,
				Version:          row.Version,
				Title:            row.Title,
				PayloadJSON:      row.PayloadJSON,
				WasPublished:     true,
				CreatedAtSeconds: now,
			}
			if err := tx.Create(&history).Error; err != nil {
				return err
			}
			if err := s.refreshBaselines(tx, target, now); err != nil {
				return err
			}
			published = append(published, target)
		}
		return nil
	})
	if txErr != nil {
		s.logError("record.publish", txErr, zap.String("record", ref.String()))
		return txErr
	}

	if s.hooks != nil && len(published) > 0 {
		return s.hooks.AfterPublish(ctx, ref, published)
	}
	return nil
}

// Revert copies the live state back onto the draft as a fresh write.
func (s *Store) Revert(ctx context.Context, ref identity.Ref) error {
	row, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	if !row.IsPublished() {
		return fmt.Errorf("%w: %s", ErrNotPublished, ref)
	}

	var live VersionRow
	err = s.db.WithContext(ctx).
		Where("record_type = ? AND record_id = ? AND version = ? AND was_published = ?",
			ref.Type, ref.ID, row.LiveVersion, true).
		Order("id DESC").
		Take(&live).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNoHistory, ref)
		}
		return err
	}

	refs, err := loadRefs(s.db.WithContext(ctx), ref)
	if err != nil {
		return err
	}
	_, err = s.Write(ctx, Draft{
		Type:        ref.Type,
		ID:          ref.ID,
		Title:       live.Title,
		PayloadJSON: live.PayloadJSON,
		Refs:        refs,
	})
	return err
}

// Get returns the current draft row of a record.
func (s *Store) Get(ctx context.Context, ref identity.Ref) (*Row, error) {
	var row Row
	if err := takeRow(s.db.WithContext(ctx), ref, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// GetMany resolves refs into rows in one query per record type. Missing
// records are silently absent from the result.
func (s *Store) GetMany(ctx context.Context, refs []identity.Ref) (map[string]Row, error) {
	byType := map[string][]int64{}
	for _, ref := range refs {
		byType[ref.Type] = append(byType[ref.Type], ref.ID)
	}
	out := make(map[string]Row, len(refs))
	for recordType, ids := range byType {
		var rows []Row
		if err := s.db.WithContext(ctx).
			Where("record_type = ? AND record_id IN ?", recordType, ids).
			Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			out[row.Ref().Hash()] = row
		}
	}
	return out, nil
}

// Exists reports whether the record has a draft row.
func (s *Store) Exists(ctx context.Context, ref identity.Ref) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Row{}).
		Where("record_type = ? AND record_id = ?", ref.Type, ref.ID).
		Count(&count).Error
	return count > 0, err
}

// Owners returns the direct owners of a record, resolved from its declared
// ownership edges.
func (s *Store) Owners(ctx context.Context, ref identity.Ref) ([]identity.Ref, error) {
	spec, ok := s.registry.Spec(ref.Type)
	if !ok {
		return nil, nil
	}
	refs, err := loadRefs(s.db.WithContext(ctx), ref)
	if err != nil {
		return nil, err
	}
	var owners []identity.Ref
	for _, edge := range spec.Owners {
		target, ok := refs[edge.Field]
		if !ok || target.Type != edge.ParentType {
			continue
		}
		owners = append(owners, target)
	}
	return owners, nil
}

// Owned returns the records directly owned by the given record: every
// registered owner edge pointing at its type, resolved in reverse.
func (s *Store) Owned(ctx context.Context, ref identity.Ref) ([]identity.Ref, error) {
	var owned []identity.Ref
	for _, into := range s.registry.ownerEdgesInto(ref.Type) {
		var refRows []RefRow
		err := s.db.WithContext(ctx).
			Where("record_type = ? AND field = ? AND target_type = ? AND target_id = ?",
				into.ChildType, into.Edge.Field, ref.Type, ref.ID).
			Order("record_id ASC").
			Find(&refRows).Error
		if err != nil {
			return nil, err
		}
		for _, refRow := range refRows {
			owned = append(owned, identity.Ref{Type: refRow.RecordType, ID: refRow.RecordID})
		}
	}
	return owned, nil
}

// RelationMembers returns the current {childID: version} membership of a
// declared relation. Deleted children are not members.
func (s *Store) RelationMembers(ctx context.Context, parent identity.Ref, relationName string) (map[int64]int64, error) {
	return s.relationMembers(s.db.WithContext(ctx), parent, relationName)
}

func (s *Store) relationMembers(tx *gorm.DB, parent identity.Ref, relationName string) (map[int64]int64, error) {
	rel, ok := s.registry.Relation(parent.Type, relationName)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelation, parent.Type, relationName)
	}
	switch rel.Kind {
	case KindHasMany:
		return s.hasManyMembers(tx, parent, rel)
	case KindManyMany:
		return s.manyManyMembers(tx, parent, rel)
	default:
		return nil, fmt.Errorf("%w: %s.%s kind %q", ErrUnknownRelation, parent.Type, relationName, rel.Kind)
	}
}

// LiveRelationMembers returns the membership captured at the record's last
// publish. Never-published relations have empty membership.
func (s *Store) LiveRelationMembers(ctx context.Context, parent identity.Ref, relationName string) (map[int64]int64, error) {
	if _, ok := s.registry.Relation(parent.Type, relationName); !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelation, parent.Type, relationName)
	}
	var baseline BaselineRow
	err := s.db.WithContext(ctx).
		Where("record_hash = ? AND relation = ?", parent.Hash(), relationName).
		Take(&baseline).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return map[int64]int64{}, nil
	}
	if err != nil {
		return nil, err
	}
	members := map[int64]int64{}
	if err := json.Unmarshal([]byte(baseline.MembersJSON), &members); err != nil {
		return nil, err
	}
	return members, nil
}

// SaveBaseline persists the observed membership of one tracked relation as
// the new diff baseline.
func (s *Store) SaveBaseline(ctx context.Context, parent identity.Ref, relationName string, members map[int64]int64) error {
	if _, ok := s.registry.Relation(parent.Type, relationName); !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownRelation, parent.Type, relationName)
	}
	encoded, err := json.Marshal(members)
	if err != nil {
		return err
	}
	baseline := BaselineRow{
		RecordHash:       parent.Hash(),
		Relation:         relationName,
		MembersJSON:      string(encoded),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).Save(&baseline).Error
}

// AtTime returns the latest draft-visible history entry of a record at or
// before the given instant.
func (s *Store) AtTime(ctx context.Context, ref identity.Ref, at time.Time) (*VersionRow, error) {
	var entry VersionRow
	err := s.db.WithContext(ctx).
		Where("record_type = ? AND record_id = ? AND created_at_s <= ?", ref.Type, ref.ID, at.UTC().Unix()).
		Order("version DESC, id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s at %s", ErrNoHistory, ref, at.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// HistoryAscending streams the full version history of one record type in
// insertion order. Input to the batch snapshot rebuild.
func (s *Store) HistoryAscending(ctx context.Context, recordType string) ([]VersionRow, error) {
	var entries []VersionRow
	err := s.db.WithContext(ctx).
		Where("record_type = ?", recordType).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// Refs returns the current foreign-key values of a record.
func (s *Store) Refs(ctx context.Context, ref identity.Ref) (map[string]identity.Ref, error) {
	return loadRefs(s.db.WithContext(ctx), ref)
}

func (s *Store) hasManyMembers(tx *gorm.DB, parent identity.Ref, rel RelationSpec) (map[int64]int64, error) {
	var refRows []RefRow
	err := tx.
		Where("record_type = ? AND field = ? AND target_type = ? AND target_id = ?",
			rel.TargetType, rel.ChildField, parent.Type, parent.ID).
		Find(&refRows).Error
	if err != nil {
		return nil, err
	}
	children := make([]identity.Ref, 0, len(refRows))
	for _, refRow := range refRows {
		children = append(children, identity.Ref{Type: refRow.RecordType, ID: refRow.RecordID})
	}
	return memberVersions(tx, children)
}

func (s *Store) manyManyMembers(tx *gorm.DB, parent identity.Ref, rel RelationSpec) (map[int64]int64, error) {
	var junctionRefs []RefRow
	err := tx.
		Where("record_type = ? AND field = ? AND target_type = ? AND target_id = ?",
			rel.Through, rel.ThroughParentField, parent.Type, parent.ID).
		Find(&junctionRefs).Error
	if err != nil {
		return nil, err
	}
	var children []identity.Ref
	for _, junctionRef := range junctionRefs {
		var childRef RefRow
		err := tx.
			Where("record_type = ? AND record_id = ? AND field = ?",
				rel.Through, junctionRef.RecordID, rel.ThroughChildField).
			Take(&childRef).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		children = append(children, childRef.Target())
	}
	return memberVersions(tx, children)
}

func memberVersions(tx *gorm.DB, children []identity.Ref) (map[int64]int64, error) {
	members := map[int64]int64{}
	byType := map[string][]int64{}
	for _, child := range children {
		byType[child.Type] = append(byType[child.Type], child.ID)
	}
	for recordType, ids := range byType {
		var rows []Row
		if err := tx.
			Where("record_type = ? AND record_id IN ?", recordType, ids).
			Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			if row.IsDeleted {
				continue
			}
			members[row.RecordID] = row.Version
		}
	}
	return members, nil
}

// publishClosure returns the record plus everything it transitively owns,
// breadth-first, deduplicated by identity hash and depth-capped against
// miswired ownership cycles.
func (s *Store) publishClosure(ctx context.Context, ref identity.Ref) ([]identity.Ref, error) {
	if _, err := s.Get(ctx, ref); err != nil {
		return nil, err
	}
	ordered := []identity.Ref{ref}
	visited := map[string]bool{ref.Hash(): true}
	frontier := []identity.Ref{ref}
	for depth := 0; depth < maxOwnedWalkDepth && len(frontier) > 0; depth++ {
		var next []identity.Ref
		for _, current := range frontier {
			owned, err := s.Owned(ctx, current)
			if err != nil {
				return nil, err
			}
			for _, child := range owned {
				hash := child.Hash()
				if visited[hash] {
					continue
				}
				visited[hash] = true
				ordered = append(ordered, child)
				next = append(next, child)
			}
		}
		frontier = next
	}
	return ordered, nil
}

// refreshBaselines advances the published membership baselines for every
// tracked relation of the record.
func (s *Store) refreshBaselines(tx *gorm.DB, ref identity.Ref, now int64) error {
	for _, rel := range s.registry.TrackedRelations(ref.Type) {
		members, err := s.relationMembers(tx, ref, rel.Name)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(members)
		if err != nil {
			return err
		}
		baseline := BaselineRow{
			RecordHash:       ref.Hash(),
			Relation:         rel.Name,
			MembersJSON:      string(encoded),
			UpdatedAtSeconds: now,
		}
		if err := tx.Save(&baseline).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", operation), zap.Error(err)}, fields...)
	s.logger.Error("record store error", attrs...)
}

func takeRow(tx *gorm.DB, ref identity.Ref, row *Row) error {
	err := tx.Where("record_type = ? AND record_id = ?", ref.Type, ref.ID).Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return err
}

func loadRefs(tx *gorm.DB, ref identity.Ref) (map[string]identity.Ref, error) {
	var refRows []RefRow
	if err := tx.Where("record_type = ? AND record_id = ?", ref.Type, ref.ID).Find(&refRows).Error; err != nil {
		return nil, err
	}
	refs := make(map[string]identity.Ref, len(refRows))
	for _, refRow := range refRows {
		refs[refRow.Field] = refRow.Target()
	}
	return refs, nil
}

func refsOf(draft Draft) map[string]identity.Ref {
	refs := make(map[string]identity.Ref, len(draft.Refs))
	for field, target := range draft.Refs {
		if target.IsZero() {
			continue
		}
		refs[field] = target
	}
	return refs
}

func nextRecordID(tx *gorm.DB, recordType string) (int64, error) {
	var maxID *int64
	err := tx.Model(&Row{}).
		Where("record_type = ?", recordType).
		Select("MAX(record_id)").
		Scan(&maxID).Error
	if err != nil {
		return 0, err
	}
	if maxID == nil {
		return 1, nil
	}
	return *maxID + 1, nil
}
