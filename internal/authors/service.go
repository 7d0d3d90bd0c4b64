package authors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInvalidSubject indicates the caller supplied no usable identifier.
var ErrInvalidSubject = errors.New("authors: invalid subject")

// IDProvider mints author identifiers.
type IDProvider func() (string, error)

// UUIDProvider returns time-ordered UUIDv7 identifiers.
func UUIDProvider() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ServiceConfig describes the dependencies required for author resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service maps external subjects to canonical author ids, creating the
// author row on first sight.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	newID IDProvider
	cache sync.Map
}

// NewService constructs the author service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("authors: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	provider := cfg.IDProvider
	if provider == nil {
		provider = UUIDProvider
	}
	return &Service{db: cfg.Database, now: clock, newID: provider}, nil
}

// Resolve returns the canonical author id for a subject, creating the author
// when the subject has not been seen before. Known authors pick up changed
// display names and emails on the way through.
func (s *Service) Resolve(ctx context.Context, subject, displayName, email string) (string, error) {
	subject = normalize(subject)
	if subject == "" {
		return "", ErrInvalidSubject
	}

	if cached, ok := s.cache.Load(subject); ok {
		if authorID, ok := cached.(string); ok {
			return authorID, nil
		}
	}

	var author Author
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject).
		First(&author).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		authorID, idErr := s.newID()
		if idErr != nil {
			return "", idErr
		}
		author = Author{
			ID:          authorID,
			Subject:     subject,
			DisplayName: normalize(displayName),
			Email:       normalize(email),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&author).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if name := normalize(displayName); name != "" && name != author.DisplayName {
			updates["display_name"] = name
		}
		if address := normalize(email); address != "" && address != author.Email {
			updates["email"] = address
		}
		updates["last_seen_at"] = s.now()
		if len(updates) > 0 {
			_ = s.db.WithContext(ctx).Model(&Author{}).
				Where("subject = ?", subject).
				Updates(updates).
				Error
		}
	}

	s.cache.Store(subject, author.ID)
	return author.ID, nil
}

// Get returns one author by canonical id.
func (s *Service) Get(ctx context.Context, authorID string) (*Author, error) {
	var author Author
	err := s.db.WithContext(ctx).Where("id = ?", authorID).First(&author).Error
	if err != nil {
		return nil, err
	}
	return &author, nil
}
