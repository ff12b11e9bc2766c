package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service. The schema is migrated by the database package.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Resolve returns the identity with its canonical user id, creating the provider mapping the
// first time a provider+subject pair is seen and refreshing profile fields afterwards.
func (s *Service) Resolve(ctx context.Context, identity auth.Identity) (auth.Identity, error) {
	canonical, err := s.resolveCanonicalUserID(ctx, identity)
	if err != nil {
		return auth.Identity{}, err
	}
	identity.UserID = canonical
	return identity, nil
}

func (s *Service) resolveCanonicalUserID(ctx context.Context, identity auth.Identity) (string, error) {
	provider, subject := deriveProviderSubject(identity)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return canonicalIdentifier, nil
		}
	}

	var record Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&record).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(identity.Email),
			DisplayName: normalize(identity.DisplayName),
			AvatarURL:   normalize(identity.AvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(identity.Email); email != "" && email != record.Email {
			updates["user_email"] = email
		}
		if display := normalize(identity.DisplayName); display != "" && display != record.DisplayName {
			updates["user_display_name"] = display
		}
		if avatar := normalize(identity.AvatarURL); avatar != "" && avatar != record.AvatarURL {
			updates["user_avatar_url"] = avatar
		}
		updates["last_seen_at"] = s.now()
		_ = s.db.WithContext(ctx).
			Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	s.cache.Store(cacheKey, record.UserID)
	return record.UserID, nil
}

func deriveProviderSubject(identity auth.Identity) (string, string) {
	provider := "default"
	subject := ""

	raw := normalize(identity.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(identity.Email)
	}

	return provider, subject
}

// PassthroughResolver accepts identities as issued. It serves deployments whose durable store
// carries no identity table.
type PassthroughResolver struct{}

// Resolve strips a provider prefix from the user id and returns the identity.
func (PassthroughResolver) Resolve(_ context.Context, identity auth.Identity) (auth.Identity, error) {
	_, subject := deriveProviderSubject(identity)
	if subject == "" {
		return auth.Identity{}, ErrInvalidIdentity
	}
	identity.UserID = subject
	return identity, nil
}
