package store

import (
	"context"
	"errors"
	"time"

	"campusportal/pkg/domain"
)

// ErrDuplicate is returned when a write violates a unique key.
var ErrDuplicate = errors.New("store: duplicate key")

// CredentialStore persists user credential records.
type CredentialStore interface {
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	HasUsernameOrEmail(ctx context.Context, username, email string) (bool, error)
}

// ProfileStore persists one profile per user.
type ProfileStore interface {
	GetProfileByUserID(ctx context.Context, userID string) (domain.Profile, bool, error)
	// UpsertProfile creates the profile for p.UserID or replaces its mutable
	// fields, keeping the stored ID and CreatedAt. It returns the stored record.
	UpsertProfile(ctx context.Context, p domain.Profile) (domain.Profile, error)
}

// GalleryStore persists gallery image references.
type GalleryStore interface {
	AddGalleryImage(ctx context.Context, img domain.GalleryImage) error
	// ListGalleryImages returns all images, newest first.
	ListGalleryImages(ctx context.Context) ([]domain.GalleryImage, error)
}

// Store bundles the record stores backed by one database.
type Store interface {
	CredentialStore
	ProfileStore
	GalleryStore
	Close() error
}

// SessionStore persists server-side sessions keyed by token.
type SessionStore interface {
	SaveSession(ctx context.Context, s domain.Session) error
	// GetSession returns found=false for unknown or expired tokens.
	GetSession(ctx context.Context, token string) (domain.Session, bool, error)
	// DeleteSession is idempotent.
	DeleteSession(ctx context.Context, token string) error
	// SetDisplayName updates the cached display name without touching expiry.
	// Unknown tokens are ignored.
	SetDisplayName(ctx context.Context, token, name string) error
}

// ExpiredSessionSweeper is implemented by session stores without native expiry.
type ExpiredSessionSweeper interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}
