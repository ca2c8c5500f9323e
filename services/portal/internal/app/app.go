package app

import (
	"time"

	"campusportal/pkg/storage"
	"campusportal/pkg/store"
)

// DefaultMaxUploadBytes caps gallery and profile photo uploads.
const DefaultMaxUploadBytes = 5 << 20

// Config holds runtime configuration for the core application.
type Config struct {
	Stores          *Stores
	SessionTTL      time.Duration
	SignupAutoLogin bool
	MaxUploadBytes  int64
}

// App wires the auth, profile and gallery flows over the stores bundle.
type App struct {
	credentials store.CredentialStore
	profiles    store.ProfileStore
	gallery     store.GalleryStore
	sessions    *SessionManager
	media       storage.MediaStore
	autoLogin   bool
	maxUpload   int64
	now         func() time.Time
}

// New constructs the application from an opened stores bundle.
func New(cfg Config) (*App, error) {
	if err := cfg.Stores.validate(); err != nil {
		return nil, err
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &App{
		credentials: cfg.Stores.Credentials,
		profiles:    cfg.Stores.Profiles,
		gallery:     cfg.Stores.Gallery,
		sessions:    NewSessionManager(cfg.Stores.Sessions, cfg.SessionTTL),
		media:       cfg.Stores.Media,
		autoLogin:   cfg.SignupAutoLogin,
		maxUpload:   maxUpload,
		now:         time.Now,
	}, nil
}

// Sessions exposes the session manager used by the HTTP layer.
func (a *App) Sessions() *SessionManager {
	return a.sessions
}

// SignupAutoLogin reports whether signup returns a session token.
func (a *App) SignupAutoLogin() bool {
	return a.autoLogin
}

// MaxUploadBytes returns the upload size cap.
func (a *App) MaxUploadBytes() int64 {
	return a.maxUpload
}
