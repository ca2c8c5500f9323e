package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campusportal/pkg/storage"
	"campusportal/pkg/store"
	"campusportal/services/portal/internal/config"
	"github.com/redis/go-redis/v9"
)

// Stores bundles the persistence collaborators of the portal. It is built once
// at startup and passed to New explicitly.
type Stores struct {
	Credentials store.CredentialStore
	Profiles    store.ProfileStore
	Gallery     store.GalleryStore
	Sessions    store.SessionStore
	Media       storage.MediaStore
	// Redis is the shared client when one is configured; nil otherwise.
	Redis redis.UniversalClient

	closers []func() error
}

// OpenStores connects every backend selected by cfg.
func OpenStores(cfg config.FileConfig) (*Stores, error) {
	s := &Stores{}
	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	s.closers = append(s.closers, db.Close)
	s.Credentials, s.Profiles, s.Gallery = db, db, db

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			_ = s.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.Redis = client
		s.closers = append(s.closers, client.Close)
	}

	switch cfg.SessionBackend {
	case config.SessionBackendRedis:
		s.Sessions = store.NewRedisSessionStore(s.Redis, "")
	case config.SessionBackendPostgres:
		s.Sessions = db.Sessions()
	case config.SessionBackendMemory:
		s.Sessions = store.NewMemorySessionStore()
	default:
		_ = s.Close()
		return nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}

	switch cfg.MediaBackend {
	case config.MediaBackendMinio:
		media, err := storage.NewMinioStore(storage.MinioOptions{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.MinioPublicBaseURL,
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("init media store: %w", err)
		}
		s.Media = media
	case config.MediaBackendLocal:
		media, err := storage.NewFileStore(cfg.DataDir, "/media")
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("init media store: %w", err)
		}
		s.Media = media
	default:
		_ = s.Close()
		return nil, fmt.Errorf("unknown media backend %q", cfg.MediaBackend)
	}
	return s, nil
}

// OnClose registers fn to run when the bundle is closed.
func (s *Stores) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases every backend opened by OpenStores, newest first.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Stores) validate() error {
	switch {
	case s == nil:
		return errors.New("stores required")
	case s.Credentials == nil:
		return errors.New("credential store required")
	case s.Profiles == nil:
		return errors.New("profile store required")
	case s.Gallery == nil:
		return errors.New("gallery store required")
	case s.Sessions == nil:
		return errors.New("session store required")
	case s.Media == nil:
		return errors.New("media store required")
	}
	return nil
}
