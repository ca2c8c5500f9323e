package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusportal/internal/util"
	"campusportal/pkg/storage"
	"campusportal/services/portal/internal/app"
	"campusportal/services/portal/internal/config"
	"campusportal/services/portal/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, app.OpenStores)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}

// run serves until ctx is done. It returns instead of exiting so the stores
// opened here are always closed.
func run(ctx context.Context, cfg config.FileConfig, openStores func(config.FileConfig) (*app.Stores, error)) error {
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("failed to parse session TTL: %w", err)
	}
	sweepEvery, err := config.ParseSweepInterval(cfg.SessionSweepInterval)
	if err != nil {
		return fmt.Errorf("failed to parse sweep interval: %w", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	stores, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error("close stores", "err", err)
		}
	}()

	appCore, err := app.New(app.Config{
		Stores:          stores,
		SessionTTL:      sessionTTL,
		SignupAutoLogin: cfg.AutoLogin(),
		MaxUploadBytes:  cfg.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to init app: %w", err)
	}

	srvCfg := server.Config{
		App:                      appCore,
		Redis:                    stores.Redis,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		CookieName:               cfg.SessionCookieName,
		CookieSecure:             cfg.SessionCookieSecure,
		FailOpen:                 cfg.FailOpen(),
		AllowedOrigins:           cfg.AllowedOrigins,
		TrustedProxyCIDRs:        cfg.TrustedProxyCIDRs,
	}
	if fs, ok := stores.Media.(*storage.FileStore); ok {
		srvCfg.MediaRoot = fs.Root()
	} else if cfg.MinioPublicBaseURL != "" {
		srvCfg.ImageSources = []string{cfg.MinioPublicBaseURL}
	}
	httpServer, err := server.New(srvCfg)
	if err != nil {
		return fmt.Errorf("failed to init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "session_backend", cfg.SessionBackend, "media_backend", cfg.MediaBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweepSessions(gctx, appCore.Sessions(), sweepEvery)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		return err
	}
	return nil
}

func sweepSessions(ctx context.Context, sessions *app.SessionManager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.Sweep(ctx)
			if err != nil {
				slog.Warn("session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("expired sessions removed", "count", n)
			}
		}
	}
}
