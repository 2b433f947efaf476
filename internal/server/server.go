// Package server assembles and runs the entitlement service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-entitlements/internal/api"
	"github.com/rcourtman/pulse-entitlements/internal/config"
	"github.com/rcourtman/pulse-entitlements/internal/fulfillment"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rcourtman/pulse-entitlements/internal/revocation"
	"github.com/rcourtman/pulse-entitlements/internal/store"
)

const (
	shutdownTimeout = 30 * time.Second

	// A revocation list is stale after this many missed refreshes.
	staleRefreshes = 3
)

// Server holds the running service's components.
type Server struct {
	cfg            *config.Config
	store          *store.Store
	revocations    *revocation.List
	refresher      *revocation.Refresher
	file           *revocation.FileSource
	verifyLimiter  *api.RateLimiter
	webhookLimiter *api.RateLimiter
	http           *http.Server
}

// New opens the store, loads the revocation sources and builds the HTTP
// handler. Close releases the store when Serve is not called.
func New(ctx context.Context, cfg *config.Config, version string) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	list := revocation.NewList(staleRefreshes * cfg.RevocationRefresh)

	var file *revocation.FileSource
	if cfg.RevocationFile != "" {
		file = revocation.NewFileSource(cfg.RevocationFile)
		if err := file.Load(); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("load revocation file: %w", err)
		}
	}

	refresher := revocation.NewRefresher(list, st, file, cfg.RevocationRefresh)
	// Refuse to serve verifications without a revocation list.
	if err := refresher.Refresh(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load revocations: %w", err)
	}

	processor := fulfillment.NewProcessor(st, cfg.SigningSecret, nil, list.IsRevoked)

	s := &Server{
		cfg:            cfg,
		store:          st,
		revocations:    list,
		refresher:      refresher,
		file:           file,
		verifyLimiter:  api.NewRateLimiter("verify", 0, 0),
		webhookLimiter: api.NewRateLimiter("webhook", 0, 0),
	}

	handler := api.NewHandler(&api.Deps{
		Config:         cfg,
		Store:          st,
		Processor:      processor,
		Revocations:    list,
		Version:        version,
		VerifyLimiter:  s.verifyLimiter,
		WebhookLimiter: s.webhookLimiter,
	})

	s.http = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Close releases the store.
func (s *Server) Close() error {
	return s.store.Close()
}

// Serve runs the HTTP server and background workers on ln until ctx is done,
// then shuts down gracefully and closes the store.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.store.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("Entitlement service listening")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.refresher.Run(gctx)
	})

	if s.file != nil {
		g.Go(func() error {
			return s.file.Watch(gctx)
		})
	}

	g.Go(func() error {
		return s.verifyLimiter.RunPruner(gctx)
	})
	g.Go(func() error {
		return s.webhookLimiter.RunPruner(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Run loads configuration from the environment and serves until ctx is
// cancelled or the process receives SIGINT/SIGTERM.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "entitlements",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := logging.InitFromConfig(ctx, logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlements",
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	log.Info().
		Str("version", version).
		Bool("webhook_enabled", cfg.WebhookEnabled()).
		Bool("revocation_file", cfg.RevocationFile != "").
		Msg("Starting entitlement service")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := New(ctx, cfg, version)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
	}

	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	log.Info().Msg("Entitlement service stopped")
	return nil
}
