// Package app is the main orchestrator that ties all relay components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/glasspilot-ai/glasspilot/internal/api"
	"github.com/glasspilot-ai/glasspilot/internal/auth"
	"github.com/glasspilot-ai/glasspilot/internal/browser"
	"github.com/glasspilot-ai/glasspilot/internal/config"
	"github.com/glasspilot-ai/glasspilot/internal/relay"
	"github.com/glasspilot-ai/glasspilot/internal/store"
	"github.com/glasspilot-ai/glasspilot/internal/verify"
)

// App is the main relay process.
type App struct {
	cfg    *config.Config
	store  store.Store
	auth   *auth.Service
	relay  *relay.Service
	api    *api.Server
	logger *slog.Logger
}

// New creates a new relay process from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc, err := auth.New(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	verifier := verify.New(db, logger)

	browsers := browser.NewManager(cfg.Browser, logger)
	execDial := func(ctx context.Context, addr string) (relay.Commander, error) {
		return browsers.Dial(ctx, addr)
	}

	relaySvc := relay.NewService(cfg.Relay, cfg.Server.AllowedOrigins, authSvc, verifier, db, execDial, logger)
	apiSrv := api.NewServer(db, authSvc, relaySvc, cfg, logger)

	a := &App{
		cfg:    cfg,
		store:  db,
		auth:   authSvc,
		relay:  relaySvc,
		api:    apiSrv,
		logger: logger.With("component", "app"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// Run starts the relay HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
		// Channel handlers keep running on upgraded connections, which
		// Shutdown does not touch. Deriving request contexts from ctx is
		// what lets a shutdown reach into open channels.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	if a.cfg.Storage.AuditRetention.Duration > 0 {
		go a.runAuditPurge(ctx, a.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("relay listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down relay gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		a.drainChannels(5 * time.Second)

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}

// drainChannels waits for open channels to finish their teardown, so close
// frames and closing audit writes land before the store goes away.
func (a *App) drainChannels(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		open := len(a.relay.Registry().Snapshot(""))
		if open == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	a.logger.Warn("channels still open after drain timeout", "count", len(a.relay.Registry().Snapshot("")))
}

func (a *App) runAuditPurge(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := a.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				a.logger.Warn("audit retention purge failed", "error", err)
			} else if n > 0 {
				a.logger.Info("purged old audit events", "count", n)
			}
		}
	}
}
