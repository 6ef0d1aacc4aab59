// Package hub is the main orchestrator that ties all credithub components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amurg-ai/credithub/internal/api"
	"github.com/amurg-ai/credithub/internal/auth"
	"github.com/amurg-ai/credithub/internal/billing"
	"github.com/amurg-ai/credithub/internal/chat"
	"github.com/amurg-ai/credithub/internal/config"
	"github.com/amurg-ai/credithub/internal/credits"
	"github.com/amurg-ai/credithub/internal/store"
)

// Hub is the main credithub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	ledger       *credits.Service
	model        *chat.GeminiModel
	api          *api.Server
	logger       *slog.Logger
}

// OpenLedger opens the configured store and a credit ledger over it. The caller owns
// the returned store and must close it.
func OpenLedger(cfg *config.Config, logger *slog.Logger) (*credits.Service, store.Store, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("init storage: %w", err)
	}
	ledger := credits.NewService(db, logger, credits.WithMaxAttempts(cfg.Credits.MaxConsumeAttempts))
	return ledger, db, nil
}

// New creates a new hub from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	ledger, db, err := OpenLedger(cfg, logger)
	if err != nil {
		return nil, err
	}

	authProvider, err := auth.NewProvider(ctx, cfg.Auth, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		ledger:       ledger,
		logger:       logger.With("component", "hub"),
	}

	deps := api.Deps{
		Store:         db,
		AuthProvider:  authProvider,
		LoginProvider: loginProvider,
		Ledger:        ledger,
	}

	if cfg.Billing.Enabled {
		deps.Billing = billing.NewSyncer(db, ledger, logger)
	}

	if cfg.Chat.APIKey != "" {
		model, err := chat.NewGeminiModel(ctx, cfg.Chat.APIKey, cfg.Chat.Model)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init chat model: %w", err)
		}
		h.model = model
		deps.Chat = chat.NewService(ledger, model, cfg.Credits.TokensPerCredit, logger)
	} else {
		logger.Info("chat disabled, no api key configured")
	}

	h.api = api.NewServer(deps, cfg, logger)

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if !cfg.Billing.Enabled {
		logger.Warn("billing webhooks disabled, credits can only be granted out of band")
	}

	return h, nil
}

// Handler returns the HTTP handler of the API server.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.api.StartBackgroundTasks(ctx)
	go h.runSweeper(ctx, h.cfg.Credits.SweepInterval.Duration)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("credithub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.Close()
		return err
	}
}

// Close releases the chat client and the store.
func (h *Hub) Close() {
	if h.model != nil {
		if err := h.model.Close(); err != nil {
			h.logger.Warn("close chat model", "error", err)
		}
	}
	h.logger.Info("closing store")
	_ = h.store.Close()
}

// runSweeper expires stale credit packages every interval until ctx is done.
func (h *Hub) runSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce(ctx)
		}
	}
}

func (h *Hub) sweepOnce(ctx context.Context) int64 {
	n, err := h.ledger.ExpireStalePackages(ctx)
	if err != nil {
		h.logger.Warn("expiry sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		h.logger.Info("expiry sweep: expired stale packages", "count", n)
	}
	return n
}
