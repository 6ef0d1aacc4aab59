package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/amurg-ai/credithub/internal/config"
	"github.com/amurg-ai/credithub/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(ctx context.Context, cfg config.AuthConfig, s store.Store, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "jwks":
		return NewJWKSProvider(ctx, cfg.Issuer, s, logger)
	case "builtin", "":
		return NewService(s, cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
