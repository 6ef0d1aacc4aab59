package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/amurg-ai/credithub/internal/store"
)

// JWKSProvider validates tokens issued by an external identity provider. Users seen
// for the first time are provisioned in the store, keyed on the token subject.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewJWKSProvider fetches signing keys from <issuer>/.well-known/jwks.json and keeps
// them refreshed in the background until ctx is done.
func NewJWKSProvider(ctx context.Context, issuer string, s store.Store, logger *slog.Logger) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("jwks issuer URL is required")
	}
	issuer = strings.TrimRight(issuer, "/")

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return newJWKSProvider(issuer, jwks, s, logger), nil
}

func newJWKSProvider(issuer string, jwks keyfunc.Keyfunc, s store.Store, logger *slog.Logger) *JWKSProvider {
	return &JWKSProvider{
		issuer: issuer,
		jwks:   jwks,
		store:  s,
		logger: logger.With("component", "auth", "provider", "jwks"),
		now:    time.Now,
	}
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// Bootstrap is a no-op; users are managed by the identity provider.
func (p *JWKSProvider) Bootstrap(ctx context.Context) error { return nil }

// ValidateToken verifies the token signature, issuer and expiry, then maps the subject
// to a credithub user, creating one on first sight.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}

	user, err := p.provision(ctx, sub, claims)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: user.ID, Username: user.Username, Role: user.Role}, nil
}

func (p *JWKSProvider) provision(ctx context.Context, sub string, claims jwt.MapClaims) (*store.User, error) {
	user, err := p.store.GetUserByExternalID(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user != nil {
		return user, nil
	}

	role := RoleUser
	if claimStr(claims, "role") == RoleAdmin || claimStr(claims, "org_role") == "org:admin" {
		role = RoleAdmin
	}

	// The id is derived from issuer and subject so concurrent first requests collide on
	// the primary key instead of creating two users.
	user = &store.User{
		ID:         uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.issuer+"#"+sub)).String(),
		ExternalID: sub,
		Username:   displayName(claims, sub),
		Role:       role,
		CreatedAt:  p.now().UTC(),
	}
	for _, username := range []string{user.Username, sub} {
		user.Username = username
		createErr := p.store.CreateUser(ctx, user)
		if createErr == nil {
			p.logger.Info("provisioned user", "user_id", user.ID, "username", user.Username, "role", role)
			return user, nil
		}
		existing, err := p.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("get user: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
		p.logger.Debug("create user failed, retrying with subject as username", "username", username, "error", createErr)
	}
	return nil, fmt.Errorf("provision user %s: username taken", sub)
}

// displayName builds a human-readable username from the available claims.
func displayName(claims jwt.MapClaims, sub string) string {
	first, last := claimStr(claims, "first_name"), claimStr(claims, "last_name")
	switch {
	case claimStr(claims, "preferred_username") != "":
		return claimStr(claims, "preferred_username")
	case claimStr(claims, "username") != "":
		return claimStr(claims, "username")
	case claimStr(claims, "name") != "":
		return claimStr(claims, "name")
	case first != "" || last != "":
		return strings.TrimSpace(first + " " + last)
	case claimStr(claims, "email") != "":
		return claimStr(claims, "email")
	}
	return sub
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
