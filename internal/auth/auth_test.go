package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amurg-ai/credithub/internal/config"
	"github.com/amurg-ai/credithub/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s := newTestStore(t)
	cfg := config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	}
	return NewService(s, cfg), s
}

func TestBootstrap(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	admin := &config.InitialAdmin{
		Username: "admin",
		Password: "admin-password",
	}

	// First bootstrap should create the admin user
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	user, err := s.GetUserByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if user.Role != RoleAdmin {
		t.Errorf("Role: got %q, want %q", user.Role, RoleAdmin)
	}

	// Second bootstrap should be idempotent
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Errorf("expected 1 user after double bootstrap, got %d", len(users))
	}

	if err := svc.BootstrapAdmin(ctx, nil); err != nil {
		t.Fatalf("BootstrapAdmin(nil): %v", err)
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "secret123", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected JWT with 3 parts, got %d", len(parts))
	}
}

func TestLoginFailures(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "secret123", RoleUser); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name, username, password string
	}{
		{"wrong password", "alice", "wrong-password"},
		{"unknown user", "nobody", "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Login(ctx, tt.username, tt.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "alice", "pw", ""); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate: got %v, want ErrUserExists", err)
	}
	if _, err := svc.Register(ctx, "bob", "pw", "superuser"); err == nil {
		t.Error("unknown role: got nil error")
	}
	if _, err := svc.Register(ctx, "", "pw", ""); err == nil {
		t.Error("empty username: got nil error")
	}
}

func TestValidateToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "secret123", RoleAdmin)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.UserID != user.ID || id.Username != "alice" || !id.IsAdmin() {
		t.Errorf("identity: got %+v", id)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	user, err := svc.Register(ctx, "alice", "secret123", "")
	if err != nil {
		t.Fatal(err)
	}

	expired, err := svc.generateToken(user)
	if err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.ValidateToken(ctx, expired); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expired: got %v, want ErrUnauthorized", err)
	}
	svc.now = time.Now

	other := NewService(svc.store, config.AuthConfig{JWTSecret: "another-secret-that-is-32-chars-long", JWTExpiry: config.Duration{Duration: time.Hour}})
	forged, err := other.generateToken(user)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(ctx, forged); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong secret: got %v, want ErrUnauthorized", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: user.ID})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(ctx, unsigned); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("alg none: got %v, want ErrUnauthorized", err)
	}

	if _, err := svc.ValidateToken(ctx, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("garbage: got %v, want ErrUnauthorized", err)
	}
}

func TestNewProviderUnknown(t *testing.T) {
	_, err := NewProvider(context.Background(), config.AuthConfig{Provider: "saml"}, newTestStore(t), nil)
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
