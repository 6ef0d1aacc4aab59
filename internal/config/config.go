// Package config handles credithub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level credithub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Credits   CreditsConfig   `json:"credits"`
	Chat      ChatConfig      `json:"chat,omitempty"`
	Billing   BillingConfig   `json:"billing,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS and WebSocket origins; "*" allows any, empty allows none
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	Issuer       string        `json:"issuer,omitempty"`   // jwks issuer, e.g. "https://id.example.com"
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default), "postgres" or "mysql"
	DSN    string `json:"dsn"`    // e.g. "credithub.db" or ":memory:"
}

// CreditsConfig tunes the credit ledger.
type CreditsConfig struct {
	SweepInterval      Duration `json:"sweep_interval,omitempty"`       // default 5m
	TokensPerCredit    int64    `json:"tokens_per_credit,omitempty"`    // default 1000
	MaxConsumeAttempts int      `json:"max_consume_attempts,omitempty"` // default 3
}

// ChatConfig selects the metered chat model. Chat is disabled when APIKey is empty.
type ChatConfig struct {
	Provider string `json:"provider,omitempty"` // "gemini" (default)
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

// BillingConfig toggles webhook ingestion from the payment provider.
type BillingConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies environment overrides and validates the result.
// A .env file next to the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("apply env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overrides file values with CREDITHUB_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"CREDITHUB_SERVER_ADDR":    &c.Server.Addr,
		"CREDITHUB_AUTH_PROVIDER":  &c.Auth.Provider,
		"CREDITHUB_AUTH_ISSUER":    &c.Auth.Issuer,
		"CREDITHUB_JWT_SECRET":     &c.Auth.JWTSecret,
		"CREDITHUB_STORAGE_DRIVER": &c.Storage.Driver,
		"CREDITHUB_STORAGE_DSN":    &c.Storage.DSN,
		"CREDITHUB_CHAT_MODEL":     &c.Chat.Model,
		"CREDITHUB_GEMINI_API_KEY": &c.Chat.APIKey,
		"CREDITHUB_LOG_LEVEL":      &c.Logging.Level,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("CREDITHUB_TOKENS_PER_CREDIT"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CREDITHUB_TOKENS_PER_CREDIT: %w", err)
		}
		c.Credits.TokensPerCredit = n
	}
	if v, ok := lookup("CREDITHUB_BILLING_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CREDITHUB_BILLING_ENABLED: %w", err)
		}
		c.Billing.Enabled = b
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required when provider is jwks")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Credits.TokensPerCredit < 0 {
		return fmt.Errorf("credits.tokens_per_credit must not be negative")
	}
	if c.Chat.Provider != "" && c.Chat.Provider != "gemini" {
		return fmt.Errorf("chat.provider %q is not supported", c.Chat.Provider)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "credithub.db"
	}
	if c.Credits.SweepInterval.Duration == 0 {
		c.Credits.SweepInterval.Duration = 5 * time.Minute
	}
	if c.Credits.TokensPerCredit == 0 {
		c.Credits.TokensPerCredit = 1000
	}
	if c.Credits.MaxConsumeAttempts == 0 {
		c.Credits.MaxConsumeAttempts = 3
	}
	if c.Chat.Provider == "" {
		c.Chat.Provider = "gemini"
	}
	if c.Chat.Model == "" {
		c.Chat.Model = "gemini-1.5-flash"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}
