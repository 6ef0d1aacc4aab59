// Package api provides the credithub HTTP API and middleware.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/credithub/internal/auth"
	"github.com/amurg-ai/credithub/internal/billing"
	"github.com/amurg-ai/credithub/internal/chat"
	"github.com/amurg-ai/credithub/internal/config"
	"github.com/amurg-ai/credithub/internal/credits"
	"github.com/amurg-ai/credithub/internal/store"
)

// Ledger is the credit ledger as used by the HTTP surface.
type Ledger interface {
	Summary(ctx context.Context, userID string) (*credits.Summary, error)
	Consume(ctx context.Context, req credits.ConsumeRequest) (bool, error)
	ExpireStalePackages(ctx context.Context) (int64, error)
	Transactions(ctx context.Context, userID string, limit int) ([]store.CreditTransaction, error)
}

// Chat runs metered completions.
type Chat interface {
	Complete(ctx context.Context, userID string, msgs []chat.Message) (*chat.Result, error)
	Stream(ctx context.Context, userID string, msgs []chat.Message, onDelta func(string) error) (*chat.Result, error)
}

// Deps are the collaborators the server routes to. LoginProvider, Billing and Chat are
// optional; their routes are only mounted when set.
type Deps struct {
	Store         store.Store
	AuthProvider  auth.Provider
	LoginProvider auth.LoginProvider
	Ledger        Ledger
	Billing       billing.Service
	Chat          Chat
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	ledger        Ledger
	billing       billing.Service
	chat          Chat
	logger        *slog.Logger
	mux           *chi.Mux
	upgrader      websocket.Upgrader
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	webhookRL     *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         d.Store,
		authProvider:  d.AuthProvider,
		loginProvider: d.LoginProvider,
		ledger:        d.Ledger,
		billing:       d.Billing,
		chat:          d.Chat,
		logger:        logger.With("component", "api"),
		upgrader:      makeUpgrader(cfg.Server.AllowedOrigins),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}
	if srv.maxBodyBytes <= 0 {
		srv.maxBodyBytes = 1 << 20
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Get("/api/auth/config", srv.handleAuthConfig)
	mux.Get("/api/products", srv.handleListProducts)

	// Login route only registered when using builtin auth.
	if d.LoginProvider != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL, "too many login attempts")).Post("/api/auth/login", srv.handleLogin)
	}

	if d.Billing != nil {
		srv.webhookRL = newRateLimiter(50, 100)
		mux.With(ipRateLimitMiddleware(srv.webhookRL, "too many webhook deliveries")).Post("/api/billing/webhook", d.Billing.HandleWebhook)
	}

	// WebSocket route (auth handled inside)
	mux.Get("/ws/chat", srv.handleChatWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/credits", srv.handleGetCredits)
		r.Post("/api/credits", srv.handleConsumeCredits)
		r.Get("/api/credits/transactions", srv.handleListTransactions)
		r.Get("/api/orders", srv.handleListOrders)
		r.Get("/api/subscription", srv.handleGetSubscription)
		r.Post("/api/chat", srv.handleChat)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			// User management only available with builtin auth.
			if d.LoginProvider != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
			r.Get("/api/admin/users/{userID}/credits", srv.handleAdminUserCredits)
			r.Post("/api/admin/credits/sweep", srv.handleAdminSweep)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	for _, rl := range []*rateLimiter{s.loginRL, s.webhookRL, s.rl} {
		if rl != nil {
			rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
		}
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":     s.authProvider.Name(),
		"login":        s.loginProvider != nil,
		"chat_enabled": s.chat != nil,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		detail, _ := json.Marshal(map[string]string{"username": req.Username})
		s.audit(r.Context(), "login.failed", "", detail)
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.logger.Error("login failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, _ := s.store.GetUserByUsername(r.Context(), req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.audit(r.Context(), "login.success", userID, nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Admin handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if errors.Is(err, auth.ErrUserExists) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity := getIdentityFromContext(r.Context())
	detail, _ := json.Marshal(map[string]string{"created_user_id": user.ID, "role": user.Role})
	s.audit(r.Context(), "user.create", identity.UserID, detail)

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) audit(ctx context.Context, action, userID string, detail json.RawMessage) {
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), Action: action, UserID: userID, Detail: detail, CreatedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeData wraps a successful payload in the {"success": true, "data": ...} envelope
// the credit endpoints use.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func errorf(w http.ResponseWriter, status int, format string, args ...any) {
	writeError(w, status, fmt.Sprintf(format, args...))
}
