package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/credithub/internal/chat"
)

const wsWriteWait = 10 * time.Second

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	allowAll := originSet["*"]

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || originSet[origin]
		},
	}
}

type chatRequest struct {
	Messages []chat.Message `json:"messages"`
}

// chatFailure maps a chat error to a status code and client message.
func chatFailure(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrNoCredits):
		return http.StatusPaymentRequired, "insufficient credits: purchase a credit package to continue"
	case errors.Is(err, chat.ErrInvalidConversation):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusBadGateway, "chat model failed"
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.chat.Complete(r.Context(), identity.UserID, req.Messages)
	if err != nil {
		status, msg := chatFailure(err)
		if status >= 500 {
			s.logger.Error("chat completion failed", "user_id", identity.UserID, "error", err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// chatFrame is one server-to-client WebSocket message.
type chatFrame struct {
	Type   string       `json:"type"` // "delta", "done" or "error"
	Text   string       `json:"text,omitempty"`
	Result *chat.Result `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
	Code   int          `json:"code,omitempty"`
}

// handleChatWS streams metered completions. Each client message is a chatRequest; the
// reply arrives as delta frames followed by one done or error frame.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on the WebSocket handshake, so the token may come in
	// the query string.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = bearerToken(r)
	}
	identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat is not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("chat websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.maxBodyBytes)

	s.logger.Info("chat client connected", "user", identity.Username)
	defer s.logger.Info("chat client disconnected", "user", identity.Username)

	send := func(f chatFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(f)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("chat client read error", "user", identity.Username, "error", err)
			return
		}

		if !s.rl.allow(identity.UserID) {
			if err := send(chatFrame{Type: "error", Error: "rate limit exceeded", Code: http.StatusTooManyRequests}); err != nil {
				return
			}
			continue
		}

		var req chatRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			if err := send(chatFrame{Type: "error", Error: "invalid message", Code: http.StatusBadRequest}); err != nil {
				return
			}
			continue
		}

		res, err := s.chat.Stream(r.Context(), identity.UserID, req.Messages, func(delta string) error {
			return send(chatFrame{Type: "delta", Text: delta})
		})
		if err != nil {
			status, text := chatFailure(err)
			if status >= 500 {
				s.logger.Error("chat stream failed", "user_id", identity.UserID, "error", err)
			}
			if err := send(chatFrame{Type: "error", Error: text, Code: status}); err != nil {
				return
			}
			continue
		}
		if err := send(chatFrame{Type: "done", Result: res}); err != nil {
			return
		}
	}
}
