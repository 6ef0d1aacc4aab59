package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/amurg-ai/credithub/internal/credits"
	"github.com/amurg-ai/credithub/internal/store"
)

// sweep expires stale packages before a balance is read or drawn.
func (s *Server) sweep(r *http.Request) error {
	n, err := s.ledger.ExpireStalePackages(r.Context())
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return err
	}
	if n > 0 {
		s.logger.Debug("expired stale packages", "count", n)
	}
	return nil
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	if err := s.sweep(r); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch credits")
		return
	}
	summary, err := s.ledger.Summary(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("credit summary failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch credits")
		return
	}
	writeData(w, http.StatusOK, summary)
}

func (s *Server) handleConsumeCredits(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Amount      json.Number `json:"amount"`
		Description string      `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := req.Amount.Int64()
	if err != nil || amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	if err := s.sweep(r); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to consume credits")
		return
	}

	ok, err := s.ledger.Consume(r.Context(), credits.ConsumeRequest{
		UserID:      identity.UserID,
		Amount:      amount,
		Category:    store.CategoryOther,
		Description: req.Description,
	})
	switch {
	case errors.Is(err, credits.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, credits.ErrConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "credits changed concurrently, retry")
		return
	case err != nil:
		s.logger.Error("consume failed", "user_id", identity.UserID, "amount", amount, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to consume credits")
		return
	case !ok:
		errorf(w, http.StatusPaymentRequired, "%v: %d requested", credits.ErrInsufficientBalance, amount)
		return
	}

	summary, err := s.ledger.Summary(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch credits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"consumed": amount,
		"data":     summary,
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	txns, err := s.ledger.Transactions(r.Context(), identity.UserID, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch transactions")
		return
	}
	if txns == nil {
		txns = []store.CreditTransaction{}
	}
	writeData(w, http.StatusOK, txns)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	orders, err := s.store.ListOrdersByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch orders")
		return
	}
	if orders == nil {
		orders = []store.Order{}
	}
	writeData(w, http.StatusOK, orders)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	var (
		sub *store.Subscription
		err error
	)
	if s.billing != nil {
		sub, err = s.billing.GetSubscription(r.Context(), identity.UserID)
	} else {
		sub, err = s.store.GetActiveSubscriptionByUser(r.Context(), identity.UserID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_active_subscription": sub != nil,
		"subscription":            sub,
	})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.store.ListProducts(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch products")
		return
	}
	if products == nil {
		products = []store.Product{}
	}
	writeData(w, http.StatusOK, products)
}

func (s *Server) handleAdminUserCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	user, err := s.store.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	summary, err := s.ledger.Summary(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch credits")
		return
	}
	all, err := s.store.ListCreditPackages(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch packages")
		return
	}
	if all == nil {
		all = []store.CreditPackage{}
	}
	writeData(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"username":      user.Username,
		"total_credits": summary.TotalCredits,
		"packages":      all,
	})
}

func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.ledger.ExpireStalePackages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	identity := getIdentityFromContext(r.Context())
	detail, _ := json.Marshal(map[string]int64{"expired": n})
	s.audit(r.Context(), "credits.sweep", identity.UserID, detail)
	writeJSON(w, http.StatusOK, map[string]int64{"expired": n})
}
