// Package credits implements the prepaid credit ledger: expiring credit packages drawn
// down soonest-expiry first, with one transaction recorded per draw.
package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/credithub/internal/store"
)

const (
	defaultMaxAttempts       = 3
	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 500
)

// Service is the credit ledger. All coordination between concurrent callers happens in
// the store: row locks where available and conditional decrements everywhere.
type Service struct {
	store       store.Store
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	maxAttempts int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxAttempts bounds how often a consume is retried after losing a race.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithIDGenerator overrides package and transaction id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService creates a ledger over st.
func NewService(st store.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       st,
		logger:      logger.With("component", "credits"),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summary is the user-facing balance view.
type Summary struct {
	TotalCredits int64                 `json:"total_credits"`
	Packages     []store.CreditPackage `json:"packages"`
}

// ConsumeRequest describes one consumption.
type ConsumeRequest struct {
	UserID      string
	Amount      int64
	Category    string // "chat", "image" or "other"; empty means "other"
	Description string
	Metadata    map[string]any
}

// ActivePackages returns the user's drawable packages, soonest-expiring first.
func (s *Service) ActivePackages(ctx context.Context, userID string) ([]store.CreditPackage, error) {
	pkgs, err := s.store.ListActiveCreditPackages(ctx, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("list active packages: %w", err)
	}
	if pkgs == nil {
		pkgs = []store.CreditPackage{}
	}
	return pkgs, nil
}

// TotalBalance sums remaining credits across active packages.
func (s *Service) TotalBalance(ctx context.Context, userID string) (int64, error) {
	pkgs, err := s.ActivePackages(ctx, userID)
	if err != nil {
		return 0, err
	}
	return sumRemaining(pkgs), nil
}

// Summary returns the balance together with the packages it is made of.
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	pkgs, err := s.ActivePackages(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Summary{TotalCredits: sumRemaining(pkgs), Packages: pkgs}, nil
}

// Consume draws amount credits from the user's packages, soonest-expiring first, and
// logs one transaction per package drawn. It is all-or-nothing: when the balance is
// short it returns false and writes nothing.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (bool, error) {
	if req.UserID == "" {
		return false, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if req.Amount <= 0 {
		return false, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidArgument, req.Amount)
	}
	switch req.Category {
	case "":
		req.Category = store.CategoryOther
	case store.CategoryChat, store.CategoryImage, store.CategoryOther:
	default:
		return false, fmt.Errorf("%w: unknown category %q", ErrInvalidArgument, req.Category)
	}

	var metadata json.RawMessage
	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return false, fmt.Errorf("%w: metadata: %v", ErrInvalidArgument, err)
		}
		metadata = b
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		ok, err := s.consumeOnce(ctx, req, metadata)
		if errors.Is(err, errDrawMissed) {
			s.logger.Debug("consume lost a race, retrying", "user_id", req.UserID, "attempt", attempt)
			continue
		}
		if err != nil {
			return false, fmt.Errorf("consume: %w", err)
		}
		return ok, nil
	}
	s.logger.Warn("consume gave up after concurrent updates", "user_id", req.UserID, "amount", req.Amount)
	return false, fmt.Errorf("consume %d credits: %w", req.Amount, ErrConflict)
}

func (s *Service) consumeOnce(ctx context.Context, req ConsumeRequest, metadata json.RawMessage) (bool, error) {
	now := s.now()
	consumed := false

	err := s.store.WithCreditTx(ctx, func(tx store.CreditTx) error {
		pkgs, err := tx.ActivePackages(ctx, req.UserID, now)
		if err != nil {
			return fmt.Errorf("list active packages: %w", err)
		}
		if sumRemaining(pkgs) < req.Amount {
			return nil
		}

		need := req.Amount
		for _, p := range pkgs {
			if need == 0 {
				break
			}
			draw := min(p.RemainingCredits, need)
			ok, err := tx.DrawPackage(ctx, p.ID, draw, now)
			if err != nil {
				return fmt.Errorf("draw package %s: %w", p.ID, err)
			}
			if !ok {
				return errDrawMissed
			}
			if err := tx.InsertTransaction(ctx, &store.CreditTransaction{
				ID:          s.newID(),
				UserID:      req.UserID,
				PackageID:   p.ID,
				Amount:      draw,
				Type:        req.Category,
				Description: req.Description,
				Metadata:    metadata,
				CreatedAt:   now,
			}); err != nil {
				return fmt.Errorf("insert transaction: %w", err)
			}
			s.logger.Debug("drew credits", "user_id", req.UserID, "package_id", p.ID,
				"source_type", p.SourceType, "amount", draw)
			need -= draw
		}
		consumed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return consumed, nil
}

// ExpireStalePackages marks every active package past its expiry as expired and returns
// how many changed. Remaining credits are preserved.
func (s *Service) ExpireStalePackages(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireCreditPackages(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire packages: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired credit packages", "count", n)
	}
	return n, nil
}

// Transactions returns the user's transaction history, newest first. limit defaults to
// 50 and is capped at 500.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]store.CreditTransaction, error) {
	if limit <= 0 {
		limit = defaultTransactionsLimit
	}
	limit = min(limit, maxTransactionsLimit)
	txns, err := s.store.ListCreditTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if txns == nil {
		txns = []store.CreditTransaction{}
	}
	return txns, nil
}

func sumRemaining(pkgs []store.CreditPackage) int64 {
	var total int64
	for _, p := range pkgs {
		total += p.RemainingCredits
	}
	return total
}
