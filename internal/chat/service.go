package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/amurg-ai/credithub/internal/credits"
	"github.com/amurg-ai/credithub/internal/store"
)

// ErrNoCredits is returned before calling the model when the user has nothing to spend.
var ErrNoCredits = errors.New("no credits available")

// Meter is the part of the credit ledger chat needs.
type Meter interface {
	TotalBalance(ctx context.Context, userID string) (int64, error)
	Consume(ctx context.Context, req credits.ConsumeRequest) (bool, error)
}

// Result is a reply together with what it cost.
type Result struct {
	Reply   string `json:"reply"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
	Credits int64  `json:"credits"`
	// Charged is false when the balance could not cover the reply after the fact.
	Charged bool `json:"charged"`
}

// Service runs metered completions.
type Service struct {
	meter           Meter
	model           Model
	tokensPerCredit int64
	logger          *slog.Logger
}

// NewService creates a chat service charging one credit per tokensPerCredit tokens.
func NewService(meter Meter, model Model, tokensPerCredit int64, logger *slog.Logger) *Service {
	return &Service{
		meter:           meter,
		model:           model,
		tokensPerCredit: tokensPerCredit,
		logger:          logger.With("component", "chat"),
	}
}

// Complete generates one reply and charges for it.
func (s *Service) Complete(ctx context.Context, userID string, msgs []Message) (*Result, error) {
	if err := s.preflight(ctx, userID, msgs); err != nil {
		return nil, err
	}
	c, err := s.model.Generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return s.charge(ctx, userID, c), nil
}

// Stream generates one reply, passing chunks to onDelta, and charges once it finishes.
// A reply cut short by onDelta or the model is not charged.
func (s *Service) Stream(ctx context.Context, userID string, msgs []Message, onDelta func(string) error) (*Result, error) {
	if err := s.preflight(ctx, userID, msgs); err != nil {
		return nil, err
	}
	c, err := s.model.Stream(ctx, msgs, onDelta)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	return s.charge(ctx, userID, c), nil
}

func (s *Service) preflight(ctx context.Context, userID string, msgs []Message) error {
	if err := validateMessages(msgs); err != nil {
		return err
	}
	balance, err := s.meter.TotalBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("check balance: %w", err)
	}
	if balance <= 0 {
		return ErrNoCredits
	}
	return nil
}

// charge bills the completion. A shortfall or a ledger failure is logged and reported
// on the result; the reply has already been produced and is returned either way.
func (s *Service) charge(ctx context.Context, userID string, c *Completion) *Result {
	res := &Result{
		Reply:   c.Text,
		Model:   s.model.Name(),
		Usage:   c.Usage,
		Credits: credits.CreditsForUsage(c.Usage.TotalTokens, s.tokensPerCredit),
		Charged: true,
	}
	if res.Credits == 0 {
		return res
	}

	ok, err := s.meter.Consume(ctx, credits.ConsumeRequest{
		UserID:      userID,
		Amount:      res.Credits,
		Category:    store.CategoryChat,
		Description: fmt.Sprintf("AI Chat - %d tokens", c.Usage.TotalTokens),
		Metadata: map[string]any{
			"prompt_tokens":     c.Usage.PromptTokens,
			"completion_tokens": c.Usage.CompletionTokens,
			"total_tokens":      c.Usage.TotalTokens,
			"model":             res.Model,
		},
	})
	switch {
	case err != nil:
		s.logger.Error("failed to charge chat completion", "user_id", userID, "credits", res.Credits, "error", err)
		res.Charged = false
	case !ok:
		s.logger.Warn("insufficient credits after chat completion", "user_id", userID, "credits", res.Credits,
			"total_tokens", c.Usage.TotalTokens)
		res.Charged = false
	default:
		s.logger.Info("chat completion charged", "user_id", userID, "credits", res.Credits,
			"total_tokens", c.Usage.TotalTokens, "model", res.Model)
	}
	return res
}
