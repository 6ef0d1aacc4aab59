package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/amurg-ai/credithub/internal/store"
)

// Grant outcomes.
const (
	GrantCreated   = "created"
	GrantRenewed   = "renewed"
	GrantAdjusted  = "adjusted"
	GrantUnchanged = "unchanged"
	GrantSkipped   = "skipped"
)

// SubscriptionGrant is one observation of a subscription's billing period.
type SubscriptionGrant struct {
	UserID         string
	SubscriptionID string
	Status         string
	Credits        int64
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// OrderGrant is a paid one-time order.
type OrderGrant struct {
	UserID  string
	OrderID string
	Spec    GrantSpec
}

// GrantResult reports what a grant did to the package for its source.
type GrantResult struct {
	Action    string    `json:"action"`
	PackageID string    `json:"package_id,omitempty"`
	Credits   int64     `json:"credits"`
	Remaining int64     `json:"remaining"`
	ExpiresAt time.Time `json:"expires_at"`
}

func resultFor(action string, p *store.CreditPackage) GrantResult {
	return GrantResult{
		Action:    action,
		PackageID: p.ID,
		Credits:   p.Credits,
		Remaining: p.RemainingCredits,
		ExpiresAt: p.ExpiresAt,
	}
}

// GrantSubscription creates or updates the package for a subscription. Only active and
// trialing subscriptions grant. A later period start resets the package to full credits
// with the new period end as expiry. A changed credit amount within the same period
// updates credits and caps remaining at min(previous remaining, new credits). Older or
// repeated observations leave the package alone. Zero credits only drain an existing
// package; they never create one.
func (s *Service) GrantSubscription(ctx context.Context, g SubscriptionGrant) (GrantResult, error) {
	if g.UserID == "" || g.SubscriptionID == "" {
		return GrantResult{}, fmt.Errorf("%w: user id and subscription id are required", ErrInvalidArgument)
	}
	if g.Credits < 0 {
		return GrantResult{}, fmt.Errorf("%w: credits must not be negative, got %d", ErrInvalidArgument, g.Credits)
	}
	if !g.PeriodEnd.After(g.PeriodStart) {
		return GrantResult{}, fmt.Errorf("%w: period end %s is not after period start %s",
			ErrInvalidArgument, g.PeriodEnd.Format(time.RFC3339), g.PeriodStart.Format(time.RFC3339))
	}
	if g.Status != "active" && g.Status != "trialing" {
		return GrantResult{Action: GrantSkipped}, nil
	}

	now := s.now().UTC()
	start := g.PeriodStart.UTC()
	end := g.PeriodEnd.UTC()
	fresh := &store.CreditPackage{
		ID:               s.newID(),
		UserID:           g.UserID,
		SourceType:       store.SourceSubscription,
		SourceID:         g.SubscriptionID,
		Credits:          g.Credits,
		RemainingCredits: g.Credits,
		PeriodStart:      &start,
		ExpiresAt:        end,
		Status:           store.PackageActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var result GrantResult
	err := s.store.WithCreditTx(ctx, func(tx store.CreditTx) error {
		var p *store.CreditPackage
		if g.Credits == 0 {
			var err error
			if p, err = tx.PackageBySource(ctx, store.SourceSubscription, g.SubscriptionID); err != nil {
				return fmt.Errorf("load package: %w", err)
			}
			if p == nil {
				result = GrantResult{Action: GrantSkipped}
				return nil
			}
		} else {
			inserted, err := tx.EnsurePackage(ctx, fresh)
			if err != nil {
				return fmt.Errorf("insert package: %w", err)
			}
			if inserted {
				result = resultFor(GrantCreated, fresh)
				return nil
			}
			if p, err = lockedPackage(ctx, tx, store.SourceSubscription, g.SubscriptionID); err != nil {
				return err
			}
		}

		switch {
		case p.PeriodStart == nil || start.After(*p.PeriodStart):
			p.Credits = g.Credits
			p.RemainingCredits = g.Credits
			p.PeriodStart = &start
			p.ExpiresAt = end
			p.Status = store.PackageActive
			settleDepleted(p)
			result = resultFor(GrantRenewed, p)
		case start.Equal(*p.PeriodStart) && g.Credits != p.Credits:
			p.Credits = g.Credits
			p.RemainingCredits = min(p.RemainingCredits, g.Credits)
			settleDepleted(p)
			result = resultFor(GrantAdjusted, p)
		default:
			result = resultFor(GrantUnchanged, p)
			return nil
		}

		p.UpdatedAt = now
		if err := tx.UpdatePackage(ctx, p); err != nil {
			return fmt.Errorf("update package: %w", err)
		}
		return nil
	})
	if err != nil {
		return GrantResult{}, fmt.Errorf("grant subscription %s: %w", g.SubscriptionID, err)
	}

	s.logger.Info("subscription grant", "user_id", g.UserID, "subscription_id", g.SubscriptionID,
		"action", result.Action, "credits", result.Credits, "remaining", result.Remaining)
	return result, nil
}

// GrantOrder creates the single package for a paid order, expiring Spec.Validity after
// now. Re-delivery of the same order never adds credits or moves the expiry; a changed
// credit amount only caps remaining.
func (s *Service) GrantOrder(ctx context.Context, g OrderGrant) (GrantResult, error) {
	if g.UserID == "" || g.OrderID == "" {
		return GrantResult{}, fmt.Errorf("%w: user id and order id are required", ErrInvalidArgument)
	}
	if g.Spec.Credits <= 0 {
		return GrantResult{}, fmt.Errorf("%w: credits must be positive, got %d", ErrInvalidArgument, g.Spec.Credits)
	}
	validity := g.Spec.Validity
	if validity.N <= 0 {
		validity = DefaultValidity
	}

	now := s.now().UTC()
	days := validity.Days(now)
	fresh := &store.CreditPackage{
		ID:               s.newID(),
		UserID:           g.UserID,
		SourceType:       store.SourceOrder,
		SourceID:         g.OrderID,
		Credits:          g.Spec.Credits,
		RemainingCredits: g.Spec.Credits,
		ValidityDays:     &days,
		ExpiresAt:        validity.ExpiresAt(now),
		Status:           store.PackageActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var result GrantResult
	err := s.store.WithCreditTx(ctx, func(tx store.CreditTx) error {
		inserted, err := tx.EnsurePackage(ctx, fresh)
		if err != nil {
			return fmt.Errorf("insert package: %w", err)
		}
		if inserted {
			result = resultFor(GrantCreated, fresh)
			return nil
		}

		p, err := lockedPackage(ctx, tx, store.SourceOrder, g.OrderID)
		if err != nil {
			return err
		}
		if p.Credits == g.Spec.Credits {
			result = resultFor(GrantUnchanged, p)
			return nil
		}
		p.Credits = g.Spec.Credits
		p.RemainingCredits = min(p.RemainingCredits, g.Spec.Credits)
		settleDepleted(p)
		p.UpdatedAt = now
		if err := tx.UpdatePackage(ctx, p); err != nil {
			return fmt.Errorf("update package: %w", err)
		}
		result = resultFor(GrantAdjusted, p)
		return nil
	})
	if err != nil {
		return GrantResult{}, fmt.Errorf("grant order %s: %w", g.OrderID, err)
	}

	s.logger.Info("order grant", "user_id", g.UserID, "order_id", g.OrderID,
		"action", result.Action, "credits", result.Credits, "expires_at", result.ExpiresAt)
	return result, nil
}

func lockedPackage(ctx context.Context, tx store.CreditTx, sourceType, sourceID string) (*store.CreditPackage, error) {
	p, err := tx.PackageBySource(ctx, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load package: %w", err)
	}
	if p == nil {
		// The insert was ignored but no row is visible: the row failed a constraint
		// other than the source key.
		return nil, fmt.Errorf("package for %s %s was neither inserted nor found", sourceType, sourceID)
	}
	return p, nil
}

// settleDepleted keeps remaining == 0 and status == depleted in step for active packages.
func settleDepleted(p *store.CreditPackage) {
	if p.RemainingCredits == 0 && p.Status == store.PackageActive {
		p.Status = store.PackageDepleted
	}
}
