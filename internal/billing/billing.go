// Package billing ingests payment provider webhooks. It mirrors subscriptions, orders
// and products into the store and turns qualifying events into credit grants.
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/amurg-ai/credithub/internal/credits"
	"github.com/amurg-ai/credithub/internal/store"
)

// Service is the billing surface consumed by the API server.
type Service interface {
	HandleWebhook(w http.ResponseWriter, r *http.Request)
	GetSubscription(ctx context.Context, userID string) (*store.Subscription, error)
}

// Ledger is the grant side of the credit ledger.
type Ledger interface {
	GrantSubscription(ctx context.Context, g credits.SubscriptionGrant) (credits.GrantResult, error)
	GrantOrder(ctx context.Context, g credits.OrderGrant) (credits.GrantResult, error)
}

// ErrDataAnomaly marks an event that cannot be applied because the provider sent
// incomplete or inconsistent data. Such events are logged and skipped, never retried.
var ErrDataAnomaly = errors.New("upstream data anomaly")

// AnomalyError describes why one event was skipped.
type AnomalyError struct {
	EventType string
	SourceID  string
	Reason    string
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.EventType, e.SourceID, e.Reason)
}

func (e *AnomalyError) Unwrap() error { return ErrDataAnomaly }

func anomaly(ev Event, format string, args ...any) *AnomalyError {
	return &AnomalyError{EventType: ev.Type(), SourceID: ev.SourceID(), Reason: fmt.Sprintf(format, args...)}
}
