package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/credithub/internal/credits"
	"github.com/amurg-ai/credithub/internal/store"
)

const maxWebhookBody = 1 << 20

// Event outcome statuses reported back to the provider.
const (
	StatusProcessed = "processed"
	StatusIgnored   = "ignored"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Outcome is the result of processing one event.
type Outcome struct {
	Type   string               `json:"type,omitempty"`
	ID     string               `json:"id,omitempty"`
	Status string               `json:"status"`
	Grant  *credits.GrantResult `json:"grant,omitempty"`
	Reason string               `json:"reason,omitempty"`
}

// Syncer applies webhook events to the store and the ledger.
type Syncer struct {
	store  store.Store
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(st store.Store, ledger Ledger, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:  st,
		ledger: ledger,
		logger: logger.With("component", "billing"),
		now:    time.Now,
	}
}

// GetSubscription returns the user's active subscription, or nil.
func (s *Syncer) GetSubscription(ctx context.Context, userID string) (*store.Subscription, error) {
	return s.store.GetActiveSubscriptionByUser(ctx, userID)
}

// Process applies one event. Anomalies come back as *AnomalyError; any other error is a
// storage failure and the delivery should be retried.
func (s *Syncer) Process(ctx context.Context, ev Event) (Outcome, error) {
	out := Outcome{Type: ev.Type(), ID: ev.SourceID()}
	if err := ev.Validate(); err != nil {
		return out, anomaly(ev, "%v", err)
	}

	var (
		grant *credits.GrantResult
		err   error
	)
	switch e := ev.(type) {
	case *SubscriptionEvent:
		grant, err = s.processSubscription(ctx, e)
	case *OrderEvent:
		grant, err = s.processOrder(ctx, e)
	case *ProductEvent:
		err = s.processProduct(ctx, e)
	default:
		return out, fmt.Errorf("unsupported event %T", ev)
	}
	if err != nil {
		return out, err
	}
	out.Status = StatusProcessed
	out.Grant = grant
	return out, nil
}

func (s *Syncer) processSubscription(ctx context.Context, e *SubscriptionEvent) (*credits.GrantResult, error) {
	d := e.Data
	sub := &store.Subscription{
		ID:                 d.ID,
		UserID:             e.UserID(),
		CustomerID:         d.CustomerID,
		ProductID:          d.ProductID,
		Status:             d.Status,
		Amount:             d.Amount,
		Currency:           d.Currency,
		RecurringInterval:  d.RecurringInterval,
		CurrentPeriodStart: *d.CurrentPeriodStart,
		CurrentPeriodEnd:   *d.CurrentPeriodEnd,
		CancelAtPeriodEnd:  d.CancelAtPeriodEnd,
		CanceledAt:         d.CanceledAt,
		Metadata:           d.Metadata,
		CreatedAt:          s.orNow(d.CreatedAt),
		ModifiedAt:         s.modified(d.ModifiedAt),
	}
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	s.logger.Info("subscription synced", "id", d.ID, "type", e.Kind, "status", d.Status, "user_id", sub.UserID)

	if e.Cancels() || (d.Status != "active" && d.Status != "trialing") {
		return nil, nil
	}

	userID, err := s.resolveUser(ctx, e, e.UserID())
	if err != nil {
		return nil, err
	}
	spec, ok, err := s.grantSpec(ctx, e, d.Product, d.ProductID)
	if err != nil || !ok {
		return nil, err
	}

	res, err := s.ledger.GrantSubscription(ctx, credits.SubscriptionGrant{
		UserID:         userID,
		SubscriptionID: d.ID,
		Status:         d.Status,
		Credits:        spec.Credits,
		PeriodStart:    *d.CurrentPeriodStart,
		PeriodEnd:      *d.CurrentPeriodEnd,
	})
	if errors.Is(err, credits.ErrInvalidArgument) {
		return nil, anomaly(e, "%v", err)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Syncer) processOrder(ctx context.Context, e *OrderEvent) (*credits.GrantResult, error) {
	d := e.Data
	order := &store.Order{
		ID:             d.ID,
		UserID:         e.UserID(),
		CustomerID:     d.CustomerID,
		ProductID:      d.ProductID,
		ProductName:    e.ProductName(),
		SubscriptionID: d.SubscriptionID,
		Status:         d.Status,
		Paid:           e.IsPaid(),
		TotalAmount:    d.TotalAmount,
		Currency:       d.Currency,
		BillingReason:  d.BillingReason,
		InvoiceNumber:  d.InvoiceNumber,
		Metadata:       d.Metadata,
		CreatedAt:      s.orNow(d.CreatedAt),
		ModifiedAt:     s.modified(d.ModifiedAt),
	}
	if err := s.store.UpsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("upsert order: %w", err)
	}
	s.logger.Info("order synced", "id", d.ID, "type", e.Kind, "status", d.Status, "paid", order.Paid, "user_id", order.UserID)

	if !order.Paid {
		return nil, nil
	}
	// Subscription renewals also arrive as orders; their credits come from the
	// subscription's own package.
	if d.SubscriptionID != "" {
		return nil, nil
	}

	userID, err := s.resolveUser(ctx, e, e.UserID())
	if err != nil {
		return nil, err
	}
	spec, ok, err := s.grantSpec(ctx, e, d.Product, d.ProductID)
	if err != nil || !ok {
		return nil, err
	}
	if spec.Credits == 0 {
		s.logger.Debug("order product grants zero credits", "order_id", d.ID, "product_id", d.ProductID)
		return nil, nil
	}

	res, err := s.ledger.GrantOrder(ctx, credits.OrderGrant{UserID: userID, OrderID: d.ID, Spec: spec})
	if errors.Is(err, credits.ErrInvalidArgument) {
		return nil, anomaly(e, "%v", err)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Syncer) processProduct(ctx context.Context, e *ProductEvent) error {
	d := e.Data
	p := &store.Product{
		ID:                d.ID,
		Name:              d.Name,
		Description:       d.Description,
		IsRecurring:       d.IsRecurring,
		IsArchived:        d.IsArchived,
		RecurringInterval: d.RecurringInterval,
		OrganizationID:    d.OrganizationID,
		Prices:            d.Prices,
		Benefits:          d.Benefits,
		Metadata:          d.Metadata,
		CreatedAt:         s.orNow(d.CreatedAt),
		ModifiedAt:        s.modified(d.ModifiedAt),
	}
	if err := s.store.UpsertProduct(ctx, p); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	s.logger.Info("product synced", "id", d.ID, "type", e.Kind, "archived", d.IsArchived)
	return nil
}

func (s *Syncer) resolveUser(ctx context.Context, ev Event, userID string) (string, error) {
	if userID == "" {
		return "", anomaly(ev, "customer has no external_id")
	}
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if u == nil {
		return "", anomaly(ev, "customer external_id %q is not a known user", userID)
	}
	return u.ID, nil
}

// grantSpec reads the credit grant from the product embedded in the event, falling back
// to the stored product row.
func (s *Syncer) grantSpec(ctx context.Context, ev Event, embedded *ProductData, productID string) (credits.GrantSpec, bool, error) {
	metadata := json.RawMessage(nil)
	if embedded != nil && len(bytes.TrimSpace(embedded.Metadata)) > 0 {
		metadata = embedded.Metadata
	} else {
		p, err := s.store.GetProduct(ctx, productID)
		if err != nil {
			return credits.GrantSpec{}, false, fmt.Errorf("get product: %w", err)
		}
		if p == nil {
			return credits.GrantSpec{}, false, anomaly(ev, "product %s is unknown and the event carries no product metadata", productID)
		}
		metadata = p.Metadata
	}

	spec, ok, err := credits.ParseGrantSpec(metadata)
	if err != nil {
		return credits.GrantSpec{}, false, anomaly(ev, "product %s metadata: %v", productID, err)
	}
	if !ok {
		s.logger.Debug("product grants no credits", "product_id", productID, "event", ev.Type(), "id", ev.SourceID())
	}
	return spec, ok, nil
}

func (s *Syncer) orNow(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}
	return t
}

func (s *Syncer) modified(t *time.Time) time.Time {
	if t == nil {
		return s.now().UTC()
	}
	return *t
}

// HandleWebhook accepts one event object or an array of them. Every event is processed
// on its own: anomalies are logged, audited and skipped. The reply is 202 with one
// outcome per event, 400 when the body is not JSON, and 500 when storage failed so the
// provider retries.
func (s *Syncer) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	raws, err := splitBatch(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	ctx := r.Context()
	status := http.StatusAccepted
	results := make([]Outcome, 0, len(raws))
	for _, raw := range raws {
		out := s.handleOne(ctx, raw)
		if out.Status == StatusFailed {
			status = http.StatusInternalServerError
		}
		results = append(results, out)
	}
	writeJSON(w, status, map[string]any{"results": results})
}

func (s *Syncer) handleOne(ctx context.Context, raw json.RawMessage) Outcome {
	ev, err := ParseEvent(raw)
	if errors.Is(err, ErrIgnoredEvent) {
		s.logger.Debug("ignoring webhook", "error", err)
		return Outcome{Status: StatusIgnored, Reason: err.Error()}
	}
	if err != nil {
		a := &AnomalyError{EventType: "unknown", Reason: err.Error()}
		s.recordAnomaly(ctx, a)
		return Outcome{Status: StatusSkipped, Reason: a.Error()}
	}

	out, err := s.Process(ctx, ev)
	var a *AnomalyError
	switch {
	case err == nil:
		return out
	case errors.As(err, &a):
		s.recordAnomaly(ctx, a)
		out.Status = StatusSkipped
		out.Reason = a.Reason
	default:
		s.logger.Error("webhook processing failed", "type", ev.Type(), "id", ev.SourceID(), "error", err)
		out.Status = StatusFailed
		out.Reason = "storage failure"
	}
	return out
}

func (s *Syncer) recordAnomaly(ctx context.Context, a *AnomalyError) {
	s.logger.Warn("webhook data anomaly, skipping event",
		"type", a.EventType, "id", a.SourceID, "reason", a.Reason)

	detail, _ := json.Marshal(map[string]string{
		"type":   a.EventType,
		"id":     a.SourceID,
		"reason": a.Reason,
	})
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    "billing.anomaly",
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		s.logger.Error("failed to record anomaly", "error", err)
	}
}

func splitBatch(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	if !json.Valid(body) {
		return nil, errors.New("invalid JSON")
	}
	return []json.RawMessage{body}, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
