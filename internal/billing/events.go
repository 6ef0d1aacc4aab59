package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrIgnoredEvent marks a webhook type credithub does not handle.
var ErrIgnoredEvent = errors.New("event type ignored")

// Event is one decoded payment provider webhook. The concrete type is one of
// *SubscriptionEvent, *OrderEvent or *ProductEvent.
type Event interface {
	// Type is the provider's event tag, e.g. "order.paid".
	Type() string
	// SourceID is the id of the subscription, order or product the event is about.
	SourceID() string
	// Validate reports missing required fields.
	Validate() error
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseEvent decodes one webhook object and dispatches on its type tag. Types outside
// the subscription, order and product families return ErrIgnoredEvent.
func ParseEvent(raw json.RawMessage) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("event has no type")
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%s event has no data", env.Type)
	}

	switch env.Type {
	case "subscription.created", "subscription.active", "subscription.canceled",
		"subscription.revoked", "subscription.uncanceled", "subscription.updated":
		ev := &SubscriptionEvent{Kind: env.Type}
		if err := json.Unmarshal(env.Data, &ev.Data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case "order.created", "order.paid", "order.updated":
		ev := &OrderEvent{Kind: env.Type}
		if err := json.Unmarshal(env.Data, &ev.Data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case "product.created", "product.updated":
		ev := &ProductEvent{Kind: env.Type}
		if err := json.Unmarshal(env.Data, &ev.Data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, env.Type)
	}
}

// Customer is the provider's customer. ExternalID carries the credithub user id.
type Customer struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

// ProductData is a product as embedded in events and as sent in product events.
type ProductData struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	IsRecurring       bool            `json:"is_recurring"`
	IsArchived        bool            `json:"is_archived"`
	RecurringInterval string          `json:"recurring_interval"`
	OrganizationID    string          `json:"organization_id"`
	Prices            json.RawMessage `json:"prices"`
	Benefits          json.RawMessage `json:"benefits"`
	Metadata          json.RawMessage `json:"metadata"`
	CreatedAt         time.Time       `json:"created_at"`
	ModifiedAt        *time.Time      `json:"modified_at"`
}

// SubscriptionData is the payload of subscription events.
type SubscriptionData struct {
	ID                 string          `json:"id"`
	Status             string          `json:"status"`
	Amount             int64           `json:"amount"`
	Currency           string          `json:"currency"`
	RecurringInterval  string          `json:"recurring_interval"`
	CurrentPeriodStart *time.Time      `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time      `json:"current_period_end"`
	CancelAtPeriodEnd  bool            `json:"cancel_at_period_end"`
	CanceledAt         *time.Time      `json:"canceled_at"`
	CustomerID         string          `json:"customer_id"`
	ProductID          string          `json:"product_id"`
	Metadata           json.RawMessage `json:"metadata"`
	Customer           *Customer       `json:"customer"`
	Product            *ProductData    `json:"product"`
	CreatedAt          time.Time       `json:"created_at"`
	ModifiedAt         *time.Time      `json:"modified_at"`
}

// SubscriptionEvent is a subscription.* webhook.
type SubscriptionEvent struct {
	Kind string
	Data SubscriptionData
}

func (e *SubscriptionEvent) Type() string     { return e.Kind }
func (e *SubscriptionEvent) SourceID() string { return e.Data.ID }

func (e *SubscriptionEvent) Validate() error {
	var missing []string
	if e.Data.ID == "" {
		missing = append(missing, "id")
	}
	if e.Data.Status == "" {
		missing = append(missing, "status")
	}
	if e.Data.ProductID == "" {
		missing = append(missing, "product_id")
	}
	if e.Data.CurrentPeriodStart == nil {
		missing = append(missing, "current_period_start")
	}
	if e.Data.CurrentPeriodEnd == nil {
		missing = append(missing, "current_period_end")
	}
	return missingFields(missing)
}

// Cancels reports whether the event ends the subscription. Cancellation never touches
// credits; the package runs out at period end.
func (e *SubscriptionEvent) Cancels() bool {
	return e.Kind == "subscription.canceled" || e.Kind == "subscription.revoked"
}

// UserID is the credithub user the subscription belongs to, or empty.
func (e *SubscriptionEvent) UserID() string {
	if e.Data.Customer == nil {
		return ""
	}
	return e.Data.Customer.ExternalID
}

// OrderData is the payload of order events.
type OrderData struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Paid           bool            `json:"paid"`
	TotalAmount    int64           `json:"total_amount"`
	Currency       string          `json:"currency"`
	BillingReason  string          `json:"billing_reason"`
	InvoiceNumber  string          `json:"invoice_number"`
	CustomerID     string          `json:"customer_id"`
	ProductID      string          `json:"product_id"`
	SubscriptionID string          `json:"subscription_id"`
	Metadata       json.RawMessage `json:"metadata"`
	Customer       *Customer       `json:"customer"`
	Product        *ProductData    `json:"product"`
	CreatedAt      time.Time       `json:"created_at"`
	ModifiedAt     *time.Time      `json:"modified_at"`
}

// OrderEvent is an order.* webhook.
type OrderEvent struct {
	Kind string
	Data OrderData
}

func (e *OrderEvent) Type() string     { return e.Kind }
func (e *OrderEvent) SourceID() string { return e.Data.ID }

func (e *OrderEvent) Validate() error {
	var missing []string
	if e.Data.ID == "" {
		missing = append(missing, "id")
	}
	if e.Data.Status == "" {
		missing = append(missing, "status")
	}
	if e.Data.ProductID == "" {
		missing = append(missing, "product_id")
	}
	return missingFields(missing)
}

// IsPaid reports whether the order has been paid for.
func (e *OrderEvent) IsPaid() bool {
	return e.Data.Paid || e.Data.Status == "paid"
}

// UserID is the credithub user who placed the order, or empty.
func (e *OrderEvent) UserID() string {
	if e.Data.Customer == nil {
		return ""
	}
	return e.Data.Customer.ExternalID
}

// ProductName falls back to a placeholder when the event carries no product.
func (e *OrderEvent) ProductName() string {
	if e.Data.Product != nil && e.Data.Product.Name != "" {
		return e.Data.Product.Name
	}
	return "Unknown Product"
}

// ProductEvent is a product.* webhook.
type ProductEvent struct {
	Kind string
	Data ProductData
}

func (e *ProductEvent) Type() string     { return e.Kind }
func (e *ProductEvent) SourceID() string { return e.Data.ID }

func (e *ProductEvent) Validate() error {
	var missing []string
	if e.Data.ID == "" {
		missing = append(missing, "id")
	}
	if e.Data.Name == "" {
		missing = append(missing, "name")
	}
	return missingFields(missing)
}

func missingFields(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
}
