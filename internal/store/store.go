// Package store defines the persistence interface for credithub and provides SQLite,
// PostgreSQL and MySQL implementations over a shared SQL core.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Credit package source kinds.
const (
	SourceSubscription = "subscription"
	SourceOrder        = "order"
)

// Credit package statuses.
const (
	PackageActive   = "active"
	PackageExpired  = "expired"
	PackageDepleted = "depleted"
)

// Credit transaction categories.
const (
	CategoryChat  = "chat"
	CategoryImage = "image"
	CategoryOther = "other"
)

// Store is the persistence interface for credithub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Subscriptions
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetActiveSubscriptionByUser(ctx context.Context, userID string) (*Subscription, error)

	// Orders
	UpsertOrder(ctx context.Context, order *Order) error
	ListOrdersByUser(ctx context.Context, userID string) ([]Order, error)

	// Products
	UpsertProduct(ctx context.Context, product *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListProducts(ctx context.Context, includeArchived bool) ([]Product, error)

	// Credits
	ListActiveCreditPackages(ctx context.Context, userID string, now time.Time) ([]CreditPackage, error)
	ListCreditPackages(ctx context.Context, userID string) ([]CreditPackage, error)
	GetCreditPackageBySource(ctx context.Context, sourceType, sourceID string) (*CreditPackage, error)
	ListCreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)
	ExpireCreditPackages(ctx context.Context, now time.Time) (int64, error)
	WithCreditTx(ctx context.Context, fn func(CreditTx) error) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CreditTx is the set of credit operations available inside one database transaction.
// Every call made through a CreditTx commits or rolls back together.
type CreditTx interface {
	// ActivePackages returns drawable packages in draw order, locked for update where the
	// database supports row locks.
	ActivePackages(ctx context.Context, userID string, now time.Time) ([]CreditPackage, error)
	// DrawPackage decrements remaining_credits by amount only if the package is still active,
	// unexpired at now and holds at least amount. It reports whether the row was updated.
	DrawPackage(ctx context.Context, id string, amount int64, now time.Time) (bool, error)
	InsertTransaction(ctx context.Context, txn *CreditTransaction) error
	// EnsurePackage inserts pkg unless a package with the same source already exists.
	// It reports whether a row was inserted.
	EnsurePackage(ctx context.Context, pkg *CreditPackage) (bool, error)
	PackageBySource(ctx context.Context, sourceType, sourceID string) (*CreditPackage, error)
	UpdatePackage(ctx context.Context, pkg *CreditPackage) error
}

// User represents a credithub user.
type User struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"external_id,omitempty"` // identity provider subject or empty
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Subscription mirrors a payment provider subscription.
type Subscription struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	CustomerID         string          `json:"customer_id"`
	ProductID          string          `json:"product_id"`
	Status             string          `json:"status"`
	Amount             int64           `json:"amount"`
	Currency           string          `json:"currency"`
	RecurringInterval  string          `json:"recurring_interval"`
	CurrentPeriodStart time.Time       `json:"current_period_start"`
	CurrentPeriodEnd   time.Time       `json:"current_period_end"`
	CancelAtPeriodEnd  bool            `json:"cancel_at_period_end"`
	CanceledAt         *time.Time      `json:"canceled_at,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ModifiedAt         time.Time       `json:"modified_at"`
}

// Order mirrors a payment provider one-time order.
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	CustomerID     string          `json:"customer_id"`
	ProductID      string          `json:"product_id"`
	ProductName    string          `json:"product_name"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Status         string          `json:"status"`
	Paid           bool            `json:"paid"`
	TotalAmount    int64           `json:"total_amount"`
	Currency       string          `json:"currency"`
	BillingReason  string          `json:"billing_reason"`
	InvoiceNumber  string          `json:"invoice_number,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ModifiedAt     time.Time       `json:"modified_at"`
}

// Product mirrors a payment provider product.
type Product struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	IsRecurring       bool            `json:"is_recurring"`
	IsArchived        bool            `json:"is_archived"`
	RecurringInterval string          `json:"recurring_interval,omitempty"` // "month", "year" or empty
	OrganizationID    string          `json:"organization_id"`
	Prices            json.RawMessage `json:"prices,omitempty"`
	Benefits          json.RawMessage `json:"benefits,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ModifiedAt        time.Time       `json:"modified_at"`
}

// CreditPackage is a block of credits granted by one subscription period or order.
type CreditPackage struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	SourceType       string     `json:"source_type"` // "subscription" or "order"
	SourceID         string     `json:"source_id"`
	Credits          int64      `json:"credits"`
	RemainingCredits int64      `json:"remaining_credits"`
	ValidityDays     *int       `json:"validity_days,omitempty"`
	PeriodStart      *time.Time `json:"period_start,omitempty"` // subscriptions only
	ExpiresAt        time.Time  `json:"expires_at"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CreditTransaction records one draw against one package.
type CreditTransaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	PackageID   string          `json:"package_id"`
	Amount      int64           `json:"amount"`
	Type        string          `json:"type"` // "chat", "image" or "other"
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
