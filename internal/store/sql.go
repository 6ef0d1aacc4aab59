package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store over database/sql. The same queries serve every driver;
// the dialect only rewrites placeholders, row locks and upserts.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

var (
	userColumns = []string{"id", "external_id", "username", "password_hash", "role", "created_at"}

	subscriptionColumns = []string{
		"id", "user_id", "customer_id", "product_id", "status", "amount", "currency",
		"recurring_interval", "current_period_start", "current_period_end",
		"cancel_at_period_end", "canceled_at", "metadata", "created_at", "modified_at",
	}

	orderColumns = []string{
		"id", "user_id", "customer_id", "product_id", "product_name", "subscription_id",
		"status", "paid", "total_amount", "currency", "billing_reason", "invoice_number",
		"metadata", "created_at", "modified_at",
	}

	productColumns = []string{
		"id", "name", "description", "is_recurring", "is_archived", "recurring_interval",
		"organization_id", "prices", "benefits", "metadata", "created_at", "modified_at",
	}

	packageColumns = []string{
		"id", "user_id", "source_type", "source_id", "credits", "remaining_credits",
		"validity_days", "period_start", "expires_at", "status", "created_at", "updated_at",
	}

	transactionColumns = []string{
		"id", "user_id", "package_id", "amount", "type", "description", "metadata", "created_at",
	}
)

func cols(c []string) string {
	return strings.Join(c, ", ")
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Users

func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, s.q(insertPrefix("users", userColumns)),
		user.ID, user.ExternalID, user.Username, user.PasswordHash, user.Role, user.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) getUser(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT "+cols(userColumns)+" FROM users WHERE "+where+" = ?"), arg,
	).Scan(&u.ID, &u.ExternalID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, "username", username)
}

func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *SQLStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.getUser(ctx, "external_id", externalID)
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+cols(userColumns)+" FROM users ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.ExternalID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	return users, rows.Err()
}

// Subscriptions

func (s *SQLStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	query := s.dialect.upsert("subscriptions", subscriptionColumns, []string{"id"},
		without(subscriptionColumns, "id", "created_at"))
	_, err := s.db.ExecContext(ctx, s.q(query),
		sub.ID, sub.UserID, sub.CustomerID, sub.ProductID, sub.Status, sub.Amount, sub.Currency,
		sub.RecurringInterval, sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(),
		sub.CancelAtPeriodEnd, nullTime(sub.CanceledAt), jsonText(sub.Metadata),
		sub.CreatedAt.UTC(), sub.ModifiedAt.UTC(),
	)
	return err
}

func scanSubscription(sc rowScanner) (*Subscription, error) {
	var sub Subscription
	var canceledAt sql.NullTime
	var metadata string
	if err := sc.Scan(&sub.ID, &sub.UserID, &sub.CustomerID, &sub.ProductID, &sub.Status, &sub.Amount,
		&sub.Currency, &sub.RecurringInterval, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &canceledAt, &metadata, &sub.CreatedAt, &sub.ModifiedAt); err != nil {
		return nil, err
	}
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.CanceledAt = timePtr(canceledAt)
	sub.Metadata = rawJSON(metadata)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.ModifiedAt = sub.ModifiedAt.UTC()
	return &sub, nil
}

func (s *SQLStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		s.q("SELECT "+cols(subscriptionColumns)+" FROM subscriptions WHERE id = ?"), id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

// GetActiveSubscriptionByUser returns the user's active or trialing subscription with the
// latest period end.
func (s *SQLStore) GetActiveSubscriptionByUser(ctx context.Context, userID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		"SELECT "+cols(subscriptionColumns)+` FROM subscriptions
		 WHERE user_id = ? AND status IN ('active', 'trialing')
		 ORDER BY current_period_end DESC LIMIT 1`), userID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

// Orders

func (s *SQLStore) UpsertOrder(ctx context.Context, o *Order) error {
	query := s.dialect.upsert("orders", orderColumns, []string{"id"},
		without(orderColumns, "id", "created_at"))
	_, err := s.db.ExecContext(ctx, s.q(query),
		o.ID, o.UserID, o.CustomerID, o.ProductID, o.ProductName, o.SubscriptionID,
		o.Status, o.Paid, o.TotalAmount, o.Currency, o.BillingReason, o.InvoiceNumber,
		jsonText(o.Metadata), o.CreatedAt.UTC(), o.ModifiedAt.UTC(),
	)
	return err
}

func (s *SQLStore) ListOrdersByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT "+cols(orderColumns)+" FROM orders WHERE user_id = ? ORDER BY created_at DESC"), userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []Order
	for rows.Next() {
		var o Order
		var metadata string
		if err := rows.Scan(&o.ID, &o.UserID, &o.CustomerID, &o.ProductID, &o.ProductName, &o.SubscriptionID,
			&o.Status, &o.Paid, &o.TotalAmount, &o.Currency, &o.BillingReason, &o.InvoiceNumber,
			&metadata, &o.CreatedAt, &o.ModifiedAt); err != nil {
			return nil, err
		}
		o.Metadata = rawJSON(metadata)
		o.CreatedAt = o.CreatedAt.UTC()
		o.ModifiedAt = o.ModifiedAt.UTC()
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Products

func (s *SQLStore) UpsertProduct(ctx context.Context, p *Product) error {
	query := s.dialect.upsert("products", productColumns, []string{"id"},
		without(productColumns, "id", "created_at"))
	_, err := s.db.ExecContext(ctx, s.q(query),
		p.ID, p.Name, p.Description, p.IsRecurring, p.IsArchived, p.RecurringInterval,
		p.OrganizationID, jsonText(p.Prices), jsonText(p.Benefits), jsonText(p.Metadata),
		p.CreatedAt.UTC(), p.ModifiedAt.UTC(),
	)
	return err
}

func scanProduct(sc rowScanner) (*Product, error) {
	var p Product
	var prices, benefits, metadata string
	if err := sc.Scan(&p.ID, &p.Name, &p.Description, &p.IsRecurring, &p.IsArchived, &p.RecurringInterval,
		&p.OrganizationID, &prices, &benefits, &metadata, &p.CreatedAt, &p.ModifiedAt); err != nil {
		return nil, err
	}
	p.Prices = rawJSON(prices)
	p.Benefits = rawJSON(benefits)
	p.Metadata = rawJSON(metadata)
	p.CreatedAt = p.CreatedAt.UTC()
	p.ModifiedAt = p.ModifiedAt.UTC()
	return &p, nil
}

func (s *SQLStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+cols(productColumns)+" FROM products WHERE id = ?"), id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListProducts returns recurring products first, then one-time products, each by name.
func (s *SQLStore) ListProducts(ctx context.Context, includeArchived bool) ([]Product, error) {
	query := "SELECT " + cols(productColumns) + " FROM products"
	if !includeArchived {
		query += " WHERE is_archived = ?"
	}
	query += " ORDER BY is_recurring DESC, name ASC"

	var args []any
	if !includeArchived {
		args = append(args, false)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// Credits

func scanPackage(sc rowScanner) (*CreditPackage, error) {
	var p CreditPackage
	var validity sql.NullInt64
	var periodStart sql.NullTime
	if err := sc.Scan(&p.ID, &p.UserID, &p.SourceType, &p.SourceID, &p.Credits, &p.RemainingCredits,
		&validity, &periodStart, &p.ExpiresAt, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if validity.Valid {
		v := int(validity.Int64)
		p.ValidityDays = &v
	}
	p.PeriodStart = timePtr(periodStart)
	p.ExpiresAt = p.ExpiresAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func queryPackages(ctx context.Context, db queryer, query string, args ...any) ([]CreditPackage, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pkgs []CreditPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, *p)
	}
	return pkgs, rows.Err()
}

// activePackagesQuery selects drawable packages soonest-expiring first.
func activePackagesQuery(d dialect, lock bool) string {
	q := "SELECT " + cols(packageColumns) + ` FROM credit_packages
		WHERE user_id = ? AND status = 'active' AND remaining_credits > 0 AND expires_at > ?
		ORDER BY expires_at ASC, created_at ASC, id ASC`
	if lock {
		q += d.forUpdate()
	}
	return d.rebind(q)
}

func packageBySourceQuery(d dialect, lock bool) string {
	q := "SELECT " + cols(packageColumns) + " FROM credit_packages WHERE source_type = ? AND source_id = ?"
	if lock {
		q += d.forUpdate()
	}
	return d.rebind(q)
}

func (s *SQLStore) ListActiveCreditPackages(ctx context.Context, userID string, now time.Time) ([]CreditPackage, error) {
	return queryPackages(ctx, s.db, activePackagesQuery(s.dialect, false), userID, now.UTC())
}

func (s *SQLStore) ListCreditPackages(ctx context.Context, userID string) ([]CreditPackage, error) {
	return queryPackages(ctx, s.db,
		s.q("SELECT "+cols(packageColumns)+" FROM credit_packages WHERE user_id = ? ORDER BY expires_at ASC, created_at ASC"),
		userID)
}

func (s *SQLStore) GetCreditPackageBySource(ctx context.Context, sourceType, sourceID string) (*CreditPackage, error) {
	p, err := scanPackage(s.db.QueryRowContext(ctx, packageBySourceQuery(s.dialect, false), sourceType, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *SQLStore) ListCreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT "+cols(transactionColumns)+` FROM credit_transactions
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var txns []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		var metadata string
		if err := rows.Scan(&t.ID, &t.UserID, &t.PackageID, &t.Amount, &t.Type, &t.Description,
			&metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Metadata = rawJSON(metadata)
		t.CreatedAt = t.CreatedAt.UTC()
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// ExpireCreditPackages marks active packages with a balance left and expires_at <= now as
// expired. remaining_credits is left untouched.
func (s *SQLStore) ExpireCreditPackages(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE credit_packages SET status = 'expired', updated_at = ?
		WHERE status = 'active' AND remaining_credits > 0 AND expires_at <= ?`), now, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// WithCreditTx runs fn in one database transaction. fn's error rolls everything back.
func (s *SQLStore) WithCreditTx(ctx context.Context, fn func(CreditTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&creditTx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credit tx: %w", err)
	}
	return nil
}

// Audit

func (s *SQLStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES (?, ?, ?, ?, ?)"),
		event.ID, event.Action, event.UserID, jsonText(event.Detail), event.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, action, user_id, detail, created_at FROM audit_events
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = rawJSON(detail)
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
