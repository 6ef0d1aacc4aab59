package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// creditTx implements CreditTx on top of a *sql.Tx. Every statement must go through tx:
// on SQLite the pool holds one connection and the transaction owns it.
type creditTx struct {
	tx      *sql.Tx
	dialect dialect
}

func (c *creditTx) ActivePackages(ctx context.Context, userID string, now time.Time) ([]CreditPackage, error) {
	return queryPackages(ctx, c.tx, activePackagesQuery(c.dialect, true), userID, now.UTC())
}

func (c *creditTx) DrawPackage(ctx context.Context, id string, amount int64, now time.Time) (bool, error) {
	now = now.UTC()
	// status is assigned before remaining_credits so MySQL, which evaluates SET
	// left to right, sees the same pre-update value as the other databases.
	res, err := c.tx.ExecContext(ctx, c.dialect.rebind(`UPDATE credit_packages
		SET status = CASE WHEN remaining_credits = ? THEN 'depleted' ELSE status END,
			remaining_credits = remaining_credits - ?,
			updated_at = ?
		WHERE id = ? AND status = 'active' AND remaining_credits >= ? AND expires_at > ?`),
		amount, amount, now, id, amount, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *creditTx) InsertTransaction(ctx context.Context, t *CreditTransaction) error {
	_, err := c.tx.ExecContext(ctx, c.dialect.rebind(insertPrefix("credit_transactions", transactionColumns)),
		t.ID, t.UserID, t.PackageID, t.Amount, t.Type, t.Description, jsonText(t.Metadata), t.CreatedAt.UTC(),
	)
	return err
}

func (c *creditTx) EnsurePackage(ctx context.Context, p *CreditPackage) (bool, error) {
	query := c.dialect.insertIgnore("credit_packages", packageColumns, []string{"source_type", "source_id"})
	res, err := c.tx.ExecContext(ctx, c.dialect.rebind(query), packageArgs(p)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *creditTx) PackageBySource(ctx context.Context, sourceType, sourceID string) (*CreditPackage, error) {
	p, err := scanPackage(c.tx.QueryRowContext(ctx, packageBySourceQuery(c.dialect, true), sourceType, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (c *creditTx) UpdatePackage(ctx context.Context, p *CreditPackage) error {
	_, err := c.tx.ExecContext(ctx, c.dialect.rebind(`UPDATE credit_packages
		SET credits = ?, remaining_credits = ?, validity_days = ?, period_start = ?,
			expires_at = ?, status = ?, updated_at = ?
		WHERE id = ?`),
		p.Credits, p.RemainingCredits, nullInt(p.ValidityDays), nullTime(p.PeriodStart),
		p.ExpiresAt.UTC(), p.Status, p.UpdatedAt.UTC(), p.ID,
	)
	return err
}

func packageArgs(p *CreditPackage) []any {
	return []any{
		p.ID, p.UserID, p.SourceType, p.SourceID, p.Credits, p.RemainingCredits,
		nullInt(p.ValidityDays), nullTime(p.PeriodStart), p.ExpiresAt.UTC(), p.Status,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	}
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
