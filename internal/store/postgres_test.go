package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestMySQLStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set, skipping MySQL tests")
	}
	s, err := NewMySQL(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresLedgerFlow(t *testing.T) {
	testLedgerFlow(t, newTestPostgresStore(t))
}

func TestMySQLLedgerFlow(t *testing.T) {
	testLedgerFlow(t, newTestMySQLStore(t))
}

// testLedgerFlow runs the credit path against a server database: migrations, idempotent
// insert, locked read, conditional draw and sweep.
func testLedgerFlow(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	u := createTestUser(t, s, "ledger_"+uuid.New().String()[:8])
	sourceID := "ord_" + uuid.New().String()[:8]
	now := time.Now().UTC()
	p := insertPackage(t, s, u.ID, sourceID, 100, 100, now.Add(time.Hour))

	dup := *p
	dup.ID = uuid.New().String()
	err := s.WithCreditTx(ctx, func(tx CreditTx) error {
		inserted, err := tx.EnsurePackage(ctx, &dup)
		if err != nil {
			return err
		}
		if inserted {
			t.Error("EnsurePackage duplicate: expected no insert")
		}
		pkgs, err := tx.ActivePackages(ctx, u.ID, now)
		if err != nil {
			return err
		}
		if len(pkgs) != 1 {
			t.Errorf("ActivePackages: got %d, want 1", len(pkgs))
		}
		ok, err := tx.DrawPackage(ctx, p.ID, 100, now)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("DrawPackage: expected success")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithCreditTx: %v", err)
	}

	got, err := s.GetCreditPackageBySource(ctx, SourceOrder, sourceID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != PackageDepleted || got.RemainingCredits != 0 {
		t.Errorf("after draw: status=%q remaining=%d", got.Status, got.RemainingCredits)
	}
	if !got.ExpiresAt.Equal(p.ExpiresAt.Truncate(time.Microsecond)) {
		t.Errorf("ExpiresAt: got %v, want %v", got.ExpiresAt, p.ExpiresAt)
	}

	if _, err := s.ExpireCreditPackages(ctx, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("ExpireCreditPackages: %v", err)
	}
	got, _ = s.GetCreditPackageBySource(ctx, SourceOrder, sourceID)
	if got.Status != PackageDepleted {
		t.Errorf("sweep after depletion: status=%q, want depleted", got.Status)
	}
}
