package store_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/credithub/internal/credits"
	"github.com/amurg-ai/credithub/internal/store"
)

func openServerStore(t *testing.T, env string, open func(string) (*store.SQLStore, error)) *store.SQLStore {
	t.Helper()
	dsn := os.Getenv(env)
	if dsn == "" {
		t.Skipf("%s not set, skipping", env)
	}
	s, err := open(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func contentionStores() map[string]func(t *testing.T) *store.SQLStore {
	return map[string]func(t *testing.T) *store.SQLStore{
		"sqlite": func(t *testing.T) *store.SQLStore {
			s, err := store.NewSQLite(filepath.Join(t.TempDir(), "contention.db"))
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"postgres": func(t *testing.T) *store.SQLStore {
			return openServerStore(t, "TEST_POSTGRES_DSN", store.NewPostgres)
		},
		"mysql": func(t *testing.T) *store.SQLStore {
			return openServerStore(t, "TEST_MYSQL_DSN", store.NewMySQL)
		},
	}
}

func newLedgerUser(t *testing.T, s store.Store) string {
	t.Helper()
	u := &store.User{
		ID:        uuid.New().String(),
		Username:  "contend_" + uuid.New().String()[:8],
		Role:      "user",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u.ID
}

func TestConcurrentConsumeAcrossPackages(t *testing.T) {
	for name, open := range contentionStores() {
		t.Run(name, func(t *testing.T) {
			testConcurrentConsume(t, open(t))
		})
	}
}

func TestConcurrentEnsurePackage(t *testing.T) {
	for name, open := range contentionStores() {
		t.Run(name, func(t *testing.T) {
			testConcurrentEnsurePackage(t, open(t))
		})
	}
}

// testConcurrentConsume races many consumers over a user holding several packages and
// checks the ledger afterwards: no overspend, and every transaction accounted for by the
// package it drew from.
func testConcurrentConsume(t *testing.T, s *store.SQLStore) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := credits.NewService(s, logger, credits.WithMaxAttempts(10))
	user := newLedgerUser(t, s)

	var granted int64
	for i, validity := range []string{"5d", "30d", "1y"} {
		v, err := credits.ParseValidity(validity)
		if err != nil {
			t.Fatal(err)
		}
		spec := credits.GrantSpec{Credits: int64(40 + 10*i), Validity: v}
		orderID := "ord_" + uuid.New().String()[:8]
		if _, err := ledger.GrantOrder(ctx, credits.OrderGrant{UserID: user, OrderID: orderID, Spec: spec}); err != nil {
			t.Fatalf("GrantOrder: %v", err)
		}
		granted += spec.Credits
	}

	const (
		workers = 24
		amount  = 7
	)
	var (
		wg       sync.WaitGroup
		consumed atomic.Int64
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Consume(ctx, credits.ConsumeRequest{UserID: user, Amount: amount, Category: "chat"})
			if err != nil && !errors.Is(err, credits.ErrConflict) {
				t.Errorf("Consume: %v", err)
				return
			}
			if ok {
				consumed.Add(amount)
			}
		}()
	}
	wg.Wait()

	if consumed.Load() > granted {
		t.Fatalf("consumed %d, more than granted %d", consumed.Load(), granted)
	}
	if consumed.Load() == 0 {
		t.Fatal("no consumer succeeded")
	}

	pkgs, err := s.ListCreditPackages(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	txns, err := s.ListCreditTransactions(ctx, user, 1000)
	if err != nil {
		t.Fatal(err)
	}

	byID := make(map[string]store.CreditPackage, len(pkgs))
	var remaining int64
	for _, p := range pkgs {
		byID[p.ID] = p
		remaining += p.RemainingCredits
	}
	drawn := map[string]int64{}
	var total int64
	for _, tx := range txns {
		if _, ok := byID[tx.PackageID]; !ok {
			t.Errorf("transaction %s references unknown package %q", tx.ID, tx.PackageID)
		}
		drawn[tx.PackageID] += tx.Amount
		total += tx.Amount
	}
	if total != consumed.Load() {
		t.Errorf("transactions sum %d, successful consumes %d", total, consumed.Load())
	}
	if remaining != granted-consumed.Load() {
		t.Errorf("remaining %d, want %d", remaining, granted-consumed.Load())
	}
	for _, p := range pkgs {
		if got, want := drawn[p.ID], p.Credits-p.RemainingCredits; got != want {
			t.Errorf("package %s: transactions sum %d, want %d", p.SourceID, got, want)
		}
		if p.RemainingCredits == 0 && p.Status != store.PackageDepleted {
			t.Errorf("package %s: empty but status %q", p.SourceID, p.Status)
		}
	}
}

// testConcurrentEnsurePackage races inserts of the same source; exactly one row wins.
func testConcurrentEnsurePackage(t *testing.T, s *store.SQLStore) {
	ctx := context.Background()
	user := newLedgerUser(t, s)
	sourceID := "sub_" + uuid.New().String()[:8]
	now := time.Now().UTC()

	const workers = 12
	var (
		wg       sync.WaitGroup
		inserted atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := &store.CreditPackage{
				ID:               uuid.New().String(),
				UserID:           user,
				SourceType:       store.SourceSubscription,
				SourceID:         sourceID,
				Credits:          100,
				RemainingCredits: 100,
				ExpiresAt:        now.Add(24 * time.Hour),
				Status:           store.PackageActive,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			var won bool
			err := s.WithCreditTx(ctx, func(tx store.CreditTx) error {
				var err error
				won, err = tx.EnsurePackage(ctx, p)
				return err
			})
			if err != nil {
				t.Errorf("EnsurePackage: %v", err)
				return
			}
			if won {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := inserted.Load(); n != 1 {
		t.Errorf("inserted %d times, want exactly 1", n)
	}
	pkgs, err := s.ListCreditPackages(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 1 {
		t.Errorf("packages for source: got %d, want 1", len(pkgs))
	}
}
