package credits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/credithub/internal/store"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "credits.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestService(t *testing.T) (*Service, *store.SQLStore, *testClock) {
	t.Helper()
	st := newTestStore(t)
	clock := &testClock{t: testNow}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, logger, WithClock(clock.Now)), st, clock
}

func createUser(t *testing.T, st store.Store) string {
	t.Helper()
	u := &store.User{ID: uuid.New().String(), Username: "u_" + uuid.New().String()[:8], Role: "user", CreatedAt: testNow}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u.ID
}

func grantOrder(t *testing.T, svc *Service, userID, orderID string, credits int64, validity string) GrantResult {
	t.Helper()
	v, err := ParseValidity(validity)
	if err != nil {
		t.Fatalf("ParseValidity(%q): %v", validity, err)
	}
	res, err := svc.GrantOrder(context.Background(), OrderGrant{
		UserID: userID, OrderID: orderID, Spec: GrantSpec{Credits: credits, Validity: v},
	})
	if err != nil {
		t.Fatalf("GrantOrder(%s): %v", orderID, err)
	}
	return res
}

func packageBySource(t *testing.T, st store.Store, sourceType, sourceID string) *store.CreditPackage {
	t.Helper()
	p, err := st.GetCreditPackageBySource(context.Background(), sourceType, sourceID)
	if err != nil {
		t.Fatalf("GetCreditPackageBySource: %v", err)
	}
	if p == nil {
		t.Fatalf("no package for %s %s", sourceType, sourceID)
	}
	return p
}

// assertLinkage checks that every package's transactions add up to credits - remaining.
func assertLinkage(t *testing.T, st store.Store, userID string) {
	t.Helper()
	ctx := context.Background()
	pkgs, err := st.ListCreditPackages(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	txns, err := st.ListCreditTransactions(ctx, userID, 10000)
	if err != nil {
		t.Fatal(err)
	}
	drawn := map[string]int64{}
	for _, tx := range txns {
		drawn[tx.PackageID] += tx.Amount
	}
	for _, p := range pkgs {
		if got, want := drawn[p.ID], p.Credits-p.RemainingCredits; got != want {
			t.Errorf("package %s: transactions sum %d, want credits-remaining %d", p.SourceID, got, want)
		}
		if p.RemainingCredits < 0 || p.RemainingCredits > p.Credits {
			t.Errorf("package %s: remaining %d outside [0, %d]", p.SourceID, p.RemainingCredits, p.Credits)
		}
	}
}

func TestConsumeAcrossPackages(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, st)

	grantOrder(t, svc, user, "ord_soon", 100, "5d")
	grantOrder(t, svc, user, "ord_later", 50, "10d")

	ok, err := svc.Consume(ctx, ConsumeRequest{UserID: user, Amount: 120, Category: store.CategoryChat})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if !ok {
		t.Fatal("Consume 120 of 150: got false, want true")
	}

	soon := packageBySource(t, st, store.SourceOrder, "ord_soon")
	later := packageBySource(t, st, store.SourceOrder, "ord_later")
	if soon.RemainingCredits != 0 || soon.Status != store.PackageDepleted {
		t.Errorf("soon: remaining=%d status=%q, want 0 depleted", soon.RemainingCredits, soon.Status)
	}
	if later.RemainingCredits != 30 || later.Status != store.PackageActive {
		t.Errorf("later: remaining=%d status=%q, want 30 active", later.RemainingCredits, later.Status)
	}

	txns, err := svc.Transactions(ctx, user, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 2 {
		t.Fatalf("transactions: got %d, want 2", len(txns))
	}
	byPackage := map[string]int64{}
	for _, tx := range txns {
		byPackage[tx.PackageID] = tx.Amount
		if tx.Type != store.CategoryChat {
			t.Errorf("transaction type: got %q, want chat", tx.Type)
		}
	}
	if byPackage[soon.ID] != 100 || byPackage[later.ID] != 20 {
		t.Errorf("draws: got %v, want 100 from soon and 20 from later", byPackage)
	}

	balance, err := svc.TotalBalance(ctx, user)
	if err != nil || balance != 30 {
		t.Errorf("TotalBalance: got %d, %v, want 30", balance, err)
	}
	assertLinkage(t, st, user)
}

func TestConsumeTouchesOnlySoonestPackage(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, st)

	grantOrder(t, svc, user, "ord_later", 50, "10d")
	grantOrder(t, svc, user, "ord_soon", 100, "5d")

	ok, err := svc.Consume(ctx, ConsumeRequest{UserID: user, Amount: 40})
	if err != nil || !ok {
		t.Fatalf("Consume: got %v, %v", ok, err)
	}
	if got := packageBySource(t, st, store.SourceOrder, "ord_soon").RemainingCredits; got != 60 {
		t.Errorf("soon remaining: got %d, want 60", got)
	}
	if got := packageBySource(t, st, store.SourceOrder, "ord_later").RemainingCredits; got != 50 {
		t.Errorf("later remaining: got %d, want 50", got)
	}
}

func TestConsumeInsufficientLeavesLedgerUntouched(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, st)

	grantOrder(t, svc, user, "ord_a", 100, "5d")
	grantOrder(t, svc, user, "ord_b", 50, "10d")
	before, err := st.ListCreditPackages(ctx, user)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := svc.Consume(ctx, ConsumeRequest{UserID: user, Amount: 151})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if ok {
		t.Fatal("Consume 151 of 150: got true, want false")
	}

	after, err := st.ListCreditPackages(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	for i := range before {
		if before[i].RemainingCredits != after[i].RemainingCredits || before[i].Status != after[i].Status {
			t.Errorf("package %s changed: %+v -> %+v", before[i].SourceID, before[i], after[i])
		}
	}
	txns, _ := svc.Transactions(ctx, user, 10)
	if len(txns) != 0 {
		t.Errorf("transactions: got %d, want 0", len(txns))
	}
}

func TestConsumeRejectsInvalidArguments(t *testing.T) {
	svc, st, _ := newTestService(t)
	user := createUser(t, st)
	grantOrder(t, svc, user, "ord_a", 100, "")

	tests := []struct {
		name string
		req  ConsumeRequest
	}{
		{"zero amount", ConsumeRequest{UserID: user, Amount: 0}},
		{"negative amount", ConsumeRequest{UserID: user, Amount: -5}},
		{"unknown category", ConsumeRequest{UserID: user, Amount: 1, Category: "video"}},
		{"missing user", ConsumeRequest{Amount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := svc.Consume(context.Background(), tt.req)
			if ok || !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("got %v, %v, want false, ErrInvalidArgument", ok, err)
			}
		})
	}
	if got := packageBySource(t, st, store.SourceOrder, "ord_a").RemainingCredits; got != 100 {
		t.Errorf("remaining: got %d, want 100", got)
	}
}

func TestConsumeRecordsMetadata(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, st)
	grantOrder(t, svc, user, "ord_a", 10, "")

	ok, err := svc.Consume(ctx, ConsumeRequest{
		UserID: user, Amount: 2, Category: store.CategoryChat,
		Description: "AI Chat - 1500 tokens",
		Metadata:    map[string]any{"total_tokens": 1500, "model": "gemini"},
	})
	if err != nil || !ok {
		t.Fatalf("Consume: %v, %v", ok, err)
	}
	txns, _ := svc.Transactions(ctx, user, 1)
	if len(txns) != 1 {
		t.Fatalf("transactions: got %d", len(txns))
	}
	if txns[0].Description != "AI Chat - 1500 tokens" {
		t.Errorf("description: got %q", txns[0].Description)
	}
	if string(txns[0].Metadata) != `{"model":"gemini","total_tokens":1500}` {
		t.Errorf("metadata: got %s", txns[0].Metadata)
	}
}

func TestConcurrentConsumeNeverOverspends(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, st)
	grantOrder(t, svc, user, "ord_a", 60, "5d")
	grantOrder(t, svc, user, "ord_b", 40, "10d")

	const workers = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Consume(ctx, ConsumeRequest{UserID: user, Amount: 7})
			if err != nil {
				t.Errorf("Consume: %v", err)
				return
			}
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 100 credits cover 14 draws of 7.
	if succeeded != 14 {
		t.Errorf("successful consumes: got %d, want 14", succeeded)
	}
	balance, err := svc.TotalBalance(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if balance != 2 {
		t.Errorf("balance: got %d, want 2", balance)
	}
	assertLinkage(t, st, user)
}

func TestExpireStalePackages(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	user := createUser(t, st)

	grantOrder(t, svc, user, "ord_short", 100, "1d")
	grantOrder(t, svc, user, "ord_long", 50, "30d")
	if ok, err := svc.Consume(ctx, ConsumeRequest{UserID: user, Amount: 30}); err != nil || !ok {
		t.Fatalf("Consume: %v, %v", ok, err)
	}

	clock.Advance(48 * time.Hour)

	// Expired packages are excluded from the balance even before the sweep runs.
	if balance, _ := svc.TotalBalance(ctx, user); balance != 50 {
		t.Errorf("balance before sweep: got %d, want 50", balance)
	}

	n, err := svc.ExpireStalePackages(ctx)
	if err != nil {
		t.Fatalf("ExpireStalePackages: %v", err)
	}
	if n != 1 {
		t.Errorf("expired: got %d, want 1", n)
	}
	short := packageBySource(t, st, store.SourceOrder, "ord_short")
	if short.Status != store.PackageExpired || short.RemainingCredits != 70 {
		t.Errorf("short: status=%q remaining=%d, want expired 70", short.Status, short.RemainingCredits)
	}

	clock.Advance(time.Hour)
	if n, err := svc.ExpireStalePackages(ctx); err != nil || n != 0 {
		t.Errorf("second sweep: got %d, %v, want 0", n, err)
	}
	if got := packageBySource(t, st, store.SourceOrder, "ord_short").Status; got != store.PackageExpired {
		t.Errorf("status after second sweep: got %q, want expired", got)
	}
	if ok, _ := svc.Consume(ctx, ConsumeRequest{UserID: user, Amount: 60}); ok {
		t.Error("Consume 60 with 50 unexpired: got true, want false")
	}
}

func TestExpireKeepsDepletedPackages(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()
	user := createUser(t, st)

	grantOrder(t, svc, user, "ord_a", 10, "1d")
	if ok, err := svc.Consume(ctx, ConsumeRequest{UserID: user, Amount: 10}); err != nil || !ok {
		t.Fatalf("Consume: %v, %v", ok, err)
	}
	clock.Advance(72 * time.Hour)
	if _, err := svc.ExpireStalePackages(ctx); err != nil {
		t.Fatal(err)
	}
	if got := packageBySource(t, st, store.SourceOrder, "ord_a").Status; got != store.PackageDepleted {
		t.Errorf("status: got %q, want depleted", got)
	}
}

func TestTransactionsLimit(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	user := createUser(t, st)
	grantOrder(t, svc, user, "ord_a", 1000, "")

	for i := 0; i < 60; i++ {
		if ok, err := svc.Consume(ctx, ConsumeRequest{UserID: user, Amount: 1}); err != nil || !ok {
			t.Fatalf("Consume %d: %v, %v", i, ok, err)
		}
	}

	tests := []struct {
		limit int
		want  int
	}{
		{0, 50},
		{-1, 50},
		{10, 10},
		{1000, 60},
	}
	for _, tt := range tests {
		txns, err := svc.Transactions(ctx, user, tt.limit)
		if err != nil {
			t.Fatal(err)
		}
		if len(txns) != tt.want {
			t.Errorf("Transactions(limit=%d): got %d, want %d", tt.limit, len(txns), tt.want)
		}
	}
}

func TestSummaryEmpty(t *testing.T) {
	svc, st, _ := newTestService(t)
	user := createUser(t, st)

	sum, err := svc.Summary(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalCredits != 0 || sum.Packages == nil || len(sum.Packages) != 0 {
		t.Errorf("Summary: got %+v, want zero balance and empty package list", sum)
	}
}

// missingDrawStore makes every conditional decrement miss, as if another writer always
// got there first.
type missingDrawStore struct {
	store.Store
	attempts int
}

func (m *missingDrawStore) WithCreditTx(ctx context.Context, fn func(store.CreditTx) error) error {
	m.attempts++
	return m.Store.WithCreditTx(ctx, func(tx store.CreditTx) error {
		return fn(missingDrawTx{tx})
	})
}

type missingDrawTx struct {
	store.CreditTx
}

func (missingDrawTx) DrawPackage(context.Context, string, int64, time.Time) (bool, error) {
	return false, nil
}

func TestConsumeGivesUpAfterMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	user := createUser(t, st)
	seed := NewService(st, logger, WithClock(func() time.Time { return testNow }))
	grantOrder(t, seed, user, "ord_a", 10, "")

	flaky := &missingDrawStore{Store: st}
	svc := NewService(flaky, logger, WithClock(func() time.Time { return testNow }), WithMaxAttempts(4))

	ok, err := svc.Consume(context.Background(), ConsumeRequest{UserID: user, Amount: 5})
	if ok || !errors.Is(err, ErrConflict) {
		t.Fatalf("Consume: got %v, %v, want false, ErrConflict", ok, err)
	}
	if flaky.attempts != 4 {
		t.Errorf("attempts: got %d, want 4", flaky.attempts)
	}
	if got := packageBySource(t, st, store.SourceOrder, "ord_a").RemainingCredits; got != 10 {
		t.Errorf("remaining: got %d, want 10", got)
	}
}
