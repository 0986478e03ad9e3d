package profile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/quota"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Counting store ---

type countingStore struct {
	*storage.Store
	mu        sync.Mutex
	listCalls int
}

func (c *countingStore) ListResults(ctx context.Context, f storage.ResultFilter) ([]storage.Result, error) {
	c.mu.Lock()
	c.listCalls++
	c.mu.Unlock()
	return c.Store.ListResults(ctx, f)
}

var alice = &identity.Caller{UserID: "alice", Name: "Alice"}

func setup(t *testing.T, now time.Time) (*Manager, *countingStore, *mockClock) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := &mockClock{now: now}
	limiter := quota.NewLimiter(s, map[storage.Kind]int{storage.KindComparison: 25, storage.KindDeepAnalysis: 3}, time.UTC, nil)
	limiter.SetClock(clock)
	store := &countingStore{Store: s}
	return NewManagerWithClock(store, limiter, time.UTC, clock, time.Minute), store, clock
}

func startUnit(t *testing.T, s *storage.Store, userID string, kind storage.Kind, at time.Time) {
	t.Helper()
	id := fmt.Sprintf("%s-%s-%d", userID, kind, at.UnixNano())
	ok, err := s.ReserveWorkUnit(context.Background(), storage.WorkUnit{
		ID: id, SessionID: id, UserID: userID, Kind: kind,
		EstimatedCost: money.Cent, CreatedAt: at,
	}, money.Dollar, at.Add(-24*time.Hour))
	if err != nil || !ok {
		t.Fatalf("reserving unit: ok=%v err=%v", ok, err)
	}
}

func TestGetUsage_Summary(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	m, s, _ := setup(t, now)
	ctx := context.Background()

	startUnit(t, s.Store, "alice", storage.KindDeepAnalysis, now.Add(-time.Hour))
	startUnit(t, s.Store, "alice", storage.KindComparison, now.Add(-2*time.Hour))
	startUnit(t, s.Store, "alice", storage.KindComparison, now.Add(-5*24*time.Hour))  // this month, not today
	startUnit(t, s.Store, "alice", storage.KindComparison, now.Add(-15*24*time.Hour)) // last month
	startUnit(t, s.Store, "bob", storage.KindComparison, now.Add(-time.Hour))

	for i, cost := range []float64{0.12, 0.07} {
		err := s.SaveResult(ctx, storage.Result{
			ID: fmt.Sprintf("r%d", i), Kind: storage.KindComparison, UserQuery: "q", NormalizedQuery: "q",
			UserID: "alice", Cost: money.FromUSD(cost), CreatedAt: now.Add(-time.Duration(i+1) * time.Hour),
		})
		if err != nil {
			t.Fatalf("saving result: %v", err)
		}
	}

	u, err := m.GetUsage(ctx, alice)
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if u.UserID != "alice" || u.Name != "Alice" {
		t.Errorf("caller = %q/%q", u.UserID, u.Name)
	}
	if len(u.Kinds) != 2 {
		t.Fatalf("kinds = %d, want 2", len(u.Kinds))
	}
	for _, k := range u.Kinds {
		switch k.Kind {
		case storage.KindComparison:
			if k.Used != 1 || k.Remaining != 24 {
				t.Errorf("comparison used=%d remaining=%d, want 1/24", k.Used, k.Remaining)
			}
		case storage.KindDeepAnalysis:
			if k.Used != 1 || k.Remaining != 2 {
				t.Errorf("deep_analysis used=%d remaining=%d, want 1/2", k.Used, k.Remaining)
			}
		}
	}
	if u.MonthCount != 3 {
		t.Errorf("MonthCount = %d, want 3", u.MonthCount)
	}
	if u.TotalSpend != money.FromUSD(0.19) {
		t.Errorf("TotalSpend = %s, want $0.19", u.TotalSpend)
	}
	if len(u.Recent) != 2 || u.Recent[0].ID != "r0" {
		t.Errorf("Recent = %+v, want r0 first", u.Recent)
	}
}

func TestGetUsage_AdminUnlimited(t *testing.T) {
	m, _, _ := setup(t, time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	u, err := m.GetUsage(context.Background(), &identity.Caller{UserID: "root", Admin: true})
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	for _, k := range u.Kinds {
		if !k.Unlimited || k.Remaining != -1 {
			t.Errorf("%s: unlimited=%v remaining=%d", k.Kind, k.Unlimited, k.Remaining)
		}
	}
}

func TestGetUsage_Unauthenticated(t *testing.T) {
	m, _, _ := setup(t, time.Now())
	if _, err := m.GetUsage(context.Background(), nil); err != identity.ErrUnauthenticated {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestGetUsage_CachesUntilTTL(t *testing.T) {
	m, s, clock := setup(t, time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.GetUsage(ctx, alice); err != nil {
			t.Fatal(err)
		}
	}
	if s.listCalls != 1 {
		t.Errorf("listCalls = %d after cached reads, want 1", s.listCalls)
	}

	clock.Advance(2 * time.Minute)
	if _, err := m.GetUsage(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if s.listCalls != 2 {
		t.Errorf("listCalls = %d after TTL, want 2", s.listCalls)
	}

	m.Invalidate("alice")
	if _, err := m.GetUsage(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if s.listCalls != 3 {
		t.Errorf("listCalls = %d after Invalidate, want 3", s.listCalls)
	}
}

func TestGetUsage_ReturnsCopies(t *testing.T) {
	m, _, _ := setup(t, time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	u, err := m.GetUsage(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	u.Kinds[0].Remaining = 999

	again, err := m.GetUsage(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if again.Kinds[0].Remaining == 999 {
		t.Error("mutating a returned Usage changed the cached copy")
	}
}
