package profile

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// RecentLimit is how many recent results a Usage carries.
const RecentLimit = 20

// UsageStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type UsageStore interface {
	CountWorkUnits(ctx context.Context, userID string, kind storage.Kind, since time.Time) (int, error)
	UserCost(ctx context.Context, userID string) (money.Amount, error)
	ListResults(ctx context.Context, f storage.ResultFilter) ([]storage.Result, error)
}

// Quota reports per-kind daily limits. Implemented by quota.Limiter.
type Quota interface {
	Limit(kind storage.Kind) int
	Used(ctx context.Context, userID string, kind storage.Kind) (int, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	usage Usage
	at    time.Time
}

// Manager assembles usage summaries and caches them briefly per caller.
type Manager struct {
	store UsageStore
	quota Quota
	loc   *time.Location
	clock Clock
	ttl   time.Duration

	mu     sync.RWMutex
	cached map[string]entry
}

// NewManager creates a Manager with a 10-second cache TTL.
func NewManager(store UsageStore, quota Quota, loc *time.Location) *Manager {
	return NewManagerWithClock(store, quota, loc, realClock{}, 10*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store UsageStore, quota Quota, loc *time.Location, clock Clock, ttl time.Duration) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{
		store:  store,
		quota:  quota,
		loc:    loc,
		clock:  clock,
		ttl:    ttl,
		cached: make(map[string]entry),
	}
}

// GetUsage returns the caller's usage summary, from cache when fresh.
func (m *Manager) GetUsage(ctx context.Context, caller *identity.Caller) (Usage, error) {
	if !caller.Authenticated() {
		return Usage{}, identity.ErrUnauthenticated
	}

	m.mu.RLock()
	e, ok := m.cached[caller.UserID]
	m.mu.RUnlock()
	if ok && m.clock.Now().Before(e.at.Add(m.ttl)) {
		return copyUsage(e.usage), nil
	}

	u, err := m.build(ctx, caller)
	if err != nil {
		return Usage{}, err
	}

	m.mu.Lock()
	m.cached[caller.UserID] = entry{usage: u, at: u.ComputedAt}
	m.mu.Unlock()
	return copyUsage(u), nil
}

// Invalidate drops the cached summary of userID.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	delete(m.cached, userID)
	m.mu.Unlock()
}

func (m *Manager) build(ctx context.Context, caller *identity.Caller) (Usage, error) {
	now := m.clock.Now()
	u := Usage{
		UserID:     caller.UserID,
		Name:       caller.Name,
		Admin:      caller.Admin,
		ComputedAt: now,
	}

	monthStart := startOfMonth(now, m.loc)
	for _, kind := range storage.Kinds {
		used, err := m.quota.Used(ctx, caller.UserID, kind)
		if err != nil {
			return Usage{}, err
		}
		ku := KindUsage{Kind: kind, Limit: m.quota.Limit(kind), Used: used}
		if caller.Admin {
			ku.Unlimited, ku.Remaining = true, -1
		} else {
			ku.Remaining = max(ku.Limit-used, 0)
		}
		u.Kinds = append(u.Kinds, ku)

		n, err := m.store.CountWorkUnits(ctx, caller.UserID, kind, monthStart)
		if err != nil {
			return Usage{}, fmt.Errorf("counting monthly usage: %w", err)
		}
		u.MonthCount += n
	}

	spend, err := m.store.UserCost(ctx, caller.UserID)
	if err != nil {
		return Usage{}, fmt.Errorf("summing spend: %w", err)
	}
	u.TotalSpend = spend

	recent, err := m.store.ListResults(ctx, storage.ResultFilter{UserID: caller.UserID, Limit: RecentLimit})
	if err != nil {
		return Usage{}, fmt.Errorf("loading recent results: %w", err)
	}
	u.Recent = recent
	return u, nil
}

func startOfMonth(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

func copyUsage(u Usage) Usage {
	cp := u
	cp.Kinds = slices.Clone(u.Kinds)
	cp.Recent = slices.Clone(u.Recent)
	return cp
}
