package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// setupTestStore connects to RECON_TEST_POSTGRES_URL and empties all tables.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("RECON_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("RECON_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, DefaultConfig(url))
	if err != nil {
		t.Skipf("Skipping PostgreSQL test (database not available): %v", err)
	}
	t.Cleanup(func() { s.Close() })

	_, err = s.pool.Exec(ctx, `TRUNCATE TABLE result_categories, categories, results, work_units, api_keys, users, jobs CASCADE`)
	require.NoError(t, err)
	return s
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestReserveWorkUnit_ConcurrentStopsAtCap(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now().UTC()
	est, limit := money.FromUSD(0.08), money.FromUSD(0.50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ReserveWorkUnit(context.Background(), storage.WorkUnit{
				ID: fmt.Sprintf("w%d", i), SessionID: fmt.Sprintf("s%d", i), UserID: "u1",
				Kind: storage.KindDeepAnalysis, EstimatedCost: est, CreatedAt: now,
			}, limit, dayStart(now))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 6, accepted)
}

func TestSettleWorkUnit_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := s.ReserveWorkUnit(ctx, storage.WorkUnit{
		ID: "w1", SessionID: "s1", UserID: "u1", Kind: storage.KindComparison,
		EstimatedCost: money.FromUSD(0.15), CreatedAt: now,
	}, money.FromUSD(5), dayStart(now))
	require.NoError(t, err)
	require.True(t, ok)

	changed, err := s.SettleWorkUnit(ctx, "w1", storage.StatusCompleted, money.FromUSD(0.10), "", now)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.SettleWorkUnit(ctx, "w1", storage.StatusCompleted, money.FromUSD(0.10), "", now)
	require.NoError(t, err)
	assert.False(t, changed)

	spend, err := s.SpendSince(ctx, storage.KindComparison, dayStart(now))
	require.NoError(t, err)
	assert.Equal(t, money.FromUSD(0.10), spend.Settled)
	assert.Zero(t, spend.Pending)

	_, err = s.SettleWorkUnit(ctx, "missing", storage.StatusFailed, 0, "", now)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func saveResult(t *testing.T, s *Store, id, query, tech string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, s.SaveResult(context.Background(), storage.Result{
		ID: id, Kind: storage.KindComparison, UserQuery: query, NormalizedQuery: query,
		Technologies: tech, CreatedAt: createdAt,
	}))
}

func TestMostSimilar(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	saveResult(t, s, "stale", "rails background jobs", "Rails", now.Add(-8*24*time.Hour))
	saveResult(t, s, "fresh", "rails background jobs", "Rails", now.Add(-6*24*time.Hour))

	r, score, err := s.MostSimilar(ctx, storage.KindComparison, "rails background jobs", now.Add(-7*24*time.Hour), 0.8)
	require.NoError(t, err)
	assert.Equal(t, "fresh", r.ID)
	assert.Greater(t, score, 0.9)

	_, _, err = s.MostSimilar(ctx, storage.KindComparison, "python machine learning", now.Add(-7*24*time.Hour), 0.8)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSearchResults_FuzzyAndExact(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	saveResult(t, s, "analyzer", "repository analyzer", "Go", now.Add(-time.Hour))
	saveResult(t, s, "other", "python machine learning", "Python", now)

	fuzzy, err := s.SearchResults(ctx, storage.SearchQuery{Terms: []string{"analyse"}, Fuzzy: true})
	require.NoError(t, err)
	require.Len(t, fuzzy, 1)
	assert.Equal(t, "analyzer", fuzzy[0].ID)

	exact, err := s.SearchResults(ctx, storage.SearchQuery{Terms: []string{"analyse"}, Fuzzy: false})
	require.NoError(t, err)
	assert.Empty(t, exact)

	exact, err = s.SearchResults(ctx, storage.SearchQuery{Terms: []string{"analyzer"}, Fuzzy: false})
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.InDelta(t, 100.0, exact[0].Score, 1e-9)

	wild, err := s.SearchResults(ctx, storage.SearchQuery{Terms: []string{"%"}, Fuzzy: false})
	require.NoError(t, err)
	assert.Empty(t, wild)
}
