package quota

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var now = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Limiter, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := NewLimiter(s, map[storage.Kind]int{storage.KindDeepAnalysis: 3, storage.KindComparison: 25}, time.UTC, nil)
	l.SetClock(fixedClock{now})
	return l, s
}

func reserve(t *testing.T, s *storage.Store, userID string, kind storage.Kind, at time.Time) string {
	t.Helper()
	id := fmt.Sprintf("%s-%d", userID, at.UnixNano())
	ok, err := s.ReserveWorkUnit(context.Background(), storage.WorkUnit{
		ID: id, SessionID: id, UserID: userID, Kind: kind,
		EstimatedCost: money.Cent, CreatedAt: at,
	}, money.Dollar, at.Add(-48*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func TestCanProceed_StrictlyBelowLimit(t *testing.T) {
	l, s := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.CanProceed(ctx, "alice", false, storage.KindDeepAnalysis)
		require.NoError(t, err)
		assert.True(t, ok, "unit %d", i+1)
		reserve(t, s, "alice", storage.KindDeepAnalysis, now.Add(-time.Duration(i+1)*time.Minute))
	}

	ok, err := l.CanProceed(ctx, "alice", false, storage.KindDeepAnalysis)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, l.Check(ctx, "alice", false, storage.KindDeepAnalysis), ErrRateLimitExceeded)

	// Other callers and other kinds are unaffected.
	assert.NoError(t, l.Check(ctx, "bob", false, storage.KindDeepAnalysis))
	assert.NoError(t, l.Check(ctx, "alice", false, storage.KindComparison))
}

func TestCanProceed_PrivilegedBypass(t *testing.T) {
	l, s := setup(t)
	for i := 0; i < 5; i++ {
		reserve(t, s, "root", storage.KindDeepAnalysis, now.Add(-time.Duration(i+1)*time.Minute))
	}
	ok, err := l.CanProceed(context.Background(), "root", true, storage.KindDeepAnalysis)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUsed_OnlyToday(t *testing.T) {
	l, s := setup(t)
	ctx := context.Background()

	reserve(t, s, "alice", storage.KindDeepAnalysis, now.Add(-20*time.Hour))
	reserve(t, s, "alice", storage.KindDeepAnalysis, now.Add(-time.Hour))

	used, err := l.Used(ctx, "alice", storage.KindDeepAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestUsed_IgnoresFailedUnits(t *testing.T) {
	l, s := setup(t)
	ctx := context.Background()

	id := reserve(t, s, "alice", storage.KindDeepAnalysis, now.Add(-time.Hour))
	_, err := s.SettleWorkUnit(ctx, id, storage.StatusFailed, 0, "boom", now)
	require.NoError(t, err)
	reserve(t, s, "alice", storage.KindDeepAnalysis, now.Add(-30*time.Minute))

	remaining, err := l.Remaining(ctx, "alice", storage.KindDeepAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestRemaining_NeverNegative(t *testing.T) {
	l, s := setup(t)
	for i := 0; i < 5; i++ {
		reserve(t, s, "alice", storage.KindDeepAnalysis, now.Add(-time.Duration(i+1)*time.Minute))
	}
	remaining, err := l.Remaining(context.Background(), "alice", storage.KindDeepAnalysis)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestUnconfiguredKindRefuses(t *testing.T) {
	l, _ := setup(t)
	ok, err := l.CanProceed(context.Background(), "alice", false, storage.Kind("other"))
	require.NoError(t, err)
	assert.False(t, ok)
}
