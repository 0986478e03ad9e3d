// Package quota applies a per-caller daily limit on expensive operations,
// independent of the shared budget.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// ErrRateLimitExceeded is returned when a caller has used its daily quota.
var ErrRateLimitExceeded = errors.New("daily rate limit exceeded")

// Store counts a caller's work units.
type Store interface {
	CountWorkUnits(ctx context.Context, userID string, kind storage.Kind, since time.Time) (int, error)
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Limiter checks daily per-caller quotas. The count is a plain read; two
// requests racing past the last slot may both proceed.
type Limiter struct {
	store  Store
	limits map[storage.Kind]int
	loc    *time.Location
	clock  Clock
	logger *slog.Logger
}

func NewLimiter(store Store, limits map[storage.Kind]int, loc *time.Location, logger *slog.Logger) *Limiter {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, limits: limits, loc: loc, clock: realClock{}, logger: logger}
}

// SetClock replaces the time source. Used in tests.
func (l *Limiter) SetClock(c Clock) { l.clock = c }

// Limit returns the daily limit for kind, or 0 when none is configured.
func (l *Limiter) Limit(kind storage.Kind) int {
	return l.limits[kind]
}

// Used returns how many units of kind the caller has started today.
// Failed units are not counted.
func (l *Limiter) Used(ctx context.Context, userID string, kind storage.Kind) (int, error) {
	n, err := l.store.CountWorkUnits(ctx, userID, kind, l.dayStart())
	if err != nil {
		return 0, fmt.Errorf("counting work units for %s: %w", userID, err)
	}
	return n, nil
}

// CanProceed reports whether the caller may start another unit of kind.
// Privileged callers always may.
func (l *Limiter) CanProceed(ctx context.Context, userID string, privileged bool, kind storage.Kind) (bool, error) {
	if privileged {
		return true, nil
	}
	used, err := l.Used(ctx, userID, kind)
	if err != nil {
		return false, err
	}
	return used < l.Limit(kind), nil
}

// Check is CanProceed returning ErrRateLimitExceeded on refusal.
func (l *Limiter) Check(ctx context.Context, userID string, privileged bool, kind storage.Kind) error {
	ok, err := l.CanProceed(ctx, userID, privileged, kind)
	if err != nil {
		return err
	}
	if !ok {
		l.logger.Info("rate limit reached", "user_id", userID, "kind", kind, "limit", l.Limit(kind))
		return ErrRateLimitExceeded
	}
	return nil
}

// Remaining returns the caller's unused quota for kind today, never negative.
func (l *Limiter) Remaining(ctx context.Context, userID string, kind storage.Kind) (int, error) {
	used, err := l.Used(ctx, userID, kind)
	if err != nil {
		return 0, err
	}
	return max(l.Limit(kind)-used, 0), nil
}

func (l *Limiter) dayStart() time.Time {
	t := l.clock.Now().In(l.loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, l.loc)
}
