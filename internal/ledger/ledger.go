// Package ledger enforces a shared daily spending ceiling per operation kind.
//
// Spend today is settled cost plus the estimate of every reservation still
// processing, so concurrent requests cannot all observe headroom that only
// one of them can use. The check-and-reserve step is delegated to the store
// as one indivisible operation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// ErrBudgetExceeded is returned by Reserve when the day's remaining budget
// does not cover the estimate. Callers should retry after the day rolls over.
var ErrBudgetExceeded = errors.New("daily budget exceeded")

// ErrUnknownKind is returned for a kind with no configured limits.
var ErrUnknownKind = errors.New("unknown operation kind")

// Store is the persistence the ledger needs.
type Store interface {
	ReserveWorkUnit(ctx context.Context, w storage.WorkUnit, dailyCap money.Amount, dayStart time.Time) (bool, error)
	SettleWorkUnit(ctx context.Context, id, status string, cost money.Amount, lastError string, at time.Time) (bool, error)
	SpendSince(ctx context.Context, kind storage.Kind, dayStart time.Time) (storage.Spend, error)
	ExpireWorkUnits(ctx context.Context, cutoff, at time.Time) (int64, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Limits are the budget settings of one kind.
type Limits struct {
	DailyCap money.Amount
	Estimate money.Amount
}

// Request describes the work a reservation is for. A zero Estimate uses the
// kind's configured estimate.
type Request struct {
	Kind      storage.Kind
	SessionID string
	UserID    string
	Estimate  money.Amount
}

// Reservation is a provisional hold against the day's budget.
type Reservation struct {
	ID        string
	SessionID string
	Kind      storage.Kind
	Estimate  money.Amount
	CreatedAt time.Time
}

// Settlement is the final outcome of a reserved unit of work.
type Settlement struct {
	Succeeded bool
	Cost      money.Amount
	Reason    string
}

// Completed settles a reservation at the actual cost.
func Completed(cost money.Amount) Settlement {
	return Settlement{Succeeded: true, Cost: cost}
}

// Failed releases a reservation without contributing any spend.
func Failed(reason string) Settlement {
	return Settlement{Reason: reason}
}

// Status is a snapshot of one kind's budget for today.
type Status struct {
	Kind      storage.Kind
	DailyCap  money.Amount
	Estimate  money.Amount
	Settled   money.Amount
	Pending   money.Amount
	Remaining money.Amount
	ResetsAt  time.Time
}

type Ledger struct {
	store  Store
	limits map[storage.Kind]Limits
	loc    *time.Location
	clock  Clock
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLocation sets the time zone whose midnight starts the budget day.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) { l.loc = loc }
}

func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func New(store Store, limits map[storage.Kind]Limits, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		limits: limits,
		loc:    time.UTC,
		clock:  realClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the configured limits for kind.
func (l *Ledger) Limits(kind storage.Kind) (Limits, error) {
	lim, ok := l.limits[kind]
	if !ok {
		return Limits{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return lim, nil
}

// DayStart returns the start of the current budget day.
func (l *Ledger) DayStart() time.Time {
	return startOfDay(l.clock.Now(), l.loc)
}

// RetryAfter is the time left until the budget day rolls over.
func (l *Ledger) RetryAfter() time.Duration {
	now := l.clock.Now()
	return startOfDay(now, l.loc).AddDate(0, 0, 1).Sub(now)
}

// RemainingToday returns the daily cap minus settled spend and pending
// reservations for kind. It may be negative when actual costs overran
// their estimates.
func (l *Ledger) RemainingToday(ctx context.Context, kind storage.Kind) (money.Amount, error) {
	st, err := l.Status(ctx, kind)
	if err != nil {
		return 0, err
	}
	return st.Remaining, nil
}

// CanAfford reports whether est fits in the remaining budget. The answer is
// advisory; only Reserve holds budget.
func (l *Ledger) CanAfford(ctx context.Context, kind storage.Kind, est money.Amount) (bool, error) {
	remaining, err := l.RemainingToday(ctx, kind)
	if err != nil {
		return false, err
	}
	return remaining >= est, nil
}

func (l *Ledger) Status(ctx context.Context, kind storage.Kind) (Status, error) {
	lim, err := l.Limits(kind)
	if err != nil {
		return Status{}, err
	}
	day := l.DayStart()
	spend, err := l.store.SpendSince(ctx, kind, day)
	if err != nil {
		return Status{}, fmt.Errorf("reading spend: %w", err)
	}
	return Status{
		Kind:      kind,
		DailyCap:  lim.DailyCap,
		Estimate:  lim.Estimate,
		Settled:   spend.Settled,
		Pending:   spend.Pending,
		Remaining: lim.DailyCap - spend.Settled - spend.Pending,
		ResetsAt:  day.AddDate(0, 0, 1),
	}, nil
}

// Reserve holds the estimate against today's budget and returns the new
// reservation, or ErrBudgetExceeded when it does not fit.
func (l *Ledger) Reserve(ctx context.Context, req Request) (Reservation, error) {
	lim, err := l.Limits(req.Kind)
	if err != nil {
		return Reservation{}, err
	}
	est := req.Estimate
	if est <= 0 {
		est = lim.Estimate
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	res := Reservation{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Kind:      req.Kind,
		Estimate:  est,
		CreatedAt: l.clock.Now().UTC(),
	}
	ok, err := l.store.ReserveWorkUnit(ctx, storage.WorkUnit{
		ID:            res.ID,
		SessionID:     res.SessionID,
		UserID:        req.UserID,
		Kind:          req.Kind,
		EstimatedCost: est,
		CreatedAt:     res.CreatedAt,
	}, lim.DailyCap, l.DayStart())
	if err != nil {
		return Reservation{}, fmt.Errorf("reserving budget: %w", err)
	}
	if !ok {
		l.logger.Warn("budget reservation refused", "kind", req.Kind, "estimate", est.String(), "daily_cap", lim.DailyCap.String())
		return Reservation{}, ErrBudgetExceeded
	}

	l.logger.Info("budget reserved", "kind", req.Kind, "reservation_id", res.ID, "session_id", res.SessionID, "estimate", est.String())
	return res, nil
}

// Settle finalizes a reservation. Settling an already settled reservation
// is a no-op, so retries never double count.
func (l *Ledger) Settle(ctx context.Context, reservationID string, s Settlement) error {
	status, cost := storage.StatusFailed, money.Amount(0)
	if s.Succeeded {
		status, cost = storage.StatusCompleted, s.Cost
	}
	if cost < 0 {
		cost = 0
	}

	changed, err := l.store.SettleWorkUnit(ctx, reservationID, status, cost, s.Reason, l.clock.Now())
	if err != nil {
		return fmt.Errorf("settling reservation %s: %w", reservationID, err)
	}
	if !changed {
		l.logger.Debug("reservation already settled", "reservation_id", reservationID)
		return nil
	}
	l.logger.Info("reservation settled", "reservation_id", reservationID, "status", status, "cost", cost.String())
	return nil
}

// ReleaseStale fails every reservation still processing after timeout. Work
// that finishes later can still settle as completed, so its cost is counted.
func (l *Ledger) ReleaseStale(ctx context.Context, timeout time.Duration) (int64, error) {
	now := l.clock.Now()
	n, err := l.store.ExpireWorkUnits(ctx, now.Add(-timeout), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Warn("released stale reservations", "count", n, "timeout", timeout)
	}
	return n, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
