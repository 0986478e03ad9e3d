package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// ReserveWorkUnit takes a per-kind advisory lock for the duration of the
// transaction, so concurrent reservations from any process are evaluated
// one at a time against the same sums.
func (s *Store) ReserveWorkUnit(ctx context.Context, w storage.WorkUnit, dailyCap money.Amount, dayStart time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning reservation: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "work_units:"+string(w.Kind)); err != nil {
		return false, fmt.Errorf("locking ledger: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO work_units (id, session_id, user_id, kind, status, pending_cost_micros, created_at)
		SELECT $1::TEXT, $2::TEXT, $3::TEXT, $4::TEXT, 'processing', $5::BIGINT, $6::TIMESTAMPTZ
		WHERE $7::BIGINT - (
			SELECT COALESCE(SUM(cost_micros), 0) FROM work_units
			WHERE kind = $4 AND status = 'completed' AND settled_at >= $8::TIMESTAMPTZ
		) - (
			SELECT COALESCE(SUM(pending_cost_micros), 0) FROM work_units
			WHERE kind = $4 AND status = 'processing' AND created_at >= $8::TIMESTAMPTZ
		) >= $5::BIGINT`,
		w.ID, w.SessionID, w.UserID, string(w.Kind), int64(w.EstimatedCost), w.CreatedAt.UTC(),
		int64(dailyCap), dayStart.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("reserving work unit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing reservation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SettleWorkUnit(ctx context.Context, id, status string, cost money.Amount, lastError string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_units SET status = $1, cost_micros = $2, last_error = $3, settled_at = $4
		WHERE id = $5 AND (status = 'processing'
			OR (status = 'failed' AND last_error = $6 AND $1 = 'completed'))`,
		status, int64(cost), nullIfEmpty(lastError), at.UTC(), id, storage.ExpiredReason)
	if err != nil {
		return false, fmt.Errorf("settling work unit %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetWorkUnit(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) SpendSince(ctx context.Context, kind storage.Kind, dayStart time.Time) (storage.Spend, error) {
	var settled, pending int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COALESCE(SUM(cost_micros), 0) FROM work_units
			 WHERE kind = $1 AND status = 'completed' AND settled_at >= $2)::BIGINT,
			(SELECT COALESCE(SUM(pending_cost_micros), 0) FROM work_units
			 WHERE kind = $1 AND status = 'processing' AND created_at >= $2)::BIGINT`,
		string(kind), dayStart.UTC(),
	).Scan(&settled, &pending)
	if err != nil {
		return storage.Spend{}, fmt.Errorf("summing spend: %w", err)
	}
	return storage.Spend{Settled: money.Amount(settled), Pending: money.Amount(pending)}, nil
}

func (s *Store) CountWorkUnits(ctx context.Context, userID string, kind storage.Kind, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_units
		WHERE user_id = $1 AND kind = $2 AND created_at >= $3 AND status <> 'failed'`,
		userID, string(kind), since.UTC(),
	).Scan(&n)
	return n, err
}

func (s *Store) ExpireWorkUnits(ctx context.Context, cutoff, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_units SET status = 'failed', cost_micros = 0, last_error = $1, settled_at = $2
		WHERE status = 'processing' AND created_at < $3`,
		storage.ExpiredReason, at.UTC(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expiring work units: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetWorkUnit(ctx context.Context, id string) (storage.WorkUnit, error) {
	return s.getWorkUnit(ctx, "id", id)
}

func (s *Store) GetWorkUnitBySession(ctx context.Context, sessionID string) (storage.WorkUnit, error) {
	return s.getWorkUnit(ctx, "session_id", sessionID)
}

func (s *Store) getWorkUnit(ctx context.Context, column, value string) (storage.WorkUnit, error) {
	var w storage.WorkUnit
	var kind string
	var pending, cost int64
	var lastError *string
	var settledAt *time.Time
	err := s.pool.QueryRow(ctx, `SELECT id, session_id, user_id, kind, status, pending_cost_micros, cost_micros,
			last_error, created_at, settled_at
		FROM work_units WHERE `+column+` = $1`, value).Scan(
		&w.ID, &w.SessionID, &w.UserID, &kind, &w.Status, &pending, &cost, &lastError, &w.CreatedAt, &settledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.WorkUnit{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.WorkUnit{}, err
	}
	w.Kind = storage.Kind(kind)
	w.EstimatedCost = money.Amount(pending)
	w.Cost = money.Amount(cost)
	if lastError != nil {
		w.LastError = *lastError
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.SettledAt = timeOrZero(settledAt)
	return w, nil
}
