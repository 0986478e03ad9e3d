package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
)

// ReserveWorkUnit inserts w as a processing work unit only if the daily cap
// for w.Kind still covers w.EstimatedCost after subtracting spend settled
// since dayStart and every processing reservation created since dayStart.
// The check and the insert are a single statement. It reports whether the
// unit was reserved.
func (s *Store) ReserveWorkUnit(ctx context.Context, w WorkUnit, dailyCap money.Amount, dayStart time.Time) (bool, error) {
	day := formatTime(dayStart)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO work_units (id, session_id, user_id, kind, status, pending_cost_micros, created_at)
		SELECT ?, ?, ?, ?, 'processing', ?, ?
		WHERE ? - (
			SELECT COALESCE(SUM(cost_micros), 0) FROM work_units
			WHERE kind = ? AND status = 'completed' AND settled_at >= ?
		) - (
			SELECT COALESCE(SUM(pending_cost_micros), 0) FROM work_units
			WHERE kind = ? AND status = 'processing' AND created_at >= ?
		) >= ?`,
		w.ID, w.SessionID, w.UserID, string(w.Kind), int64(w.EstimatedCost), formatTime(w.CreatedAt),
		int64(dailyCap),
		string(w.Kind), day,
		string(w.Kind), day,
		int64(w.EstimatedCost),
	)
	if err != nil {
		return false, fmt.Errorf("reserving work unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SettleWorkUnit moves a processing work unit to status. A unit expired by
// the sweep may still move to completed, so work that finished after its
// reservation timed out is charged. It reports false without error when the
// unit had already been settled.
func (s *Store) SettleWorkUnit(ctx context.Context, id, status string, cost money.Amount, lastError string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_units SET status = ?, cost_micros = ?, last_error = ?, settled_at = ?
		WHERE id = ? AND (status = 'processing'
			OR (status = 'failed' AND last_error = ? AND ? = 'completed'))`,
		status, int64(cost), nullIfEmpty(lastError), formatTime(at), id, ExpiredReason, status)
	if err != nil {
		return false, fmt.Errorf("settling work unit %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetWorkUnit(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SpendSince sums settled cost and pending reservations of a kind since dayStart.
func (s *Store) SpendSince(ctx context.Context, kind Kind, dayStart time.Time) (Spend, error) {
	day := formatTime(dayStart)
	var settled, pending int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(cost_micros), 0) FROM work_units
			 WHERE kind = ? AND status = 'completed' AND settled_at >= ?),
			(SELECT COALESCE(SUM(pending_cost_micros), 0) FROM work_units
			 WHERE kind = ? AND status = 'processing' AND created_at >= ?)`,
		string(kind), day, string(kind), day,
	).Scan(&settled, &pending)
	if err != nil {
		return Spend{}, fmt.Errorf("summing spend: %w", err)
	}
	return Spend{Settled: money.Amount(settled), Pending: money.Amount(pending)}, nil
}

// CountWorkUnits counts a caller's work units of a kind created since the
// given time, excluding failed ones.
func (s *Store) CountWorkUnits(ctx context.Context, userID string, kind Kind, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM work_units
		WHERE user_id = ? AND kind = ? AND created_at >= ? AND status != 'failed'`,
		userID, string(kind), formatTime(since),
	).Scan(&n)
	return n, err
}

// ExpireWorkUnits fails every processing unit created before cutoff with
// ExpiredReason.
func (s *Store) ExpireWorkUnits(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_units SET status = 'failed', cost_micros = 0, last_error = ?, settled_at = ?
		WHERE status = 'processing' AND created_at < ?`,
		ExpiredReason, formatTime(at), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("expiring work units: %w", err)
	}
	return res.RowsAffected()
}

const workUnitColumns = `id, session_id, user_id, kind, status, pending_cost_micros, cost_micros, last_error, created_at, settled_at`

func (s *Store) GetWorkUnit(ctx context.Context, id string) (WorkUnit, error) {
	return s.getWorkUnit(ctx, "id", id)
}

func (s *Store) GetWorkUnitBySession(ctx context.Context, sessionID string) (WorkUnit, error) {
	return s.getWorkUnit(ctx, "session_id", sessionID)
}

func (s *Store) getWorkUnit(ctx context.Context, column, value string) (WorkUnit, error) {
	var w WorkUnit
	var kind, createdAt string
	var pending, cost int64
	var lastError, settledAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE `+column+` = ?`, value).Scan(
		&w.ID, &w.SessionID, &w.UserID, &kind, &w.Status, &pending, &cost, &lastError, &createdAt, &settledAt)
	if err == sql.ErrNoRows {
		return WorkUnit{}, ErrNotFound
	}
	if err != nil {
		return WorkUnit{}, err
	}
	w.Kind = Kind(kind)
	w.EstimatedCost = money.Amount(pending)
	w.Cost = money.Amount(cost)
	w.LastError = lastError.String
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return WorkUnit{}, fmt.Errorf("parsing created_at for work unit %s: %w", w.ID, err)
	}
	if w.SettledAt, err = nullTime(settledAt); err != nil {
		return WorkUnit{}, fmt.Errorf("parsing settled_at for work unit %s: %w", w.ID, err)
	}
	return w, nil
}
