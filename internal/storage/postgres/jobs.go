package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

func (s *Store) EnqueueJob(ctx context.Context, job storage.Job) error {
	now := s.now().UTC()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5, $6, $6)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now)
	return err
}

// ClaimNextJob uses SKIP LOCKED so several workers can poll the same queue.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := s.now().UTC()

	var j storage.Job
	var lastError *string
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', updated_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= $1 AND type = ANY($2)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		now, types,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = $1 WHERE id = $2`, s.now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id string, errMsg string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, storage.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := s.now().UTC()
	attempts++
	terminal := attempts >= maxAttempts
	if terminal {
		_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'failed', attempts = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
			attempts, errMsg, now, id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(ctx, `UPDATE jobs SET status = 'pending', attempts = $1, last_error = $2, run_after = $3, updated_at = $4 WHERE id = $5`,
			attempts, errMsg, now.Add(backoff), now, id)
	}
	if err != nil {
		return false, err
	}
	return terminal, tx.Commit(ctx)
}

func (s *Store) DiscardJob(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = 'failed', last_error = $1, updated_at = $2 WHERE id = $3`,
		reason, s.now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (storage.Job, error) {
	var j storage.Job
	var lastError *string
	err := s.pool.QueryRow(ctx, `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = $1`, id).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &lastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Job{}, err
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return j, nil
}
