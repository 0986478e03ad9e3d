package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

func (s *Store) CreateUser(ctx context.Context, u storage.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO users (id, name, admin, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Name, u.Admin, u.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (storage.User, error) {
	var u storage.User
	err := s.pool.QueryRow(ctx, `SELECT id, name, admin, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Admin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.User{}, storage.ErrNotFound
	}
	return u, err
}

func (s *Store) CreateAPIKey(ctx context.Context, k storage.APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO api_keys (id, user_id, name, prefix, key_digest, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		k.ID, k.UserID, k.Name, k.Prefix, k.Digest, k.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating api key: %w", err)
	}
	return nil
}

func (s *Store) ActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]storage.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, name, prefix, key_digest, request_count, created_at, last_used_at
		FROM api_keys WHERE prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []storage.APIKey
	for rows.Next() {
		var k storage.APIKey
		var lastUsed *time.Time
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.Digest, &k.RequestCount, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		k.LastUsedAt = timeOrZero(lastUsed)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET request_count = request_count + 1, last_used_at = $1 WHERE id = $2`,
		at.UTC(), id)
	return err
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`, at.UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
