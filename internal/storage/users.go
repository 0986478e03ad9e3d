package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) CreateUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, name, admin, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Admin, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, admin, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Admin, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, k APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_keys (id, user_id, name, prefix, key_digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, k.Name, k.Prefix, k.Digest, formatTime(k.CreatedAt))
	if err != nil {
		return fmt.Errorf("creating api key: %w", err)
	}
	return nil
}

// ActiveAPIKeysByPrefix returns unrevoked keys whose prefix matches.
func (s *Store) ActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, name, prefix, key_digest, request_count, created_at, last_used_at
		FROM api_keys WHERE prefix = ? AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var createdAt string
		var lastUsed sql.NullString
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.Digest, &k.RequestCount, &createdAt, &lastUsed); err != nil {
			return nil, err
		}
		if k.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if k.LastUsedAt, err = nullTime(lastUsed); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKey records one use of a key.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET request_count = request_count + 1, last_used_at = ? WHERE id = ?`,
		formatTime(at), id)
	return err
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
