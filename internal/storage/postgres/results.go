package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

const resultColumns = `r.id, r.kind, r.user_query, r.normalized_query, r.technologies, r.problem_domains,
	r.architecture_patterns, r.payload, r.model, r.input_tokens, r.output_tokens, r.cost_micros,
	r.view_count, r.session_id, r.user_id, r.created_at`

func (s *Store) SaveResult(ctx context.Context, r storage.Result) error {
	if r.NormalizedQuery == "" {
		return fmt.Errorf("saving result %s: normalized query is empty", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning result transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO results (id, kind, user_query, normalized_query, technologies, problem_domains,
			architecture_patterns, payload, model, input_tokens, output_tokens, cost_micros,
			view_count, session_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, string(r.Kind), r.UserQuery, r.NormalizedQuery, r.Technologies, r.ProblemDomains,
		r.ArchitecturePatterns, r.Payload, r.Model, r.InputTokens, r.OutputTokens, int64(r.Cost),
		r.ViewCount, nullIfEmpty(r.SessionID), r.UserID, r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}
	for _, tag := range r.Categories {
		if err := attachCategory(ctx, tx, r.ID, tag); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) AttachCategory(ctx context.Context, resultID string, tag storage.CategoryTag) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := attachCategory(ctx, tx, resultID, tag); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func attachCategory(ctx context.Context, tx pgx.Tx, resultID string, tag storage.CategoryTag) error {
	if tag.Name == "" {
		return fmt.Errorf("attaching category to %s: empty name", resultID)
	}
	catType := tag.Type
	if catType == "" {
		catType = "problem_domain"
	}
	assigned := tag.AssignedBy
	if assigned == "" {
		assigned = storage.AssignedInferred
	}

	var categoryID int64
	err := tx.QueryRow(ctx, `INSERT INTO categories (name, category_type) VALUES ($1, $2)
		ON CONFLICT (name, category_type) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, tag.Name, catType).Scan(&categoryID)
	if err != nil {
		return fmt.Errorf("upserting category %q: %w", tag.Name, err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO result_categories (result_id, category_id, confidence_score, assigned_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (result_id, category_id) DO UPDATE SET
			confidence_score = EXCLUDED.confidence_score,
			assigned_by = EXCLUDED.assigned_by`,
		resultID, categoryID, tag.Confidence, assigned)
	if err != nil {
		return fmt.Errorf("attaching category %q: %w", tag.Name, err)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, id string) (storage.Result, error) {
	return s.getResult(ctx, "r.id = $1", id)
}

func (s *Store) GetResultBySession(ctx context.Context, sessionID string) (storage.Result, error) {
	return s.getResult(ctx, "r.session_id = $1", sessionID)
}

func (s *Store) getResult(ctx context.Context, cond, value string) (storage.Result, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM results r WHERE `+cond, value)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Result{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Result{}, err
	}
	if err := s.loadCategories(ctx, []*storage.Result{&r}); err != nil {
		return storage.Result{}, err
	}
	return r, nil
}

func (s *Store) ListResults(ctx context.Context, f storage.ResultFilter) ([]storage.Result, error) {
	where, args := filterClause(f, 1)
	query := `SELECT ` + resultColumns + ` FROM results r` + where + ` ORDER BY r.created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	var results []storage.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ptrs := make([]*storage.Result, len(results))
	for i := range results {
		ptrs[i] = &results[i]
	}
	if err := s.loadCategories(ctx, ptrs); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) IncrementViewCount(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE results SET view_count = view_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UserCost(ctx context.Context, userID string) (money.Amount, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(cost_micros), 0)::BIGINT FROM results WHERE user_id = $1`, userID).Scan(&total)
	return money.Amount(total), err
}

// MostSimilar returns the fresh result of kind whose normalized query has the
// highest pg_trgm similarity to normalized, if that similarity exceeds
// threshold.
func (s *Store) MostSimilar(ctx context.Context, kind storage.Kind, normalized string, since time.Time, threshold float64) (storage.Result, float64, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+resultColumns+`, SIMILARITY(r.normalized_query, $1) AS score
		FROM results r
		WHERE r.kind = $2 AND r.created_at > $3 AND SIMILARITY(r.normalized_query, $1) > $4
		ORDER BY score DESC
		LIMIT 1`, normalized, string(kind), since.UTC(), threshold)

	var score float64
	r, err := scanResult(row, &score)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Result{}, 0, storage.ErrNotFound
	}
	if err != nil {
		return storage.Result{}, 0, err
	}
	return r, score, nil
}

// filterClause renders f as a WHERE clause whose placeholders start at $first.
func filterClause(f storage.ResultFilter, first int) (string, []any) {
	var clauses []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", first+len(args)-1)
	}
	if f.Kind != "" {
		clauses = append(clauses, "r.kind = "+next(string(f.Kind)))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "r.created_at > "+next(f.Since.UTC()))
	}
	if f.UserID != "" {
		clauses = append(clauses, "r.user_id = "+next(f.UserID))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) loadCategories(ctx context.Context, results []*storage.Result) error {
	if len(results) == 0 {
		return nil
	}
	ids := make([]string, len(results))
	byID := make(map[string]*storage.Result, len(results))
	for i, r := range results {
		ids[i] = r.ID
		byID[r.ID] = r
	}

	rows, err := s.pool.Query(ctx, `SELECT rc.result_id, c.name, c.category_type, rc.confidence_score::FLOAT8, rc.assigned_by
		FROM result_categories rc
		JOIN categories c ON c.id = rc.category_id
		WHERE rc.result_id = ANY($1)
		ORDER BY c.name`, ids)
	if err != nil {
		return fmt.Errorf("loading categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var resultID string
		var tag storage.CategoryTag
		if err := rows.Scan(&resultID, &tag.Name, &tag.Type, &tag.Confidence, &tag.AssignedBy); err != nil {
			return err
		}
		if r := byID[resultID]; r != nil {
			r.Categories = append(r.Categories, tag)
		}
	}
	return rows.Err()
}

func scanResult(row pgx.Row, extra ...any) (storage.Result, error) {
	var r storage.Result
	var kind string
	var cost int64
	var sessionID *string
	dest := []any{&r.ID, &kind, &r.UserQuery, &r.NormalizedQuery, &r.Technologies, &r.ProblemDomains,
		&r.ArchitecturePatterns, &r.Payload, &r.Model, &r.InputTokens, &r.OutputTokens, &cost,
		&r.ViewCount, &sessionID, &r.UserID, &r.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return storage.Result{}, err
	}
	r.Kind = storage.Kind(kind)
	r.Cost = money.Amount(cost)
	if sessionID != nil {
		r.SessionID = *sessionID
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}
