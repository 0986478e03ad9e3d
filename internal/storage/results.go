package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
)

const resultColumns = `id, kind, user_query, normalized_query, technologies, problem_domains,
	architecture_patterns, payload, model, input_tokens, output_tokens, cost_micros,
	view_count, session_id, user_id, created_at`

// SaveResult inserts a result and its category tags in one transaction.
func (s *Store) SaveResult(ctx context.Context, r Result) error {
	if r.NormalizedQuery == "" {
		return fmt.Errorf("saving result %s: normalized query is empty", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning result transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.UserQuery, r.NormalizedQuery, r.Technologies, r.ProblemDomains,
		r.ArchitecturePatterns, r.Payload, r.Model, r.InputTokens, r.OutputTokens, int64(r.Cost),
		r.ViewCount, nullIfEmpty(r.SessionID), r.UserID, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}

	for _, tag := range r.Categories {
		if err := attachCategory(ctx, tx, r.ID, tag); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AttachCategory tags an existing result. Re-attaching the same category
// updates the confidence and attribution.
func (s *Store) AttachCategory(ctx context.Context, resultID string, tag CategoryTag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := attachCategory(ctx, tx, resultID, tag); err != nil {
		return err
	}
	return tx.Commit()
}

func attachCategory(ctx context.Context, tx *sql.Tx, resultID string, tag CategoryTag) error {
	if tag.Name == "" {
		return fmt.Errorf("attaching category to %s: empty name", resultID)
	}
	catType := tag.Type
	if catType == "" {
		catType = "problem_domain"
	}
	assigned := tag.AssignedBy
	if assigned == "" {
		assigned = AssignedInferred
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO categories (name, category_type) VALUES (?, ?)
		ON CONFLICT(name, category_type) DO NOTHING`, tag.Name, catType); err != nil {
		return fmt.Errorf("upserting category %q: %w", tag.Name, err)
	}
	var categoryID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM categories WHERE name = ? AND category_type = ?`,
		tag.Name, catType).Scan(&categoryID); err != nil {
		return fmt.Errorf("loading category %q: %w", tag.Name, err)
	}

	var confidence any
	if tag.Confidence != nil {
		confidence = *tag.Confidence
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO result_categories (result_id, category_id, confidence_score, assigned_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(result_id, category_id) DO UPDATE SET
			confidence_score = excluded.confidence_score,
			assigned_by = excluded.assigned_by`,
		resultID, categoryID, confidence, assigned)
	if err != nil {
		return fmt.Errorf("attaching category %q: %w", tag.Name, err)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, id string) (Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE id = ?`, id)
	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, err
	}
	tags, err := s.categoriesFor(ctx, "rc.result_id = ?", []any{id})
	if err != nil {
		return Result{}, err
	}
	r.Categories = tags[r.ID]
	return r, nil
}

// GetResultBySession returns the result produced by the given session.
func (s *Store) GetResultBySession(ctx context.Context, sessionID string) (Result, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM results WHERE session_id = ?`, sessionID).Scan(&id)
	if err == sql.ErrNoRows {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, err
	}
	return s.GetResult(ctx, id)
}

// ListResults returns results matching f, newest first, with their
// category tags loaded.
func (s *Store) ListResults(ctx context.Context, f ResultFilter) ([]Result, error) {
	where, args := f.where("r")
	query := `SELECT ` + prefixColumns("r", resultColumns) + ` FROM results r` + where + ` ORDER BY r.created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	var results []Result
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
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]any, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	tags, err := s.categoriesFor(ctx, "rc.result_id IN (?"+strings.Repeat(",?", len(ids)-1)+")", ids)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Categories = tags[results[i].ID]
	}
	return results, nil
}

// IncrementViewCount bumps the view counter of a result by one.
func (s *Store) IncrementViewCount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE results SET view_count = view_count + 1 WHERE id = ?`, id)
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

// UserCost sums the cost of all results produced for a user.
func (s *Store) UserCost(ctx context.Context, userID string) (money.Amount, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost_micros), 0) FROM results WHERE user_id = ?`, userID).Scan(&total)
	return money.Amount(total), err
}

func (f ResultFilter) where(alias string) (string, []any) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, alias+".kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, alias+".created_at > ?")
		args = append(args, formatTime(f.Since))
	}
	if f.UserID != "" {
		clauses = append(clauses, alias+".user_id = ?")
		args = append(args, f.UserID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) categoriesFor(ctx context.Context, cond string, args []any) (map[string][]CategoryTag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rc.result_id, c.name, c.category_type, rc.confidence_score, rc.assigned_by
		FROM result_categories rc
		JOIN categories c ON c.id = rc.category_id
		WHERE `+cond+`
		ORDER BY c.name`, args...)
	if err != nil {
		return nil, fmt.Errorf("loading categories: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]CategoryTag)
	for rows.Next() {
		var resultID string
		var tag CategoryTag
		var confidence sql.NullFloat64
		if err := rows.Scan(&resultID, &tag.Name, &tag.Type, &confidence, &tag.AssignedBy); err != nil {
			return nil, err
		}
		if confidence.Valid {
			v := confidence.Float64
			tag.Confidence = &v
		}
		out[resultID] = append(out[resultID], tag)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(sc scanner) (Result, error) {
	var r Result
	var kind, createdAt string
	var cost int64
	var sessionID sql.NullString
	err := sc.Scan(&r.ID, &kind, &r.UserQuery, &r.NormalizedQuery, &r.Technologies, &r.ProblemDomains,
		&r.ArchitecturePatterns, &r.Payload, &r.Model, &r.InputTokens, &r.OutputTokens, &cost,
		&r.ViewCount, &sessionID, &r.UserID, &createdAt)
	if err != nil {
		return Result{}, err
	}
	r.Kind = Kind(kind)
	r.Cost = money.Amount(cost)
	r.SessionID = sessionID.String
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Result{}, fmt.Errorf("parsing created_at for result %s: %w", r.ID, err)
	}
	return r, nil
}
