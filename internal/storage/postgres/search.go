package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// SearchResults scores and filters results in SQL. Every term is bound as a
// parameter; only placeholders are spliced into the statement text.
func (s *Store) SearchResults(ctx context.Context, q storage.SearchQuery) ([]storage.ScoredResult, error) {
	if len(q.Terms) == 0 {
		return nil, fmt.Errorf("searching results: no terms")
	}

	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	scores := make([]string, 0, len(q.Terms))
	conds := make([]string, 0, len(q.Terms))
	for _, term := range q.Terms {
		if q.Fuzzy {
			p := bind(term)
			scores = append(scores, fuzzyScore(p))
			conds = append(conds, fuzzyCondition(p))
		} else {
			p := bind(escapeLike(term))
			scores = append(scores, exactScore(p))
			conds = append(conds, exactCondition(p))
		}
	}

	where, filterArgs := filterClause(q.Filter, len(args)+1)
	args = append(args, filterArgs...)
	match := "(" + strings.Join(conds, " OR ") + ")"
	if where == "" {
		where = " WHERE " + match
	} else {
		where += " AND " + match
	}

	query := `SELECT ` + resultColumns + `, GREATEST(` + strings.Join(scores, ", ") + `)::FLOAT8 AS relevance_score
		FROM results r` + where + `
		ORDER BY relevance_score DESC, r.created_at DESC`
	if q.Filter.Limit > 0 {
		query += " LIMIT " + bind(q.Filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching results: %w", err)
	}
	defer rows.Close()

	var out []storage.ScoredResult
	for rows.Next() {
		var score float64
		r, err := scanResult(rows, &score)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.ScoredResult{Result: r, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ptrs := make([]*storage.Result, len(out))
	for i := range out {
		ptrs[i] = &out[i].Result
	}
	if err := s.loadCategories(ctx, ptrs); err != nil {
		return nil, err
	}
	return out, nil
}

func fuzzyScore(p string) string {
	return fmt.Sprintf(`(WORD_SIMILARITY(%[1]s, r.user_query) * 100 +
		WORD_SIMILARITY(%[1]s, r.technologies) * 50 +
		WORD_SIMILARITY(%[1]s, r.problem_domains) * 30 +
		WORD_SIMILARITY(%[1]s, r.architecture_patterns) * 20 +
		COALESCE((
			SELECT MAX(WORD_SIMILARITY(%[1]s, c.name) * 10 * COALESCE(rc.confidence_score, %[2]v))
			FROM result_categories rc JOIN categories c ON c.id = rc.category_id
			WHERE rc.result_id = r.id AND WORD_SIMILARITY(%[1]s, c.name) > %[3]v
		), 0))`, p, storage.DefaultConfidence, storage.FuzzyThreshold)
}

func fuzzyCondition(p string) string {
	return fmt.Sprintf(`(WORD_SIMILARITY(%[1]s, r.user_query) > %[2]v OR
		WORD_SIMILARITY(%[1]s, r.technologies) > %[2]v OR
		WORD_SIMILARITY(%[1]s, r.problem_domains) > %[2]v OR
		WORD_SIMILARITY(%[1]s, r.architecture_patterns) > %[2]v OR
		EXISTS (
			SELECT 1 FROM result_categories rc JOIN categories c ON c.id = rc.category_id
			WHERE rc.result_id = r.id AND WORD_SIMILARITY(%[1]s, c.name) > %[2]v
			AND COALESCE(rc.confidence_score, %[3]v) >= %[4]v
		))`, p, storage.FuzzyThreshold, storage.DefaultConfidence, storage.MinCategoryConfidence)
}

func exactScore(p string) string {
	return fmt.Sprintf(`((CASE WHEN r.user_query ILIKE '%%' || %[1]s || '%%' THEN 100 ELSE 0 END) +
		(CASE WHEN r.technologies ILIKE '%%' || %[1]s || '%%' THEN 50 ELSE 0 END) +
		(CASE WHEN r.problem_domains ILIKE '%%' || %[1]s || '%%' THEN 30 ELSE 0 END) +
		(CASE WHEN r.architecture_patterns ILIKE '%%' || %[1]s || '%%' THEN 20 ELSE 0 END) +
		COALESCE((
			SELECT MAX(10 * COALESCE(rc.confidence_score, %[2]v))
			FROM result_categories rc JOIN categories c ON c.id = rc.category_id
			WHERE rc.result_id = r.id AND c.name ILIKE '%%' || %[1]s || '%%'
		), 0))`, p, storage.DefaultConfidence)
}

func exactCondition(p string) string {
	return fmt.Sprintf(`(r.user_query ILIKE '%%' || %[1]s || '%%' OR
		r.technologies ILIKE '%%' || %[1]s || '%%' OR
		r.problem_domains ILIKE '%%' || %[1]s || '%%' OR
		r.architecture_patterns ILIKE '%%' || %[1]s || '%%' OR
		EXISTS (
			SELECT 1 FROM result_categories rc JOIN categories c ON c.id = rc.category_id
			WHERE rc.result_id = r.id AND c.name ILIKE '%%' || %[1]s || '%%'
			AND COALESCE(rc.confidence_score, %[2]v) >= %[3]v
		))`, p, storage.DefaultConfidence, storage.MinCategoryConfidence)
}

// escapeLike makes LIKE wildcards in term match literally.
func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}
