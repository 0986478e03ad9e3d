// Package cache decides whether an incoming query can be served from a
// previously computed result instead of paying for a new one.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
	"github.com/jimmypocock/reporeconnoiter.com/internal/textmatch"
)

// DefaultThreshold is the similarity a candidate must exceed to count as a hit.
const DefaultThreshold = 0.8

// Lister lists candidate results.
type Lister interface {
	ListResults(ctx context.Context, f storage.ResultFilter) ([]storage.Result, error)
}

// SimilarityIndex is implemented by backends that can find the most similar
// result in the database. It returns storage.ErrNotFound when no candidate
// clears the threshold.
type SimilarityIndex interface {
	MostSimilar(ctx context.Context, kind storage.Kind, normalized string, since time.Time, threshold float64) (storage.Result, float64, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Match is a cache hit.
type Match struct {
	Result storage.Result
	Score  float64
}

type Matcher struct {
	store  Lister
	clock  Clock
	logger *slog.Logger
}

func NewMatcher(store Lister, logger *slog.Logger) *Matcher {
	return NewMatcherWithClock(store, realClock{}, logger)
}

func NewMatcherWithClock(store Lister, clock Clock, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{store: store, clock: clock, logger: logger}
}

// FindBestMatch returns the fresh result of kind whose normalized query is
// most similar to query, provided the similarity is strictly above
// threshold. Results older than freshness are ignored. ok is false on blank
// input, an empty window or no candidate above threshold.
func (m *Matcher) FindBestMatch(ctx context.Context, kind storage.Kind, query string, freshness time.Duration, threshold float64) (match Match, ok bool, err error) {
	norm := textmatch.Normalize(query)
	if norm == "" {
		return Match{}, false, nil
	}
	since := m.clock.Now().Add(-freshness)

	if idx, isIndex := m.store.(SimilarityIndex); isIndex {
		r, score, err := idx.MostSimilar(ctx, kind, norm, since, threshold)
		if errors.Is(err, storage.ErrNotFound) {
			return Match{}, false, nil
		}
		if err != nil {
			return Match{}, false, fmt.Errorf("finding similar result: %w", err)
		}
		m.logger.Debug("cache hit", "kind", kind, "result_id", r.ID, "score", score)
		return Match{Result: r, Score: score}, true, nil
	}

	candidates, err := m.store.ListResults(ctx, storage.ResultFilter{Kind: kind, Since: since})
	if err != nil {
		return Match{}, false, fmt.Errorf("listing cache candidates: %w", err)
	}

	var best Match
	for _, c := range candidates {
		score := textmatch.Similarity(norm, c.NormalizedQuery)
		if score > best.Score {
			best = Match{Result: c, Score: score}
		}
	}
	if best.Score <= threshold {
		m.logger.Debug("cache miss", "kind", kind, "candidates", len(candidates), "best_score", best.Score)
		return Match{}, false, nil
	}
	m.logger.Debug("cache hit", "kind", kind, "result_id", best.Result.ID, "score", best.Score)
	return best, true, nil
}
