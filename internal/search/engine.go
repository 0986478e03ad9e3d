// Package search ranks cached results against a free-text term across
// several weighted fields, widening recall with synonym expansion.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
	"github.com/jimmypocock/reporeconnoiter.com/internal/textmatch"
)

// Field weights.
const (
	WeightQuery        = 100.0
	WeightTechnologies = 50.0
	WeightDomains      = 30.0
	WeightPatterns     = 20.0
	WeightCategory     = 10.0
)

// Lister lists candidate results.
type Lister interface {
	ListResults(ctx context.Context, f storage.ResultFilter) ([]storage.Result, error)
}

// Searcher is implemented by backends that score in the database.
type Searcher interface {
	SearchResults(ctx context.Context, q storage.SearchQuery) ([]storage.ScoredResult, error)
}

// Options control a search. The zero value is an exact search over every
// result; use Fuzzy for similarity matching.
type Options struct {
	Fuzzy  bool
	Filter storage.ResultFilter
}

type Engine struct {
	store    Lister
	expander *Expander
	logger   *slog.Logger
}

// NewEngine creates an Engine. If store also implements Searcher, scoring is
// delegated to it.
func NewEngine(store Lister, expander *Expander, logger *slog.Logger) *Engine {
	if expander == nil {
		expander = NewExpander()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, expander: expander, logger: logger}
}

// Search returns results matching term ordered by relevance, most relevant
// first, ties broken by recency. A blank term returns the filtered candidate
// set unscored.
func (e *Engine) Search(ctx context.Context, term string, opts Options) ([]storage.ScoredResult, error) {
	if textmatch.IsBlank(term) {
		results, err := e.store.ListResults(ctx, opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("listing results: %w", err)
		}
		out := make([]storage.ScoredResult, len(results))
		for i, r := range results {
			out[i] = storage.ScoredResult{Result: r}
		}
		return out, nil
	}

	terms := e.expander.Expand(term)
	e.logger.Debug("search expanded", "term", term, "terms", terms, "fuzzy", opts.Fuzzy)

	if s, ok := e.store.(Searcher); ok {
		out, err := s.SearchResults(ctx, storage.SearchQuery{Terms: terms, Fuzzy: opts.Fuzzy, Filter: opts.Filter})
		if err != nil {
			return nil, fmt.Errorf("searching results: %w", err)
		}
		return out, nil
	}

	candidates := opts.Filter
	candidates.Limit = 0
	results, err := e.store.ListResults(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	var out []storage.ScoredResult
	for _, r := range results {
		if score, ok := Score(r, terms, opts.Fuzzy); ok {
			out = append(out, storage.ScoredResult{Result: r, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Filter.Limit > 0 && len(out) > opts.Filter.Limit {
		out = out[:opts.Filter.Limit]
	}
	return out, nil
}

// Score computes the relevance of r against the expanded terms: the greatest
// per-term composite score. ok reports whether any term matched any field.
func Score(r storage.Result, terms []string, fuzzy bool) (score float64, ok bool) {
	for i, term := range terms {
		var s float64
		var m bool
		if fuzzy {
			s, m = fuzzyTermScore(r, term)
		} else {
			s, m = exactTermScore(r, term)
		}
		if i == 0 || s > score {
			score = s
		}
		ok = ok || m
	}
	return score, ok
}

type weightedField struct {
	text   string
	weight float64
}

func weightedFields(r storage.Result) [4]weightedField {
	return [4]weightedField{
		{r.UserQuery, WeightQuery},
		{r.Technologies, WeightTechnologies},
		{r.ProblemDomains, WeightDomains},
		{r.ArchitecturePatterns, WeightPatterns},
	}
}

func fuzzyTermScore(r storage.Result, term string) (float64, bool) {
	var score float64
	matched := false
	for _, f := range weightedFields(r) {
		sim := textmatch.WordSimilarity(term, f.text)
		score += sim * f.weight
		if sim > storage.FuzzyThreshold {
			matched = true
		}
	}

	var best float64
	for _, c := range r.Categories {
		sim := textmatch.WordSimilarity(term, c.Name)
		if sim <= storage.FuzzyThreshold {
			continue
		}
		conf := c.ConfidenceOrDefault()
		if v := sim * WeightCategory * conf; v > best {
			best = v
		}
		if conf >= storage.MinCategoryConfidence {
			matched = true
		}
	}
	return score + best, matched
}

func exactTermScore(r storage.Result, term string) (float64, bool) {
	var score float64
	matched := false
	for _, f := range weightedFields(r) {
		if textmatch.ContainsFold(f.text, term) {
			score += f.weight
			matched = true
		}
	}

	var best float64
	for _, c := range r.Categories {
		if !textmatch.ContainsFold(c.Name, term) {
			continue
		}
		conf := c.ConfidenceOrDefault()
		if v := WeightCategory * conf; v > best {
			best = v
		}
		if conf >= storage.MinCategoryConfidence {
			matched = true
		}
	}
	return score + best, matched
}
