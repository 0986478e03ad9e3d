// Package analyzer runs the paid comparison and repository analysis calls
// and turns their output into cacheable results.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// ProgressFunc receives progress updates while an analysis runs.
type ProgressFunc func(step, message string, percentage int)

// Outcome is a finished analysis.
type Outcome struct {
	Document     Document
	Payload      string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         money.Amount
	// CostKnown is false when the model is missing from the price table.
	CostKnown bool
}

// Facets renders the document's facet lists the way results store them.
func (o Outcome) Facets() (technologies, problemDomains, architecturePatterns string) {
	return strings.Join(o.Document.Technologies, ", "),
		strings.Join(o.Document.ProblemDomains, ", "),
		strings.Join(o.Document.ArchitecturePatterns, ", ")
}

// Tags converts the proposed categories into inferred category tags.
func (o Outcome) Tags() []storage.CategoryTag {
	tags := make([]storage.CategoryTag, 0, len(o.Document.Categories))
	for _, c := range o.Document.Categories {
		tags = append(tags, storage.CategoryTag{
			Name:       strings.TrimSpace(c.Name),
			Type:       c.Type,
			Confidence: c.Confidence,
			AssignedBy: storage.AssignedInferred,
		})
	}
	return tags
}

type Analyzer struct {
	provider Provider
	prices   PriceTable
	valid    *validator
	logger   *slog.Logger
}

func New(provider Provider, prices PriceTable, logger *slog.Logger) (*Analyzer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prices == nil {
		prices = DefaultPrices()
	}
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	return &Analyzer{provider: provider, prices: prices, valid: v, logger: logger}, nil
}

// Analyze runs one paid call for query and validates the result.
func (a *Analyzer) Analyze(ctx context.Context, kind storage.Kind, query string, progress ProgressFunc) (*Outcome, error) {
	if progress == nil {
		progress = func(string, string, int) {}
	}
	system, prompt, err := buildPrompt(kind, query)
	if err != nil {
		return nil, err
	}

	progress("preparing", "Preparing analysis", 10)
	start := time.Now()
	progress("analyzing", "Running AI analysis", 30)
	c, err := a.provider.Complete(ctx, system, prompt)
	if err != nil {
		return nil, err
	}
	progress("parsing", "Validating results", 80)

	doc, payload, err := a.valid.parse(c.Text)
	if err != nil {
		a.logger.Warn("provider returned unusable output", "kind", kind, "model", c.Model, "error", err)
		return nil, err
	}

	out := &Outcome{
		Document:     doc,
		Payload:      payload,
		Model:        c.Model,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
	}
	out.Cost, out.CostKnown = a.prices.Cost(c.Model, c.InputTokens, c.OutputTokens)
	a.logger.Info("analysis complete",
		"kind", kind,
		"model", c.Model,
		"input_tokens", c.InputTokens,
		"output_tokens", c.OutputTokens,
		"cost_usd", out.Cost.USD(),
		"duration", time.Since(start),
	)
	return out, nil
}

func buildPrompt(kind storage.Kind, query string) (system, prompt string, err error) {
	const format = `Respond with a single JSON object with the keys "summary", "recommendation", ` +
		`"technologies", "problem_domains", "architecture_patterns", "categories" and "repositories". ` +
		`Each category has "name", "type" (technology, problem_domain or architecture_pattern) ` +
		`and "confidence" between 0 and 1. Do not include any text outside the JSON object.`

	switch kind {
	case storage.KindComparison:
		system = "You compare open source repositories for software engineers choosing a dependency. " + format
		prompt = fmt.Sprintf("Find and compare the best open source options for: %s", query)
	case storage.KindDeepAnalysis:
		system = "You review a single open source repository in depth for maintainability and fit. " + format
		prompt = fmt.Sprintf("Analyze the repository %s.", query)
	default:
		return "", "", fmt.Errorf("no prompt for kind %q", kind)
	}
	return system, prompt, nil
}
