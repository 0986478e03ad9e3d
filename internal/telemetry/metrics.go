package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
)

// Metrics holds the instruments. A nil *Metrics records nothing.
type Metrics struct {
	cacheLookups     metric.Int64Counter
	reservations     metric.Int64Counter
	quotaRejects     metric.Int64Counter
	analysisCost     metric.Float64Counter
	analysisDuration metric.Float64Histogram
	searches         metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.cacheLookups, err = meter.Int64Counter("recon.cache.lookups",
		metric.WithDescription("Cache lookups by outcome")); err != nil {
		return nil, err
	}
	if m.reservations, err = meter.Int64Counter("recon.budget.reservations",
		metric.WithDescription("Budget reservation attempts by outcome")); err != nil {
		return nil, err
	}
	if m.quotaRejects, err = meter.Int64Counter("recon.quota.rejections",
		metric.WithDescription("Requests refused by the per-caller quota")); err != nil {
		return nil, err
	}
	if m.analysisCost, err = meter.Float64Counter("recon.analysis.cost",
		metric.WithDescription("Settled analysis cost"), metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	if m.analysisDuration, err = meter.Float64Histogram("recon.analysis.duration",
		metric.WithDescription("Analysis duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.searches, err = meter.Int64Counter("recon.search.requests",
		metric.WithDescription("Relevance searches by mode")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) CacheLookup(ctx context.Context, kind string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind), attribute.String("outcome", outcome)))
}

// Reservation records a reserve attempt. outcome is "reserved", "refused"
// or "error".
func (m *Metrics) Reservation(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.reservations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind), attribute.String("outcome", outcome)))
}

func (m *Metrics) QuotaRejected(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.quotaRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) AnalysisFinished(ctx context.Context, kind string, cost money.Amount, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.Bool("failed", failed))
	m.analysisDuration.Record(ctx, d.Seconds(), attrs)
	if cost > 0 {
		m.analysisCost.Add(ctx, cost.USD(), attrs)
	}
}

func (m *Metrics) Search(ctx context.Context, fuzzy bool) {
	if m == nil {
		return
	}
	m.searches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("fuzzy", fuzzy)))
}
