// Package dispatch runs queued analyses in the background, relays their
// progress and settles their budget reservations.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/jimmypocock/reporeconnoiter.com/internal/analyzer"
	"github.com/jimmypocock/reporeconnoiter.com/internal/ledger"
	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/progress"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
	"github.com/jimmypocock/reporeconnoiter.com/internal/telemetry"
)

// JobType is the queue job type for analyses.
const JobType = "analyze"

// errReservationClosed reports that a job's reservation was settled before
// the job ran, so running it would spend outside the budget.
var errReservationClosed = errors.New("reservation no longer processing")

// Payload is the job body enqueued for each reserved unit of work.
type Payload struct {
	ReservationID   string       `json:"reservation_id"`
	SessionID       string       `json:"session_id"`
	UserID          string       `json:"user_id"`
	Kind            storage.Kind `json:"kind"`
	Query           string       `json:"query"`
	NormalizedQuery string       `json:"normalized_query"`
	Estimate        money.Amount `json:"estimate_micros"`
}

// NewJob wraps p in a queue job. The job id is the reservation id, so a
// reservation is enqueued at most once.
func NewJob(p Payload) (storage.Job, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding job payload: %w", err)
	}
	return storage.Job{ID: p.ReservationID, Type: JobType, PayloadJSON: string(body), MaxAttempts: 3}, nil
}

// Store is the persistence the worker needs.
type Store interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) (bool, error)
	DiscardJob(ctx context.Context, id string, reason string) error
	GetWorkUnit(ctx context.Context, id string) (storage.WorkUnit, error)
	SaveResult(ctx context.Context, r storage.Result) error
	GetResultBySession(ctx context.Context, sessionID string) (storage.Result, error)
}

// Analyzer performs the paid computation.
type Analyzer interface {
	Analyze(ctx context.Context, kind storage.Kind, query string, progress analyzer.ProgressFunc) (*analyzer.Outcome, error)
}

// Settler finalizes budget reservations.
type Settler interface {
	Settle(ctx context.Context, reservationID string, s ledger.Settlement) error
}

// Publisher delivers progress events.
type Publisher interface {
	Publish(stream string, ev progress.Event) int
}

type Worker struct {
	store     Store
	analyzer  Analyzer
	settler   Settler
	publisher Publisher
	metrics   *telemetry.Metrics
	sem       *semaphore.Weighted
	poll      time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// Config holds worker settings. Zero values get defaults.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
}

func NewWorker(store Store, a Analyzer, settler Settler, publisher Publisher, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		store:     store,
		analyzer:  a,
		settler:   settler,
		publisher: publisher,
		metrics:   cfg.Metrics,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		poll:      cfg.PollInterval,
		logger:    cfg.Logger,
	}
}

// Run claims jobs until ctx is cancelled, running at most Concurrency at a
// time. It returns after in-flight jobs finish.
func (w *Worker) Run(ctx context.Context) {
	defer w.wg.Wait()
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		job, err := w.store.ClaimNextJob(ctx, []string{JobType})
		if err != nil || job == nil {
			w.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("claiming job failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.poll):
			}
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			// Jobs run to completion even when the server is shutting down.
			w.handle(context.WithoutCancel(ctx), job)
		}()
	}
}

// RunOnce claims and processes a single job synchronously. It reports
// whether a job was found.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *storage.Job) {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		w.logger.Error("discarding job with unreadable payload", "job_id", job.ID, "error", err)
		if _, failErr := w.store.FailJob(ctx, job.ID, "parsing payload: "+err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return
	}

	ctx, span := otel.Tracer(telemetry.ScopeName).Start(ctx, "dispatch.analyze")
	span.SetAttributes(attribute.String("kind", string(p.Kind)), attribute.String("session_id", p.SessionID))
	defer span.End()

	start := time.Now()
	stream := progress.StreamName(p.Kind, p.SessionID)
	resultID, cost, err := w.process(ctx, p, stream)
	if err == nil {
		w.metrics.AnalysisFinished(ctx, string(p.Kind), cost, time.Since(start), false)
		if err := w.store.CompleteJob(ctx, job.ID); err != nil {
			w.logger.Error("completing job failed", "job_id", job.ID, "error", err)
		}
		w.publisher.Publish(stream, progress.Event{
			Type: progress.TypeComplete, Step: "complete", Message: "Analysis complete",
			Percentage: 100, ResultID: resultID,
		})
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, errReservationClosed) {
		w.logger.Warn("dropping job whose reservation was already settled", "job_id", job.ID, "session_id", p.SessionID, "error", err)
		if err := w.store.DiscardJob(ctx, job.ID, err.Error()); err != nil {
			w.logger.Error("failed to discard job", "job_id", job.ID, "error", err)
		}
		w.publisher.Publish(stream, progress.Event{Type: progress.TypeError, Step: "failed", Message: "Analysis expired before it could run. Please try again."})
		return
	}
	w.metrics.AnalysisFinished(ctx, string(p.Kind), 0, time.Since(start), true)
	w.logger.Warn("analysis failed", "job_id", job.ID, "session_id", p.SessionID, "attempt", job.Attempts, "error", err)

	terminal, failErr := w.store.FailJob(ctx, job.ID, err.Error())
	if failErr != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		return
	}
	if !terminal {
		w.publisher.Publish(stream, progress.Event{Type: progress.TypeProgress, Step: "retrying", Message: "Retrying analysis"})
		return
	}
	if err := w.settler.Settle(ctx, p.ReservationID, ledger.Failed(err.Error())); err != nil {
		w.logger.Error("releasing reservation failed", "reservation_id", p.ReservationID, "error", err)
	}
	w.publisher.Publish(stream, progress.Event{Type: progress.TypeError, Step: "failed", Message: "Analysis failed. Please try again later."})
}

// process runs the analysis, stores the result and settles the
// reservation. A result already saved for the session is reused so a retried
// job never pays twice. The analyzer only runs while the reservation is
// still processing.
func (w *Worker) process(ctx context.Context, p Payload, stream string) (string, money.Amount, error) {
	if existing, err := w.store.GetResultBySession(ctx, p.SessionID); err == nil {
		return existing.ID, existing.Cost, w.settler.Settle(ctx, p.ReservationID, ledger.Completed(existing.Cost))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", 0, fmt.Errorf("checking for existing result: %w", err)
	}

	unit, err := w.store.GetWorkUnit(ctx, p.ReservationID)
	if err != nil {
		return "", 0, fmt.Errorf("loading reservation: %w", err)
	}
	if unit.Status != storage.StatusProcessing {
		return "", 0, fmt.Errorf("%w: %s (%s)", errReservationClosed, unit.Status, unit.LastError)
	}

	out, err := w.analyzer.Analyze(ctx, p.Kind, p.Query, func(step, message string, pct int) {
		w.publisher.Publish(stream, progress.Event{Type: progress.TypeProgress, Step: step, Message: message, Percentage: pct})
	})
	if err != nil {
		return "", 0, err
	}

	cost := out.Cost
	if !out.CostKnown {
		w.logger.Warn("no price for model, settling at estimate", "model", out.Model, "estimate", p.Estimate.String())
		cost = p.Estimate
	}

	tech, domains, patterns := out.Facets()
	r := storage.Result{
		ID:                   uuid.NewString(),
		Kind:                 p.Kind,
		UserQuery:            p.Query,
		NormalizedQuery:      p.NormalizedQuery,
		Technologies:         tech,
		ProblemDomains:       domains,
		ArchitecturePatterns: patterns,
		Payload:              out.Payload,
		Model:                out.Model,
		InputTokens:          out.InputTokens,
		OutputTokens:         out.OutputTokens,
		Cost:                 cost,
		SessionID:            p.SessionID,
		UserID:               p.UserID,
		Categories:           out.Tags(),
	}
	if err := w.store.SaveResult(ctx, r); err != nil {
		return "", 0, fmt.Errorf("saving result: %w", err)
	}
	if err := w.settler.Settle(ctx, p.ReservationID, ledger.Completed(cost)); err != nil {
		return "", 0, fmt.Errorf("settling reservation: %w", err)
	}
	return r.ID, cost, nil
}
