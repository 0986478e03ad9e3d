package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/analyzer"
	"github.com/jimmypocock/reporeconnoiter.com/internal/ledger"
	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/progress"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

type mockAnalyzer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, kind storage.Kind, query string, report analyzer.ProgressFunc) (*analyzer.Outcome, error)
}

func (m *mockAnalyzer) Analyze(ctx context.Context, kind storage.Kind, query string, report analyzer.ProgressFunc) (*analyzer.Outcome, error) {
	m.calls.Add(1)
	return m.fn(ctx, kind, query, report)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]progress.Event
}

func (p *recordingPublisher) Publish(stream string, ev progress.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]progress.Event)
	}
	p.events[stream] = append(p.events[stream], ev)
	return 1
}

func (p *recordingPublisher) last(stream string) progress.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	evs := p.events[stream]
	if len(evs) == 0 {
		return progress.Event{}
	}
	return evs[len(evs)-1]
}

func successOutcome(cost money.Amount, known bool) *analyzer.Outcome {
	conf := 0.8
	return &analyzer.Outcome{
		Document: analyzer.Document{
			Summary:      "Sidekiq wins",
			Technologies: []string{"Ruby", "Redis"},
			Categories:   []analyzer.Category{{Name: "Background Jobs", Type: "problem_domain", Confidence: &conf}},
		},
		Payload:      `{"summary":"Sidekiq wins"}`,
		Model:        "claude-haiku-4-5",
		InputTokens:  100,
		OutputTokens: 50,
		Cost:         cost,
		CostKnown:    known,
	}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	store  *storage.Store
	ledger *ledger.Ledger
	pub    *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := openTestStore(t)
	l := ledger.New(s, map[storage.Kind]ledger.Limits{
		storage.KindComparison: {DailyCap: money.FromUSD(5), Estimate: money.FromUSD(0.15)},
	})
	return fixture{store: s, ledger: l, pub: &recordingPublisher{}}
}

func (f fixture) enqueue(t *testing.T, session string) Payload {
	t.Helper()
	ctx := context.Background()
	res, err := f.ledger.Reserve(ctx, ledger.Request{Kind: storage.KindComparison, SessionID: session, UserID: "alice"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	p := Payload{
		ReservationID:   res.ID,
		SessionID:       session,
		UserID:          "alice",
		Kind:            storage.KindComparison,
		Query:           "Rails background jobs",
		NormalizedQuery: "rails background jobs",
		Estimate:        res.Estimate,
	}
	job, err := NewJob(p)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := f.store.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return p
}

func TestRunOnce_Success(t *testing.T) {
	f := newFixture(t)
	p := f.enqueue(t, "sess-1")
	a := &mockAnalyzer{fn: func(_ context.Context, _ storage.Kind, query string, report analyzer.ProgressFunc) (*analyzer.Outcome, error) {
		if query != "Rails background jobs" {
			t.Errorf("query = %q", query)
		}
		report("analyzing", "Running", 30)
		return successOutcome(money.FromUSD(0.11), true), nil
	}}
	w := NewWorker(f.store, a, f.ledger, f.pub, Config{})
	ctx := context.Background()

	found, err := w.RunOnce(ctx)
	if err != nil || !found {
		t.Fatalf("RunOnce = %v, %v", found, err)
	}

	r, err := f.store.GetResultBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetResultBySession: %v", err)
	}
	if r.NormalizedQuery != "rails background jobs" || r.UserID != "alice" {
		t.Errorf("result = %+v", r)
	}
	if r.Technologies != "Ruby, Redis" {
		t.Errorf("Technologies = %q", r.Technologies)
	}
	if len(r.Categories) != 1 || r.Categories[0].AssignedBy != storage.AssignedInferred {
		t.Errorf("Categories = %+v", r.Categories)
	}

	wu, err := f.store.GetWorkUnit(ctx, p.ReservationID)
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if wu.Status != storage.StatusCompleted || wu.Cost != money.FromUSD(0.11) {
		t.Errorf("work unit = %+v", wu)
	}

	job, err := f.store.GetJob(ctx, p.ReservationID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != "completed" {
		t.Errorf("job status = %q", job.Status)
	}

	stream := progress.StreamName(storage.KindComparison, "sess-1")
	last := f.pub.last(stream)
	if last.Type != progress.TypeComplete || last.ResultID != r.ID || last.Percentage != 100 {
		t.Errorf("last event = %+v", last)
	}
	if len(f.pub.events[stream]) != 2 {
		t.Errorf("events = %+v", f.pub.events[stream])
	}
}

func TestRunOnce_UnknownPriceSettlesAtEstimate(t *testing.T) {
	f := newFixture(t)
	p := f.enqueue(t, "sess-1")
	a := &mockAnalyzer{fn: func(context.Context, storage.Kind, string, analyzer.ProgressFunc) (*analyzer.Outcome, error) {
		return successOutcome(0, false), nil
	}}
	w := NewWorker(f.store, a, f.ledger, f.pub, Config{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wu, _ := f.store.GetWorkUnit(context.Background(), p.ReservationID)
	if wu.Cost != p.Estimate {
		t.Errorf("cost = %s, want estimate %s", wu.Cost, p.Estimate)
	}
}

func TestRunOnce_FailureRetriesThenReleases(t *testing.T) {
	f := newFixture(t)
	p := f.enqueue(t, "sess-1")
	a := &mockAnalyzer{fn: func(context.Context, storage.Kind, string, analyzer.ProgressFunc) (*analyzer.Outcome, error) {
		return nil, errors.New("provider unavailable")
	}}
	w := NewWorker(f.store, a, f.ledger, f.pub, Config{})
	ctx := context.Background()
	stream := progress.StreamName(storage.KindComparison, "sess-1")

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wu, _ := f.store.GetWorkUnit(ctx, p.ReservationID)
	if wu.Status != storage.StatusProcessing {
		t.Fatalf("reservation settled before retries exhausted: %+v", wu)
	}
	if got := f.pub.last(stream).Step; got != "retrying" {
		t.Errorf("last step = %q, want retrying", got)
	}

	// Exhaust the remaining attempts directly.
	for i := 0; i < 2; i++ {
		job, err := f.store.GetJob(ctx, p.ReservationID)
		if err != nil {
			t.Fatal(err)
		}
		w.handle(ctx, &job)
	}

	wu, _ = f.store.GetWorkUnit(ctx, p.ReservationID)
	if wu.Status != storage.StatusFailed || wu.Cost != 0 {
		t.Errorf("work unit = %+v, want failed with zero cost", wu)
	}
	if got := f.pub.last(stream).Type; got != progress.TypeError {
		t.Errorf("last event type = %q, want error", got)
	}
	st, _ := f.ledger.Status(ctx, storage.KindComparison)
	if st.Pending != 0 || st.Settled != 0 {
		t.Errorf("status = %+v, want nothing pending or settled", st)
	}
}

func TestRunOnce_ExistingResultIsNotRecomputed(t *testing.T) {
	f := newFixture(t)
	p := f.enqueue(t, "sess-1")
	ctx := context.Background()
	if err := f.store.SaveResult(ctx, storage.Result{
		ID: "r1", Kind: storage.KindComparison, UserQuery: p.Query, NormalizedQuery: p.NormalizedQuery,
		SessionID: "sess-1", Cost: money.FromUSD(0.09),
	}); err != nil {
		t.Fatal(err)
	}
	a := &mockAnalyzer{fn: func(context.Context, storage.Kind, string, analyzer.ProgressFunc) (*analyzer.Outcome, error) {
		t.Error("analyzer must not be called")
		return nil, errors.New("unexpected")
	}}
	w := NewWorker(f.store, a, f.ledger, f.pub, Config{})

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wu, _ := f.store.GetWorkUnit(ctx, p.ReservationID)
	if wu.Status != storage.StatusCompleted || wu.Cost != money.FromUSD(0.09) {
		t.Errorf("work unit = %+v", wu)
	}
	if got := f.pub.last(progress.StreamName(storage.KindComparison, "sess-1")).ResultID; got != "r1" {
		t.Errorf("result id = %q", got)
	}
}

func TestRunOnce_BadPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.EnqueueJob(ctx, storage.Job{ID: "bad", Type: JobType, PayloadJSON: "{", MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}
	w := NewWorker(f.store, &mockAnalyzer{}, f.ledger, f.pub, Config{})
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	job, _ := f.store.GetJob(ctx, "bad")
	if job.Status != "failed" {
		t.Errorf("status = %q, want failed", job.Status)
	}
}

func TestRunOnce_Empty(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.store, &mockAnalyzer{}, f.ledger, f.pub, Config{})
	found, err := w.RunOnce(context.Background())
	if err != nil || found {
		t.Errorf("RunOnce = %v, %v; want false, nil", found, err)
	}
}

func TestRun_ProcessesConcurrentlyAndStops(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"a", "b", "c", "d"} {
		f.enqueue(t, s)
	}

	var inFlight, peak atomic.Int32
	a := &mockAnalyzer{fn: func(context.Context, storage.Kind, string, analyzer.ProgressFunc) (*analyzer.Outcome, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return successOutcome(money.FromUSD(0.01), true), nil
	}}
	w := NewWorker(f.store, a, f.ledger, f.pub, Config{Concurrency: 2, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for a.calls.Load() < 4 {
		select {
		case <-deadline:
			t.Fatalf("only %d jobs ran", a.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
	st, _ := f.ledger.Status(context.Background(), storage.KindComparison)
	if st.Pending != 0 {
		t.Errorf("pending = %s after all jobs finished", st.Pending)
	}
}

func TestRunOnce_ExpiredReservationSkipsAnalyzer(t *testing.T) {
	f := newFixture(t)
	p := f.enqueue(t, "sess-1")
	ctx := context.Background()
	if _, err := f.ledger.ReleaseStale(ctx, -time.Second); err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}

	a := &mockAnalyzer{fn: func(context.Context, storage.Kind, string, analyzer.ProgressFunc) (*analyzer.Outcome, error) {
		return successOutcome(money.FromUSD(0.12), true), nil
	}}
	w := NewWorker(f.store, a, f.ledger, f.pub, Config{})
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if n := a.calls.Load(); n != 0 {
		t.Errorf("analyzer calls = %d, want 0", n)
	}
	job, err := f.store.GetJob(ctx, p.ReservationID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != "failed" {
		t.Errorf("job status = %q, want failed without retry", job.Status)
	}
	if got := f.pub.last(progress.StreamName(storage.KindComparison, "sess-1")).Type; got != progress.TypeError {
		t.Errorf("last event type = %q, want error", got)
	}
	if _, err := f.store.GetResultBySession(ctx, "sess-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetResultBySession err = %v, want ErrNotFound", err)
	}
}

func TestRunOnce_LateCompletionIsCharged(t *testing.T) {
	f := newFixture(t)
	p := f.enqueue(t, "sess-1")
	ctx := context.Background()

	// The sweep expires the reservation while the analysis is running.
	a := &mockAnalyzer{fn: func(ctx context.Context, _ storage.Kind, _ string, _ analyzer.ProgressFunc) (*analyzer.Outcome, error) {
		if _, err := f.ledger.ReleaseStale(ctx, -time.Second); err != nil {
			t.Errorf("ReleaseStale: %v", err)
		}
		return successOutcome(money.FromUSD(0.12), true), nil
	}}
	w := NewWorker(f.store, a, f.ledger, f.pub, Config{})
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	wu, err := f.store.GetWorkUnit(ctx, p.ReservationID)
	if err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
	if wu.Status != storage.StatusCompleted || wu.Cost != money.FromUSD(0.12) {
		t.Errorf("work unit = %+v, want completed at $0.12", wu)
	}
	st, _ := f.ledger.Status(ctx, storage.KindComparison)
	if st.Settled != money.FromUSD(0.12) || st.Pending != 0 {
		t.Errorf("status = %+v, want $0.12 settled", st)
	}
	if st.Remaining != money.FromUSD(4.88) {
		t.Errorf("remaining = %s, want $4.88", st.Remaining)
	}
}
