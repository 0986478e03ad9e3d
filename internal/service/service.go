// Package service orchestrates a request for an expensive operation: serve
// it from cache when possible, otherwise check quota, reserve budget and
// queue the work.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jimmypocock/reporeconnoiter.com/internal/cache"
	"github.com/jimmypocock/reporeconnoiter.com/internal/dispatch"
	"github.com/jimmypocock/reporeconnoiter.com/internal/identity"
	"github.com/jimmypocock/reporeconnoiter.com/internal/ledger"
	"github.com/jimmypocock/reporeconnoiter.com/internal/quota"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
	"github.com/jimmypocock/reporeconnoiter.com/internal/telemetry"
	"github.com/jimmypocock/reporeconnoiter.com/internal/textmatch"
)

// ErrInvalidInput is returned for a request that fails validation.
var ErrInvalidInput = errors.New("invalid input")

// Request statuses.
const (
	StatusCached = "cached"
	StatusQueued = "queued"
)

// MaxQueryLength is the longest accepted query, in characters.
const MaxQueryLength = 500

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Request asks for one expensive operation.
type Request struct {
	Kind  storage.Kind `validate:"required,oneof=comparison deep_analysis"`
	Query string       `validate:"required,max=500,notblank"`
}

// Outcome is either a cached result or a queued session.
type Outcome struct {
	Status     string
	Result     *storage.Result
	Similarity float64
	SessionID  string
}

// KindPolicy is the cache policy of one kind.
type KindPolicy struct {
	Freshness time.Duration
	Threshold float64
}

// Store is the persistence the service writes through directly.
type Store interface {
	IncrementViewCount(ctx context.Context, id string) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

type Service struct {
	store    Store
	matcher  *cache.Matcher
	limiter  *quota.Limiter
	ledger   *ledger.Ledger
	policies map[storage.Kind]KindPolicy
	validate *validator.Validate
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    Store
	Matcher  *cache.Matcher
	Limiter  *quota.Limiter
	Ledger   *ledger.Ledger
	Policies map[storage.Kind]KindPolicy
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return !textmatch.IsBlank(fl.Field().String())
	})
	return &Service{
		store:    d.Store,
		matcher:  d.Matcher,
		limiter:  d.Limiter,
		ledger:   d.Ledger,
		policies: d.Policies,
		validate: v,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
}

// Validate checks req and returns an ErrInvalidInput describing the first
// problem.
func (s *Service) Validate(req Request) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidInput, describe(verrs[0]))
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.Kind == storage.KindDeepAnalysis && !repoPattern.MatchString(strings.TrimSpace(req.Query)) {
		return fmt.Errorf("%w: repository must look like owner/name", ErrInvalidInput)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required", "notblank":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// Submit serves req from cache or queues it. Refusals are returned as
// quota.ErrRateLimitExceeded, ledger.ErrBudgetExceeded or ErrInvalidInput.
func (s *Service) Submit(ctx context.Context, caller *identity.Caller, req Request) (Outcome, error) {
	if !caller.Authenticated() {
		return Outcome{}, identity.ErrUnauthenticated
	}
	if err := s.Validate(req); err != nil {
		return Outcome{}, err
	}

	ctx, span := otel.Tracer(telemetry.ScopeName).Start(ctx, "service.submit")
	span.SetAttributes(attribute.String("kind", string(req.Kind)))
	defer span.End()

	norm := textmatch.Normalize(req.Query)
	policy := s.policies[req.Kind]

	match, hit, err := s.matcher.FindBestMatch(ctx, req.Kind, norm, policy.Freshness, policy.Threshold)
	if err != nil {
		return Outcome{}, err
	}
	s.metrics.CacheLookup(ctx, string(req.Kind), hit)
	if hit {
		if err := s.store.IncrementViewCount(ctx, match.Result.ID); err != nil {
			s.logger.Warn("failed to increment view count", "result_id", match.Result.ID, "error", err)
		}
		span.SetAttributes(attribute.Bool("cache_hit", true))
		s.logger.Info("served from cache", "kind", req.Kind, "result_id", match.Result.ID, "score", match.Score, "user_id", caller.UserID)
		r := match.Result
		return Outcome{Status: StatusCached, Result: &r, Similarity: match.Score}, nil
	}

	if err := s.limiter.Check(ctx, caller.UserID, caller.Admin, req.Kind); err != nil {
		if errors.Is(err, quota.ErrRateLimitExceeded) {
			s.metrics.QuotaRejected(ctx, string(req.Kind))
		}
		return Outcome{}, err
	}

	sessionID := uuid.NewString()
	res, err := s.ledger.Reserve(ctx, ledger.Request{Kind: req.Kind, SessionID: sessionID, UserID: caller.UserID})
	switch {
	case errors.Is(err, ledger.ErrBudgetExceeded):
		s.metrics.Reservation(ctx, string(req.Kind), "refused")
		return Outcome{}, err
	case err != nil:
		s.metrics.Reservation(ctx, string(req.Kind), "error")
		return Outcome{}, err
	}
	s.metrics.Reservation(ctx, string(req.Kind), "reserved")

	job, err := dispatch.NewJob(dispatch.Payload{
		ReservationID:   res.ID,
		SessionID:       res.SessionID,
		UserID:          caller.UserID,
		Kind:            req.Kind,
		Query:           strings.TrimSpace(req.Query),
		NormalizedQuery: norm,
		Estimate:        res.Estimate,
	})
	if err == nil {
		err = s.store.EnqueueJob(ctx, job)
	}
	if err != nil {
		if relErr := s.ledger.Settle(ctx, res.ID, ledger.Failed("enqueue failed")); relErr != nil {
			s.logger.Error("releasing reservation failed", "reservation_id", res.ID, "error", relErr)
		}
		return Outcome{}, fmt.Errorf("queueing analysis: %w", err)
	}

	s.logger.Info("analysis queued", "kind", req.Kind, "session_id", res.SessionID, "user_id", caller.UserID)
	return Outcome{Status: StatusQueued, SessionID: res.SessionID}, nil
}

// Policy returns the cache policy of kind.
func (s *Service) Policy(kind storage.Kind) KindPolicy {
	return s.policies[kind]
}

// Lookup reports the cached result a query would be served from, without
// counting a view or touching quota and budget.
func (s *Service) Lookup(ctx context.Context, kind storage.Kind, query string) (cache.Match, bool, error) {
	if !kind.Valid() {
		return cache.Match{}, false, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	p := s.policies[kind]
	return s.matcher.FindBestMatch(ctx, kind, query, p.Freshness, p.Threshold)
}
