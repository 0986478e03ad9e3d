package storage

import (
	"context"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
)

// Backend is the full persistence surface the server runs against. Store
// (SQLite) and postgres.Store both implement it.
type Backend interface {
	Ping(ctx context.Context) error
	Close() error

	SaveResult(ctx context.Context, r Result) error
	AttachCategory(ctx context.Context, resultID string, tag CategoryTag) error
	GetResult(ctx context.Context, id string) (Result, error)
	GetResultBySession(ctx context.Context, sessionID string) (Result, error)
	ListResults(ctx context.Context, f ResultFilter) ([]Result, error)
	IncrementViewCount(ctx context.Context, id string) error
	UserCost(ctx context.Context, userID string) (money.Amount, error)

	ReserveWorkUnit(ctx context.Context, w WorkUnit, dailyCap money.Amount, dayStart time.Time) (bool, error)
	SettleWorkUnit(ctx context.Context, id, status string, cost money.Amount, lastError string, at time.Time) (bool, error)
	SpendSince(ctx context.Context, kind Kind, dayStart time.Time) (Spend, error)
	CountWorkUnits(ctx context.Context, userID string, kind Kind, since time.Time) (int, error)
	ExpireWorkUnits(ctx context.Context, cutoff, at time.Time) (int64, error)
	GetWorkUnit(ctx context.Context, id string) (WorkUnit, error)
	GetWorkUnitBySession(ctx context.Context, sessionID string) (WorkUnit, error)

	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	CreateAPIKey(ctx context.Context, k APIKey) error
	ActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error

	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, types []string) (*Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) (bool, error)
	DiscardJob(ctx context.Context, id string, reason string) error
	GetJob(ctx context.Context, id string) (Job, error)
}

var _ Backend = (*Store)(nil)

// SearchQuery is a relevance search pushed down to a backend that can score
// in the database. Terms are the already expanded search terms.
type SearchQuery struct {
	Terms  []string
	Fuzzy  bool
	Filter ResultFilter
}

// ScoredResult is a result annotated with a match score.
type ScoredResult struct {
	Result
	Score float64
}
