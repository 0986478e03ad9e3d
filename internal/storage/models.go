package storage

import (
	"errors"
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Kind names an expensive operation type. Budget, quota and cache freshness
// are all tracked per kind.
type Kind string

const (
	KindComparison   Kind = "comparison"
	KindDeepAnalysis Kind = "deep_analysis"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindComparison, KindDeepAnalysis}

func (k Kind) Valid() bool {
	return k == KindComparison || k == KindDeepAnalysis
}

// Work unit statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ExpiredReason is the last error of a work unit failed by the stale
// reservation sweep. A late completed settlement still records its cost.
const ExpiredReason = "reservation timed out"

// Category attribution.
const (
	AssignedInferred = "inferred"
	AssignedCurated  = "curated"
)

// Relevance search tuning shared by in-process and in-database scoring.
const (
	// DefaultConfidence is used for category tags that carry no confidence score.
	DefaultConfidence = 0.5
	// FuzzyThreshold is the word similarity a field must exceed to match.
	FuzzyThreshold = 0.45
	// MinCategoryConfidence is the confidence a category tag needs for a
	// name match to admit a result.
	MinCategoryConfidence = 0.3
)

// Result is a completed, cached output of the expensive computation.
type Result struct {
	ID                   string
	Kind                 Kind
	UserQuery            string
	NormalizedQuery      string
	Technologies         string
	ProblemDomains       string
	ArchitecturePatterns string
	Payload              string // JSON document returned by the analyzer
	Model                string
	InputTokens          int
	OutputTokens         int
	Cost                 money.Amount
	ViewCount            int
	SessionID            string
	UserID               string
	CreatedAt            time.Time
	Categories           []CategoryTag
}

// CategoryTag is the edge between a result and a category.
type CategoryTag struct {
	Name       string
	Type       string
	Confidence *float64 // nil when unset
	AssignedBy string
}

// ConfidenceOrDefault returns the tag confidence, or DefaultConfidence when unset.
func (c CategoryTag) ConfidenceOrDefault() float64 {
	if c.Confidence == nil {
		return DefaultConfidence
	}
	return *c.Confidence
}

// ResultFilter narrows ListResults. Zero values mean "no restriction".
type ResultFilter struct {
	Kind   Kind
	Since  time.Time // created_at strictly after Since
	UserID string
	Limit  int
}

// WorkUnit is one in-flight or finished invocation of the expensive
// computation together with its budget reservation.
type WorkUnit struct {
	ID            string
	SessionID     string
	UserID        string
	Kind          Kind
	Status        string
	EstimatedCost money.Amount
	Cost          money.Amount
	LastError     string
	CreatedAt     time.Time
	SettledAt     time.Time
}

// Spend is the budget usage of one kind since a point in time.
type Spend struct {
	Settled money.Amount
	Pending money.Amount
}

type User struct {
	ID        string
	Name      string
	Admin     bool
	CreatedAt time.Time
}

// APIKey stores a bcrypt digest of a bearer key. Prefix is the first
// characters of the raw key and is used to narrow digest comparisons.
type APIKey struct {
	ID           string
	UserID       string
	Name         string
	Prefix       string
	Digest       string
	RequestCount int
	CreatedAt    time.Time
	LastUsedAt   time.Time
	RevokedAt    time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
