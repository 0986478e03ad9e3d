package profile

import (
	"time"

	"github.com/jimmypocock/reporeconnoiter.com/internal/money"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// Usage is a caller's view of their own consumption.
type Usage struct {
	UserID     string
	Name       string
	Admin      bool
	Kinds      []KindUsage
	MonthCount int // work units started this calendar month, all kinds
	TotalSpend money.Amount
	Recent     []storage.Result
	ComputedAt time.Time
}

// KindUsage is today's quota position for one kind. Unlimited callers have
// Remaining equal to -1.
type KindUsage struct {
	Kind      storage.Kind
	Limit     int
	Used      int
	Remaining int
	Unlimited bool
}
