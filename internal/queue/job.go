package queue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PriorityNormal = 1
	PriorityHigh   = 10

	// maxPriority bounds priorities so the Redis score stays an exact float64.
	maxPriority = 100
)

// Job is one alert waiting to be delivered to a user.
type Job struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Handle       string          `json:"handle"`
	Symbol       string          `json:"symbol"`
	SpreadPct    decimal.Decimal `json:"spread_pct"`
	BuyExchange  string          `json:"buy_exchange"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	SellExchange string          `json:"sell_exchange"`
	SellPrice    decimal.Decimal `json:"sell_price"`
	Profit       decimal.Decimal `json:"profit"`
	Priority     int             `json:"priority"`

	Attempts      int       `json:"attempts"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// PriorityFor ranks a spread: anything at or above the high band jumps the queue.
func PriorityFor(spreadPct, highBand decimal.Decimal) int {
	if highBand.IsPositive() && spreadPct.GreaterThanOrEqual(highBand) {
		return PriorityHigh
	}
	return PriorityNormal
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

// Counts is the queue depth by state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Retention bounds how long finished jobs stay inspectable.
type Retention struct {
	CompletedKeep   int
	CompletedMaxAge time.Duration
	FailedMaxAge    time.Duration
}

func (r Retention) withDefaults() Retention {
	if r.CompletedKeep <= 0 {
		r.CompletedKeep = 100
	}
	if r.CompletedMaxAge <= 0 {
		r.CompletedMaxAge = time.Hour
	}
	if r.FailedMaxAge <= 0 {
		r.FailedMaxAge = 7 * 24 * time.Hour
	}
	return r
}

// Backend stores jobs. Pop moves the best ready job to the active set.
type Backend interface {
	Push(ctx context.Context, job Job) error
	Pop(ctx context.Context, now time.Time) (Job, bool, error)
	Complete(ctx context.Context, job Job) error
	Retry(ctx context.Context, job Job) error
	Fail(ctx context.Context, job Job) error
	Counts(ctx context.Context) (Counts, error)
	Prune(ctx context.Context, now time.Time) error
}
