package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spread-alerts/internal/cache"
	"spread-alerts/internal/market"
	"spread-alerts/internal/queue"
)

// Reason names the check that rejected a candidate.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonMuted           Reason = "muted"
	ReasonBelowThreshold  Reason = "below_threshold"
	ReasonCooldown        Reason = "cooldown"
	ReasonDailyQuota      Reason = "daily_quota"
	ReasonExchangeOverlap Reason = "exchange_overlap"
)

// UserStore lists users who could act on a spread.
type UserStore interface {
	ListUsersWatching(ctx context.Context, symbol string, exchanges []string) ([]Preference, error)
}

// CooldownStore suppresses repeat alerts for the same user, symbol and exchange pair.
type CooldownStore interface {
	Active(ctx context.Context, key cache.CooldownKey) (bool, error)
	Claim(ctx context.Context, key cache.CooldownKey, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key cache.CooldownKey) error
}

// Recorder persists accepted alerts and the per-user daily counter.
type Recorder interface {
	RecordAlert(ctx context.Context, job queue.Job) error
	IncrementDailyCount(ctx context.Context, userID string) error
}

// Enqueuer hands accepted alerts to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

// Options tune the evaluator.
type Options struct {
	CooldownTTL time.Duration
}

// Decision is the outcome for one user and one spread.
type Decision struct {
	Accepted bool
	Reason   Reason
	JobID    string
}

// Summary aggregates the decisions for one spread.
type Summary struct {
	Candidates int
	Accepted   int
	Rejected   map[Reason]int
	Errors     int
}

// Evaluator decides, per user, whether a spread becomes an alert.
type Evaluator struct {
	users     UserStore
	cooldowns CooldownStore
	recorder  Recorder
	queue     Enqueuer
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEvaluator wires the evaluator. recorder may be nil when nothing persists alerts.
func NewEvaluator(users UserStore, cooldowns CooldownStore, recorder Recorder, q Enqueuer, opts Options, logger zerolog.Logger) *Evaluator {
	if opts.CooldownTTL <= 0 {
		opts.CooldownTTL = 300 * time.Second
	}
	return &Evaluator{
		users:     users,
		cooldowns: cooldowns,
		recorder:  recorder,
		queue:     q,
		opts:      opts,
		logger:    logger.With().Str("component", "alert_evaluator").Logger(),
		now:       time.Now,
	}
}

// Process evaluates every user watching the spread's symbol. One user's error never
// stops evaluation of the others.
func (e *Evaluator) Process(ctx context.Context, spread market.SpreadResult, exchanges []string) (Summary, error) {
	summary := Summary{Rejected: make(map[Reason]int)}

	users, err := e.users.ListUsersWatching(ctx, spread.Symbol, exchanges)
	if err != nil {
		return summary, fmt.Errorf("list users watching %s: %w", spread.Symbol, err)
	}
	summary.Candidates = len(users)

	for _, pref := range users {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		d, err := e.Evaluate(ctx, pref, spread)
		if err != nil {
			summary.Errors++
			ev := e.logger.Error()
			if errors.Is(err, ErrMalformedPreference) {
				ev = e.logger.Warn()
			}
			ev.Err(err).Str("user", pref.UserID).Str("symbol", spread.Symbol).Msg("alert evaluation skipped user")
			continue
		}
		if d.Accepted {
			summary.Accepted++
		} else {
			summary.Rejected[d.Reason]++
		}
	}

	if summary.Accepted > 0 {
		e.logger.Info().
			Str("symbol", spread.Symbol).
			Str("spread_pct", spread.SpreadPct.StringFixed(4)).
			Str("buy", spread.BuyExchange).
			Str("sell", spread.SellExchange).
			Int("candidates", summary.Candidates).
			Int("accepted", summary.Accepted).
			Msg("alerts enqueued")
	}
	return summary, nil
}

// Evaluate runs mute, threshold, cooldown, quota and exchange-overlap checks in that
// order. An accepted candidate claims the cooldown, is enqueued, and is counted.
func (e *Evaluator) Evaluate(ctx context.Context, pref Preference, spread market.SpreadResult) (Decision, error) {
	if strings.TrimSpace(pref.UserID) == "" {
		return Decision{}, fmt.Errorf("%w: empty user id", ErrMalformedPreference)
	}
	now := e.now().UTC()

	if pref.IsMuted(now) {
		return reject(ReasonMuted), nil
	}

	threshold, err := pref.EffectiveThreshold(spread.Symbol)
	if err != nil {
		return Decision{}, err
	}
	if spread.SpreadPct.LessThan(threshold) {
		return reject(ReasonBelowThreshold), nil
	}

	key := cache.CooldownKey{
		UserID:       pref.UserID,
		Symbol:       spread.Symbol,
		BuyExchange:  spread.BuyExchange,
		SellExchange: spread.SellExchange,
	}
	active, err := e.cooldowns.Active(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("check cooldown: %w", err)
	}
	if active {
		return reject(ReasonCooldown), nil
	}

	if pref.QuotaExhausted(now) {
		return reject(ReasonDailyQuota), nil
	}

	if !pref.CoversExchanges(spread.BuyExchange, spread.SellExchange) {
		return reject(ReasonExchangeOverlap), nil
	}

	claimed, err := e.cooldowns.Claim(ctx, key, e.opts.CooldownTTL)
	if err != nil {
		return Decision{}, fmt.Errorf("claim cooldown: %w", err)
	}
	if !claimed {
		// another evaluation won the race for this exact pair
		return reject(ReasonCooldown), nil
	}

	job := queue.Job{
		UserID:       pref.UserID,
		Handle:       pref.Handle,
		Symbol:       spread.Symbol,
		SpreadPct:    spread.SpreadPct,
		BuyExchange:  spread.BuyExchange,
		BuyPrice:     spread.BuyPrice,
		SellExchange: spread.SellExchange,
		SellPrice:    spread.SellPrice,
		Profit:       spread.ProfitPerUnit,
	}
	id, err := e.queue.Enqueue(ctx, job)
	if err != nil {
		if relErr := e.cooldowns.Release(context.WithoutCancel(ctx), key); relErr != nil {
			e.logger.Warn().Err(relErr).Str("key", key.String()).Msg("release cooldown after enqueue failure")
		}
		return Decision{}, err
	}
	job.ID = id

	// cooldown and quota are consumed here, not on confirmed delivery
	if e.recorder != nil {
		if err := e.recorder.IncrementDailyCount(ctx, pref.UserID); err != nil {
			e.logger.Error().Err(err).Str("user", pref.UserID).Msg("increment daily count failed")
		}
		if err := e.recorder.RecordAlert(ctx, job); err != nil {
			e.logger.Error().Err(err).Str("user", pref.UserID).Str("job", id).Msg("record alert failed")
		}
	}

	return Decision{Accepted: true, JobID: id}, nil
}

func reject(r Reason) Decision {
	return Decision{Reason: r}
}
