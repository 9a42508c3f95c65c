package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"spread-alerts/internal/alert"
	"spread-alerts/internal/breaker"
	"spread-alerts/internal/market"
	"spread-alerts/internal/scheduler"
)

// SymbolSource returns the canonical symbols users currently watch.
type SymbolSource interface {
	ListMonitoredSymbols(ctx context.Context) ([]string, error)
}

// SpreadCalculator computes one symbol's spread across exchanges.
type SpreadCalculator interface {
	Calculate(ctx context.Context, symbol string, exchangeIDs []string) (market.SpreadResult, bool)
}

// AlertProcessor fans a spread out to the users watching it.
type AlertProcessor interface {
	Process(ctx context.Context, spread market.SpreadResult, exchanges []string) (alert.Summary, error)
}

// AdvisoryLocker lets one replica own polling at a time.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// BreakerReporter exposes breaker state for logging.
type BreakerReporter interface {
	Snapshot() []breaker.Snapshot
}

// SymbolSet is an immutable snapshot of the symbols being polled.
type SymbolSet struct {
	Symbols     []string
	RefreshedAt time.Time
}

// Options parameterise the monitor.
type Options struct {
	Exchanges       []string
	StaticSymbols   []string
	PollInterval    time.Duration
	RefreshInterval time.Duration
	StartupDelay    time.Duration
	MaxConcurrency  int
	LockKey         int64
}

// Monitor polls spreads for every monitored symbol and hands them to alert evaluation.
type Monitor struct {
	opts      Options
	source    SymbolSource
	calc      SpreadCalculator
	evaluator AlertProcessor
	locker    AdvisoryLocker
	breakers  BreakerReporter
	root      zerolog.Logger
	logger    zerolog.Logger

	symbols atomic.Pointer[SymbolSet]
}

// Deps groups the monitor collaborators. Locker, Breakers and Source may be nil.
type Deps struct {
	Source    SymbolSource
	Calc      SpreadCalculator
	Evaluator AlertProcessor
	Locker    AdvisoryLocker
	Breakers  BreakerReporter
}

// New constructs the monitor.
func New(opts Options, deps Deps, logger zerolog.Logger) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 16
	}
	m := &Monitor{
		opts:      opts,
		source:    deps.Source,
		calc:      deps.Calc,
		evaluator: deps.Evaluator,
		locker:    deps.Locker,
		breakers:  deps.Breakers,
		root:      logger,
		logger:    logger.With().Str("component", "monitor").Logger(),
	}
	m.symbols.Store(&SymbolSet{})
	return m
}

// Symbols returns the current snapshot.
func (m *Monitor) Symbols() SymbolSet {
	return *m.symbols.Load()
}

// Run starts the symbol refresh and poll loops and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.calc == nil || m.evaluator == nil {
		return fmt.Errorf("monitor not configured")
	}
	// first poll should see a populated set
	if err := m.RefreshSymbols(ctx, time.Now().UTC()); err != nil {
		m.logger.Warn().Err(err).Msg("initial symbol refresh failed")
	}

	refresh := scheduler.New(scheduler.Options{
		Name:     "symbol_refresh",
		Interval: m.opts.RefreshInterval,
	}, m.root)
	poll := scheduler.New(scheduler.Options{
		Name:           "poll",
		Interval:       m.opts.PollInterval,
		StartupDelay:   m.opts.StartupDelay,
		RunImmediately: true,
	}, m.root)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(refresh.Run(ctx, m.RefreshSymbols)) })
	g.Go(func() error { return ignoreCancel(poll.Run(ctx, m.Poll)) })
	return g.Wait()
}

// RunOnce refreshes the symbol set and runs a single poll tick.
func (m *Monitor) RunOnce(ctx context.Context) error {
	if m.calc == nil || m.evaluator == nil {
		return fmt.Errorf("monitor not configured")
	}
	now := time.Now().UTC()
	if err := m.RefreshSymbols(ctx, now); err != nil {
		m.logger.Warn().Err(err).Msg("symbol refresh failed; polling static symbols only")
	}
	return m.Poll(ctx, now)
}

// RefreshSymbols rebuilds the monitored set and swaps it in atomically.
// On error the previous snapshot stays in place.
func (m *Monitor) RefreshSymbols(ctx context.Context, at time.Time) error {
	var fromUsers []string
	if m.source != nil {
		list, err := m.source.ListMonitoredSymbols(ctx)
		if err != nil {
			return fmt.Errorf("list monitored symbols: %w", err)
		}
		fromUsers = list
	}

	merged := lo.Uniq(lo.FilterMap(lo.Union(fromUsers, m.opts.StaticSymbols), func(s string, _ int) (string, bool) {
		s = strings.ToUpper(strings.TrimSpace(s))
		return s, s != ""
	}))
	sort.Strings(merged)

	prev := m.symbols.Swap(&SymbolSet{Symbols: merged, RefreshedAt: at})
	added, removed := lo.Difference(merged, prev.Symbols)
	m.logger.Info().
		Int("symbols", len(merged)).
		Strs("added", added).
		Strs("removed", removed).
		Msg("monitored symbols refreshed")
	return nil
}

// Poll runs one tick: every monitored symbol is processed concurrently and a
// failure in one never affects the others.
func (m *Monitor) Poll(ctx context.Context, at time.Time) error {
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		m.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	snapshot := m.symbols.Load()
	if len(snapshot.Symbols) == 0 {
		m.logger.Debug().Time("tick", at).Msg("no monitored symbols")
		return nil
	}

	var spreads, accepted atomic.Int64
	var g errgroup.Group
	g.SetLimit(m.opts.MaxConcurrency)
	for _, sym := range snapshot.Symbols {
		sym := sym
		g.Go(func() error {
			found, n := m.processSymbol(ctx, sym)
			if found {
				spreads.Add(1)
			}
			accepted.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info().
		Time("tick", at).
		Int("symbols", len(snapshot.Symbols)).
		Int64("spreads", spreads.Load()).
		Int64("alerts", accepted.Load()).
		Msg("poll tick complete")
	m.logBreakers()
	return nil
}

func (m *Monitor) processSymbol(ctx context.Context, sym string) (found bool, accepted int) {
	log := m.logger.With().Str("symbol", sym).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("symbol processing panicked")
			found, accepted = false, 0
		}
	}()

	spread, ok := m.calc.Calculate(ctx, sym, m.opts.Exchanges)
	if !ok {
		return false, 0
	}
	log.Debug().
		Str("spread_pct", spread.SpreadPct.StringFixed(4)).
		Str("buy", spread.BuyExchange).
		Str("sell", spread.SellExchange).
		Msg("spread computed")

	summary, err := m.evaluator.Process(ctx, spread, m.opts.Exchanges)
	if err != nil {
		log.Error().Err(err).Msg("alert evaluation failed")
	}
	return true, summary.Accepted
}

func (m *Monitor) logBreakers() {
	if m.breakers == nil {
		return
	}
	for _, snap := range m.breakers.Snapshot() {
		if snap.State == breaker.Closed {
			continue
		}
		m.logger.Warn().
			Str("exchange", snap.Name).
			Str("state", snap.State.String()).
			Int("failures", snap.Failures).
			Time("last_failure", snap.LastFailure).
			Msg("circuit breaker not closed")
	}
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.opts.LockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
