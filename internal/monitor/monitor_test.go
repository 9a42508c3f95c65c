package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spread-alerts/internal/alert"
	"spread-alerts/internal/market"
)

type symbolList struct {
	symbols []string
	err     error
}

func (s *symbolList) ListMonitoredSymbols(context.Context) ([]string, error) {
	return s.symbols, s.err
}

type fakeCalc struct {
	calls atomic.Int32
	panic string
}

func (f *fakeCalc) Calculate(_ context.Context, symbol string, exchanges []string) (market.SpreadResult, bool) {
	f.calls.Add(1)
	if symbol == f.panic {
		panic("boom")
	}
	if symbol == "NONE" {
		return market.SpreadResult{}, false
	}
	return market.SpreadResult{Symbol: symbol, SpreadPct: decimal.NewFromInt(2), BuyExchange: exchanges[0], SellExchange: exchanges[1]}, true
}

type fakeEvaluator struct {
	mu   sync.Mutex
	seen []string
	fail string
}

func (f *fakeEvaluator) Process(_ context.Context, spread market.SpreadResult, _ []string) (alert.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, spread.Symbol)
	if spread.Symbol == f.fail {
		return alert.Summary{}, errors.New("user store down")
	}
	return alert.Summary{Accepted: 1}, nil
}

type fakeLocker struct {
	acquired bool
	unlocked atomic.Bool
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.unlocked.Store(true) }, true, nil
}

func newTestMonitor(src *symbolList, calc *fakeCalc, eval *fakeEvaluator, locker AdvisoryLocker) *Monitor {
	return New(Options{
		Exchanges:     []string{"binance", "okx"},
		StaticSymbols: []string{"btc"},
		LockKey:       42,
	}, Deps{Source: src, Calc: calc, Evaluator: eval, Locker: locker}, zerolog.Nop())
}

func TestRefreshSymbolsUnionsAndSwaps(t *testing.T) {
	src := &symbolList{symbols: []string{"eth", "BTC", " sol ", "", "ETH"}}
	m := newTestMonitor(src, &fakeCalc{}, &fakeEvaluator{}, nil)
	ctx := context.Background()

	require.NoError(t, m.RefreshSymbols(ctx, time.Now()))
	first := m.Symbols()
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, first.Symbols)

	src.symbols = []string{"DOGE"}
	require.NoError(t, m.RefreshSymbols(ctx, time.Now()))
	assert.Equal(t, []string{"BTC", "DOGE"}, m.Symbols().Symbols)
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, first.Symbols, "old snapshot must not be mutated")

	src.err = errors.New("db down")
	require.Error(t, m.RefreshSymbols(ctx, time.Now()))
	assert.Equal(t, []string{"BTC", "DOGE"}, m.Symbols().Symbols, "failed refresh keeps the previous set")
}

func TestPollEmptySetIsNoop(t *testing.T) {
	calc := &fakeCalc{}
	m := New(Options{Exchanges: []string{"binance", "okx"}}, Deps{Calc: calc, Evaluator: &fakeEvaluator{}}, zerolog.Nop())
	require.NoError(t, m.Poll(context.Background(), time.Now()))
	assert.Zero(t, calc.calls.Load())
}

func TestPollIsolatesSymbolFailures(t *testing.T) {
	src := &symbolList{symbols: []string{"ETH", "PANIC", "NONE", "FAIL", "SOL"}}
	calc := &fakeCalc{panic: "PANIC"}
	eval := &fakeEvaluator{fail: "FAIL"}
	locker := &fakeLocker{acquired: true}
	m := newTestMonitor(src, calc, eval, locker)
	ctx := context.Background()

	require.NoError(t, m.RefreshSymbols(ctx, time.Now()))
	require.NoError(t, m.Poll(ctx, time.Now()))

	assert.Equal(t, int32(6), calc.calls.Load())
	assert.ElementsMatch(t, []string{"BTC", "ETH", "FAIL", "SOL"}, eval.seen)
	assert.True(t, locker.unlocked.Load())
}

func TestPollSkipsWithoutLock(t *testing.T) {
	calc := &fakeCalc{}
	m := newTestMonitor(&symbolList{}, calc, &fakeEvaluator{}, &fakeLocker{acquired: false})
	require.NoError(t, m.RefreshSymbols(context.Background(), time.Now()))
	require.NoError(t, m.Poll(context.Background(), time.Now()))
	assert.Zero(t, calc.calls.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	calc := &fakeCalc{}
	m := newTestMonitor(&symbolList{symbols: []string{"ETH"}}, calc, &fakeEvaluator{}, nil)
	m.opts.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	assert.GreaterOrEqual(t, calc.calls.Load(), int32(2))
}

func TestRunOnceRefreshesThenPolls(t *testing.T) {
	src := &symbolList{symbols: []string{"eth"}}
	calc := &fakeCalc{}
	eval := &fakeEvaluator{}
	m := newTestMonitor(src, calc, eval, nil)

	require.NoError(t, m.RunOnce(context.Background()))
	assert.EqualValues(t, 2, calc.calls.Load())
	assert.ElementsMatch(t, []string{"BTC", "ETH"}, eval.seen)

	src.err = errors.New("db down")
	require.NoError(t, m.RunOnce(context.Background()), "refresh failure keeps the previous set")
	assert.EqualValues(t, 4, calc.calls.Load())
}
