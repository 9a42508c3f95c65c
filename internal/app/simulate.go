package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"spread-alerts/internal/market"
	"spread-alerts/internal/queue"
	"spread-alerts/internal/spread"
)

// SimulateAlert 用给定的买卖价格构造一次价差，并通过配置的告警通道投递一次。
// 不检查用户偏好、冷却与配额。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return errors.New("symbol is required")
	}
	if !opts.BuyPrice.IsPositive() || !opts.SellPrice.IsPositive() {
		return errors.New("买入价与卖出价必须大于 0")
	}

	now := time.Now().UTC()
	result, ok := spread.Compute(symbol, []market.TickerPrice{
		{Exchange: opts.BuyExchange, Symbol: symbol, Price: opts.BuyPrice, FetchedAt: now},
		{Exchange: opts.SellExchange, Symbol: symbol, Price: opts.SellPrice, FetchedAt: now},
	}, now)
	if !ok {
		return errors.New("价格相同，无价差可模拟")
	}

	backend := queue.NewMemoryBackend(a.retention())
	qopts := a.queueOptions()
	qopts.MaxAttempts = 1
	dispatch := queue.New(backend, a.newNotifier(), qopts, a.Logger)

	id, err := dispatch.Enqueue(ctx, queue.Job{
		UserID:       "simulated",
		Handle:       opts.Handle,
		Symbol:       result.Symbol,
		SpreadPct:    result.SpreadPct,
		BuyExchange:  result.BuyExchange,
		BuyPrice:     result.BuyPrice,
		SellExchange: result.SellExchange,
		SellPrice:    result.SellPrice,
		Profit:       result.ProfitPerUnit,
	})
	if err != nil {
		return err
	}
	dispatch.ProcessNext(ctx)

	if failed := backend.Failed(); len(failed) > 0 {
		return fmt.Errorf("模拟告警投递失败: %s", failed[0].LastError)
	}
	fmt.Fprintf(a.Out, "simulated alert %s delivered: %s %s%% (buy %s, sell %s)\n",
		id, result.Symbol, formatDecimal(result.SpreadPct, 2), result.BuyExchange, result.SellExchange)
	return nil
}
