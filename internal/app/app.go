package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"spread-alerts/internal/alert"
	"spread-alerts/internal/alerting"
	"spread-alerts/internal/breaker"
	"spread-alerts/internal/cache"
	"spread-alerts/internal/config"
	"spread-alerts/internal/exchange"
	"spread-alerts/internal/exchange/binance"
	"spread-alerts/internal/exchange/onchain"
	"spread-alerts/internal/exchange/venues"
	"spread-alerts/internal/monitor"
	"spread-alerts/internal/queue"
	"spread-alerts/internal/spread"
	"spread-alerts/internal/storage"
	"spread-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newClients() []exchange.Client {
	ex := a.Config.Exchanges
	ua := ex.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	rest := func(v config.VenueConfig) venues.Options {
		return venues.Options{BaseURL: v.BaseURL, Timeout: ex.RequestTimeout, UserAgent: ua}
	}

	clients := make([]exchange.Client, 0, len(ex.Enabled)+1)
	for _, id := range ex.Enabled {
		switch id {
		case "binance":
			clients = append(clients, binance.New(binance.Options{
				BaseURL:   ex.Binance.BaseURL,
				APIKey:    ex.Binance.APIKey,
				SecretKey: ex.Binance.SecretKey,
				Timeout:   ex.RequestTimeout,
			}, a.Logger))
		case "okx":
			clients = append(clients, venues.NewOKX(rest(ex.OKX), a.Logger))
		case "gate":
			clients = append(clients, venues.NewGate(rest(ex.Gate), a.Logger))
		case "bybit":
			clients = append(clients, venues.NewBybit(rest(ex.Bybit), a.Logger))
		}
	}

	if oc := a.Config.OnChain; oc.Enabled {
		pools := make([]onchain.Pool, 0, len(oc.Pools))
		for _, p := range oc.Pools {
			pools = append(pools, onchain.Pool{
				Base:          p.Base,
				Quote:         p.Quote,
				Address:       p.Address,
				BaseDecimals:  p.BaseDecimals,
				QuoteDecimals: p.QuoteDecimals,
				BaseIsToken0:  p.BaseIsToken0,
			})
		}
		clients = append(clients, onchain.New(onchain.Options{
			ID:      oc.ID,
			RPCURL:  oc.RPCURL,
			Timeout: oc.RequestTimeout,
			Pools:   pools,
		}, a.Logger))
	}
	return clients
}

func (a *App) newBreakers() *breaker.Registry {
	return breaker.NewRegistry(breaker.Options{
		FailureThreshold: a.Config.Breaker.FailureThreshold,
		ResetTimeout:     a.Config.Breaker.ResetTimeout,
		CallTimeout:      a.Config.Breaker.CallTimeout,
	}, a.Logger)
}

// newGateway prefers database mappings and falls back to the static config table.
func (a *App) newGateway(store *storage.Store, rdb *redis.Client, breakers *breaker.Registry) *exchange.Gateway {
	var prices exchange.PriceCache = cache.NewMemoryPriceCache(a.Config.Cache.PriceTTL)
	if rdb != nil {
		prices = cache.NewRedisPriceCache(rdb, a.Config.Redis.Prefix, a.Config.Cache.PriceTTL)
	}

	var mappings exchange.MappingResolver = exchange.StaticMappings(a.Config.Exchanges.Mappings)
	if store != nil {
		mappings = store
	}

	return exchange.NewGateway(a.newClients(), breakers, prices, mappings, exchange.GatewayOptions{
		QuoteCurrency: a.Config.Exchanges.QuoteCurrency,
	}, a.Logger)
}

func (a *App) newNotifier() queue.Sender {
	if a.Config.Alerting.Channel == "telegram" {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken:  cfg.BotToken,
			BaseURL:   cfg.APIBase,
			ParseMode: cfg.ParseMode,
			Timeout:   cfg.Timeout,
		}, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) queueOptions() queue.Options {
	q := a.Config.Queue
	return queue.Options{
		Concurrency:   q.Concurrency,
		MaxAttempts:   q.MaxAttempts,
		BackoffBase:   q.BackoffBase,
		SendTimeout:   q.SendTimeout,
		PollInterval:  q.PollInterval,
		PruneInterval: q.PruneInterval,
		HighSpreadPct: decimal.NewFromFloat(q.HighSpreadPct),
	}
}

func (a *App) retention() queue.Retention {
	q := a.Config.Queue
	return queue.Retention{
		CompletedKeep:   q.CompletedKeep,
		CompletedMaxAge: q.CompletedMaxAge,
		FailedMaxAge:    q.FailedMaxAge,
	}
}

func (a *App) newBackend(rdb *redis.Client) queue.Backend {
	if rdb != nil {
		return queue.NewRedisBackend(rdb, a.Config.Redis.Prefix, a.retention())
	}
	return queue.NewMemoryBackend(a.retention())
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, func(), error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil, nil
	}
	rdb, err := cache.NewRedisClient(ctx, cache.RedisOptions{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
		Prefix:   a.Config.Redis.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return rdb, func() { _ = rdb.Close() }, nil
}

// RunOptions configure the monitoring service.
type RunOptions struct {
	// Once runs a single poll tick, drains ready jobs and exits.
	Once bool
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; no users will be alerted and only static symbols are polled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rdb, closeRedis, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	if closeRedis != nil {
		defer closeRedis()
	}

	breakers := a.newBreakers()
	gateway := a.newGateway(store, rdb, breakers)
	calc := spread.NewCalculator(gateway, a.Logger)

	backend := a.newBackend(rdb)
	if rb, ok := backend.(*queue.RedisBackend); ok {
		n, err := rb.Recover(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			a.Logger.Warn().Int("jobs", n).Msg("requeued jobs left active by a previous run")
		}
	}
	dispatch := queue.New(backend, a.newNotifier(), a.queueOptions(), a.Logger)

	var cooldowns alert.CooldownStore = cache.NewMemoryCooldown()
	if rdb != nil {
		cooldowns = cache.NewRedisCooldown(rdb, a.Config.Redis.Prefix)
	}

	var users alert.UserStore = noUsers{}
	var recorder alert.Recorder
	var symbols monitor.SymbolSource
	var locker monitor.AdvisoryLocker
	if store != nil {
		users = store
		recorder = store
		symbols = store
		locker = store
	}
	evaluator := alert.NewEvaluator(users, cooldowns, recorder, dispatch, alert.Options{
		CooldownTTL: a.Config.Cache.CooldownTTL,
	}, a.Logger)

	sc := a.Config.Scheduler
	mon := monitor.New(monitor.Options{
		Exchanges:       a.Config.MonitoredExchanges(),
		StaticSymbols:   sc.StaticSymbols,
		PollInterval:    sc.PollInterval,
		RefreshInterval: sc.SymbolRefreshInterval,
		StartupDelay:    sc.StartupDelay,
		MaxConcurrency:  sc.MaxConcurrency,
		LockKey:         sc.AdvisoryLockKey,
	}, monitor.Deps{
		Source:    symbols,
		Calc:      calc,
		Evaluator: evaluator,
		Locker:    locker,
		Breakers:  breakers,
	}, a.Logger)

	a.Logger.Info().
		Strs("exchanges", a.Config.MonitoredExchanges()).
		Str("channel", a.Config.Alerting.Channel).
		Bool("redis", rdb != nil).
		Msg("starting monitoring service")

	if opts.Once {
		return a.runOnce(ctx, mon, dispatch)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatch.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

func (a *App) runOnce(ctx context.Context, mon *monitor.Monitor, dispatch *queue.Queue) error {
	if err := mon.RunOnce(ctx); err != nil {
		return err
	}
	delivered := 0
	for dispatch.ProcessNext(ctx) {
		delivered++
	}
	counts, err := dispatch.Counts(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().
		Int("handled", delivered).
		Int64("delayed", counts.Delayed).
		Int64("failed", counts.Failed).
		Msg("single poll complete")
	return nil
}

type noUsers struct{}

func (noUsers) ListUsersWatching(context.Context, string, []string) ([]alert.Preference, error) {
	return nil, nil
}

// ExportOptions hold parameters for exporting alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Symbol    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Symbol string
	// Since restricts output to alerts newer than now minus Since.
	Since time.Duration
}

// PruneOptions configure alert history retention.
type PruneOptions struct {
	OlderThan time.Duration
}

// ProbeOptions configure a one-shot spread lookup.
type ProbeOptions struct {
	Symbol    string
	Exchanges []string
}

// SimulateOptions describe a synthetic spread pushed through the dispatch path.
type SimulateOptions struct {
	Symbol       string
	Handle       string
	BuyExchange  string
	BuyPrice     decimal.Decimal
	SellExchange string
	SellPrice    decimal.Decimal
}
