package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"spread-alerts/internal/logging"
)

// KnownExchanges lists the centralised venues with a built-in client.
var KnownExchanges = []string{"binance", "okx", "gate", "bybit"}

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	OnChain   OnChainConfig   `mapstructure:"onchain"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig switches caches and the dispatch queue to Redis when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	SymbolRefreshInterval time.Duration `mapstructure:"symbol_refresh_interval"`
	StartupDelay          time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey       int64         `mapstructure:"advisory_lock_key"`
	MaxConcurrency        int           `mapstructure:"max_concurrency"`
	// StaticSymbols are always polled, on top of what users watch.
	StaticSymbols []string `mapstructure:"static_symbols"`
}

// ExchangesConfig selects venues and how to reach them.
type ExchangesConfig struct {
	Enabled        []string      `mapstructure:"enabled"`
	QuoteCurrency  string        `mapstructure:"quote_currency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Binance        BinanceConfig `mapstructure:"binance"`
	OKX            VenueConfig   `mapstructure:"okx"`
	Gate           VenueConfig   `mapstructure:"gate"`
	Bybit          VenueConfig   `mapstructure:"bybit"`
	// Mappings is exchange -> canonical -> native, used when no database is configured.
	Mappings map[string]map[string]string `mapstructure:"mappings"`
}

// BinanceConfig adds optional credentials to the base URL.
type BinanceConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// VenueConfig is a public REST venue.
type VenueConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// OnChainConfig covers DEX pool pricing over Ethereum RPC.
type OnChainConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ID             string        `mapstructure:"id"`
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Pools          []PoolConfig  `mapstructure:"pools"`
}

// PoolConfig describes one pair contract.
type PoolConfig struct {
	Base          string `mapstructure:"base"`
	Quote         string `mapstructure:"quote"`
	Address       string `mapstructure:"address"`
	BaseDecimals  int32  `mapstructure:"base_decimals"`
	QuoteDecimals int32  `mapstructure:"quote_decimals"`
	BaseIsToken0  bool   `mapstructure:"base_is_token0"`
}

// BreakerConfig tunes the per-exchange circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// CacheConfig sets ticker and cooldown lifetimes.
type CacheConfig struct {
	PriceTTL    time.Duration `mapstructure:"price_ttl"`
	CooldownTTL time.Duration `mapstructure:"cooldown_ttl"`
}

// QueueConfig tunes alert dispatch.
type QueueConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PruneInterval   time.Duration `mapstructure:"prune_interval"`
	HighSpreadPct   float64       `mapstructure:"high_spread_pct"`
	CompletedKeep   int           `mapstructure:"completed_keep"`
	CompletedMaxAge time.Duration `mapstructure:"completed_max_age"`
	FailedMaxAge    time.Duration `mapstructure:"failed_max_age"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	// Channel is "telegram" or "log".
	Channel  string         `mapstructure:"channel"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken  string        `mapstructure:"bot_token"`
	APIBase   string        `mapstructure:"api_base"`
	ParseMode string        `mapstructure:"parse_mode"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int           `mapstructure:"max_data_points"`
	DefaultWindow time.Duration `mapstructure:"default_window"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPREADWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spreadwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "spreadwatch:")

	v.SetDefault("scheduler.poll_interval", "10s")
	v.SetDefault("scheduler.symbol_refresh_interval", "5m")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73707264))
	v.SetDefault("scheduler.max_concurrency", 16)
	v.SetDefault("scheduler.static_symbols", []string{})

	v.SetDefault("exchanges.enabled", []string{"binance", "okx", "gate", "bybit"})
	v.SetDefault("exchanges.quote_currency", "USDT")
	v.SetDefault("exchanges.request_timeout", "10s")
	v.SetDefault("exchanges.user_agent", "")
	v.SetDefault("exchanges.binance.base_url", "")
	v.SetDefault("exchanges.binance.api_key", "")
	v.SetDefault("exchanges.binance.secret_key", "")
	v.SetDefault("exchanges.okx.base_url", "")
	v.SetDefault("exchanges.gate.base_url", "")
	v.SetDefault("exchanges.bybit.base_url", "")

	v.SetDefault("onchain.enabled", false)
	v.SetDefault("onchain.id", "uniswap")
	v.SetDefault("onchain.rpc_url", "")
	v.SetDefault("onchain.request_timeout", "10s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("breaker.call_timeout", "60s")

	v.SetDefault("cache.price_ttl", "5s")
	v.SetDefault("cache.cooldown_ttl", "300s")

	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base", "2s")
	v.SetDefault("queue.send_timeout", "15s")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.prune_interval", "1m")
	v.SetDefault("queue.high_spread_pct", 5.0)
	v.SetDefault("queue.completed_keep", 100)
	v.SetDefault("queue.completed_max_age", "1h")
	v.SetDefault("queue.failed_max_age", "168h")

	v.SetDefault("alerting.channel", "log")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.parse_mode", "")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.default_window", "168h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) normalize() {
	clean := func(in []string, upper bool) []string {
		return lo.Uniq(lo.FilterMap(in, func(s string, _ int) (string, bool) {
			s = strings.TrimSpace(s)
			if upper {
				s = strings.ToUpper(s)
			} else {
				s = strings.ToLower(s)
			}
			return s, s != ""
		}))
	}
	c.Exchanges.Enabled = clean(c.Exchanges.Enabled, false)
	c.Exchanges.QuoteCurrency = strings.ToUpper(strings.TrimSpace(c.Exchanges.QuoteCurrency))
	c.Scheduler.StaticSymbols = clean(c.Scheduler.StaticSymbols, true)
	c.OnChain.ID = strings.ToLower(strings.TrimSpace(c.OnChain.ID))
	c.Alerting.Channel = strings.ToLower(strings.TrimSpace(c.Alerting.Channel))
}

// MonitoredExchanges returns every price source a spread is computed across.
func (c *Config) MonitoredExchanges() []string {
	ids := append([]string(nil), c.Exchanges.Enabled...)
	if c.OnChain.Enabled && c.OnChain.ID != "" && !lo.Contains(ids, c.OnChain.ID) {
		ids = append(ids, c.OnChain.ID)
	}
	return ids
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be greater than zero")
	}
	if c.Scheduler.SymbolRefreshInterval <= 0 {
		return fmt.Errorf("scheduler.symbol_refresh_interval must be greater than zero")
	}
	if unknown, ok := lo.Find(c.Exchanges.Enabled, func(id string) bool {
		return !lo.Contains(KnownExchanges, id)
	}); ok {
		return fmt.Errorf("exchanges.enabled: unknown exchange %q", unknown)
	}
	if len(c.MonitoredExchanges()) < 2 {
		return fmt.Errorf("at least two price sources are required to compute a spread")
	}
	if c.Exchanges.QuoteCurrency == "" {
		return fmt.Errorf("exchanges.quote_currency must not be empty")
	}
	if c.OnChain.Enabled {
		if c.OnChain.RPCURL == "" {
			return fmt.Errorf("onchain.rpc_url is required when onchain.enabled")
		}
		if len(c.OnChain.Pools) == 0 {
			return fmt.Errorf("onchain.pools must list at least one pool")
		}
		for i, p := range c.OnChain.Pools {
			if p.Base == "" || p.Quote == "" || p.Address == "" {
				return fmt.Errorf("onchain.pools[%d]: base, quote and address are required", i)
			}
		}
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be greater than zero")
	}
	if c.Cache.PriceTTL <= 0 {
		return fmt.Errorf("cache.price_ttl must be greater than zero")
	}
	if c.Cache.CooldownTTL <= 0 {
		return fmt.Errorf("cache.cooldown_ttl must be greater than zero")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be greater than zero")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be greater than zero")
	}
	if c.Queue.HighSpreadPct < 0 {
		return fmt.Errorf("queue.high_spread_pct cannot be negative")
	}
	switch c.Alerting.Channel {
	case "log":
	case "telegram":
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
	default:
		return fmt.Errorf("alerting.channel must be telegram or log, got %q", c.Alerting.Channel)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
