package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/alert"
	"spread-alerts/internal/exchange"
	"spread-alerts/internal/queue"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listMonitoredSymbolsSQL = `SELECT DISTINCT upper(c.symbol)
    FROM user_coins c
    JOIN users u ON u.id = c.user_id
    WHERE c.active AND u.active
    ORDER BY 1;`

	// users must have at least two of the requested exchanges active
	listUsersWatchingSQL = `SELECT
        u.id,
        u.telegram_chat_id,
        u.threshold_pct::text,
        u.muted,
        u.muted_until,
        u.daily_limit,
        u.alerts_sent_today,
        u.quota_reset_date,
        COALESCE(ex.exchanges, '{}'::text[]),
        c.threshold_pct::text
    FROM users u
    JOIN user_coins c
      ON c.user_id = u.id
     AND c.active
     AND upper(c.symbol) = upper($1)
    LEFT JOIN LATERAL (
        SELECT array_agg(lower(e.exchange_id) ORDER BY lower(e.exchange_id)) AS exchanges
        FROM user_exchanges e
        WHERE e.user_id = u.id AND e.active
    ) ex ON true
    WHERE u.active
      AND (NOT u.muted OR (u.muted_until IS NOT NULL AND u.muted_until <= now()))
      AND (
        SELECT count(*)
        FROM user_exchanges e
        WHERE e.user_id = u.id AND e.active AND lower(e.exchange_id) = ANY($2)
      ) >= 2
    ORDER BY u.id;`

	resolveNativeSymbolSQL = `SELECT native_symbol, multiplier::text
    FROM symbol_mappings
    WHERE lower(exchange_id) = lower($1)
      AND upper(standard_symbol) = upper($2)
    LIMIT 1;`

	incrementDailyCountSQL = `UPDATE users
    SET alerts_sent_today = CASE
            WHEN quota_reset_date = (now() AT TIME ZONE 'UTC')::date THEN alerts_sent_today + 1
            ELSE 1
        END,
        quota_reset_date = (now() AT TIME ZONE 'UTC')::date
    WHERE id = $1;`

	insertAlertSQL = `INSERT INTO alerts (
        job_id,
        user_id,
        symbol,
        spread_pct,
        buy_exchange,
        buy_price,
        sell_exchange,
        sell_price,
        profit
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (job_id) DO UPDATE
    SET spread_pct = EXCLUDED.spread_pct
    RETURNING ` + alertColumns + `;`

	alertColumns = `id,
        job_id,
        user_id,
        symbol,
        spread_pct::text,
        buy_exchange,
        buy_price::text,
        sell_exchange,
        sell_price::text,
        profit::text,
        created_at`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	countAlertsSQL = `SELECT COUNT(*) FROM alerts;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store reads users and symbol mappings and records alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// ListMonitoredSymbols returns the union of active users' active coins.
func (s *Store) ListMonitoredSymbols(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listMonitoredSymbolsSQL)
	if err != nil {
		return nil, fmt.Errorf("list monitored symbols: %w", err)
	}
	symbols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan monitored symbols: %w", err)
	}
	return symbols, nil
}

// ListUsersWatching returns users watching symbol who have at least two of exchanges active.
func (s *Store) ListUsersWatching(ctx context.Context, symbol string, exchanges []string) ([]alert.Preference, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	lowered := make([]string, len(exchanges))
	for i, e := range exchanges {
		lowered[i] = strings.ToLower(e)
	}

	rows, err := pool.Query(ctx, listUsersWatchingSQL, symbol, lowered)
	if err != nil {
		return nil, fmt.Errorf("list users watching: %w", err)
	}
	defer rows.Close()

	prefs := make([]alert.Preference, 0)
	for rows.Next() {
		var (
			pref         alert.Preference
			threshold    sql.NullString
			mutedUntil   *time.Time
			dailyLimit   sql.NullInt32
			sentToday    int32
			coinOverride sql.NullString
		)
		if err := rows.Scan(
			&pref.UserID,
			&pref.Handle,
			&threshold,
			&pref.Muted,
			&mutedUntil,
			&dailyLimit,
			&sentToday,
			&pref.QuotaResetDate,
			&pref.Exchanges,
			&coinOverride,
		); err != nil {
			return nil, err
		}

		pref.MutedUntil = mutedUntil
		pref.AlertsSentToday = int(sentToday)
		pref.Coins = []string{strings.ToUpper(symbol)}
		if dailyLimit.Valid {
			limit := int(dailyLimit.Int32)
			pref.DailyLimit = &limit
		}
		// unparsable numerics stay null so the evaluator reports the user as malformed
		pref.Threshold = parseNullDecimal(threshold)
		pref.CoinThresholds = map[string]decimal.NullDecimal{
			strings.ToUpper(symbol): parseNullDecimal(coinOverride),
		}
		prefs = append(prefs, pref)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return prefs, nil
}

// ResolveNativeSymbol looks up how exchangeID lists canonical.
func (s *Store) ResolveNativeSymbol(ctx context.Context, exchangeID, canonical string) (exchange.Mapping, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return exchange.Mapping{}, false, err
	}

	var native string
	var multiplier sql.NullString
	err = pool.QueryRow(ctx, resolveNativeSymbolSQL, exchangeID, canonical).Scan(&native, &multiplier)
	if errors.Is(err, pgx.ErrNoRows) {
		return exchange.Mapping{}, false, nil
	}
	if err != nil {
		return exchange.Mapping{}, false, fmt.Errorf("resolve native symbol: %w", err)
	}

	m := exchange.Mapping{Native: strings.ToUpper(native)}
	if mult := parseNullDecimal(multiplier); mult.Valid && mult.Decimal.IsPositive() {
		m.Multiplier = mult.Decimal
	}
	return m, true, nil
}

// IncrementDailyCount bumps the user's quota counter, restarting it on a new UTC day.
func (s *Store) IncrementDailyCount(ctx context.Context, userID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, incrementDailyCountSQL, userID)
	if err != nil {
		return fmt.Errorf("increment daily count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RecordAlert writes the audit row for an enqueued job.
func (s *Store) RecordAlert(ctx context.Context, job queue.Job) error {
	_, err := s.InsertAlert(ctx, AlertRecord{
		JobID:        job.ID,
		UserID:       job.UserID,
		Symbol:       job.Symbol,
		SpreadPct:    job.SpreadPct,
		BuyExchange:  job.BuyExchange,
		BuyPrice:     job.BuyPrice,
		SellExchange: job.SellExchange,
		SellPrice:    job.SellPrice,
		Profit:       job.Profit,
	})
	return err
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, rec AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		rec.JobID,
		rec.UserID,
		rec.Symbol,
		rec.SpreadPct.String(),
		rec.BuyExchange,
		rec.BuyPrice.String(),
		rec.SellExchange,
		rec.SellPrice.String(),
		rec.Profit.String(),
	)
	out, err := scanAlert(row)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return out, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return collectAlerts(rows, limit)
}

// ListAlertsBetween lists alerts created within [from, to).
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list alerts between: %w", err)
	}
	return collectAlerts(rows, 0)
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return count, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); err != nil {
		return fmt.Errorf("delete alerts before: %w", err)
	}
	return nil
}

func collectAlerts(rows pgx.Rows, capHint int) ([]AlertRecord, error) {
	defer rows.Close()
	alerts := make([]AlertRecord, 0, capHint)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var rec AlertRecord
	var spreadStr, buyStr, sellStr, profitStr string
	if err := row.Scan(
		&rec.ID,
		&rec.JobID,
		&rec.UserID,
		&rec.Symbol,
		&spreadStr,
		&rec.BuyExchange,
		&buyStr,
		&rec.SellExchange,
		&sellStr,
		&profitStr,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var err error
	if rec.SpreadPct, err = decimal.NewFromString(spreadStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse spread pct: %w", err)
	}
	if rec.BuyPrice, err = decimal.NewFromString(buyStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse buy price: %w", err)
	}
	if rec.SellPrice, err = decimal.NewFromString(sellStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse sell price: %w", err)
	}
	if rec.Profit, err = decimal.NewFromString(profitStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse profit: %w", err)
	}
	return rec, nil
}

func parseNullDecimal(s sql.NullString) decimal.NullDecimal {
	if !s.Valid {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

var (
	_ alert.UserStore          = (*Store)(nil)
	_ alert.Recorder           = (*Store)(nil)
	_ exchange.MappingResolver = (*Store)(nil)
	_ AlertStore               = (*Store)(nil)
	_ AdvisoryLocker           = (*Store)(nil)
)
