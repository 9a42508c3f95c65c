package alert

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// ErrMalformedPreference marks a user record the evaluator cannot reason about.
var ErrMalformedPreference = errors.New("malformed alert preference")

// Preference is one user's alert settings as loaded from the user store.
type Preference struct {
	UserID string
	Handle string

	// Threshold is the global minimum spread in percent.
	Threshold decimal.NullDecimal
	// CoinThresholds overrides Threshold per canonical symbol; a null entry falls back.
	CoinThresholds map[string]decimal.NullDecimal

	Coins     []string
	Exchanges []string

	Muted      bool
	MutedUntil *time.Time

	// DailyLimit nil means unlimited.
	DailyLimit      *int
	AlertsSentToday int
	QuotaResetDate  time.Time
}

// EffectiveThreshold picks the per-coin override when one is set, else the global threshold.
func (p Preference) EffectiveThreshold(symbol string) (decimal.Decimal, error) {
	for coin, v := range p.CoinThresholds {
		if strings.EqualFold(coin, symbol) && v.Valid {
			if v.Decimal.IsNegative() {
				return decimal.Decimal{}, fmt.Errorf("%w: negative threshold for %s", ErrMalformedPreference, symbol)
			}
			return v.Decimal, nil
		}
	}
	if !p.Threshold.Valid {
		return decimal.Decimal{}, fmt.Errorf("%w: user %s has no threshold", ErrMalformedPreference, p.UserID)
	}
	if p.Threshold.Decimal.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: negative threshold", ErrMalformedPreference)
	}
	return p.Threshold.Decimal, nil
}

// IsMuted reports whether alerts are silenced at now. A mute without an end is indefinite.
func (p Preference) IsMuted(now time.Time) bool {
	if !p.Muted {
		return false
	}
	return p.MutedUntil == nil || p.MutedUntil.After(now)
}

// SentToday returns the quota counter, treating a stale reset date as a new day.
func (p Preference) SentToday(now time.Time) int {
	if !sameUTCDay(p.QuotaResetDate, now) {
		return 0
	}
	return p.AlertsSentToday
}

// QuotaExhausted reports whether a finite daily limit has been reached.
func (p Preference) QuotaExhausted(now time.Time) bool {
	if p.DailyLimit == nil {
		return false
	}
	return p.SentToday(now) >= *p.DailyLimit
}

// CoversExchanges reports whether every given exchange is among the user's active ones.
func (p Preference) CoversExchanges(ids ...string) bool {
	active := lo.Map(p.Exchanges, func(e string, _ int) string { return strings.ToLower(e) })
	return lo.EveryBy(ids, func(id string) bool {
		return lo.Contains(active, strings.ToLower(id))
	})
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
