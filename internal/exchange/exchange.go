package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownSymbol is returned by clients when the venue does not list the requested pair.
var ErrUnknownSymbol = errors.New("exchange: unknown symbol")

// Quote is the raw ticker returned by a venue, still in native units.
type Quote struct {
	Price       decimal.Decimal
	QuoteVolume decimal.Decimal
	ChangePct   decimal.Decimal
}

// Client fetches a ticker for a pair, either unified ("BTC/USDT") or venue-native ("BTC-USDT").
type Client interface {
	ID() string
	FetchTicker(ctx context.Context, pair string) (Quote, error)
}

// PairFormatter is implemented by clients that rewrite every pair into their own
// convention before sending it. The gateway uses it to tell whether the
// native-format retry would issue a different request.
type PairFormatter interface {
	FormatPair(pair string) string
}

// PairStyle is the separator convention a venue uses for native pair names.
type PairStyle int

const (
	Concatenated PairStyle = iota
	Hyphenated
	Underscored
)

var pairStyles = map[string]PairStyle{
	"binance":  Concatenated,
	"bybit":    Concatenated,
	"mexc":     Concatenated,
	"bitget":   Concatenated,
	"okx":      Hyphenated,
	"kucoin":   Hyphenated,
	"coinbase": Hyphenated,
	"gate":     Underscored,
	"htx":      Concatenated,
}

// UnifiedPair formats base/quote the way the gateway asks first.
func UnifiedPair(base, quote string) string {
	return fmt.Sprintf("%s/%s", strings.ToUpper(base), strings.ToUpper(quote))
}

// NativePair formats base/quote with the venue's own separator.
func NativePair(exchangeID, base, quote string) string {
	base, quote = strings.ToUpper(base), strings.ToUpper(quote)
	switch pairStyles[strings.ToLower(exchangeID)] {
	case Hyphenated:
		return base + "-" + quote
	case Underscored:
		return base + "_" + quote
	default:
		return base + quote
	}
}

// SplitPair parses "BASE/QUOTE", "BASE-QUOTE" or "BASE_QUOTE".
// Concatenated pairs cannot be split and return ok=false.
func SplitPair(pair string) (base, quote string, ok bool) {
	for _, sep := range []string{"/", "-", "_"} {
		if b, q, found := strings.Cut(pair, sep); found && b != "" && q != "" {
			return strings.ToUpper(b), strings.ToUpper(q), true
		}
	}
	return "", "", false
}

// ToNative rewrites a unified or foreign-style pair into the venue's convention.
// Pairs that are already concatenated pass through unchanged.
func ToNative(exchangeID, pair string) string {
	base, quote, ok := SplitPair(pair)
	if !ok {
		return strings.ToUpper(pair)
	}
	return NativePair(exchangeID, base, quote)
}
