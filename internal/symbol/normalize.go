package symbol

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// prefixed futures tickers such as 1000SHIB, 10000LADYS, 1000000MOG
var prefixPattern = regexp.MustCompile(`^([01]+)([A-Z]+)$`)

// Normalized is a symbol split into its canonical base and numeric multiplier.
type Normalized struct {
	Base       string
	Multiplier decimal.Decimal
}

// Match is the result of FindBestMatch.
type Match struct {
	Symbol     string
	Multiplier decimal.Decimal
}

// Normalize resolves a numeric-prefix symbol into base and multiplier.
// Prefixes that parse to 1 (e.g. 1INCH) are part of the ticker, not a multiplier.
func Normalize(symbol string) Normalized {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	m := prefixPattern.FindStringSubmatch(upper)
	if m == nil {
		return Normalized{Base: upper, Multiplier: decimal.NewFromInt(1)}
	}

	mult, err := decimal.NewFromString(m[1])
	if err != nil || mult.LessThanOrEqual(decimal.NewFromInt(1)) {
		return Normalized{Base: upper, Multiplier: decimal.NewFromInt(1)}
	}
	return Normalized{Base: m[2], Multiplier: mult}
}

// NormalizePrice converts a raw price into canonical units.
func NormalizePrice(price, multiplier decimal.Decimal) decimal.Decimal {
	return price.Mul(multiplier)
}

// DenormalizePrice is the inverse of NormalizePrice.
func DenormalizePrice(price, multiplier decimal.Decimal) decimal.Decimal {
	if multiplier.IsZero() {
		return price
	}
	return price.Div(multiplier)
}

// FindBestMatch looks for target among the symbols an exchange lists.
// An exact case-insensitive hit wins; otherwise the first symbol sharing the same
// normalized base is returned with the relative multiplier target/candidate.
func FindBestMatch(target string, available []string) (Match, bool) {
	for _, candidate := range available {
		if strings.EqualFold(candidate, target) {
			return Match{Symbol: candidate, Multiplier: decimal.NewFromInt(1)}, true
		}
	}

	want := Normalize(target)
	for _, candidate := range available {
		got := Normalize(candidate)
		if got.Base != want.Base {
			continue
		}
		return Match{Symbol: candidate, Multiplier: want.Multiplier.Div(got.Multiplier)}, true
	}
	return Match{}, false
}
