package exchange

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"spread-alerts/internal/symbol"
)

// Mapping ties a canonical symbol to the ticker a venue actually lists.
// Multiplier converts the native price into canonical units; zero means "derive it".
type Mapping struct {
	Native     string
	Multiplier decimal.Decimal
}

// MappingResolver looks up native symbols. ok=false means no mapping exists.
type MappingResolver interface {
	ResolveNativeSymbol(ctx context.Context, exchangeID, canonical string) (Mapping, bool, error)
}

// StaticMappings is a config-backed resolver keyed by exchange then canonical symbol.
type StaticMappings map[string]map[string]string

// ResolveNativeSymbol implements MappingResolver.
func (s StaticMappings) ResolveNativeSymbol(ctx context.Context, exchangeID, canonical string) (Mapping, bool, error) {
	perExchange, ok := s[strings.ToLower(exchangeID)]
	if !ok {
		return Mapping{}, false, nil
	}
	for k, native := range perExchange {
		if strings.EqualFold(k, canonical) {
			return Mapping{Native: strings.ToUpper(native)}, true, nil
		}
	}
	return Mapping{}, false, nil
}

// resolveMultiplier fills a missing multiplier from the numeric prefixes of both symbols.
func resolveMultiplier(canonical string, m Mapping) decimal.Decimal {
	if m.Multiplier.IsPositive() {
		return m.Multiplier
	}
	match, ok := symbol.FindBestMatch(canonical, []string{m.Native})
	if !ok {
		return decimal.NewFromInt(1)
	}
	return match.Multiplier
}

var _ MappingResolver = StaticMappings(nil)
