package cache

import (
	"fmt"
	"strings"
)

// CooldownKey identifies a suppressed (user, symbol, exchange pair) combination.
type CooldownKey struct {
	UserID       string
	Symbol       string
	BuyExchange  string
	SellExchange string
}

func (k CooldownKey) String() string {
	return fmt.Sprintf("cooldown:%s:%s:%s:%s", k.UserID, strings.ToUpper(k.Symbol), strings.ToLower(k.BuyExchange), strings.ToLower(k.SellExchange))
}

func tickerKey(exchangeID, symbol string) string {
	return fmt.Sprintf("ticker:%s:%s", strings.ToLower(exchangeID), strings.ToUpper(symbol))
}
