package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord is the audit row written for every accepted alert.
type AlertRecord struct {
	ID           int64
	JobID        string
	UserID       string
	Symbol       string
	SpreadPct    decimal.Decimal
	BuyExchange  string
	BuyPrice     decimal.Decimal
	SellExchange string
	SellPrice    decimal.Decimal
	Profit       decimal.Decimal
	CreatedAt    time.Time
}
