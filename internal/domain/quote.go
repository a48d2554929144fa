package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the most recent known market price for an asset. Quotes exist only
// to display unrealized profit/loss; they never feed the cost-basis ledger.
type Quote struct {
	AssetID  string
	Price    decimal.Decimal
	QuotedAt time.Time
}
