package domain

import (
	"sort"
	"time"
)

// TransactionType classifies a portfolio event.
type TransactionType string

const (
	TransactionBuy      TransactionType = "buy"
	TransactionSell     TransactionType = "sell"
	TransactionDividend TransactionType = "dividend"
)

// MutatesHoldings reports whether a transaction of this type changes held
// quantity or cost basis. Dividends and other cash events are ledgered
// elsewhere and never touch a position.
func (t TransactionType) MutatesHoldings() bool {
	return t == TransactionBuy || t == TransactionSell
}

// Valid reports whether the type is one the tracker knows about.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionBuy, TransactionSell, TransactionDividend:
		return true
	}
	return false
}

// Transaction is a single portfolio event. Transactions are immutable once
// recorded; positions are always derivable from the transaction history.
type Transaction struct {
	ID          string          // ULID assigned at creation
	PortfolioID string          // Owning portfolio
	AssetID     string          // Asset the event refers to (e.g., "AAPL")
	Type        TransactionType // buy, sell or dividend
	Quantity    float64         // Units traded, always positive
	Price       float64         // Per-unit price, >= 0
	Fees        float64         // Broker fees, >= 0
	Date        time.Time       // Logical trade date
	CreatedAt   time.Time       // Insertion timestamp, tie-break for same-date ordering
}

// SortChronological orders transactions ascending by (Date, CreatedAt).
// Replays must never trust store ordering, so every consumer of a history
// sorts it through here first. The sort is stable so equal keys keep their
// relative insertion order.
func SortChronological(txs []*Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.Before(txs[j].Date)
		}
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
}
