// Package costbasis implements weighted-average cost-basis accounting for a
// single (portfolio, asset) pair. It is pure arithmetic: no I/O, no shared
// state. The incremental ledger and the full-history reconciler both run
// their numbers through this package, which is what keeps the two paths
// convergent.
package costbasis

import (
	"fmt"
	"math"
	"time"

	"portfolioTracker/internal/domain"
	"portfolioTracker/internal/ports"
)

// Epsilon is the relative tolerance for float64 comparisons. Holdings are
// accumulated in 64-bit floats, so equality checks must absorb rounding
// rather than compare exactly.
const Epsilon = 1e-6

// ApproxEqual reports whether a and b are equal within Epsilon, relative to
// the larger magnitude of the two.
func ApproxEqual(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff <= Epsilon {
		return true
	}
	return diff <= Epsilon*math.Max(math.Abs(a), math.Abs(b))
}

// IsZero reports whether v is zero within Epsilon.
func IsZero(v float64) bool {
	return math.Abs(v) <= Epsilon
}

// State is the running accumulator for one (portfolio, asset) pair.
// The zero value is the correct starting point for a fresh history.
type State struct {
	Quantity         float64
	AverageCostBasis float64
	TotalCostBasis   float64
	RealizedPL       float64
	OpenDate         time.Time
}

// Buy folds a buy into the state. Fees are capitalized into the cost of the
// purchased units, so the weighted average moves toward (price + fees/qty).
//
// A buy against a flat state opens a new lot dated at the transaction and
// restarts realized P/L at zero. The incremental path deletes the position
// row when quantity hits zero, so a recreated position starts its P/L ledger
// fresh; the replay must do the same or the two paths diverge on any history
// that crosses zero.
func (s State) Buy(tx *domain.Transaction) State {
	totalAmount := tx.Quantity*tx.Price + tx.Fees
	newTotal := s.Quantity*s.AverageCostBasis + totalAmount

	if IsZero(s.Quantity) {
		s.OpenDate = tx.Date
		s.RealizedPL = 0
	}
	s.Quantity += tx.Quantity
	if s.Quantity > 0 {
		s.AverageCostBasis = newTotal / s.Quantity
		s.TotalCostBasis = newTotal
	}
	return s
}

// Sell folds a sell into the state. The cost of the sold units is taken at
// the current average, realized P/L moves by proceeds minus that cost, and
// the average of the remaining units is left untouched. Selling more than is
// held fails with ports.ErrOversell and leaves the state unusable; callers
// must discard it.
func (s State) Sell(tx *domain.Transaction) (State, error) {
	if tx.Quantity > s.Quantity && !ApproxEqual(tx.Quantity, s.Quantity) {
		return State{}, fmt.Errorf("sell %.6f of %s exceeds held %.6f: %w",
			tx.Quantity, tx.AssetID, s.Quantity, ports.ErrOversell)
	}

	costOfSoldShares := tx.Quantity * s.AverageCostBasis
	saleProceeds := tx.Quantity*tx.Price - tx.Fees

	s.RealizedPL += saleProceeds - costOfSoldShares
	s.Quantity -= tx.Quantity
	s.TotalCostBasis -= costOfSoldShares

	// Snap float residue so a full exit reads as exactly flat.
	if IsZero(s.Quantity) {
		s.Quantity = 0
		s.TotalCostBasis = 0
	}
	return s, nil
}

// Fold replays an ordered transaction history from scratch and returns the
// authoritative end state. Input must already be sorted ascending by
// (date, createdAt); see domain.SortChronological. Types that do not mutate
// holdings are skipped. The fold is deterministic and side-effect free.
func Fold(txs []*domain.Transaction) (State, error) {
	var s State
	for _, tx := range txs {
		switch tx.Type {
		case domain.TransactionBuy:
			s = s.Buy(tx)
		case domain.TransactionSell:
			var err error
			s, err = s.Sell(tx)
			if err != nil {
				return State{}, err
			}
		default:
			// Dividends and other cash events live in a different ledger.
		}
	}
	return s, nil
}

// FromPosition seeds a state from a stored position, for single-step
// incremental updates.
func FromPosition(pos *domain.Position) State {
	if pos == nil {
		return State{}
	}
	return State{
		Quantity:         pos.Quantity,
		AverageCostBasis: pos.AverageCostBasis,
		TotalCostBasis:   pos.TotalCostBasis,
		RealizedPL:       pos.RealizedPL,
		OpenDate:         pos.OpenDate,
	}
}

// Matches reports whether a stored position already reflects this state
// within tolerance. Used by the reconciler to skip no-op writes.
func (s State) Matches(pos *domain.Position) bool {
	return pos != nil &&
		ApproxEqual(s.Quantity, pos.Quantity) &&
		ApproxEqual(s.AverageCostBasis, pos.AverageCostBasis) &&
		ApproxEqual(s.TotalCostBasis, pos.TotalCostBasis) &&
		ApproxEqual(s.RealizedPL, pos.RealizedPL) &&
		s.OpenDate.Equal(pos.OpenDate)
}
