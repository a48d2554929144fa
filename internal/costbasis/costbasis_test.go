package costbasis

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolioTracker/internal/domain"
	"portfolioTracker/internal/ports"
)

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}

func tx(txType domain.TransactionType, qty, price, fees float64, d time.Time) *domain.Transaction {
	return &domain.Transaction{
		PortfolioID: "p1",
		AssetID:     "AAPL",
		Type:        txType,
		Quantity:    qty,
		Price:       price,
		Fees:        fees,
		Date:        d,
		CreatedAt:   d,
	}
}

func TestFold_WeightedAverage(t *testing.T) {
	// Buy 100 @ 10, buy 50 @ 20, sell 100 @ 15. The sell realizes
	// 100 * (15 - 13.333...) and must not move the remaining average.
	txs := []*domain.Transaction{
		tx(domain.TransactionBuy, 100, 10, 0, day(1)),
		tx(domain.TransactionBuy, 50, 20, 0, day(2)),
		tx(domain.TransactionSell, 100, 15, 0, day(3)),
	}

	state, err := Fold(txs)
	require.NoError(t, err)

	assert.InEpsilon(t, 50.0, state.Quantity, Epsilon)
	assert.InEpsilon(t, 2000.0/150.0, state.AverageCostBasis, Epsilon)
	assert.InEpsilon(t, 50*2000.0/150.0, state.TotalCostBasis, Epsilon)
	assert.InEpsilon(t, 100*(15-2000.0/150.0), state.RealizedPL, Epsilon)
	assert.Equal(t, day(1), state.OpenDate)
}

func TestFold_Scenarios(t *testing.T) {
	tests := []struct {
		name    string
		txs     []*domain.Transaction
		want    State
		wantErr error
	}{
		{
			name: "empty history",
			txs:  nil,
			want: State{},
		},
		{
			name: "single buy",
			txs: []*domain.Transaction{
				tx(domain.TransactionBuy, 100, 10, 0, day(1)),
			},
			want: State{Quantity: 100, AverageCostBasis: 10, TotalCostBasis: 1000, OpenDate: day(1)},
		},
		{
			name: "buy fees capitalized into average",
			txs: []*domain.Transaction{
				tx(domain.TransactionBuy, 10, 100, 5, day(1)),
			},
			want: State{Quantity: 10, AverageCostBasis: 100.5, TotalCostBasis: 1005, OpenDate: day(1)},
		},
		{
			name: "sell fees reduce proceeds",
			txs: []*domain.Transaction{
				tx(domain.TransactionBuy, 10, 100, 0, day(1)),
				tx(domain.TransactionSell, 5, 110, 3, day(2)),
			},
			want: State{Quantity: 5, AverageCostBasis: 100, TotalCostBasis: 500, RealizedPL: 5*110 - 3 - 5*100, OpenDate: day(1)},
		},
		{
			name: "full exit snaps to flat",
			txs: []*domain.Transaction{
				tx(domain.TransactionBuy, 3, 33.33, 0, day(1)),
				tx(domain.TransactionSell, 3, 40, 0, day(2)),
			},
			want: State{Quantity: 0, AverageCostBasis: 33.33, TotalCostBasis: 0, RealizedPL: 3 * (40 - 33.33), OpenDate: day(1)},
		},
		{
			// The prior lot's realized P/L left with its deleted row, so the
			// replayed history must not resurrect it.
			name: "reopen after flat resets open date and realized P/L",
			txs: []*domain.Transaction{
				tx(domain.TransactionBuy, 10, 10, 0, day(1)),
				tx(domain.TransactionSell, 10, 12, 0, day(2)),
				tx(domain.TransactionBuy, 4, 20, 0, day(5)),
			},
			want: State{Quantity: 4, AverageCostBasis: 20, TotalCostBasis: 80, RealizedPL: 0, OpenDate: day(5)},
		},
		{
			name: "dividends do not touch holdings",
			txs: []*domain.Transaction{
				tx(domain.TransactionBuy, 10, 10, 0, day(1)),
				tx(domain.TransactionDividend, 10, 0.5, 0, day(2)),
			},
			want: State{Quantity: 10, AverageCostBasis: 10, TotalCostBasis: 100, OpenDate: day(1)},
		},
		{
			name: "oversell fails the fold",
			txs: []*domain.Transaction{
				tx(domain.TransactionBuy, 50, 10, 0, day(1)),
				tx(domain.TransactionSell, 60, 10, 0, day(2)),
			},
			wantErr: ports.ErrOversell,
		},
		{
			name: "sell with nothing held fails",
			txs: []*domain.Transaction{
				tx(domain.TransactionSell, 1, 10, 0, day(1)),
			},
			wantErr: ports.ErrOversell,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := Fold(tt.txs)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want.Quantity, state.Quantity, Epsilon)
			assert.InDelta(t, tt.want.AverageCostBasis, state.AverageCostBasis, Epsilon)
			assert.InDelta(t, tt.want.TotalCostBasis, state.TotalCostBasis, Epsilon)
			assert.InDelta(t, tt.want.RealizedPL, state.RealizedPL, Epsilon)
			assert.Equal(t, tt.want.OpenDate, state.OpenDate)
		})
	}
}

func TestSell_ExactExitWithinTolerance(t *testing.T) {
	// Selling everything bought across several fills accumulates float
	// residue; the oversell check must not reject the final exit and the
	// resulting state must read as exactly flat.
	var state State
	fills := []float64{0.1, 0.2, 0.3, 0.1, 0.3}
	total := 0.0
	for i, q := range fills {
		state = state.Buy(tx(domain.TransactionBuy, q, 100, 0, day(i+1)))
		total += q
	}

	state, err := state.Sell(tx(domain.TransactionSell, total, 105, 0, day(10)))
	require.NoError(t, err)
	assert.Zero(t, state.Quantity)
	assert.Zero(t, state.TotalCostBasis)
}

func TestFold_InvariantTotalEqualsQuantityTimesAverage(t *testing.T) {
	txs := []*domain.Transaction{
		tx(domain.TransactionBuy, 100, 10.37, 1.5, day(1)),
		tx(domain.TransactionSell, 33, 11.01, 0.7, day(2)),
		tx(domain.TransactionBuy, 12.5, 9.99, 0, day(3)),
		tx(domain.TransactionSell, 40, 12.40, 1.1, day(4)),
	}

	var state State
	var err error
	for _, transaction := range txs {
		switch transaction.Type {
		case domain.TransactionBuy:
			state = state.Buy(transaction)
		case domain.TransactionSell:
			state, err = state.Sell(transaction)
			require.NoError(t, err)
		}
		if state.Quantity > 0 {
			assert.True(t, ApproxEqual(state.TotalCostBasis, state.Quantity*state.AverageCostBasis),
				"total cost basis drifted from quantity*average after %s", transaction.Type)
		}
	}
}

func TestFold_MatchesStepwiseApplication(t *testing.T) {
	// The full replay and the single-step path are the same formulas; folding
	// a history at once must reproduce folding it one transaction at a time.
	txs := []*domain.Transaction{
		tx(domain.TransactionBuy, 10, 100, 1, day(1)),
		tx(domain.TransactionBuy, 5, 120, 1, day(2)),
		tx(domain.TransactionSell, 8, 130, 2, day(3)),
		tx(domain.TransactionBuy, 2, 90, 0, day(4)),
		tx(domain.TransactionSell, 9, 125, 1, day(5)),
	}

	folded, err := Fold(txs)
	require.NoError(t, err)

	var stepped State
	for _, transaction := range txs {
		switch transaction.Type {
		case domain.TransactionBuy:
			stepped = stepped.Buy(transaction)
		case domain.TransactionSell:
			stepped, err = stepped.Sell(transaction)
			require.NoError(t, err)
		}
	}

	assert.InDelta(t, folded.Quantity, stepped.Quantity, Epsilon)
	assert.InDelta(t, folded.AverageCostBasis, stepped.AverageCostBasis, Epsilon)
	assert.InDelta(t, folded.TotalCostBasis, stepped.TotalCostBasis, Epsilon)
	assert.InDelta(t, folded.RealizedPL, stepped.RealizedPL, Epsilon)
}

func TestState_Matches(t *testing.T) {
	state := State{Quantity: 10, AverageCostBasis: 10, TotalCostBasis: 100, OpenDate: day(1)}
	pos := &domain.Position{Quantity: 10, AverageCostBasis: 10, TotalCostBasis: 100, OpenDate: day(1)}
	assert.True(t, state.Matches(pos))
	assert.False(t, state.Matches(nil))

	// A drifted open date alone must be enough to force a rewrite.
	pos.OpenDate = day(2)
	assert.False(t, state.Matches(pos))
}

func TestSortChronological_TieBreakOnCreatedAt(t *testing.T) {
	first := tx(domain.TransactionBuy, 1, 10, 0, day(1))
	first.CreatedAt = day(1).Add(1 * time.Hour)
	second := tx(domain.TransactionSell, 1, 11, 0, day(1))
	second.CreatedAt = day(1).Add(2 * time.Hour)

	// Same logical date, inserted in reverse order: createdAt must decide,
	// otherwise the sell would replay before the buy and fail.
	txs := []*domain.Transaction{second, first}
	domain.SortChronological(txs)
	require.Same(t, first, txs[0])

	state, err := Fold(txs)
	require.NoError(t, err)
	assert.Zero(t, state.Quantity)
	assert.InDelta(t, 1.0, state.RealizedPL, Epsilon)
}
