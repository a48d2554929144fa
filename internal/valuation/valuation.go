// Package valuation produces display-only portfolio reports: market value and
// unrealized profit/loss per held position, priced from the latest recorded
// quotes. It reads positions and quotes and writes nothing; prices never flow
// back into the cost-basis ledger.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"portfolioTracker/internal/ports"
)

// Item is one priced holding in a portfolio report.
type Item struct {
	AssetID          string          `json:"asset_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	AverageCostBasis decimal.Decimal `json:"average_cost_basis"`
	TotalCostBasis   decimal.Decimal `json:"total_cost_basis"`
	RealizedPL       decimal.Decimal `json:"realized_pl"`
	Price            decimal.Decimal `json:"price"`
	MarketValue      decimal.Decimal `json:"market_value"`
	UnrealizedPL     decimal.Decimal `json:"unrealized_pl"`
	QuotedAt         time.Time       `json:"quoted_at"`
}

// Report is a full portfolio valuation. Unpriced lists assets that are held
// but have no recorded quote; they contribute nothing to the totals.
type Report struct {
	PortfolioID       string          `json:"portfolio_id"`
	Items             []Item          `json:"items"`
	Unpriced          []string        `json:"unpriced,omitempty"`
	TotalValue        decimal.Decimal `json:"total_value"`
	TotalUnrealizedPL decimal.Decimal `json:"total_unrealized_pl"`
}

// Service prices portfolios from stored positions and quotes.
type Service struct {
	positions ports.PositionRepository
	quotes    ports.QuoteRepository
	logger    ports.Logger
}

// New creates a valuation service instance.
func New(positions ports.PositionRepository, quotes ports.QuoteRepository, logger ports.Logger) (*Service, error) {
	if positions == nil || quotes == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for valuation service")
	}
	return &Service{positions: positions, quotes: quotes, logger: logger}, nil
}

// PortfolioValue prices every held position at its latest quote. Amounts are
// rounded to 4 places for display; the underlying ledger keeps full float
// precision and is not consulted beyond the stored position rows.
func (s *Service) PortfolioValue(ctx context.Context, portfolioID string) (*Report, error) {
	if portfolioID == "" {
		return nil, fmt.Errorf("portfolio id is required: %w", ports.ErrInvalidRequest)
	}

	positions, err := s.positions.ListForPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions for portfolio %s: %w", portfolioID, err)
	}

	report := &Report{
		PortfolioID: portfolioID,
		Items:       make([]Item, 0, len(positions)),
	}
	for _, pos := range positions {
		quote, err := s.quotes.Latest(ctx, pos.AssetID)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				s.logger.Warn(ctx, "No quote for held asset", map[string]interface{}{
					"portfolioID": portfolioID,
					"assetID":     pos.AssetID,
				})
				report.Unpriced = append(report.Unpriced, pos.AssetID)
				continue
			}
			return nil, err
		}

		quantity := decimal.NewFromFloat(pos.Quantity)
		totalCost := decimal.NewFromFloat(pos.TotalCostBasis)
		value := quantity.Mul(quote.Price).Round(4)
		unrealized := value.Sub(totalCost).Round(4)

		report.Items = append(report.Items, Item{
			AssetID:          pos.AssetID,
			Quantity:         quantity,
			AverageCostBasis: decimal.NewFromFloat(pos.AverageCostBasis).Round(4),
			TotalCostBasis:   totalCost.Round(4),
			RealizedPL:       decimal.NewFromFloat(pos.RealizedPL).Round(4),
			Price:            quote.Price,
			MarketValue:      value,
			UnrealizedPL:     unrealized,
			QuotedAt:         quote.QuotedAt,
		})
		report.TotalValue = report.TotalValue.Add(value)
		report.TotalUnrealizedPL = report.TotalUnrealizedPL.Add(unrealized)
	}
	return report, nil
}
