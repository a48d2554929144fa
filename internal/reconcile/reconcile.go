// Package reconcile rebuilds every position of a portfolio from its complete
// transaction history. The rebuild is authoritative: whatever the incremental
// ledger has accumulated (or a crash or manual edit has corrupted), the
// replayed history wins. It is safe to run at any time and safe to re-run.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"portfolioTracker/internal/costbasis"
	"portfolioTracker/internal/domain"
	"portfolioTracker/internal/ports"
)

// Summary reports what a rebuild changed.
type Summary struct {
	Created int            `json:"created"`
	Updated int            `json:"updated"`
	Deleted int            `json:"deleted"`
	Failed  []AssetFailure `json:"failed,omitempty"`
}

// AssetFailure records an asset whose history could not be replayed, most
// commonly an oversell buried in corrupt history. One bad asset never stops
// reconciliation of the rest of the portfolio.
type AssetFailure struct {
	AssetID string `json:"asset_id"`
	Reason  string `json:"reason"`
}

// Service recomputes positions from transaction history.
type Service struct {
	transactions ports.TransactionRepository
	positions    ports.PositionRepository
	logger       ports.Logger
}

// New creates a reconciliation service instance.
func New(transactions ports.TransactionRepository, positions ports.PositionRepository, logger ports.Logger) (*Service, error) {
	if transactions == nil || positions == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for reconcile service")
	}
	return &Service{transactions: transactions, positions: positions, logger: logger}, nil
}

// Rebuild replays the portfolio's full transaction history and makes the
// position store exactly reflect it.
//
// Each asset commits as an independent unit of work: cancellation or a store
// failure midway leaves every already-committed asset fully correct and the
// rest untouched, never a half-written row. Positions with no transactions
// left behind them are deleted. A second run over unchanged history performs
// zero writes.
func (s *Service) Rebuild(ctx context.Context, portfolioID string) (Summary, error) {
	var summary Summary
	if portfolioID == "" {
		return summary, fmt.Errorf("portfolio id is required: %w", ports.ErrInvalidRequest)
	}

	txs, err := s.transactions.FindByPortfolio(ctx, portfolioID)
	if err != nil {
		return summary, fmt.Errorf("failed to load transactions for portfolio %s: %w", portfolioID, err)
	}
	existing, err := s.positions.ListForPortfolio(ctx, portfolioID)
	if err != nil {
		return summary, fmt.Errorf("failed to load positions for portfolio %s: %w", portfolioID, err)
	}
	existingByAsset := make(map[string]*domain.Position, len(existing))
	for _, pos := range existing {
		existingByAsset[pos.AssetID] = pos
	}

	s.logger.Info(ctx, "Rebuilding portfolio positions", map[string]interface{}{
		"portfolioID":  portfolioID,
		"transactions": len(txs),
		"positions":    len(existing),
	})

	groups := make(map[string][]*domain.Transaction)
	for _, tx := range txs {
		groups[tx.AssetID] = append(groups[tx.AssetID], tx)
	}

	// Deterministic order keeps reruns and logs comparable.
	assetIDs := make([]string, 0, len(groups))
	for assetID := range groups {
		assetIDs = append(assetIDs, assetID)
	}
	sort.Strings(assetIDs)

	for _, assetID := range assetIDs {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("rebuild of portfolio %s interrupted: %w", portfolioID, err)
		}

		history := groups[assetID]
		domain.SortChronological(history)

		state, err := costbasis.Fold(history)
		if err != nil {
			// Corrupt history for one asset; report it and keep going.
			s.logger.Warn(ctx, "Asset history failed to replay", map[string]interface{}{
				"portfolioID": portfolioID,
				"assetID":     assetID,
				"reason":      err.Error(),
			})
			summary.Failed = append(summary.Failed, AssetFailure{AssetID: assetID, Reason: err.Error()})
			// The asset still has transactions, so its stored row is not an
			// orphan; whatever state it holds survives untouched.
			delete(existingByAsset, assetID)
			continue
		}

		prev := existingByAsset[assetID]
		delete(existingByAsset, assetID)

		if err := s.commitAsset(ctx, portfolioID, assetID, state, prev, &summary); err != nil {
			return summary, err
		}
	}

	// Whatever is left has a position row but no transactions at all.
	orphaned := make([]string, 0, len(existingByAsset))
	for assetID := range existingByAsset {
		orphaned = append(orphaned, assetID)
	}
	sort.Strings(orphaned)
	for _, assetID := range orphaned {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("rebuild of portfolio %s interrupted: %w", portfolioID, err)
		}
		if err := s.positions.Delete(ctx, portfolioID, assetID); err != nil {
			return summary, fmt.Errorf("failed to delete orphaned position %s/%s: %w", portfolioID, assetID, err)
		}
		s.logger.Info(ctx, "Deleted orphaned position", map[string]interface{}{
			"portfolioID": portfolioID,
			"assetID":     assetID,
		})
		summary.Deleted++
	}

	s.logger.Info(ctx, "Rebuild finished", map[string]interface{}{
		"portfolioID": portfolioID,
		"created":     summary.Created,
		"updated":     summary.Updated,
		"deleted":     summary.Deleted,
		"failed":      len(summary.Failed),
	})
	return summary, nil
}

// commitAsset writes one asset's recomputed end state to the store.
func (s *Service) commitAsset(ctx context.Context, portfolioID, assetID string, state costbasis.State, prev *domain.Position, summary *Summary) error {
	switch {
	case costbasis.IsZero(state.Quantity):
		if prev == nil {
			return nil // flat history, no row: nothing to do
		}
		if err := s.positions.Delete(ctx, portfolioID, assetID); err != nil {
			return fmt.Errorf("failed to delete flat position %s/%s: %w", portfolioID, assetID, err)
		}
		summary.Deleted++

	case state.Matches(prev):
		// Stored row already reflects the replayed history; skip the write so
		// back-to-back rebuilds are observably idempotent.
		return nil

	default:
		pos := &domain.Position{
			PortfolioID:      portfolioID,
			AssetID:          assetID,
			Quantity:         state.Quantity,
			AverageCostBasis: state.AverageCostBasis,
			TotalCostBasis:   state.TotalCostBasis,
			RealizedPL:       state.RealizedPL,
			OpenDate:         state.OpenDate,
			UpdatedAt:        time.Now().UTC(),
		}
		if prev != nil {
			pos.ID = prev.ID
		} else {
			pos.ID = ulid.Make().String()
		}
		if _, err := s.positions.Upsert(ctx, pos); err != nil {
			return fmt.Errorf("failed to upsert rebuilt position %s/%s: %w", portfolioID, assetID, err)
		}
		if prev == nil {
			summary.Created++
		} else {
			summary.Updated++
		}
	}
	return nil
}

// IsInterrupted reports whether a rebuild error came from context
// cancellation rather than data or store problems.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
