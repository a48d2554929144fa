// Package ledger maintains position rows incrementally, one transaction at a
// time. It is the hot path: every recorded buy or sell flows through Apply
// as it arrives. The reconciler (internal/reconcile) is the cold path that
// recomputes the same numbers from the full history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"portfolioTracker/internal/costbasis"
	"portfolioTracker/internal/domain"
	"portfolioTracker/internal/ports"
)

// Service applies individual transactions to stored positions. Applies that
// touch the same (portfolio, asset) pair are serialized, so concurrent
// read-modify-write cycles cannot overwrite each other's updates.
type Service struct {
	positions ports.PositionRepository
	logger    ports.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a ledger service instance.
func New(positions ports.PositionRepository, logger ports.Logger) (*Service, error) {
	if positions == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for ledger service")
	}
	return &Service{
		positions: positions,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// pairLock returns the mutex guarding one (portfolio, asset) pair.
func (s *Service) pairLock(portfolioID, assetID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := portfolioID + "/" + assetID
	lock, ok := s.locks[k]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[k] = lock
	}
	return lock
}

// Apply folds one transaction into the stored position for its
// (portfolio, asset) pair: one read, one cost-basis step, one write. The
// position row is created lazily on the first buy, updated while quantity
// stays above zero, and deleted when a sell brings it to exactly zero. A
// first buy that loses the creation race to another writer reruns its step
// against the row that won and updates it in place; neither buy is lost.
//
// Invalid operations (oversell, sell with nothing held) return an error and
// leave the store untouched. The returned position reflects the state after
// the transaction; for a position closed by a full exit it carries the final
// realized P/L and zero quantity even though the row no longer exists.
func (s *Service) Apply(ctx context.Context, tx *domain.Transaction) (*domain.Position, error) {
	if err := validate(tx); err != nil {
		return nil, err
	}

	lock := s.pairLock(tx.PortfolioID, tx.AssetID)
	lock.Lock()
	defer lock.Unlock()

	pos, err := s.positions.Find(ctx, tx.PortfolioID, tx.AssetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load position for %s/%s: %w", tx.PortfolioID, tx.AssetID, err)
	}

	if !tx.Type.MutatesHoldings() {
		// Cash events pass through; the position, if any, is returned as-is.
		return pos, nil
	}

	state := costbasis.FromPosition(pos)
	switch tx.Type {
	case domain.TransactionBuy:
		state = state.Buy(tx)
	case domain.TransactionSell:
		if pos == nil {
			return nil, fmt.Errorf("sell of %s in portfolio %s: %w",
				tx.AssetID, tx.PortfolioID, ports.ErrPositionNotFound)
		}
		state, err = state.Sell(tx)
		if err != nil {
			return nil, err
		}
	}

	if costbasis.IsZero(state.Quantity) {
		if err := s.positions.Delete(ctx, tx.PortfolioID, tx.AssetID); err != nil {
			return nil, fmt.Errorf("failed to remove closed position %s/%s: %w", tx.PortfolioID, tx.AssetID, err)
		}
		s.logger.Info(ctx, "Position closed", map[string]interface{}{
			"portfolioID": tx.PortfolioID,
			"assetID":     tx.AssetID,
			"realizedPL":  state.RealizedPL,
		})
		closed := newRecord(tx, state)
		closed.ID = pos.ID
		closed.Quantity = 0
		return closed, nil
	}

	var stored *domain.Position
	if pos != nil {
		updated := newRecord(tx, state)
		updated.ID = pos.ID
		stored, err = s.positions.Upsert(ctx, updated)
	} else {
		stored, err = s.create(ctx, tx, state)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to persist position %s/%s: %w", tx.PortfolioID, tx.AssetID, err)
	}
	s.logger.Debug(ctx, "Position updated", map[string]interface{}{
		"portfolioID": stored.PortfolioID,
		"assetID":     stored.AssetID,
		"quantity":    stored.Quantity,
		"avgCost":     stored.AverageCostBasis,
	})
	return stored, nil
}

// create inserts a fresh row for a first buy. If another writer created the
// row between the read and the insert, the insert reports the conflict and
// hands back the row that won; the buy is then refolded against that row and
// written over it, so both racing buys end up in the position.
func (s *Service) create(ctx context.Context, tx *domain.Transaction, state costbasis.State) (*domain.Position, error) {
	fresh := newRecord(tx, state)
	fresh.ID = ulid.Make().String()

	stored, err := s.positions.Insert(ctx, fresh)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, ports.ErrDuplicateEntry) || stored == nil {
		return nil, err
	}

	merged := costbasis.FromPosition(stored).Buy(tx)
	retry := newRecord(tx, merged)
	retry.ID = stored.ID
	return s.positions.Upsert(ctx, retry)
}

func newRecord(tx *domain.Transaction, state costbasis.State) *domain.Position {
	return &domain.Position{
		PortfolioID:      tx.PortfolioID,
		AssetID:          tx.AssetID,
		Quantity:         state.Quantity,
		AverageCostBasis: state.AverageCostBasis,
		TotalCostBasis:   state.TotalCostBasis,
		RealizedPL:       state.RealizedPL,
		OpenDate:         state.OpenDate,
		UpdatedAt:        time.Now().UTC(),
	}
}

func validate(tx *domain.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction is nil: %w", ports.ErrInvalidRequest)
	}
	if tx.PortfolioID == "" || tx.AssetID == "" {
		return fmt.Errorf("portfolio and asset ids are required: %w", ports.ErrInvalidRequest)
	}
	if !tx.Type.Valid() {
		return fmt.Errorf("unknown transaction type %q: %w", tx.Type, ports.ErrInvalidRequest)
	}
	if tx.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %f: %w", tx.Quantity, ports.ErrInvalidRequest)
	}
	if tx.Price < 0 {
		return fmt.Errorf("price cannot be negative, got %f: %w", tx.Price, ports.ErrInvalidRequest)
	}
	if tx.Fees < 0 {
		return fmt.Errorf("fees cannot be negative, got %f: %w", tx.Fees, ports.ErrInvalidRequest)
	}
	return nil
}
