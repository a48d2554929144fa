package ports

import (
	"context"

	"portfolioTracker/internal/domain"
)

// TransactionRepository defines the interface for the append-only transaction
// history. Transactions are never updated or deleted through the ledger.
type TransactionRepository interface {
	// Create persists a new transaction.
	Create(ctx context.Context, tx *domain.Transaction) error
	// FindByPortfolio retrieves every transaction for a portfolio, across all
	// assets. Callers must not rely on the returned order; replay code
	// re-sorts by (date, createdAt) itself.
	FindByPortfolio(ctx context.Context, portfolioID string) ([]*domain.Transaction, error)
}

// PositionRepository defines the interface for the derived position rows.
// All writes go through the ledger or the reconciler; no other component is
// permitted to mutate positions.
type PositionRepository interface {
	// Find retrieves the position for a (portfolio, asset) pair.
	// Returns nil, nil if no position is held.
	Find(ctx context.Context, portfolioID, assetID string) (*domain.Position, error)
	// Insert creates the position row for a pair that has none. When another
	// writer created the row first, the surviving row is returned alongside
	// an error wrapping ErrDuplicateEntry, so the caller can rerun its
	// update against the row that won instead of overwriting it.
	Insert(ctx context.Context, pos *domain.Position) (*domain.Position, error)
	// Upsert atomically replaces the position keyed on (portfolio, asset)
	// and returns the stored row. Updates to a row already read and
	// authoritative rebuild writes land here; lazy creation goes through
	// Insert so a racing writer is detected rather than clobbered.
	Upsert(ctx context.Context, pos *domain.Position) (*domain.Position, error)
	// Delete removes the position for a (portfolio, asset) pair.
	// Deleting an absent position is not an error.
	Delete(ctx context.Context, portfolioID, assetID string) error
	// ListForPortfolio retrieves all positions held in a portfolio.
	ListForPortfolio(ctx context.Context, portfolioID string) ([]*domain.Position, error)
}

// QuoteRepository defines the interface for display-only market prices.
type QuoteRepository interface {
	// Record stores a new price observation for an asset.
	Record(ctx context.Context, quote *domain.Quote) error
	// Latest retrieves the most recent quote for an asset.
	// Returns an error wrapping ErrNotFound when no quote has been recorded.
	Latest(ctx context.Context, assetID string) (*domain.Quote, error)
}
