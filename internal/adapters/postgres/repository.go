// Package postgres persists transactions, positions and price quotes in
// PostgreSQL. The upsert relies on ON CONFLICT over the (portfolio_id,
// asset_id) unique key, so concurrent lazy creation of a position row
// resolves inside the database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"portfolioTracker/internal/domain"
	"portfolioTracker/internal/ports"
)

// Repository implements ports.TransactionRepository, ports.PositionRepository
// and ports.QuoteRepository using PostgreSQL via sqlx.
type Repository struct {
	db     *sqlx.DB
	logger ports.Logger
}

// Config holds configuration for the Postgres repository.
type Config struct {
	DSN    string
	Logger ports.Logger
}

// NewRepository connects to Postgres and prepares the schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Postgres repository")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required: %w", ports.ErrDBConnection)
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	cfg.Logger.Info(context.Background(), "Postgres store ready")
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		portfolio_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		type TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		fees DOUBLE PRECISION NOT NULL DEFAULT 0,
		tx_date TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		portfolio_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		avg_cost_basis DOUBLE PRECISION NOT NULL,
		total_cost_basis DOUBLE PRECISION NOT NULL,
		realized_pl DOUBLE PRECISION NOT NULL,
		open_date TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (portfolio_id, asset_id)
	);

	CREATE TABLE IF NOT EXISTS price_history (
		asset_id TEXT NOT NULL,
		price NUMERIC NOT NULL,
		quoted_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_portfolio ON transactions (portfolio_id, asset_id);
	CREATE INDEX IF NOT EXISTS idx_price_history_asset ON price_history (asset_id, quoted_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// --- TransactionRepository Implementation ---

// Create persists a new transaction, mapping unique violations to
// ports.ErrDuplicateEntry.
func (r *Repository) Create(ctx context.Context, tx *domain.Transaction) error {
	const query = `
	INSERT INTO transactions (id, portfolio_id, asset_id, type, quantity, price, fees, tx_date, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.PortfolioID, tx.AssetID, string(tx.Type), tx.Quantity, tx.Price, tx.Fees, tx.Date, tx.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("transaction %s already recorded: %w", tx.ID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// FindByPortfolio retrieves every transaction for a portfolio in insertion
// order. Replay code re-sorts by (date, createdAt) itself.
func (r *Repository) FindByPortfolio(ctx context.Context, portfolioID string) ([]*domain.Transaction, error) {
	const query = `
	SELECT id, portfolio_id, asset_id, type, quantity, price, fees, tx_date, created_at
	FROM transactions
	WHERE portfolio_id = $1
	ORDER BY created_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions for portfolio %s: %w", portfolioID, err)
	}
	defer rows.Close()

	txs := make([]*domain.Transaction, 0)
	for rows.Next() {
		tx := &domain.Transaction{}
		var txType string
		if err := rows.Scan(&tx.ID, &tx.PortfolioID, &tx.AssetID, &txType,
			&tx.Quantity, &tx.Price, &tx.Fees, &tx.Date, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		tx.Type = domain.TransactionType(txType)
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return txs, nil
}

// --- PositionRepository Implementation ---

// Find retrieves the position for a (portfolio, asset) pair.
func (r *Repository) Find(ctx context.Context, portfolioID, assetID string) (*domain.Position, error) {
	const query = `
	SELECT id, portfolio_id, asset_id, quantity, avg_cost_basis, total_cost_basis, realized_pl, open_date, updated_at
	FROM positions
	WHERE portfolio_id = $1 AND asset_id = $2`

	pos := &domain.Position{}
	err := r.db.QueryRowxContext(ctx, query, portfolioID, assetID).Scan(
		&pos.ID, &pos.PortfolioID, &pos.AssetID, &pos.Quantity,
		&pos.AverageCostBasis, &pos.TotalCostBasis, &pos.RealizedPL, &pos.OpenDate, &pos.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position %s/%s: %w", portfolioID, assetID, err)
	}
	return pos, nil
}

// Insert creates the position row for a pair that has none. On conflict the
// insert is a no-op (RETURNING yields no row) and the surviving row is
// returned alongside ports.ErrDuplicateEntry so the caller can rerun its
// update against it.
func (r *Repository) Insert(ctx context.Context, pos *domain.Position) (*domain.Position, error) {
	const query = `
	INSERT INTO positions (id, portfolio_id, asset_id, quantity, avg_cost_basis, total_cost_basis, realized_pl, open_date, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (portfolio_id, asset_id) DO NOTHING
	RETURNING id, portfolio_id, asset_id, quantity, avg_cost_basis, total_cost_basis, realized_pl, open_date, updated_at`

	stored := &domain.Position{}
	err := r.db.QueryRowxContext(ctx, query,
		pos.ID, pos.PortfolioID, pos.AssetID, pos.Quantity, pos.AverageCostBasis,
		pos.TotalCostBasis, pos.RealizedPL, pos.OpenDate, pos.UpdatedAt).Scan(
		&stored.ID, &stored.PortfolioID, &stored.AssetID, &stored.Quantity,
		&stored.AverageCostBasis, &stored.TotalCostBasis, &stored.RealizedPL, &stored.OpenDate, &stored.UpdatedAt)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to insert position %s/%s: %w", pos.PortfolioID, pos.AssetID, err)
	}

	existing, err := r.Find(ctx, pos.PortfolioID, pos.AssetID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("position %s/%s missing after conflicting insert: %w", pos.PortfolioID, pos.AssetID, ports.ErrQueryFailed)
	}
	return existing, fmt.Errorf("position %s/%s already exists: %w", pos.PortfolioID, pos.AssetID, ports.ErrDuplicateEntry)
}

// Upsert atomically replaces the position keyed on (portfolio_id, asset_id)
// and returns the stored row via RETURNING. Update writes and rebuild
// commits land here; lazy creation goes through Insert.
func (r *Repository) Upsert(ctx context.Context, pos *domain.Position) (*domain.Position, error) {
	const query = `
	INSERT INTO positions (id, portfolio_id, asset_id, quantity, avg_cost_basis, total_cost_basis, realized_pl, open_date, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (portfolio_id, asset_id) DO UPDATE SET
		quantity = EXCLUDED.quantity,
		avg_cost_basis = EXCLUDED.avg_cost_basis,
		total_cost_basis = EXCLUDED.total_cost_basis,
		realized_pl = EXCLUDED.realized_pl,
		open_date = EXCLUDED.open_date,
		updated_at = EXCLUDED.updated_at
	RETURNING id, portfolio_id, asset_id, quantity, avg_cost_basis, total_cost_basis, realized_pl, open_date, updated_at`

	stored := &domain.Position{}
	err := r.db.QueryRowxContext(ctx, query,
		pos.ID, pos.PortfolioID, pos.AssetID, pos.Quantity, pos.AverageCostBasis,
		pos.TotalCostBasis, pos.RealizedPL, pos.OpenDate, pos.UpdatedAt).Scan(
		&stored.ID, &stored.PortfolioID, &stored.AssetID, &stored.Quantity,
		&stored.AverageCostBasis, &stored.TotalCostBasis, &stored.RealizedPL, &stored.OpenDate, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert position %s/%s: %w", pos.PortfolioID, pos.AssetID, err)
	}
	return stored, nil
}

// Delete removes the position for a (portfolio, asset) pair. Deleting an
// absent row is a no-op.
func (r *Repository) Delete(ctx context.Context, portfolioID, assetID string) error {
	const query = `DELETE FROM positions WHERE portfolio_id = $1 AND asset_id = $2`
	if _, err := r.db.ExecContext(ctx, query, portfolioID, assetID); err != nil {
		return fmt.Errorf("failed to delete position %s/%s: %w", portfolioID, assetID, err)
	}
	return nil
}

// ListForPortfolio retrieves all positions held in a portfolio.
func (r *Repository) ListForPortfolio(ctx context.Context, portfolioID string) ([]*domain.Position, error) {
	const query = `
	SELECT id, portfolio_id, asset_id, quantity, avg_cost_basis, total_cost_basis, realized_pl, open_date, updated_at
	FROM positions
	WHERE portfolio_id = $1
	ORDER BY asset_id ASC`

	rows, err := r.db.QueryxContext(ctx, query, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for portfolio %s: %w", portfolioID, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos := &domain.Position{}
		if err := rows.Scan(&pos.ID, &pos.PortfolioID, &pos.AssetID, &pos.Quantity,
			&pos.AverageCostBasis, &pos.TotalCostBasis, &pos.RealizedPL, &pos.OpenDate, &pos.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// --- QuoteRepository Implementation ---

// Record stores a new price observation for an asset.
func (r *Repository) Record(ctx context.Context, quote *domain.Quote) error {
	const query = `INSERT INTO price_history (asset_id, price, quoted_at) VALUES ($1, $2::numeric, $3)`
	if _, err := r.db.ExecContext(ctx, query, quote.AssetID, quote.Price.String(), quote.QuotedAt); err != nil {
		return fmt.Errorf("failed to record quote for %s: %w", quote.AssetID, err)
	}
	return nil
}

// Latest retrieves the most recent quote for an asset.
func (r *Repository) Latest(ctx context.Context, assetID string) (*domain.Quote, error) {
	const query = `
	SELECT asset_id, price::text, quoted_at
	FROM price_history
	WHERE asset_id = $1
	ORDER BY quoted_at DESC LIMIT 1`

	var priceStr string
	quote := &domain.Quote{}
	err := r.db.QueryRowxContext(ctx, query, assetID).Scan(&quote.AssetID, &priceStr, &quote.QuotedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no quote recorded for asset %s: %w", assetID, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query latest quote for %s: %w", assetID, err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("stored quote for %s is not a decimal: %w", assetID, err)
	}
	quote.Price = price
	return quote, nil
}
