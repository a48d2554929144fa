// Package sqlite persists transactions, positions and price quotes in a
// single SQLite file. It is the default store for single-user deployments;
// internal/adapters/postgres covers the hosted setup.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"portfolioTracker/internal/domain"
	"portfolioTracker/internal/ports"
)

// Repository implements ports.TransactionRepository, ports.PositionRepository
// and ports.QuoteRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/portfolio.db" // Default path
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the apply path and rebuilds.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite store ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		portfolio_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		type TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		fees REAL NOT NULL DEFAULT 0,
		tx_date TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		portfolio_id TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		quantity REAL NOT NULL,
		avg_cost_basis REAL NOT NULL,
		total_cost_basis REAL NOT NULL,
		realized_pl REAL NOT NULL,
		open_date TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (portfolio_id, asset_id)
	);

	CREATE TABLE IF NOT EXISTS price_history (
		asset_id TEXT NOT NULL,
		price TEXT NOT NULL,
		quoted_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_portfolio ON transactions (portfolio_id, asset_id);
	CREATE INDEX IF NOT EXISTS idx_price_history_asset ON price_history (asset_id, quoted_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// --- TransactionRepository Implementation ---

// Create persists a new transaction. Transaction ids are unique; inserting
// the same id twice reports ports.ErrDuplicateEntry.
func (r *Repository) Create(ctx context.Context, tx *domain.Transaction) error {
	const query = `
	INSERT INTO transactions (id, portfolio_id, asset_id, type, quantity, price, fees, tx_date, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.PortfolioID, tx.AssetID, string(tx.Type), tx.Quantity, tx.Price, tx.Fees, tx.Date, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s already recorded: %w", tx.ID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
	}
	r.logger.Debug(ctx, "Transaction recorded", map[string]interface{}{
		"transactionID": tx.ID,
		"portfolioID":   tx.PortfolioID,
		"assetID":       tx.AssetID,
		"type":          tx.Type,
	})
	return nil
}

// FindByPortfolio retrieves every transaction for a portfolio. Rows come back
// in insertion order; replay code re-sorts by (date, createdAt) itself.
func (r *Repository) FindByPortfolio(ctx context.Context, portfolioID string) ([]*domain.Transaction, error) {
	const query = `
	SELECT id, portfolio_id, asset_id, type, quantity, price, fees, tx_date, created_at
	FROM transactions
	WHERE portfolio_id = ?
	ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions for portfolio %s: %w", portfolioID, err)
	}
	defer rows.Close()

	txs := make([]*domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction during FindByPortfolio: %w", err)
		}
		txs = append(txs, tx)
	}
	if err = rows.Err(); err != nil {
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
	WHERE portfolio_id = ? AND asset_id = ?`

	row := r.db.QueryRowContext(ctx, query, portfolioID, assetID)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not held
		}
		return nil, fmt.Errorf("failed to query position %s/%s: %w", portfolioID, assetID, err)
	}
	return pos, nil
}

// Insert creates the position row for a pair that has none. When the row
// already exists the conflict clause turns the insert into a no-op and the
// surviving row is returned alongside ports.ErrDuplicateEntry, so of two
// concurrent first buys exactly one inserts and the other learns whose row
// won.
func (r *Repository) Insert(ctx context.Context, pos *domain.Position) (*domain.Position, error) {
	const query = `
	INSERT INTO positions (id, portfolio_id, asset_id, quantity, avg_cost_basis, total_cost_basis, realized_pl, open_date, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (portfolio_id, asset_id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		pos.ID, pos.PortfolioID, pos.AssetID, pos.Quantity, pos.AverageCostBasis,
		pos.TotalCostBasis, pos.RealizedPL, pos.OpenDate, pos.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert position %s/%s: %w", pos.PortfolioID, pos.AssetID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result for %s/%s: %w", pos.PortfolioID, pos.AssetID, err)
	}

	stored, err := r.Find(ctx, pos.PortfolioID, pos.AssetID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("position %s/%s missing after insert: %w", pos.PortfolioID, pos.AssetID, ports.ErrQueryFailed)
	}
	if affected == 0 {
		return stored, fmt.Errorf("position %s/%s already exists: %w", pos.PortfolioID, pos.AssetID, ports.ErrDuplicateEntry)
	}
	r.logger.Debug(ctx, "Position inserted", map[string]interface{}{
		"positionID":  stored.ID,
		"portfolioID": stored.PortfolioID,
		"assetID":     stored.AssetID,
	})
	return stored, nil
}

// Upsert atomically replaces the position keyed on (portfolio_id, asset_id),
// then re-reads the stored row. Update writes and rebuild commits land here;
// lazy creation goes through Insert.
func (r *Repository) Upsert(ctx context.Context, pos *domain.Position) (*domain.Position, error) {
	const query = `
	INSERT INTO positions (id, portfolio_id, asset_id, quantity, avg_cost_basis, total_cost_basis, realized_pl, open_date, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (portfolio_id, asset_id) DO UPDATE SET
		quantity = excluded.quantity,
		avg_cost_basis = excluded.avg_cost_basis,
		total_cost_basis = excluded.total_cost_basis,
		realized_pl = excluded.realized_pl,
		open_date = excluded.open_date,
		updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		pos.ID, pos.PortfolioID, pos.AssetID, pos.Quantity, pos.AverageCostBasis,
		pos.TotalCostBasis, pos.RealizedPL, pos.OpenDate, pos.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert position %s/%s: %w", pos.PortfolioID, pos.AssetID, err)
	}

	stored, err := r.Find(ctx, pos.PortfolioID, pos.AssetID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("position %s/%s missing after upsert: %w", pos.PortfolioID, pos.AssetID, ports.ErrUpdateFailed)
	}
	r.logger.Debug(ctx, "Position upserted", map[string]interface{}{
		"positionID":  stored.ID,
		"portfolioID": stored.PortfolioID,
		"assetID":     stored.AssetID,
		"quantity":    stored.Quantity,
	})
	return stored, nil
}

// Delete removes the position for a (portfolio, asset) pair. Deleting an
// absent row is a no-op.
func (r *Repository) Delete(ctx context.Context, portfolioID, assetID string) error {
	const query = `DELETE FROM positions WHERE portfolio_id = ? AND asset_id = ?`
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
	WHERE portfolio_id = ?
	ORDER BY asset_id ASC`

	rows, err := r.db.QueryContext(ctx, query, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for portfolio %s: %w", portfolioID, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position during ListForPortfolio: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// --- QuoteRepository Implementation ---

// Record stores a new price observation for an asset. Prices are kept as
// decimal strings; REAL would silently lose display precision.
func (r *Repository) Record(ctx context.Context, quote *domain.Quote) error {
	const query = `INSERT INTO price_history (asset_id, price, quoted_at) VALUES (?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, quote.AssetID, quote.Price.String(), quote.QuotedAt)
	if err != nil {
		return fmt.Errorf("failed to record quote for %s: %w", quote.AssetID, err)
	}
	return nil
}

// Latest retrieves the most recent quote for an asset.
func (r *Repository) Latest(ctx context.Context, assetID string) (*domain.Quote, error) {
	const query = `
	SELECT asset_id, price, quoted_at
	FROM price_history
	WHERE asset_id = ?
	ORDER BY quoted_at DESC LIMIT 1`

	var priceStr string
	quote := &domain.Quote{}
	err := r.db.QueryRowContext(ctx, query, assetID).Scan(&quote.AssetID, &priceStr, &quote.QuotedAt)
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

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	tx := &domain.Transaction{}
	var txType string
	err := s.Scan(&tx.ID, &tx.PortfolioID, &tx.AssetID, &txType,
		&tx.Quantity, &tx.Price, &tx.Fees, &tx.Date, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.Type = domain.TransactionType(txType)
	return tx, nil
}

func scanPosition(s scanner) (*domain.Position, error) {
	pos := &domain.Position{}
	err := s.Scan(&pos.ID, &pos.PortfolioID, &pos.AssetID, &pos.Quantity,
		&pos.AverageCostBasis, &pos.TotalCostBasis, &pos.RealizedPL, &pos.OpenDate, &pos.UpdatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	return pos, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
