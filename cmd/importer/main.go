// Bulk-imports transactions from a YAML file into a portfolio, then rebuilds
// every position from the full history. Import never goes through the
// incremental path: replaying from scratch afterwards is what guarantees the
// stored positions exactly reflect the imported history.
//
// Usage:
//
//	importer -portfolio p1 -file transactions.yaml
//
// File format:
//
//	transactions:
//	  - asset_id: AAPL
//	    type: buy
//	    quantity: 10
//	    price: 185.50
//	    fees: 1.00
//	    date: 2024-01-15
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"portfolioTracker/config"
	"portfolioTracker/internal/adapters/logger"
	"portfolioTracker/internal/adapters/postgres"
	"portfolioTracker/internal/adapters/sqlite"
	"portfolioTracker/internal/domain"
	"portfolioTracker/internal/ports"
	"portfolioTracker/internal/reconcile"
)

type importFile struct {
	Transactions []importTx `yaml:"transactions"`
}

type importTx struct {
	AssetID  string  `yaml:"asset_id"`
	Type     string  `yaml:"type"`
	Quantity float64 `yaml:"quantity"`
	Price    float64 `yaml:"price"`
	Fees     float64 `yaml:"fees"`
	Date     string  `yaml:"date"` // 2006-01-02
}

type store interface {
	ports.TransactionRepository
	ports.PositionRepository
	Close() error
}

func main() {
	portfolioID := flag.String("portfolio", "", "portfolio id to import into")
	file := flag.String("file", "", "YAML file with transactions")
	flag.Parse()

	if *portfolioID == "" || *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
		os.Exit(1)
	}
	var in importFile
	if err := yaml.Unmarshal(raw, &in); err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *file, err)
		os.Exit(1)
	}
	if len(in.Transactions) == 0 {
		fmt.Fprintf(os.Stderr, "%s contains no transactions\n", *file)
		os.Exit(1)
	}

	repo, err := openStore(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store init failed: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	for i, row := range in.Transactions {
		tx, err := toTransaction(*portfolioID, row, now.Add(time.Duration(i)*time.Microsecond))
		if err != nil {
			fmt.Fprintf(os.Stderr, "transaction %d: %v\n", i+1, err)
			os.Exit(1)
		}
		if err := repo.Create(ctx, tx); err != nil {
			fmt.Fprintf(os.Stderr, "insert transaction %d: %v\n", i+1, err)
			os.Exit(1)
		}
	}
	fmt.Printf("imported %d transactions into portfolio %s\n", len(in.Transactions), *portfolioID)

	reconciler, err := reconcile.New(repo, repo, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciler init failed: %v\n", err)
		os.Exit(1)
	}
	summary, err := reconciler.Rebuild(ctx, *portfolioID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("rebuild: created=%d updated=%d deleted=%d\n", summary.Created, summary.Updated, summary.Deleted)
	for _, failure := range summary.Failed {
		fmt.Fprintf(os.Stderr, "asset %s failed to replay: %s\n", failure.AssetID, failure.Reason)
	}
	if len(summary.Failed) > 0 {
		os.Exit(1)
	}
}

func toTransaction(portfolioID string, row importTx, createdAt time.Time) (*domain.Transaction, error) {
	txType := domain.TransactionType(row.Type)
	if !txType.Valid() {
		return nil, fmt.Errorf("unknown type %q", row.Type)
	}
	date, err := time.Parse("2006-01-02", row.Date)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", row.Date, err)
	}
	if row.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %f", row.Quantity)
	}
	if row.Price < 0 || row.Fees < 0 {
		return nil, fmt.Errorf("price and fees cannot be negative")
	}
	return &domain.Transaction{
		ID:          ulid.Make().String(),
		PortfolioID: portfolioID,
		AssetID:     row.AssetID,
		Type:        txType,
		Quantity:    row.Quantity,
		Price:       row.Price,
		Fees:        row.Fees,
		Date:        date.UTC(),
		CreatedAt:   createdAt,
	}, nil
}

func openStore(cfg *config.Config, log ports.Logger) (store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return postgres.NewRepository(postgres.Config{DSN: cfg.PostgresURL, Logger: log})
	case config.DriverSQLite:
		return sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: log})
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}
