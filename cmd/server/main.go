package main

import (
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"portfolioTracker/config"
	"portfolioTracker/internal/adapters/logger"
	"portfolioTracker/internal/adapters/postgres"
	"portfolioTracker/internal/adapters/sqlite"
	"portfolioTracker/internal/handlers"
	"portfolioTracker/internal/ledger"
	"portfolioTracker/internal/ports"
	"portfolioTracker/internal/reconcile"
	"portfolioTracker/internal/valuation"
)

// store is the full persistence surface; both adapters satisfy it.
type store interface {
	ports.TransactionRepository
	ports.PositionRepository
	ports.QuoteRepository
	io.Closer
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	log := logger.New(cfg.LogLevel)
	appLog := log.Underlying()

	repo, err := openStore(cfg, log)
	if err != nil {
		appLog.Fatalf("store init failed: %v", err)
	}
	defer repo.Close()

	ledgerSvc, err := ledger.New(repo, log)
	if err != nil {
		appLog.Fatalf("ledger init failed: %v", err)
	}
	reconciler, err := reconcile.New(repo, repo, log)
	if err != nil {
		appLog.Fatalf("reconciler init failed: %v", err)
	}
	valuationSvc, err := valuation.New(repo, repo, log)
	if err != nil {
		appLog.Fatalf("valuation init failed: %v", err)
	}

	h := handlers.NewHandler(ledgerSvc, reconciler, valuationSvc, repo, repo, repo, appLog)

	r := gin.Default()
	h.Register(r)

	appLog.Infof("server starting on :%s (driver=%s)", cfg.Port, cfg.DBDriver)
	if err := r.Run(fmt.Sprintf(":%s", cfg.Port)); err != nil {
		appLog.Fatalf("server stopped: %v", err)
	}
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
