package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Supported storage backends.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Storage
	DBDriver    string // sqlite or postgres
	DBPath      string // sqlite file path
	PostgresURL string // postgres DSN, required when DBDriver is postgres

	// HTTP
	Port string

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	cfg.DBDriver = strings.ToLower(getEnv("DB_DRIVER", DriverSQLite))
	switch cfg.DBDriver {
	case DriverSQLite:
		cfg.DBPath = getEnv("DB_PATH", "./data/portfolio.db")
	case DriverPostgres:
		cfg.PostgresURL = getEnv("POSTGRES_URL", "")
		if cfg.PostgresURL == "" {
			errs = append(errs, "POSTGRES_URL must be set for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported DB_DRIVER %q (want %s or %s)", cfg.DBDriver, DriverSQLite, DriverPostgres))
	}

	cfg.Port = getEnv("PORT", "8080")
	if cfg.Port == "" {
		errs = append(errs, "PORT must be set")
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
