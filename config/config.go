// Package config reads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Store       string
	SQLitePath  string
	DatabaseURL string
	DBMaxConns  int

	// FormulaFile is a YAML/JSON payroll configuration. Empty means the
	// built-in establishment presets, or the store's saved config if any.
	FormulaFile string
	// ConfigRefresh reloads the payroll config on this interval. Zero disables it.
	ConfigRefresh time.Duration

	LogLevel string
	LogFile  string
}

// Load reads .env files if present, then the environment. Variables already
// set in the environment win over .env values.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Config{
		Store:       strings.ToLower(getEnv("PAYROLL_STORE", StoreMemory)),
		SQLitePath:  getEnv("PAYROLL_SQLITE_PATH", "payroll.db"),
		DatabaseURL: getEnv("PAYROLL_DATABASE_URL", ""),
		DBMaxConns:  getEnvInt("PAYROLL_DB_MAX_CONNS", 10),
		FormulaFile: getEnv("PAYROLL_FORMULA_FILE", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", ""),
	}
	refresh, err := time.ParseDuration(getEnv("PAYROLL_CONFIG_REFRESH", "0s"))
	if err != nil {
		return Config{}, fmt.Errorf("PAYROLL_CONFIG_REFRESH: %w", err)
	}
	cfg.ConfigRefresh = refresh
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("PAYROLL_SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("PAYROLL_DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown PAYROLL_STORE %q (want memory, sqlite or postgres)", c.Store)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("PAYROLL_DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.ConfigRefresh < 0 {
		return fmt.Errorf("PAYROLL_CONFIG_REFRESH must not be negative, got %s", c.ConfigRefresh)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
