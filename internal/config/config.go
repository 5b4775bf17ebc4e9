// Package config loads runtime configuration for the ledger server. Values
// come from LEDGER_* environment variables; a .env file in the working
// directory (or the file named by LEDGER_ENV_FILE) is loaded first when
// present. Anything unset falls back to defaults suitable for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Store drivers understood by cmd/server.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreBolt     = "bolt"
	StoreBadger   = "badger"
)

type Config struct {
	HTTPAddr string

	Store       string
	PostgresDSN string
	SQLitePath  string
	BoltPath    string
	BadgerDir   string

	KafkaBrokers     []string
	KafkaTopicPrefix string

	LogLevel  string
	LogFormat string // "json" or "console"

	RateLimit float64 // requests per second, 0 disables the limiter
	RateBurst int
}

func defaults() Config {
	return Config{
		HTTPAddr:         ":8080",
		Store:            StoreMemory,
		SQLitePath:       "ledger.db",
		BoltPath:         "ledger.bolt",
		BadgerDir:        "ledger-badger",
		KafkaTopicPrefix: "ledger",
		LogLevel:         "info",
		LogFormat:        "json",
		RateLimit:        50,
		RateBurst:        100,
	}
}

// Load reads the env file (missing is fine) and then the environment.
func Load() (Config, error) {
	envFile := os.Getenv("LEDGER_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, which keeps tests off the
// process environment.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := defaults()

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("LEDGER_HTTP_ADDR", &cfg.HTTPAddr)
	str("LEDGER_STORE", &cfg.Store)
	str("LEDGER_POSTGRES_DSN", &cfg.PostgresDSN)
	str("LEDGER_SQLITE_PATH", &cfg.SQLitePath)
	str("LEDGER_BOLT_PATH", &cfg.BoltPath)
	str("LEDGER_BADGER_DIR", &cfg.BadgerDir)
	str("LEDGER_KAFKA_TOPIC_PREFIX", &cfg.KafkaTopicPrefix)
	str("LEDGER_LOG_LEVEL", &cfg.LogLevel)
	str("LEDGER_LOG_FORMAT", &cfg.LogFormat)

	if v := getenv("LEDGER_KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if v := getenv("LEDGER_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return Config{}, fmt.Errorf("LEDGER_RATE_LIMIT: invalid value %q", v)
		}
		cfg.RateLimit = f
	}
	if v := getenv("LEDGER_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("LEDGER_RATE_BURST: invalid value %q", v)
		}
		cfg.RateBurst = n
	}

	switch cfg.Store {
	case StoreMemory, StoreSQLite, StoreBolt, StoreBadger:
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("LEDGER_POSTGRES_DSN is required for the postgres store")
		}
	default:
		return Config{}, fmt.Errorf("LEDGER_STORE: unknown store %q", cfg.Store)
	}

	return cfg, nil
}
