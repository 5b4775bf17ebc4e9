package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Store != StoreMemory || cfg.RateBurst != 100 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"LEDGER_STORE":         "sqlite",
		"LEDGER_SQLITE_PATH":   "/var/lib/ledger/ledger.db",
		"LEDGER_KAFKA_BROKERS": "k1:9092, k2:9092,",
		"LEDGER_RATE_LIMIT":    "0",
		"LEDGER_LOG_FORMAT":    "console",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Store != StoreSQLite || cfg.SQLitePath != "/var/lib/ledger/ledger.db" {
		t.Fatalf("store = %s %s", cfg.Store, cfg.SQLitePath)
	}
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"k1:9092", "k2:9092"}) {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.RateLimit != 0 || cfg.LogFormat != "console" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := []map[string]string{
		{"LEDGER_STORE": "mongo"},
		{"LEDGER_STORE": "postgres"},
		{"LEDGER_RATE_LIMIT": "fast"},
		{"LEDGER_RATE_BURST": "0"},
	}
	for _, c := range cases {
		if _, err := FromEnv(env(c)); err == nil {
			t.Fatalf("FromEnv(%v) accepted invalid config", c)
		}
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.env")
	if err := os.WriteFile(path, []byte("LEDGER_HTTP_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("LEDGER_ENV_FILE", path)
	// godotenv never overrides a variable that is present, even if empty.
	// Setenv registers the restore, Unsetenv leaves the key free.
	t.Setenv("LEDGER_HTTP_ADDR", "")
	os.Unsetenv("LEDGER_HTTP_ADDR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("HTTPAddr = %q, want :9999", cfg.HTTPAddr)
	}
}

func TestLoadWithoutEnvFile(t *testing.T) {
	t.Setenv("LEDGER_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	if _, err := Load(); err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
}
