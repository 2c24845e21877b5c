package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadUsesDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := DefaultConfig()
	if cfg.Store.Driver != want.Store.Driver || cfg.Ingestion.BatchSize != 250 || cfg.Ingestion.ChunkSize != 2000 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.Database.Host != "localhost" {
		t.Fatalf("expected default database host, got %s", cfg.Database.Host)
	}
}

func TestLoadReadsFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	yaml := strings.Join([]string{
		"store:",
		"  driver: sqlite",
		"  sqlite_path: events.db",
		"ingestion:",
		"  batch_size: 100",
		"  retry_delay: 1s",
		"  timezone: Asia/Bangkok",
		"  day_first: false",
		"database:",
		"  time_zone: Asia/Bangkok",
		"logging:",
		"  level: debug",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ACCESSINGEST_DATABASE_HOST", "db.internal")
	t.Setenv("ACCESSINGEST_INGESTION_BATCH_SIZE", "50")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Store.Driver != StoreSQLite || cfg.Store.SQLitePath != "events.db" {
		t.Fatalf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Ingestion.BatchSize != 50 {
		t.Fatalf("expected env to override batch size, got %d", cfg.Ingestion.BatchSize)
	}
	if cfg.Ingestion.RetryDelay != time.Second {
		t.Fatalf("expected retry delay 1s, got %s", cfg.Ingestion.RetryDelay)
	}
	if cfg.Ingestion.DayFirst {
		t.Fatalf("expected day_first false")
	}
	if cfg.Database.TimeZone != "Asia/Bangkok" {
		t.Fatalf("expected database.time_zone from file, got %q", cfg.Database.TimeZone)
	}
	if cfg.Database.Host != "db.internal" {
		t.Fatalf("expected env database host, got %s", cfg.Database.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %s", cfg.Logging.Level)
	}
	loc, err := cfg.Ingestion.Location()
	if err != nil || loc.String() != "Asia/Bangkok" {
		t.Fatalf("expected Asia/Bangkok location, got %v (%v)", loc, err)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = "mongo"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown driver to be rejected")
	}

	cfg = DefaultConfig()
	cfg.Ingestion.TimeZone = "Not/AZone"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid timezone to be rejected")
	}
}

func TestValidateRejectsInvalidDatabaseTimeZone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.TimeZone = "UTC'; DROP TABLE access_records; --"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid database.time_zone to be rejected")
	}

	cfg.Database.TimeZone = "Asia/Bangkok"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a valid zone to pass, got %v", err)
	}
}
