package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/accessingest/internal/db"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

type StoreConfig struct {
	Driver     string
	SQLitePath string
}

type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type IngestionConfig struct {
	ChunkSize         int
	BatchSize         int
	ValidationWorkers int
	InsertWorkers     int
	MaxFileSizeMB     int64
	MaxRows           int
	MaxAppendRecords  int
	RetryAttempts     int
	RetryDelay        time.Duration
	BatchTimeout      time.Duration
	JobTimeout        time.Duration
	JobRetention      time.Duration
	TimeZone          string
	DayFirst          bool
	RetryDirectory    string
	SpoolDirectory    string
}

// Location resolves TimeZone, defaulting to UTC.
func (c IngestionConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(c.TimeZone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid ingestion.timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

type LoggingConfig struct {
	Level string
}

// Config is the full application configuration.
type Config struct {
	Database  db.Config
	Store     StoreConfig
	Server    ServerConfig
	Ingestion IngestionConfig
	Logging   LoggingConfig
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Database: db.DefaultConfig(),
		Store: StoreConfig{
			Driver:     StorePostgres,
			SQLitePath: "access_events.db",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:3000", "http://127.0.0.1:3000"},
			ReadTimeout:     2 * time.Minute,
			WriteTimeout:    30 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Ingestion: IngestionConfig{
			ChunkSize:         2000,
			BatchSize:         250,
			ValidationWorkers: 1,
			InsertWorkers:     1,
			MaxFileSizeMB:     500,
			MaxRows:           2_000_000,
			MaxAppendRecords:  10_000,
			RetryAttempts:     3,
			RetryDelay:        250 * time.Millisecond,
			BatchTimeout:      time.Minute,
			JobTimeout:        30 * time.Minute,
			JobRetention:      time.Hour,
			TimeZone:          "UTC",
			DayFirst:          true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config.yaml from configPath (when present) and applies ACCESSINGEST_* environment overrides,
// e.g. ACCESSINGEST_DATABASE_HOST or ACCESSINGEST_INGESTION_BATCH_SIZE.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("ACCESSINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only answers for keys viper already knows about.
	for _, key := range knownKeys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	}

	applyDatabase(v, &cfg.Database)
	applyStore(v, &cfg.Store)
	applyServer(v, &cfg.Server)
	applyIngestion(v, &cfg.Ingestion)
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StorePostgres, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Driver == StoreSQLite && strings.TrimSpace(c.Store.SQLitePath) == "" {
		return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
	}
	if c.Ingestion.ChunkSize <= 0 || c.Ingestion.BatchSize <= 0 {
		return fmt.Errorf("ingestion chunk_size and batch_size must be positive")
	}
	if c.Ingestion.MaxFileSizeMB <= 0 || c.Ingestion.MaxRows <= 0 {
		return fmt.Errorf("ingestion max_file_size_mb and max_rows must be positive")
	}
	if _, err := c.Ingestion.Location(); err != nil {
		return err
	}
	if tz := c.Database.TimeZone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("invalid database.time_zone %q: %w", tz, err)
		}
	}
	return nil
}

var knownKeys = []string{
	"database.host",
	"database.port",
	"database.user",
	"database.password",
	"database.dbname",
	"database.sslmode",
	"database.max_conns",
	"database.time_zone",
	"store.driver",
	"store.sqlite_path",
	"server.addr",
	"server.allowed_origins",
	"server.read_timeout",
	"server.write_timeout",
	"server.shutdown_timeout",
	"ingestion.chunk_size",
	"ingestion.batch_size",
	"ingestion.validation_workers",
	"ingestion.insert_workers",
	"ingestion.max_file_size_mb",
	"ingestion.max_rows",
	"ingestion.max_append_records",
	"ingestion.retry_attempts",
	"ingestion.retry_delay",
	"ingestion.batch_timeout",
	"ingestion.job_timeout",
	"ingestion.job_retention",
	"ingestion.timezone",
	"ingestion.day_first",
	"ingestion.retry_directory",
	"ingestion.spool_directory",
	"logging.level",
}

func applyDatabase(v *viper.Viper, cfg *db.Config) {
	if v.IsSet("database.host") {
		cfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.max_conns") {
		cfg.MaxConns = v.GetInt32("database.max_conns")
	}
	if v.IsSet("database.time_zone") {
		cfg.TimeZone = v.GetString("database.time_zone")
	}
}

func applyStore(v *viper.Viper, cfg *StoreConfig) {
	if v.IsSet("store.driver") {
		cfg.Driver = strings.ToLower(strings.TrimSpace(v.GetString("store.driver")))
	}
	if v.IsSet("store.sqlite_path") {
		cfg.SQLitePath = v.GetString("store.sqlite_path")
	}
}

func applyServer(v *viper.Viper, cfg *ServerConfig) {
	if v.IsSet("server.addr") {
		cfg.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("server.read_timeout") {
		cfg.ReadTimeout = v.GetDuration("server.read_timeout")
	}
	if v.IsSet("server.write_timeout") {
		cfg.WriteTimeout = v.GetDuration("server.write_timeout")
	}
	if v.IsSet("server.shutdown_timeout") {
		cfg.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	}
}

func applyIngestion(v *viper.Viper, cfg *IngestionConfig) {
	if v.IsSet("ingestion.chunk_size") {
		cfg.ChunkSize = v.GetInt("ingestion.chunk_size")
	}
	if v.IsSet("ingestion.batch_size") {
		cfg.BatchSize = v.GetInt("ingestion.batch_size")
	}
	if v.IsSet("ingestion.validation_workers") {
		cfg.ValidationWorkers = v.GetInt("ingestion.validation_workers")
	}
	if v.IsSet("ingestion.insert_workers") {
		cfg.InsertWorkers = v.GetInt("ingestion.insert_workers")
	}
	if v.IsSet("ingestion.max_file_size_mb") {
		cfg.MaxFileSizeMB = v.GetInt64("ingestion.max_file_size_mb")
	}
	if v.IsSet("ingestion.max_rows") {
		cfg.MaxRows = v.GetInt("ingestion.max_rows")
	}
	if v.IsSet("ingestion.max_append_records") {
		cfg.MaxAppendRecords = v.GetInt("ingestion.max_append_records")
	}
	if v.IsSet("ingestion.retry_attempts") {
		cfg.RetryAttempts = v.GetInt("ingestion.retry_attempts")
	}
	if v.IsSet("ingestion.retry_delay") {
		cfg.RetryDelay = v.GetDuration("ingestion.retry_delay")
	}
	if v.IsSet("ingestion.batch_timeout") {
		cfg.BatchTimeout = v.GetDuration("ingestion.batch_timeout")
	}
	if v.IsSet("ingestion.job_timeout") {
		cfg.JobTimeout = v.GetDuration("ingestion.job_timeout")
	}
	if v.IsSet("ingestion.job_retention") {
		cfg.JobRetention = v.GetDuration("ingestion.job_retention")
	}
	if v.IsSet("ingestion.timezone") {
		cfg.TimeZone = v.GetString("ingestion.timezone")
	}
	if v.IsSet("ingestion.day_first") {
		cfg.DayFirst = v.GetBool("ingestion.day_first")
	}
	if v.IsSet("ingestion.retry_directory") {
		cfg.RetryDirectory = v.GetString("ingestion.retry_directory")
	}
	if v.IsSet("ingestion.spool_directory") {
		cfg.SpoolDirectory = v.GetString("ingestion.spool_directory")
	}
}
