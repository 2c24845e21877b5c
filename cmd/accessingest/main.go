package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpattn/accessingest/internal/config"
	"github.com/rpattn/accessingest/internal/logging"

	"github.com/spf13/cobra"
)

// errIncomplete signals that a report was printed but the ingestion did not fully succeed.
var errIncomplete = errors.New("ingestion finished with problems")

type rootOptions struct {
	configPath string
	logLevel   string
	store      string
	sqlitePath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, errIncomplete):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "accessingest",
		Short:         "Ingest access-control log exports into the access event store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", ".", "Directory containing config.yaml")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.store, "store", "", "Store driver override: postgres, sqlite or memory")
	cmd.PersistentFlags().StringVar(&opts.sqlitePath, "sqlite-path", "", "SQLite database file (sqlite store only)")

	cmd.AddCommand(newIngestCmd(opts), newMigrateCmd(opts), newServeCmd(opts))
	return cmd
}

// load applies the persistent flag overrides on top of the file and environment configuration.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.store != "" {
		cfg.Store.Driver = o.store
	}
	if o.sqlitePath != "" {
		cfg.Store.SQLitePath = o.sqlitePath
	}
	return cfg, cfg.Validate()
}

func (o *rootOptions) loadWithLogger() (config.Config, *slog.Logger, error) {
	cfg, err := o.load()
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logging.New(cfg.Logging.Level), nil
}
