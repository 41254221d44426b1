// Command fieldsync stores field surveys on the device and delivers them to
// the remote database when connectivity allows.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/conectividade/fieldsync/internal/config"
	"github.com/conectividade/fieldsync/internal/connectivity"
	"github.com/conectividade/fieldsync/internal/logging"
	"github.com/conectividade/fieldsync/internal/remote"
	"github.com/conectividade/fieldsync/internal/store"
)

var (
	configPath string
	dbPath     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first field survey store with background sync",
	Long: `fieldsync keeps survey records on the device and delivers them to the
remote database (MongoDB or a PostgREST endpoint) once the device is online.

Records are saved locally first and marked pending. A sync pass sends every
pending record once, in the order it was saved, and marks it synced or failed.
Failed records stay failed until you requeue them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Survey records:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .fieldsync/config.{yaml,toml,json})")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "survey database path (overrides db.path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// fatalf prints an error and exits, the way every command reports failure.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig applies the persistent flags on top of the loaded settings.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg
}

// newLogger builds the process logger. The closer must be closed on exit.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fatalf("failed to set up logging: %v", err)
	}
	slog.SetDefault(logger)
	return logger, closer
}

// openStore opens the survey database and brings its schema up to date.
func openStore(cfg *config.Config) *store.DB {
	db, err := store.Open(cfg.DB.Path)
	if err != nil {
		fatalf("failed to open survey database: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		fatalf("failed to initialize schema: %v", err)
	}
	return db
}

// newRemote connects the configured remote backend.
func newRemote(ctx context.Context, cfg *config.Config, logger *slog.Logger) remote.Client {
	client, err := remote.New(ctx, remote.Options{
		Kind:       cfg.Remote.Kind,
		URI:        cfg.Remote.URI,
		Database:   cfg.Remote.Database,
		Collection: cfg.Remote.Collection,
		URL:        cfg.Remote.URL,
		APIKey:     cfg.Remote.APIKey,
		Table:      cfg.Remote.Table,
		Timeout:    cfg.Remote.Timeout,
	}, logger)
	if err != nil {
		fatalf("failed to set up remote %s: %v", cfg.Remote.Kind, err)
	}
	return client
}

// connectivitySource picks the online/offline signal for the configured mode.
func connectivitySource(cfg *config.Config, client remote.Client, logger *slog.Logger) connectivity.Source {
	switch cfg.Connectivity.Mode {
	case "file":
		return &connectivity.FileSource{Path: cfg.Connectivity.StateFile, Logger: logger}
	case "always":
		return connectivity.Always(true)
	default:
		return &connectivity.ProbeSource{
			Pinger:   client,
			Interval: cfg.Connectivity.ProbeInterval,
			Timeout:  cfg.Connectivity.ProbeTimeout,
			Logger:   logger,
		}
	}
}

// onlineNow checks connectivity once, for one-shot commands.
func onlineNow(ctx context.Context, cfg *config.Config, client remote.Client, logger *slog.Logger) bool {
	switch cfg.Connectivity.Mode {
	case "file":
		return connectivity.ReadStateFile(cfg.Connectivity.StateFile)
	case "always":
		return true
	default:
		probe := &connectivity.ProbeSource{
			Pinger:  client,
			Timeout: cfg.Connectivity.ProbeTimeout,
			Logger:  logger,
		}
		return probe.Probe(ctx)
	}
}
