package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conectividade/fieldsync/internal/config"
	"github.com/conectividade/fieldsync/internal/connectivity"
	"github.com/conectividade/fieldsync/internal/dashboard"
	"github.com/conectividade/fieldsync/internal/remote"
	"github.com/conectividade/fieldsync/internal/syncer"
	"github.com/conectividade/fieldsync/internal/trigger"
	"github.com/conectividade/fieldsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run in the foreground and send pending surveys whenever possible.

The daemon will:
  1. Run a sync pass at start-up
  2. Watch connectivity (probe, state file or always-online, per config)
  3. Run a pass each time the device comes back online
  4. Run a pass when another command saves a survey
  5. Optionally run a pass every sync.interval
  6. Optionally serve a live WebSocket dashboard

Stop it with Ctrl+C; the pass in progress finishes first.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		logger, closer := newLogger(cfg)
		defer closer.Close()
		db := openStore(cfg)
		defer db.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		client := newRemote(ctx, cfg, logger)
		defer client.Close(context.Background())

		monitor := initialMonitor(ctx, cfg, client, logger)
		s := syncer.New(db, client, monitor, logger)

		d, err := trigger.New(s, monitor, &trigger.Config{
			Debounce: cfg.Sync.Debounce,
			Interval: cfg.Sync.Interval,
			Logger:   logger,
		})
		if err != nil {
			fatalf("failed to create daemon: %v", err)
		}
		d.AddNotifier(&trigger.LogNotifier{
			Out:    os.Stdout,
			Logger: logger,
			Format: func(res syncer.Result, notice string) string {
				if res.FailCount > 0 {
					return ui.RenderWarn("⚠") + " " + notice
				}
				return ui.RenderPass("✓") + " " + notice
			},
		})

		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(&dashboard.Config{
				Host:   "127.0.0.1",
				Port:   cfg.Dashboard.Port,
				Logger: logger,
			})
			handler := dashboard.NewHandler(server, db, logger)
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer server.Stop()

			d.AddNotifier(handler)
			stopWatch := monitor.OnChange(handler.OnConnectivityChange)
			defer stopWatch()
			if err := handler.RefreshStats(ctx); err != nil {
				logger.Warn("Failed to load initial stats", "error", err)
			}
			fmt.Printf("   Dashboard: http://%s (ws://%s/ws)\n", server.GetAddr(), server.GetAddr())
		}

		go func() {
			if err := monitor.Run(ctx, connectivitySource(cfg, client, logger)); err != nil {
				logger.Error("Connectivity source stopped", "error", err)
			}
		}()
		go func() {
			watcher := &trigger.StoreWatcher{Path: db.Path(), Counter: db, Logger: logger}
			if err := watcher.Watch(ctx, d); err != nil {
				logger.Warn("Not watching the database for new surveys", "error", err)
			}
		}()

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Database: %s\n", db.Path())
		fmt.Printf("   Remote: %s\n", cfg.Remote.Kind)
		fmt.Printf("   Connectivity: %s\n", cfg.Connectivity.Mode)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Start blocks until ctx is cancelled.
		if err := d.Start(ctx); err != nil {
			fatalf("daemon stopped with error: %v", err)
		}
		fmt.Println("\nSync daemon stopped")
	},
}

// initialMonitor checks connectivity once so the start-up pass sees the
// real state instead of waiting for the source's first report.
func initialMonitor(ctx context.Context, cfg *config.Config, client remote.Client, logger *slog.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(onlineNow(ctx, cfg, client, logger), logger)
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the WebSocket dashboard (overrides dashboard.enabled)")
	daemonCmd.Flags().IntP("port", "p", 0, "dashboard port (overrides dashboard.port)")

	rootCmd.AddCommand(daemonCmd)
}
