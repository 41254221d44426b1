package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/conectividade/fieldsync/internal/config"
	"github.com/conectividade/fieldsync/internal/connectivity"
	"github.com/conectividade/fieldsync/internal/store"
	"github.com/conectividade/fieldsync/internal/survey"
	"github.com/conectividade/fieldsync/internal/syncer"
	"github.com/conectividade/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Send pending surveys now",
	Long: `Run one sync pass.

Connectivity is checked once first. When the device is offline nothing is
sent and pending surveys stay pending. Otherwise every pending survey is
submitted once, oldest first, and marked synced or failed.

Failed surveys are not retried automatically; use 'fieldsync requeue'.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		logger, closer := newLogger(cfg)
		defer closer.Close()
		db := openStore(cfg)
		defer db.Close()

		runPassAndReport(context.Background(), cfg, db, logger, syncer.TriggerManual)
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show record counts and recent sync passes",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		ctx := context.Background()
		counts, err := db.CountByStatus(ctx)
		if err != nil {
			fatalf("failed to count surveys: %v", err)
		}
		passes, err := db.RecentPasses(ctx, limit)
		if err != nil {
			fatalf("failed to read pass history: %v", err)
		}

		fmt.Printf("\n%s Survey Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Database: %s\n", db.Path())
		fmt.Printf("Pending:  %s\n", ui.RenderWarn(fmt.Sprint(counts[survey.StatusPending])))
		fmt.Printf("Synced:   %s\n", ui.RenderPass(fmt.Sprint(counts[survey.StatusSynced])))
		fmt.Printf("Failed:   %s\n", ui.RenderFail(fmt.Sprint(counts[survey.StatusFailed])))

		if len(passes) == 0 {
			fmt.Printf("\nNo sync passes yet.\n\n")
			return
		}
		fmt.Printf("\n%s\n", ui.RenderBold("Recent passes"))
		for _, p := range passes {
			outcome := fmt.Sprintf("%d sent, %d failed", p.SuccessCount, p.FailCount)
			if p.StoreErrors > 0 {
				outcome += fmt.Sprintf(", %d not recorded", p.StoreErrors)
			}
			if p.SkippedReason != "" {
				outcome = ui.RenderMuted("skipped: " + p.SkippedReason)
			}
			fmt.Printf("  %s  %-8s  %s  %s\n",
				p.StartedAt.Local().Format("2006-01-02 15:04:05"), p.Trigger, outcome,
				ui.RenderMuted(p.Duration().Round(time.Millisecond).String()))
		}
		fmt.Println()
	},
}

var requeueCmd = &cobra.Command{
	Use:     "requeue",
	GroupID: "sync",
	Short:   "Return failed surveys to pending so the next pass retries them",
	Long: `Move failed surveys back to pending.

A sync pass never retries failed surveys by itself. Requeue the ones worth
retrying, for example after the remote problem has been fixed.

Examples:
  fieldsync requeue --id 12 --id 15
  fieldsync requeue --failed-before "2 hours ago"
  fieldsync requeue --all`,
	Run: func(cmd *cobra.Command, args []string) {
		ids, _ := cmd.Flags().GetInt64Slice("id")
		all, _ := cmd.Flags().GetBool("all")
		before, _ := cmd.Flags().GetString("failed-before")

		filter := store.RequeueFilter{LocalIDs: ids, All: all}
		if before != "" {
			cutoff, err := parseTimeExpr(before, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			filter.FailedBefore = cutoff
		}
		if len(ids) == 0 && before == "" && !all {
			fatalf("specify --id, --failed-before or --all")
		}

		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		n, err := db.Requeue(context.Background(), filter)
		if err != nil {
			fatalf("failed to requeue: %v", err)
		}
		if n == 0 {
			fmt.Println("No failed surveys matched.")
			return
		}
		fmt.Printf("%s Requeued %d failed %s; they will be sent on the next pass\n",
			ui.RenderPass("✓"), n, pluralize(int(n), "survey", "surveys"))
	},
}

// runPassAndReport checks connectivity once, runs a pass and prints the
// user notice.
func runPassAndReport(ctx context.Context, cfg *config.Config, db *store.DB, logger *slog.Logger, trigger string) {
	client := newRemote(ctx, cfg, logger)
	defer client.Close(ctx)

	monitor := connectivity.NewMonitor(onlineNow(ctx, cfg, client, logger), logger)
	s := syncer.New(db, client, monitor, logger)

	res, err := s.Pass(ctx, trigger)
	if err != nil {
		fatalf("sync failed: %v", err)
	}

	switch {
	case res.Skipped == syncer.SkipOffline:
		counts, _ := db.CountByStatus(ctx)
		fmt.Printf("%s Offline; %d pending %s will be sent when the device is back online\n",
			ui.RenderWarn("⚠"), counts[survey.StatusPending],
			pluralize(counts[survey.StatusPending], "survey", "surveys"))
	case res.Attempted() == 0:
		fmt.Println("Nothing to send.")
	case res.FailCount > 0:
		fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), res.Notice())
	default:
		fmt.Printf("%s %s\n", ui.RenderPass("✓"), res.Notice())
	}
	if res.StoreErrors > 0 {
		fmt.Printf("%s %d %s could not be recorded locally and will be retried\n",
			ui.RenderWarn("⚠"), res.StoreErrors, pluralize(res.StoreErrors, "result", "results"))
	}
}

// parseTimeExpr accepts an absolute timestamp or a natural-language
// expression such as "2 hours ago" or "yesterday 18:00".
func parseTimeExpr(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return r.Time, nil
}

func init() {
	statusCmd.Flags().Int("limit", 10, "number of recent passes to show")

	requeueCmd.Flags().Int64Slice("id", nil, "local id of a failed survey; repeatable")
	requeueCmd.Flags().Bool("all", false, "requeue every failed survey")
	requeueCmd.Flags().String("failed-before", "", `only surveys whose last attempt was before this time ("2 hours ago", "2025-03-01 08:00")`)

	rootCmd.AddCommand(syncCmd, statusCmd, requeueCmd)
}
