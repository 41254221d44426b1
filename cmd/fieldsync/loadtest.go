package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/conectividade/fieldsync/internal/loadtest"
	"github.com/conectividade/fieldsync/internal/store"
	"github.com/conectividade/fieldsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "setup",
	Hidden:  true,
	Short:   "Save surveys from many agents while sync passes run",
	Long: `Stress the local store and the sync pass together.

A scratch database is created and --agents goroutines save --surveys surveys
each while sync passes run back to back against a simulated remote. A final
pass drains the queue, then every record must be synced or failed exactly
once. The configured database and remote are never touched.

Examples:
  fieldsync loadtest
  fieldsync loadtest --agents 50 --surveys 40 --latency 5ms --fail-rate 0.2
  fieldsync loadtest --json`,
	Run: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("agents", 20, "number of concurrent agents")
	loadtestCmd.Flags().Int("surveys", 25, "surveys saved by each agent")
	loadtestCmd.Flags().Duration("latency", time.Millisecond, "simulated remote latency per submission")
	loadtestCmd.Flags().Float64("fail-rate", 0.05, "fraction of submissions the simulated remote rejects (0.0-1.0)")
	loadtestCmd.Flags().Bool("keep", false, "keep the scratch database and print its path")
	loadtestCmd.Flags().Bool("json", false, "output the report as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	agents, _ := cmd.Flags().GetInt("agents")
	perAgent, _ := cmd.Flags().GetInt("surveys")
	latency, _ := cmd.Flags().GetDuration("latency")
	failRate, _ := cmd.Flags().GetFloat64("fail-rate")
	keep, _ := cmd.Flags().GetBool("keep")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if agents <= 0 || perAgent <= 0 {
		fatalf("--agents and --surveys must be positive")
	}
	if failRate < 0 || failRate > 1 {
		fatalf("--fail-rate must be between 0.0 and 1.0")
	}

	dir, err := os.MkdirTemp("", "fieldsync-loadtest-")
	if err != nil {
		fatalf("failed to create scratch directory: %v", err)
	}
	if !keep {
		defer os.RemoveAll(dir)
	}

	db, err := store.Open(filepath.Join(dir, "surveys.db"))
	if err != nil {
		fatalf("failed to open scratch database: %v", err)
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		fatalf("failed to initialize schema: %v", err)
	}

	client := loadtest.NewSimulatedRemote(latency, failRate)
	start := time.Now()
	report, err := loadtest.RunInsertsDuringSync(context.Background(), db, client, agents, perAgent)
	elapsed := time.Since(start)

	if jsonOutput && report != nil {
		printJSON(map[string]any{
			"agents":     agents,
			"surveys":    agents * perAgent,
			"passes":     report.Passes,
			"synced":     report.Synced,
			"failed":     report.Failed,
			"pending":    report.Pending,
			"submits":    client.Submits(),
			"elapsed":    elapsed.String(),
			"insert_p50": report.Inserts.P50.String(),
			"insert_p95": report.Inserts.P95.String(),
			"insert_p99": report.Inserts.P99.String(),
		})
	} else if report != nil {
		fmt.Printf("\n%s Load test: %d agents x %d surveys\n\n", ui.RenderAccent("⚡"), agents, perAgent)
		report.Inserts.PrintStats(os.Stdout)
		fmt.Printf("\nSync:\n")
		fmt.Printf("  Passes:        %d\n", report.Passes)
		fmt.Printf("  Submissions:   %d\n", client.Submits())
		fmt.Printf("  Synced:        %d\n", report.Synced)
		fmt.Printf("  Failed:        %d\n", report.Failed)
		fmt.Printf("  Pending:       %d\n", report.Pending)
		fmt.Printf("  Elapsed:       %v\n\n", elapsed.Round(time.Millisecond))
	}
	if keep {
		fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# database kept at "+db.Path()))
	}

	if err != nil {
		fatalf("load test failed: %v", err)
	}
	if !jsonOutput {
		fmt.Printf("%s Every survey was accounted for exactly once\n", ui.RenderPass("✓"))
	}
}
