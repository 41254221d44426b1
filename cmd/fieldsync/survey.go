package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/conectividade/fieldsync/internal/survey"
	"github.com/conectividade/fieldsync/internal/syncer"
	"github.com/conectividade/fieldsync/internal/ui"
)

var surveyCmd = &cobra.Command{
	Use:     "survey",
	GroupID: "records",
	Short:   "Record and inspect surveys",
}

var surveyAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Save a new survey on this device",
	Long: `Save a survey locally. The record is stored as pending and is sent on the
next sync pass; saving never waits for the network.

Coordinates are optional. Pass --lat and --lon together when a position fix
is available.

Example:
  fieldsync survey add --name "Maria Souza" --address "Rua A, 12" \
    --locality "Sítio Boa Vista" --signal --carrier Vivo --carrier TIM`,
	Run: func(cmd *cobra.Command, args []string) {
		p, err := payloadFromFlags(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		p.Normalize()
		if err := p.Validate(); err != nil {
			fatalf("%v", err)
		}

		cfg := loadConfig()
		logger, closer := newLogger(cfg)
		defer closer.Close()
		db := openStore(cfg)
		defer db.Close()

		ctx := context.Background()
		id, err := db.Insert(ctx, p)
		if err != nil {
			fatalf("failed to save survey: %v", err)
		}
		fmt.Printf("%s Survey saved (local id %s)\n", ui.RenderPass("✓"), ui.RenderAccent(strconv.FormatInt(id, 10)))

		if syncNow, _ := cmd.Flags().GetBool("sync"); syncNow {
			runPassAndReport(ctx, cfg, db, logger, syncer.TriggerInsert)
		}
	},
}

var surveyImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Save surveys from a JSON, JSONL, YAML or TOML file",
	Long: `Import a batch of surveys. Every record in the file is validated first;
if any is invalid nothing is saved.

Supported formats (chosen by extension):
  .json         a single object or an array of objects
  .jsonl        one object per line
  .yaml, .yml   a single mapping or a sequence of mappings
  .toml         [[survey]] tables`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		payloads, err := survey.ReadPayloads(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		cfg := loadConfig()
		logger, closer := newLogger(cfg)
		defer closer.Close()
		db := openStore(cfg)
		defer db.Close()

		ctx := context.Background()
		for i, p := range payloads {
			if _, err := db.Insert(ctx, p); err != nil {
				fatalf("failed to save survey %d of %d: %v", i+1, len(payloads), err)
			}
		}
		fmt.Printf("%s Imported %d %s from %s\n", ui.RenderPass("✓"), len(payloads),
			pluralize(len(payloads), "survey", "surveys"), args[0])

		if syncNow, _ := cmd.Flags().GetBool("sync"); syncNow {
			runPassAndReport(ctx, cfg, db, logger, syncer.TriggerInsert)
		}
	},
}

var surveyShowCmd = &cobra.Command{
	Use:   "show <local-id>",
	Short: "Show one survey record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fatalf("invalid local id %q", args[0])
		}

		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		rec, err := db.Get(context.Background(), id)
		if err != nil {
			fatalf("%v", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			printJSON(rec)
			return
		}

		fmt.Printf("\n%s Survey %d\n\n", ui.RenderAccent("📋"), rec.LocalID)
		fmt.Printf("Status:    %s\n", renderStatus(rec.Status))
		if rec.RemoteID != "" {
			fmt.Printf("Remote ID: %s\n", rec.RemoteID)
		}
		fmt.Printf("Saved:     %s\n", rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("Attempts:  %d\n", rec.Attempts)
		if rec.LastAttemptAt != nil {
			fmt.Printf("Last try:  %s\n", rec.LastAttemptAt.Local().Format("2006-01-02 15:04:05"))
		}
		if rec.LastError != "" {
			fmt.Printf("Error:     %s\n", ui.RenderFail(rec.LastError))
		}
		fmt.Println()
		if rec.PayloadError != "" {
			fmt.Printf("%s stored payload is unreadable: %s\n", ui.RenderFail("✗"), rec.PayloadError)
			return
		}
		printJSON(rec.Payload)
	},
}

var surveyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List survey records",
	Long: `List survey records in the order they were saved.

Use --status to show only pending, synced or failed records.`,
	Run: func(cmd *cobra.Command, args []string) {
		statuses := survey.Statuses
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			status, err := survey.ParseStatus(s)
			if err != nil {
				fatalf("%v", err)
			}
			statuses = []survey.Status{status}
		}

		cfg := loadConfig()
		db := openStore(cfg)
		defer db.Close()

		ctx := context.Background()
		var records []*survey.Record
		for _, status := range statuses {
			recs, err := db.ListByStatus(ctx, status)
			if err != nil {
				fatalf("failed to list %s surveys: %v", status, err)
			}
			records = append(records, recs...)
		}
		sortByLocalID(records)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			printJSON(records)
			return
		}

		if len(records) == 0 {
			fmt.Println("No surveys.")
			return
		}
		for _, rec := range records {
			line := fmt.Sprintf("%5d  %s  %s  %s, %s", rec.LocalID, renderStatus(rec.Status),
				rec.CreatedAt.Local().Format("2006-01-02 15:04"), rec.Payload.CitizenName, rec.Payload.Locality)
			if rec.LastError != "" {
				line += "  " + ui.RenderMuted("("+rec.LastError+")")
			}
			fmt.Println(line)
		}
	},
}

// payloadFromFlags builds a payload from the survey add flags. Optional
// fields are left nil unless their flag was given.
func payloadFromFlags(cmd *cobra.Command) (*survey.Payload, error) {
	flags := cmd.Flags()
	p := &survey.Payload{}
	p.CitizenName, _ = flags.GetString("name")
	p.Address, _ = flags.GetString("address")
	p.Locality, _ = flags.GetString("locality")
	p.HasSignal, _ = flags.GetBool("signal")
	p.Carriers, _ = flags.GetStringSlice("carrier")
	p.NeedsRelocation, _ = flags.GetBool("relocate")
	p.OwnsOtherLand, _ = flags.GetBool("owns-other-land")

	if flags.Changed("land-in-municipality") {
		v, _ := flags.GetBool("land-in-municipality")
		p.LandInMunicipality = &v
	}
	if flags.Changed("signal-on-other-land") {
		v, _ := flags.GetBool("signal-on-other-land")
		p.SignalOnOtherLand = &v
	}
	if flags.Changed("locality-address") {
		v, _ := flags.GetString("locality-address")
		p.LocalityAddress = &v
	}
	if flags.Changed("agent") {
		v, _ := flags.GetString("agent")
		p.AgentName = &v
	}

	if flags.Changed("lat") != flags.Changed("lon") {
		return nil, fmt.Errorf("--lat and --lon must be given together")
	}
	if flags.Changed("lat") {
		lat, _ := flags.GetFloat64("lat")
		lon, _ := flags.GetFloat64("lon")
		p.Latitude, p.Longitude = &lat, &lon
	}
	return p, nil
}

// renderStatus pads before styling so columns line up with colour on.
func renderStatus(s survey.Status) string {
	label := fmt.Sprintf("%-7s", s)
	switch s {
	case survey.StatusSynced:
		return ui.RenderPass(label)
	case survey.StatusFailed:
		return ui.RenderFail(label)
	default:
		return ui.RenderWarn(label)
	}
}

func sortByLocalID(records []*survey.Record) {
	slices.SortFunc(records, func(a, b *survey.Record) int {
		return cmp.Compare(a.LocalID, b.LocalID)
	})
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("failed to encode JSON: %v", err)
	}
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// addSurveyFlags registers the payload flags of survey add.
func addSurveyFlags(f *pflag.FlagSet) {
	f.String("name", "", "citizen name (required)")
	f.String("address", "", "household address (required)")
	f.String("locality", "", "locality or community (required)")
	f.Bool("signal", false, "the household has mobile signal")
	f.StringSlice("carrier", nil, "carrier with signal ("+strings.Join(survey.Carriers, ", ")+"); repeatable")
	f.Bool("relocate", false, "the household needs relocation")
	f.Bool("owns-other-land", false, "the citizen owns other land")
	f.Bool("land-in-municipality", false, "the other land is in this municipality")
	f.Bool("signal-on-other-land", false, "the other land has signal")
	f.String("locality-address", "", "address of the other land")
	f.Float64("lat", 0, "latitude in decimal degrees")
	f.Float64("lon", 0, "longitude in decimal degrees")
	f.String("agent", "", "name of the survey agent")
}

func init() {
	addSurveyFlags(surveyAddCmd.Flags())
	surveyAddCmd.Flags().Bool("sync", false, "run a sync pass right after saving")
	_ = surveyAddCmd.MarkFlagRequired("name")
	_ = surveyAddCmd.MarkFlagRequired("address")
	_ = surveyAddCmd.MarkFlagRequired("locality")

	surveyImportCmd.Flags().Bool("sync", false, "run a sync pass right after importing")
	surveyShowCmd.Flags().Bool("json", false, "print the record as JSON")
	surveyListCmd.Flags().String("status", "", "only list records with this status (pending, synced, failed)")
	surveyListCmd.Flags().Bool("json", false, "print records as JSON")

	surveyCmd.AddCommand(surveyAddCmd, surveyImportCmd, surveyShowCmd, surveyListCmd)
	rootCmd.AddCommand(surveyCmd)
}
