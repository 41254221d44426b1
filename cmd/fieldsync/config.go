package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conectividade/fieldsync/internal/config"
	"github.com/conectividade/fieldsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Long: `Write a config file with every setting at its default.

The default path is .fieldsync/config.yaml. A path ending in .toml is written
as TOML. Every setting can also be given as an environment variable, e.g.
FIELDSYNC_REMOTE_URL or FIELDSYNC_SYNC_INTERVAL.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := filepath.Join(config.Dir, "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")

		cfg := config.Default()
		if kind, _ := cmd.Flags().GetString("remote"); kind != "" {
			cfg.Remote.Kind = kind
		}
		if err := cfg.Validate(); err != nil {
			fatalf("%v", err)
		}
		if err := cfg.Write(path, force); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Set remote.url (or remote.uri for MongoDB) before syncing.\n")
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and FIELDSYNC_*
environment variables are merged. Secrets are masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		cfg := loadConfig()

		data, err := cfg.Redacted().Encode(format)
		if err != nil {
			fatalf("%v", err)
		}
		if src := config.LoadedFrom(configPath); src != "" {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# from "+src))
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# defaults (no config file found)"))
		}
		_, _ = os.Stdout.Write(data)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configInitCmd.Flags().String("remote", "", "remote backend: mongo or rest")
	configShowCmd.Flags().String("format", "yaml", "output format: yaml or toml")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
