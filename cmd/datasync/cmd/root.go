package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/datasync/internal/config"
)

var (
	// Global flags
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "datasync",
		Short: "DataSync event ingestion - resumable copy of remote events into PostgreSQL",
		Long: `datasync copies every event exposed by the DataSync API into PostgreSQL.

Runs are resumable: progress is checkpointed after each committed page, and
re-ingested events are ignored, so an interrupted run can simply be restarted.

When the paginated endpoint rate-limits, ingestion continues on the token-gated
stream endpoint until the cooldown passes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		// Run the ingest command by default if no subcommand is specified
		RunE: func(cmd *cobra.Command, args []string) error {
			return ingestCmd.RunE(cmd, args)
		},
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (optional, uses env vars by default)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading env vars (missing file is ignored)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console) (default: json)")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the optional env file and config file, then env vars, then flag overrides.
func loadConfig() (config.Config, error) {
	if envFile != "" {
		config.LoadEnvFile(envFile)
	}

	base := config.Defaults()
	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			return config.Config{}, err
		}
		base = fileCfg
	}

	cfg, err := config.LoadWithBase(base)
	if err != nil {
		return config.Config{}, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}
