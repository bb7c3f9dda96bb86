package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/datasync/internal/config"
	"github.com/Togather-Foundation/datasync/internal/storage/postgres"
)

var resetConfirm bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the ingestion checkpoint",
	Long: `Clear the stored checkpoint so the next run starts from the first page.

Ingested events are kept. Because inserts ignore known event ids, a full
re-run only adds events that are missing.

Examples:
  datasync reset --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirm {
			return errors.New("refusing to reset checkpoint without --yes")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		logger := config.NewLogger(cfg.Logging)

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		pool, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()

		store, err := postgres.NewStore(pool)
		if err != nil {
			return err
		}
		if err := store.ResetCheckpoint(ctx); err != nil {
			return err
		}

		logger.Info().Msg("checkpoint reset")
		fmt.Fprintln(cmd.OutOrStdout(), "Checkpoint cleared; the next run starts from the beginning.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetConfirm, "yes", false, "confirm the reset")
}
