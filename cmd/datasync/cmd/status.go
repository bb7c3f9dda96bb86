package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/datasync/internal/storage"
	"github.com/Togather-Foundation/datasync/internal/storage/postgres"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ingestion progress",
	Long: `Show the stored checkpoint, the number of ingested events and the schema version.

Examples:
  datasync status
  datasync status --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		version, dirty, err := postgres.MigrationVersion(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}

		pool, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()

		store, err := postgres.NewStore(pool)
		if err != nil {
			return err
		}

		report := statusReport{SchemaVersion: version, SchemaDirty: dirty}
		if version > 0 {
			cp, err := store.ReadCheckpoint(ctx)
			if err != nil {
				return err
			}
			count, err := store.CountAll(ctx)
			if err != nil {
				return err
			}
			report.fill(cp, count)
		}

		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		report.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
}

type statusReport struct {
	SchemaVersion  uint       `json:"schema_version"`
	SchemaDirty    bool       `json:"schema_dirty"`
	Cursor         *string    `json:"cursor"`
	EventsIngested int64      `json:"events_ingested"`
	RowsStored     int64      `json:"rows_stored"`
	Completed      bool       `json:"completed"`
	LastUpdated    *time.Time `json:"last_updated,omitempty"`
}

func (r *statusReport) fill(cp storage.Checkpoint, rows int64) {
	r.Cursor = cp.Cursor
	r.EventsIngested = cp.EventsIngested
	r.Completed = cp.Completed
	r.RowsStored = rows
	if !cp.LastUpdated.IsZero() {
		updated := cp.LastUpdated.UTC()
		r.LastUpdated = &updated
	}
}

func (r statusReport) print(out io.Writer) {
	if r.SchemaVersion == 0 {
		fmt.Fprintln(out, "Schema:    not initialized (run 'datasync migrate up')")
		return
	}

	state := "in progress"
	switch {
	case r.Completed:
		state = "completed"
	case r.Cursor == nil && r.EventsIngested == 0:
		state = "not started"
	}

	cursor := "(none)"
	if r.Cursor != nil {
		cursor = *r.Cursor
	}
	updated := "never"
	if r.LastUpdated != nil {
		updated = r.LastUpdated.Format(time.RFC3339)
	}
	schema := fmt.Sprintf("%d", r.SchemaVersion)
	if r.SchemaDirty {
		schema += " (dirty)"
	}

	fmt.Fprintf(out, "Schema:    %s\n", schema)
	fmt.Fprintf(out, "State:     %s\n", state)
	fmt.Fprintf(out, "Ingested:  %d\n", r.EventsIngested)
	fmt.Fprintf(out, "Stored:    %d\n", r.RowsStored)
	fmt.Fprintf(out, "Cursor:    %s\n", cursor)
	fmt.Fprintf(out, "Updated:   %s\n", updated)
}
