package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Togather-Foundation/datasync/internal/metrics"
	"github.com/Togather-Foundation/datasync/internal/storage"
)

var _ storage.Repository = (*Store)(nil)

// ReadCheckpoint loads the single checkpoint row. A missing row reads as a
// fresh checkpoint.
func (s *Store) ReadCheckpoint(ctx context.Context) (cp storage.Checkpoint, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("read_checkpoint", start, err) }()

	err = s.queryer().QueryRow(ctx, `
SELECT cursor, events_ingested, last_updated, completed
  FROM ingestion_state
 WHERE id = 1`).Scan(&cp.Cursor, &cp.EventsIngested, &cp.LastUpdated, &cp.Completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Checkpoint{}, nil
	}
	if err != nil {
		return storage.Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return cp, nil
}

// WriteCheckpoint records progress. Callers write only after the page's
// events have been committed.
func (s *Store) WriteCheckpoint(ctx context.Context, cursor *string, total int64, completed bool) (err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("write_checkpoint", start, err) }()

	_, err = s.queryer().Exec(ctx, `
INSERT INTO ingestion_state (id, cursor, events_ingested, last_updated, completed)
VALUES (1, $1, $2, NOW(), $3)
ON CONFLICT (id) DO UPDATE
   SET cursor = EXCLUDED.cursor,
       events_ingested = EXCLUDED.events_ingested,
       last_updated = EXCLUDED.last_updated,
       completed = EXCLUDED.completed`, cursor, total, completed)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// ResetCheckpoint clears progress so the next run starts from the beginning.
// Stored events are kept; re-ingesting them is a no-op.
func (s *Store) ResetCheckpoint(ctx context.Context) error {
	if err := s.WriteCheckpoint(ctx, nil, 0, false); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}
