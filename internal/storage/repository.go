package storage

import (
	"context"
	"time"

	"github.com/Togather-Foundation/datasync/internal/domain/events"
)

// Checkpoint is the durable resume point of an ingestion run.
type Checkpoint struct {
	// Cursor is nil before the first page and after completion.
	Cursor         *string
	EventsIngested int64
	LastUpdated    time.Time
	Completed      bool
}

// CursorValue returns the cursor or "" when none is stored.
func (c Checkpoint) CursorValue() string {
	if c.Cursor == nil {
		return ""
	}
	return *c.Cursor
}

// EventStore persists normalized events idempotently.
type EventStore interface {
	// InsertBatch stores all events atomically and returns how many were new.
	InsertBatch(ctx context.Context, batch []events.NormalizedEvent) (int64, error)
	CountAll(ctx context.Context) (int64, error)
}

// CheckpointStore persists the single ingestion checkpoint.
type CheckpointStore interface {
	ReadCheckpoint(ctx context.Context) (Checkpoint, error)
	WriteCheckpoint(ctx context.Context, cursor *string, total int64, completed bool) error
	ResetCheckpoint(ctx context.Context) error
}

// Repository is everything the ingestion run needs from storage.
type Repository interface {
	EventStore
	CheckpointStore
}
