package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Togather-Foundation/datasync/internal/domain/events"
	"github.com/Togather-Foundation/datasync/internal/metrics"
)

// InsertChunkSize is the number of rows sent per multi-row INSERT.
const InsertChunkSize = 1000

var eventColumns = []string{
	"id", "session_id", "user_id", "type", "name", "properties", "timestamp", "device_type", "browser",
}

// InsertBatch stores batch in a single transaction and returns how many rows
// were new. Rows whose id already exists are skipped. Any failure rolls back
// the whole batch.
func (s *Store) InsertBatch(ctx context.Context, batch []events.NormalizedEvent) (inserted int64, err error) {
	if len(batch) == 0 {
		return 0, nil
	}

	start := time.Now()
	defer func() { metrics.RecordQuery("insert_events", start, err) }()

	err = s.WithTx(ctx, func(ctx context.Context, tx *Store) error {
		q := tx.queryer()
		for offset := 0; offset < len(batch); offset += InsertChunkSize {
			end := min(offset+InsertChunkSize, len(batch))
			chunk := batch[offset:end]

			sql, args := buildInsert(chunk)
			tag, err := q.Exec(ctx, sql, args...)
			if err != nil {
				return fmt.Errorf("insert rows %d-%d: %w", offset, end-1, err)
			}
			inserted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	return inserted, nil
}

func buildInsert(chunk []events.NormalizedEvent) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(chunk)*len(eventColumns))

	b.WriteString("INSERT INTO ingested_events (")
	b.WriteString(strings.Join(eventColumns, ", "))
	b.WriteString(") VALUES ")

	for i, ev := range chunk {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range eventColumns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(i*len(eventColumns) + c + 1))
		}
		b.WriteByte(')')

		properties := ev.Properties
		if properties == nil {
			properties = map[string]any{}
		}
		args = append(args,
			ev.ID,
			ev.SessionID,
			nullIfEmpty(ev.UserID),
			ev.Type,
			nullIfEmpty(ev.Name),
			properties,
			ev.Timestamp.UTC(),
			ev.DeviceType,
			ev.Browser,
		)
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")

	return b.String(), args
}

// CountAll returns the number of stored events.
func (s *Store) CountAll(ctx context.Context) (count int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("count_events", start, err) }()

	if err = s.queryer().QueryRow(ctx, `SELECT COUNT(*) FROM ingested_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func nullIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
