package postgres

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/datasync/internal/domain/events"
)

func TestInsertBatch_Idempotent(t *testing.T) {
	pool, _ := setupPostgres(t)
	ctx := context.Background()
	store, err := NewStore(pool)
	require.NoError(t, err)

	batch := makeEvents(0, 5)

	inserted, err := store.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(5), inserted)

	inserted, err = store.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted, "re-inserting the same ids adds nothing")

	// Overlapping batch: only the two new ids count.
	inserted, err = store.InsertBatch(ctx, makeEvents(3, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	count, err := store.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

func TestInsertBatch_SpansChunks(t *testing.T) {
	pool, _ := setupPostgres(t)
	ctx := context.Background()
	store, err := NewStore(pool)
	require.NoError(t, err)

	batch := makeEvents(0, InsertChunkSize*2+17)
	// A duplicate inside the batch is counted once.
	batch = append(batch, batch[0])

	inserted, err := store.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(InsertChunkSize*2+17), inserted)
}

func TestInsertBatch_Empty(t *testing.T) {
	pool, _ := setupPostgres(t)
	store, err := NewStore(pool)
	require.NoError(t, err)

	inserted, err := store.InsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
}

func TestInsertBatch_RollsBackWholeBatch(t *testing.T) {
	pool, _ := setupPostgres(t)
	ctx := context.Background()
	store, err := NewStore(pool)
	require.NoError(t, err)

	batch := makeEvents(0, InsertChunkSize+10)
	// Poison the second chunk; the first chunk must not survive.
	batch[InsertChunkSize+5].ID = "not-a-uuid"

	_, err = store.InsertBatch(ctx, batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert batch")

	count, err := store.CountAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestInsertBatch_StoredShape(t *testing.T) {
	pool, _ := setupPostgres(t)
	ctx := context.Background()
	store, err := NewStore(pool)
	require.NoError(t, err)

	ev := events.Normalize(events.RawEvent{
		ID:        "33333333-3333-4333-8333-333333333333",
		SessionID: "44444444-4444-4444-8444-444444444444",
		Type:      "view",
		Name:      "home",
		Timestamp: events.TimestampFromMillis(1700000000000),
		Session:   &events.SessionInfo{DeviceType: "mobile"},
	})

	_, err = store.InsertBatch(ctx, []events.NormalizedEvent{ev})
	require.NoError(t, err)

	var (
		userID     *string
		properties []byte
		ts         time.Time
		device     string
		browser    string
	)
	err = pool.QueryRow(ctx, `
SELECT user_id::text, properties, timestamp, device_type, browser
  FROM ingested_events WHERE id = $1`, ev.ID).Scan(&userID, &properties, &ts, &device, &browser)
	require.NoError(t, err)

	assert.Nil(t, userID, "missing user id is stored as NULL")
	assert.JSONEq(t, `{}`, string(properties))
	assert.True(t, ts.Equal(time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)))
	assert.Equal(t, "mobile", device)
	assert.Equal(t, events.UnknownValue, browser)
}

func TestBuildInsert(t *testing.T) {
	sql, args := buildInsert(makeEvents(0, 2))

	assert.True(t, strings.HasPrefix(sql, "INSERT INTO ingested_events (id, session_id, user_id, type, name, properties, timestamp, device_type, browser) VALUES "))
	assert.Contains(t, sql, "($1, $2, $3, $4, $5, $6, $7, $8, $9), ($10, $11,")
	assert.True(t, strings.HasSuffix(sql, "$18) ON CONFLICT (id) DO NOTHING"))
	require.Len(t, args, 18)

	props, err := json.Marshal(args[5])
	require.NoError(t, err)
	assert.JSONEq(t, `{"index": 0}`, string(props))
}
