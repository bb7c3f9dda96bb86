package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Togather-Foundation/datasync/internal/datasync"
	"github.com/Togather-Foundation/datasync/internal/domain/events"
	"github.com/Togather-Foundation/datasync/internal/storage"
)

var errUnexpectedCall = errors.New("unexpected call")

type step struct {
	res datasync.FetchResult
	err error
	// before runs ahead of returning, e.g. to cancel the run context.
	before func()
}

// fakeSource replays scripted responses and records every cursor it was asked for.
type fakeSource struct {
	mu sync.Mutex

	direct []step
	stream []step

	directCursors []string
	directLimits  []int
	streamCursors []string
	calls         []string

	grantErrs     []error
	grants        int
	invalidations int
}

func (f *fakeSource) pop(queue *[]step) (step, bool) {
	if len(*queue) == 0 {
		return step{}, false
	}
	s := (*queue)[0]
	*queue = (*queue)[1:]
	return s, true
}

func (f *fakeSource) FetchDirect(ctx context.Context, cursor string, limit int) (datasync.FetchResult, error) {
	f.mu.Lock()
	f.directCursors = append(f.directCursors, cursor)
	f.directLimits = append(f.directLimits, limit)
	f.calls = append(f.calls, "direct:"+cursor)
	s, ok := f.pop(&f.direct)
	f.mu.Unlock()
	if !ok {
		return datasync.FetchResult{}, fmt.Errorf("direct fetch %q: %w", cursor, errUnexpectedCall)
	}
	if s.before != nil {
		s.before()
	}
	return s.res, s.err
}

func (f *fakeSource) FetchStream(ctx context.Context, cursor string) (datasync.FetchResult, error) {
	f.mu.Lock()
	f.streamCursors = append(f.streamCursors, cursor)
	f.calls = append(f.calls, "stream:"+cursor)
	s, ok := f.pop(&f.stream)
	f.mu.Unlock()
	if !ok {
		return datasync.FetchResult{}, fmt.Errorf("stream fetch %q: %w", cursor, errUnexpectedCall)
	}
	if s.before != nil {
		s.before()
	}
	return s.res, s.err
}

func (f *fakeSource) StreamAccess(ctx context.Context) (datasync.StreamAccess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants++
	f.calls = append(f.calls, "grant")
	if len(f.grantErrs) > 0 {
		err := f.grantErrs[0]
		f.grantErrs = f.grantErrs[1:]
		if err != nil {
			return datasync.StreamAccess{}, err
		}
	}
	return datasync.StreamAccess{Endpoint: "/stream", Token: "tok", TokenHeader: "X-Token", ExpiresIn: 300}, nil
}

func (f *fakeSource) InvalidateStreamAccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
	f.calls = append(f.calls, "invalidate")
}

type checkpointWrite struct {
	Cursor    *string
	Total     int64
	Completed bool
}

// fakeStore keeps events keyed by id so repeated inserts are no-ops.
type fakeStore struct {
	mu sync.Mutex

	checkpoint storage.Checkpoint
	rows       map[string]events.NormalizedEvent
	writes     []checkpointWrite

	insertErr     error
	checkpointErr error
	readErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]events.NormalizedEvent{}}
}

func (s *fakeStore) InsertBatch(ctx context.Context, batch []events.NormalizedEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	var inserted int64
	for _, ev := range batch {
		if _, ok := s.rows[ev.ID]; ok {
			continue
		}
		s.rows[ev.ID] = ev
		inserted++
	}
	return inserted, nil
}

func (s *fakeStore) ReadCheckpoint(ctx context.Context) (storage.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return storage.Checkpoint{}, s.readErr
	}
	return s.checkpoint, nil
}

func (s *fakeStore) WriteCheckpoint(ctx context.Context, cursor *string, total int64, completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpointErr != nil {
		return s.checkpointErr
	}
	var stored *string
	if cursor != nil {
		c := *cursor
		stored = &c
	}
	s.writes = append(s.writes, checkpointWrite{Cursor: stored, Total: total, Completed: completed})
	s.checkpoint = storage.Checkpoint{Cursor: stored, EventsIngested: total, Completed: completed}
	return nil
}

// fakeClock advances instantly on Sleep and records every requested delay.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func rawEvents(ids ...string) []events.RawEvent {
	out := make([]events.RawEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, events.RawEvent{
			ID:        id,
			SessionID: "s-" + id,
			UserID:    "u1",
			Type:      "click",
			Name:      "btn",
			Timestamp: events.TimestampFromMillis(1700000000000),
		})
	}
	return out
}

func pageOf(hasMore bool, next string, ids ...string) step {
	return step{res: datasync.FetchResult{
		Outcome: datasync.OutcomePage,
		Page:    &datasync.Page{Events: rawEvents(ids...), HasMore: hasMore, NextCursor: next},
	}}
}

func rateLimited(d time.Duration) step {
	return step{res: datasync.FetchResult{Outcome: datasync.OutcomeRateLimited, RetryAfter: d}}
}

func tokenExpired() step {
	return step{res: datasync.FetchResult{Outcome: datasync.OutcomeTokenExpired}}
}

func failure(err error) step {
	return step{err: err}
}

func strPtr(s string) *string { return &s }
