package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Togather-Foundation/datasync/internal/datasync"
	"github.com/Togather-Foundation/datasync/internal/domain/events"
	"github.com/Togather-Foundation/datasync/internal/metrics"
	"github.com/Togather-Foundation/datasync/internal/storage"
	"github.com/Togather-Foundation/datasync/internal/telemetry"
)

const (
	// StreamRetryDelay is the pause after a failed or empty stream fetch.
	StreamRetryDelay = 2 * time.Second
	// StreamExitDelay is the pause before falling back to the direct endpoint.
	StreamExitDelay = 1 * time.Second
	// RateLimitPadding is added to a stream-side retryAfter before retrying.
	RateLimitPadding = 1 * time.Second
	// MalformedPageDelay is the pause before re-requesting an undecodable direct page.
	MalformedPageDelay = 2 * time.Second
)

// Source is the remote event API.
type Source interface {
	FetchDirect(ctx context.Context, cursor string, limit int) (datasync.FetchResult, error)
	FetchStream(ctx context.Context, cursor string) (datasync.FetchResult, error)
	StreamAccess(ctx context.Context) (datasync.StreamAccess, error)
	InvalidateStreamAccess()
}

// Store is the persistence the controller needs.
type Store interface {
	InsertBatch(ctx context.Context, batch []events.NormalizedEvent) (int64, error)
	ReadCheckpoint(ctx context.Context) (storage.Checkpoint, error)
	WriteCheckpoint(ctx context.Context, cursor *string, total int64, completed bool) error
}

// Result summarizes a Run.
type Result struct {
	// Total is the running count of inserted events, including earlier runs.
	Total int64
	// Pages is the number of pages committed by this run.
	Pages            int
	Completed        bool
	AlreadyCompleted bool
}

type stateFunc func(ctx context.Context) (State, error)

// Controller runs one ingestion. It is not safe for concurrent use.
type Controller struct {
	source    Source
	store     Store
	clock     Clock
	logger    zerolog.Logger
	tracer    trace.Tracer
	pageLimit int

	transitions map[State]stateFunc

	cursor         string
	total          int64
	page           int
	pages          int
	streamDeadline time.Time
	alreadyDone    bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger.With().Str("component", "ingestion").Logger()
	}
}

// WithPageLimit sets the direct endpoint page size.
func WithPageLimit(limit int) Option {
	return func(c *Controller) {
		if limit > 0 {
			c.pageLimit = limit
		}
	}
}

// WithTracer overrides the tracer used for page spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = tracer
	}
}

// NewController wires a controller to its source and store.
func NewController(source Source, store Store, opts ...Option) *Controller {
	c := &Controller{
		source:    source,
		store:     store,
		clock:     realClock{},
		logger:    zerolog.Nop(),
		tracer:    telemetry.GetTracer(),
		pageLimit: datasync.DefaultPageLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.transitions = map[State]stateFunc{
		StateFresh:  c.fresh,
		StateDirect: c.direct,
		StateStream: c.stream,
	}
	return c
}

// Run drives the state machine until the run completes, fails, or ctx is
// canceled. Cancellation returns ctx.Err() and leaves the last written
// checkpoint as the resume point.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "ingestion.run")
	defer span.End()

	c.cursor, c.total, c.page, c.pages, c.alreadyDone = "", 0, 0, 0, false

	state := StateFresh
	var runErr error
	for !state.Terminal() {
		next, err := c.transitions[state](ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				c.logger.Info().
					Int64("total", c.total).
					Str("cursor", cursorSuffix(c.cursor)).
					Msg("ingestion interrupted")
				return c.result(false), ctxErr
			}
			runErr = err
			next = StateFailed
		}
		if next != state {
			c.logger.Debug().Stringer("from", state).Stringer("to", next).Msg("state transition")
			if isMode(state) && isMode(next) {
				metrics.ModeSwitches.WithLabelValues(state.String(), next.String()).Inc()
			}
		}
		state = next
	}

	span.SetAttributes(
		attribute.Int64("ingestion.total", c.total),
		attribute.Int("ingestion.pages", c.pages),
		attribute.String("ingestion.state", state.String()),
	)
	if state == StateFailed {
		telemetry.RecordError(span, runErr)
		c.logger.Error().Err(runErr).Int64("total", c.total).Msg("ingestion failed")
		return c.result(false), runErr
	}
	return c.result(true), nil
}

func (c *Controller) result(completed bool) Result {
	return Result{
		Total:            c.total,
		Pages:            c.pages,
		Completed:        completed,
		AlreadyCompleted: c.alreadyDone,
	}
}

// fresh loads the checkpoint and decides where to begin.
func (c *Controller) fresh(ctx context.Context) (State, error) {
	cp, err := c.store.ReadCheckpoint(ctx)
	if err != nil {
		return StateFailed, fmt.Errorf("load checkpoint: %w", err)
	}

	c.total = cp.EventsIngested
	metrics.EventsIngested.Set(float64(c.total))

	if cp.Completed {
		c.alreadyDone = true
		c.logger.Info().Int64("total", c.total).Msg("ingestion already completed")
		return StateCompleted, nil
	}

	c.cursor = cp.CursorValue()
	c.page = int(c.total/int64(c.pageLimit)) + 1

	if c.cursor != "" {
		c.logger.Info().
			Int64("already_ingested", c.total).
			Str("cursor", cursorSuffix(c.cursor)).
			Msg("resuming ingestion from cursor")
	} else {
		c.logger.Info().Msg("starting fresh ingestion")
	}
	return StateDirect, nil
}

// direct fetches one page from the canonical endpoint. It is the only state
// that can complete the run.
func (c *Controller) direct(ctx context.Context) (State, error) {
	c.logger.Debug().Int("page", c.page).Str("cursor", cursorSuffix(c.cursor)).Msg("fetching direct page")

	res, err := c.source.FetchDirect(ctx, c.cursor, c.pageLimit)
	if err != nil {
		if datasync.IsMalformedPage(err) {
			c.logger.Warn().Err(err).Msg("direct endpoint returned an empty response, retrying")
			if err := c.clock.Sleep(ctx, MalformedPageDelay); err != nil {
				return StateFailed, err
			}
			return StateDirect, nil
		}
		if datasync.IsHardClientError(err) {
			return StateFailed, fmt.Errorf("direct endpoint rejected request (not retried): %w", err)
		}
		return StateFailed, err
	}

	switch res.Outcome {
	case datasync.OutcomeRateLimited:
		metrics.RateLimited.WithLabelValues("direct").Inc()
		c.streamDeadline = c.clock.Now().Add(res.RetryAfter)
		c.logger.Warn().
			Dur("retry_after", res.RetryAfter).
			Msg("rate limited on direct endpoint, switching to stream endpoint")
		return StateStream, nil
	case datasync.OutcomePage:
	default:
		return StateFailed, fmt.Errorf("unexpected direct outcome %s", res.Outcome)
	}

	page := res.Page
	if page.HasMore && page.NextCursor == "" {
		return StateFailed, fmt.Errorf("direct page %d reports more data without a next cursor", c.page)
	}

	if err := c.commitPage(ctx, "direct", page); err != nil {
		return StateFailed, err
	}

	if !page.HasMore {
		if err := c.writeCheckpoint(ctx, nil, true); err != nil {
			return StateFailed, err
		}
		c.logger.Info().Int64("total", c.total).Msg("direct endpoint reports no more pages")
		return StateCompleted, nil
	}

	next := page.NextCursor
	if err := c.writeCheckpoint(ctx, &next, false); err != nil {
		return StateFailed, err
	}
	c.cursor = next
	c.page++
	return StateDirect, nil
}

// stream performs one fetch against the stream endpoint while the direct
// endpoint's cooldown is running. Fetch failures never leave this state; only
// storage failures and cancellation do.
func (c *Controller) stream(ctx context.Context) (State, error) {
	if !c.clock.Now().Before(c.streamDeadline) {
		return c.leaveStream(ctx, "rate limit period ended, switching back to direct endpoint")
	}

	c.logger.Debug().Int("page", c.page).Str("cursor", cursorSuffix(c.cursor)).Msg("fetching stream page")

	res, err := c.source.FetchStream(ctx, c.cursor)
	if err != nil {
		if ctx.Err() != nil {
			return StateFailed, ctx.Err()
		}
		c.logger.Warn().Err(err).Msg("stream fetch failed, retrying")
		return c.retryStream(ctx, StreamRetryDelay)
	}

	switch res.Outcome {
	case datasync.OutcomeTokenExpired:
		c.logger.Warn().Msg("stream token expired, refreshing credentials")
		c.source.InvalidateStreamAccess()
		if _, err := c.source.StreamAccess(ctx); err != nil {
			if ctx.Err() != nil {
				return StateFailed, ctx.Err()
			}
			c.logger.Warn().Err(err).Msg("stream re-grant failed, retrying")
			return c.retryStream(ctx, StreamRetryDelay)
		}
		return StateStream, nil
	case datasync.OutcomeRateLimited:
		metrics.RateLimited.WithLabelValues("stream").Inc()
		c.logger.Warn().Dur("retry_after", res.RetryAfter).Msg("stream endpoint also rate limited, waiting")
		return c.retryStream(ctx, res.RetryAfter+RateLimitPadding)
	case datasync.OutcomePage:
	default:
		return c.retryStream(ctx, StreamRetryDelay)
	}

	page := res.Page
	if page.HasMore && page.NextCursor == "" {
		c.logger.Warn().Int("page", c.page).Msg("stream page reports more data without a next cursor, retrying")
		return c.retryStream(ctx, StreamRetryDelay)
	}

	if err := c.commitPage(ctx, "stream", page); err != nil {
		return StateFailed, err
	}

	if !page.HasMore {
		// Completion is only trusted from the direct endpoint, which
		// re-reads from the current cursor.
		current := c.cursorPtr()
		if err := c.writeCheckpoint(ctx, current, false); err != nil {
			return StateFailed, err
		}
		return c.leaveStream(ctx, "stream reports no more pages, verifying with direct endpoint")
	}

	next := page.NextCursor
	if err := c.writeCheckpoint(ctx, &next, false); err != nil {
		return StateFailed, err
	}
	c.cursor = next
	c.page++
	return StateStream, nil
}

func (c *Controller) retryStream(ctx context.Context, delay time.Duration) (State, error) {
	if err := c.clock.Sleep(ctx, delay); err != nil {
		return StateFailed, err
	}
	return StateStream, nil
}

func (c *Controller) leaveStream(ctx context.Context, msg string) (State, error) {
	if err := c.clock.Sleep(ctx, StreamExitDelay); err != nil {
		return StateFailed, err
	}
	c.logger.Info().Msg(msg)
	return StateDirect, nil
}

// commitPage validates, normalizes and stores one page, adding the number of
// new rows to the running total.
func (c *Controller) commitPage(ctx context.Context, mode string, page *datasync.Page) (err error) {
	ctx, span := c.tracer.Start(ctx, "ingestion.page", trace.WithAttributes(
		attribute.String("ingestion.mode", mode),
		attribute.Int("ingestion.page", c.page),
		attribute.Int("ingestion.received", len(page.Events)),
	))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	batch, dropped := events.NormalizeBatch(page.Events)
	dropped += page.Undecodable
	if dropped > 0 {
		metrics.EventsDropped.WithLabelValues(mode).Add(float64(dropped))
		c.logger.Debug().Int("dropped", dropped).Int("page", c.page).Msg("dropped invalid events")
	}

	inserted, err := c.store.InsertBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("store page %d: %w", c.page, err)
	}
	c.total += inserted
	c.pages++

	span.SetAttributes(attribute.Int64("ingestion.inserted", inserted))
	metrics.PagesProcessed.WithLabelValues(mode).Inc()
	metrics.EventsInserted.WithLabelValues(mode).Add(float64(inserted))

	c.logger.Info().
		Str("mode", mode).
		Int("page", c.page).
		Int64("inserted", inserted).
		Int("valid", len(batch)).
		Int64("total", c.total).
		Msg("page ingested")
	return nil
}

func (c *Controller) writeCheckpoint(ctx context.Context, cursor *string, completed bool) error {
	if err := c.store.WriteCheckpoint(ctx, cursor, c.total, completed); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	metrics.EventsIngested.Set(float64(c.total))
	return nil
}

func (c *Controller) cursorPtr() *string {
	if c.cursor == "" {
		return nil
	}
	cursor := c.cursor
	return &cursor
}

func isMode(s State) bool {
	return s == StateDirect || s == StateStream
}

// cursorSuffix shortens a cursor for logs.
func cursorSuffix(cursor string) string {
	if cursor == "" {
		return "none"
	}
	if len(cursor) <= 8 {
		return cursor
	}
	return "..." + cursor[len(cursor)-8:]
}

// IsCanceled reports whether err ended a run because its context was canceled.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
