package datasync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Togather-Foundation/datasync/internal/metrics"
	"github.com/Togather-Foundation/datasync/internal/telemetry"
)

const (
	// DefaultTimeout bounds each individual request attempt
	DefaultTimeout = 30 * time.Second
	// DefaultPageLimit is the page size requested from the direct endpoint
	DefaultPageLimit = 100000
	// DefaultRetryAfter is used when a 429 body does not carry a usable retryAfter
	DefaultRetryAfter = 10 * time.Second
	// MaxRetryAfter caps a server-provided cooldown so huge values cannot overflow a Duration
	MaxRetryAfter = 24 * time.Hour
	// MaxRetries for transient errors
	MaxRetries = 5
	// RetryBaseDelay is the initial backoff delay
	RetryBaseDelay = 1 * time.Second
	// TokenRefreshMargin is how long before expiry a cached stream token is replaced
	TokenRefreshMargin = 30 * time.Second

	// DefaultUserAgent matches a desktop browser; the dashboard endpoints expect one
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	directPath = "/api/v1/events"
	grantPath  = "/internal/dashboard/stream-access"
)

// Client talks to the DataSync API. It is safe for concurrent use, although
// ingestion drives it from a single goroutine.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	userAgent  string
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     zerolog.Logger
	tracer     trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	access *StreamAccess
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit caps outbound attempts at rps requests per second. Zero or
// negative leaves the client unlimited.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithUserAgent sets a custom User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger used for retry and token diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With().Str("component", "datasync_client").Logger()
	}
}

// WithTracer overrides the tracer used for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{
			Transport: metrics.Transport(nil),
		},
		baseURL:   trimSlash(baseURL),
		apiKey:    apiKey,
		userAgent: DefaultUserAgent,
		timeout:   DefaultTimeout,
		logger:    zerolog.Nop(),
		tracer:    telemetry.GetTracer(),
		now:       time.Now,
		sleep:     sleepContext,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request describes one logical call; build is invoked once per attempt.
type request struct {
	operation string
	method    string
	url       string
	header    http.Header
	// signals are 4xx statuses handed back to the caller instead of failing.
	signals []int
	// retry429 makes a 429 count as a transient failure.
	retry429 bool
}

type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// doWithRetry executes req with exponential backoff on transient failures:
// network errors, unreadable bodies, timeouts and 5xx. Other statuses are
// returned on the first attempt.
func (c *Client) doWithRetry(ctx context.Context, req request) (*response, error) {
	ctx, span := c.tracer.Start(ctx, "datasync."+req.operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.method),
			attribute.String("datasync.operation", req.operation),
		),
	)
	defer span.End()

	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s, 8s, 16s
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			metrics.FetchRetries.WithLabelValues(req.operation).Inc()
			c.logger.Warn().
				Err(lastErr).
				Str("operation", req.operation).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying request")
			if err := c.sleep(ctx, delay); err != nil {
				span.SetStatus(codes.Error, "canceled")
				return nil, err
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		resp, err := c.attempt(ctx, req)
		if err != nil {
			if isContextDone(ctx) {
				span.SetStatus(codes.Error, "canceled")
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		span.SetAttributes(
			attribute.Int("http.status_code", resp.StatusCode),
			attribute.Int("datasync.attempts", attempt+1),
		)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		for _, code := range req.signals {
			if resp.StatusCode == code {
				return resp, nil
			}
		}

		statusErr := &StatusError{Operation: req.operation, StatusCode: resp.StatusCode, Body: string(resp.Body)}
		if isRetryableStatus(resp.StatusCode) || (req.retry429 && resp.StatusCode == http.StatusTooManyRequests) {
			lastErr = statusErr
			continue
		}

		span.RecordError(statusErr)
		span.SetStatus(codes.Error, statusErr.Error())
		return nil, statusErr
	}

	err := fmt.Errorf("max retries exceeded: %w", lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, "max retries exceeded")
	return nil, err
}

// attempt performs a single bounded request and reads the whole body.
func (c *Client) attempt(ctx context.Context, req request) (*response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, req.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setCommonHeaders(httpReq)
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cookie", "dashboard_api_key="+c.apiKey)
	req.Header.Set("X-Request-ID", uuid.NewString())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
