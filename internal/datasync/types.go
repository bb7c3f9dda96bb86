package datasync

import (
	"time"

	"github.com/Togather-Foundation/datasync/internal/domain/events"
)

// Page is one decoded page of events from either endpoint.
type Page struct {
	Events     []events.RawEvent
	HasMore    bool
	NextCursor string
	Limit      int
	// CursorExpiresIn is the server-declared cursor lifetime in seconds, when present.
	CursorExpiresIn int
	Meta            *Meta
	// Undecodable counts array entries that were not event objects.
	Undecodable int
}

// Meta is the optional response metadata block.
type Meta struct {
	Total     int64  `json:"total,omitempty"`
	Returned  int    `json:"returned,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Pagination is the pagination block shared by both endpoints.
type Pagination struct {
	Limit           int    `json:"limit,omitempty"`
	HasMore         bool   `json:"hasMore"`
	NextCursor      string `json:"nextCursor,omitempty"`
	CursorExpiresIn int    `json:"cursorExpiresIn,omitempty"`
}

// StreamAccess is a short-lived grant for the stream endpoint.
type StreamAccess struct {
	Endpoint    string `json:"endpoint"`
	Token       string `json:"token"`
	TokenHeader string `json:"tokenHeader"`
	// ExpiresIn is the declared lifetime in seconds.
	ExpiresIn int       `json:"expiresIn"`
	ExpiresAt time.Time `json:"-"`
}

// Outcome classifies a fetch that did not fail.
type Outcome int

const (
	OutcomePage Outcome = iota
	OutcomeRateLimited
	OutcomeTokenExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomePage:
		return "page"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTokenExpired:
		return "token_expired"
	default:
		return "unknown"
	}
}

// FetchResult is the signaled result of a page fetch. Page is set only for
// OutcomePage and RetryAfter only for OutcomeRateLimited.
type FetchResult struct {
	Outcome    Outcome
	Page       *Page
	RetryAfter time.Duration
}

type grantResponse struct {
	StreamAccess *StreamAccess `json:"streamAccess"`
}

type rateLimitBody struct {
	RateLimit *struct {
		RetryAfter float64 `json:"retryAfter"`
	} `json:"rateLimit"`
}
