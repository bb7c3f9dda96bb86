package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Togather-Foundation/datasync/internal/domain/events"
	"github.com/Togather-Foundation/datasync/internal/metrics"
)

// FetchDirect requests one page from the canonical paginated endpoint.
// A 429 is reported as OutcomeRateLimited; any other 4xx is a *StatusError.
func (c *Client) FetchDirect(ctx context.Context, cursor string, limit int) (FetchResult, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	resp, err := c.doWithRetry(ctx, request{
		operation: "fetch_direct",
		method:    http.MethodGet,
		url:       c.baseURL + directPath + "?" + q.Encode(),
		signals:   []int{http.StatusTooManyRequests},
	})
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch direct page: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return FetchResult{Outcome: OutcomeRateLimited, RetryAfter: parseRetryAfter(resp.Body)}, nil
	}

	page, err := decodePage(resp.Body)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch direct page: %w", err)
	}
	return FetchResult{Outcome: OutcomePage, Page: page}, nil
}

// FetchStream requests one page from the token-gated stream endpoint,
// acquiring a token first when none is cached or it is about to expire.
// A 403 discards the cached token and reports OutcomeTokenExpired.
func (c *Client) FetchStream(ctx context.Context, cursor string) (FetchResult, error) {
	access, err := c.StreamAccess(ctx)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch stream page: %w", err)
	}

	target, err := streamURL(c.baseURL, access.Endpoint, cursor)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch stream page: %w", err)
	}

	header := http.Header{}
	header.Set(access.TokenHeader, access.Token)

	resp, err := c.doWithRetry(ctx, request{
		operation: "fetch_stream",
		method:    http.MethodGet,
		url:       target,
		header:    header,
		signals:   []int{http.StatusForbidden, http.StatusTooManyRequests},
	})
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch stream page: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		metrics.TokenExpirations.Inc()
		c.InvalidateStreamAccess()
		c.logger.Info().Msg("stream token rejected, cached token discarded")
		return FetchResult{Outcome: OutcomeTokenExpired}, nil
	case http.StatusTooManyRequests:
		return FetchResult{Outcome: OutcomeRateLimited, RetryAfter: parseRetryAfter(resp.Body)}, nil
	}

	page, err := decodePage(resp.Body)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch stream page: %w", err)
	}
	return FetchResult{Outcome: OutcomePage, Page: page}, nil
}

type pageResponse struct {
	Data       *[]json.RawMessage `json:"data"`
	Pagination *Pagination        `json:"pagination"`
	Meta       *Meta              `json:"meta"`
}

// decodePage parses a page body. Entries that are not event objects are
// counted in Undecodable and skipped rather than failing the page.
func decodePage(body []byte) (*Page, error) {
	var pr pageResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPage, err)
	}
	if pr.Data == nil {
		return nil, fmt.Errorf("%w: missing data array", ErrMalformedPage)
	}

	page := &Page{
		Events: make([]events.RawEvent, 0, len(*pr.Data)),
		Meta:   pr.Meta,
	}
	for _, raw := range *pr.Data {
		var ev events.RawEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			page.Undecodable++
			continue
		}
		page.Events = append(page.Events, ev)
	}

	if pr.Pagination != nil {
		page.HasMore = pr.Pagination.HasMore
		page.NextCursor = pr.Pagination.NextCursor
		page.Limit = pr.Pagination.Limit
		page.CursorExpiresIn = pr.Pagination.CursorExpiresIn
	}
	return page, nil
}

// parseRetryAfter reads rateLimit.retryAfter (seconds) from a 429 body.
// A missing, unparsable or non-positive value yields DefaultRetryAfter.
func parseRetryAfter(body []byte) time.Duration {
	var rl rateLimitBody
	if err := json.Unmarshal(body, &rl); err != nil || rl.RateLimit == nil || rl.RateLimit.RetryAfter <= 0 {
		return DefaultRetryAfter
	}
	if rl.RateLimit.RetryAfter >= MaxRetryAfter.Seconds() {
		return MaxRetryAfter
	}
	return time.Duration(rl.RateLimit.RetryAfter * float64(time.Second))
}

// streamURL joins the granted endpoint onto the base URL and sets the cursor
// query parameter. Absolute endpoints are used as given.
func streamURL(baseURL, endpoint, cursor string) (string, error) {
	target := endpoint
	if u, err := url.Parse(endpoint); err != nil || !u.IsAbs() {
		target = baseURL + endpoint
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse stream endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	if cursor != "" {
		q.Set("cursor", cursor)
	} else {
		q.Del("cursor")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// IsMalformedPage reports whether err came from an undecodable page body.
func IsMalformedPage(err error) bool {
	return errors.Is(err, ErrMalformedPage)
}
