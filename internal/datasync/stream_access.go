package datasync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Togather-Foundation/datasync/internal/metrics"
)

// StreamAccess returns the cached stream grant while it is valid for at least
// TokenRefreshMargin more, and otherwise requests a new one.
func (c *Client) StreamAccess(ctx context.Context) (StreamAccess, error) {
	c.mu.Lock()
	if c.access != nil && c.now().Before(c.access.ExpiresAt.Add(-TokenRefreshMargin)) {
		access := *c.access
		c.mu.Unlock()
		return access, nil
	}
	c.mu.Unlock()

	access, err := c.grant(ctx)
	if err != nil {
		metrics.TokenGrants.WithLabelValues("error").Inc()
		return StreamAccess{}, fmt.Errorf("stream access: %w", err)
	}
	metrics.TokenGrants.WithLabelValues("success").Inc()

	c.mu.Lock()
	c.access = &access
	c.mu.Unlock()

	c.logger.Info().
		Str("endpoint", access.Endpoint).
		Time("expires_at", access.ExpiresAt).
		Msg("stream access granted")
	return access, nil
}

// InvalidateStreamAccess drops the cached grant so the next StreamAccess call
// requests a new one.
func (c *Client) InvalidateStreamAccess() {
	c.mu.Lock()
	c.access = nil
	c.mu.Unlock()
}

func (c *Client) grant(ctx context.Context) (StreamAccess, error) {
	resp, err := c.doWithRetry(ctx, request{
		operation: "stream_access",
		method:    http.MethodPost,
		url:       c.baseURL + grantPath,
		retry429:  true,
	})
	if err != nil {
		return StreamAccess{}, err
	}

	var gr grantResponse
	if err := json.Unmarshal(resp.Body, &gr); err != nil {
		return StreamAccess{}, fmt.Errorf("parse grant response: %w", err)
	}
	if gr.StreamAccess == nil {
		return StreamAccess{}, fmt.Errorf("grant response has no streamAccess")
	}
	access := *gr.StreamAccess
	if access.Endpoint == "" || access.Token == "" || access.TokenHeader == "" {
		return StreamAccess{}, fmt.Errorf("grant response is incomplete")
	}
	access.ExpiresAt = c.now().Add(time.Duration(access.ExpiresIn) * time.Second)
	return access, nil
}
