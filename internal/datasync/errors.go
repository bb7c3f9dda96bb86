package datasync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedPage is returned when a 2xx page response cannot be decoded or
// carries no data array.
var ErrMalformedPage = errors.New("malformed page response")

// StatusError is a non-success HTTP response that was not turned into a
// control signal.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Operation, e.StatusCode, body)
}

// IsHardClientError reports whether err is a 4xx response. Such failures are
// never retried.
func IsHardClientError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500
}

// isRetryableStatus reports whether a status code is a transient server-side failure.
func isRetryableStatus(code int) bool {
	return code >= http.StatusInternalServerError
}

func isContextDone(ctx context.Context) bool {
	return ctx.Err() != nil
}
