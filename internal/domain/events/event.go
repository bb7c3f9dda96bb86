package events

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/markusmobius/go-dateparser"
)

// UnknownValue fills device and browser fields the source did not report.
const UnknownValue = "unknown"

// RawEvent is an event record as returned by the DataSync API.
type RawEvent struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	UserID     string         `json:"userId"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  Timestamp      `json:"timestamp"`
	Session    *SessionInfo   `json:"session,omitempty"`
}

// SessionInfo is the optional nested session block of a RawEvent.
type SessionInfo struct {
	ID         string `json:"id,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	Browser    string `json:"browser,omitempty"`
}

// NormalizedEvent is the canonical row shape persisted to ingested_events.
type NormalizedEvent struct {
	ID         string
	SessionID  string
	UserID     string
	Type       string
	Name       string
	Properties map[string]any
	Timestamp  time.Time
	DeviceType string
	Browser    string
}

// Timestamp holds an event time that arrives either as epoch milliseconds or as
// a date string. The zero value means the field was absent or unparseable.
type Timestamp struct {
	Time time.Time
	// Raw keeps the original JSON token for logging.
	Raw string
}

// IsZero reports whether no usable instant was decoded.
func (ts Timestamp) IsZero() bool {
	return ts.Time.IsZero()
}

// UnmarshalJSON never fails on a well-formed JSON token: an unusable timestamp
// leaves the zero value so the event is rejected by validation instead of
// failing the whole page decode.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	ts.Raw = string(data)
	ts.Time = time.Time{}

	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		ts.Time = ParseTimestamp(s)
		return nil
	}

	if millis, err := strconv.ParseFloat(string(data), 64); err == nil && millis != 0 {
		ts.Time = fromEpochMillis(millis)
	}
	return nil
}

// MarshalJSON renders the timestamp as epoch milliseconds.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(ts.Time.UnixMilli(), 10)), nil
}

// TimestampFromMillis builds a Timestamp from epoch milliseconds.
func TimestampFromMillis(millis int64) Timestamp {
	return Timestamp{Time: time.UnixMilli(millis).UTC(), Raw: strconv.FormatInt(millis, 10)}
}

// ParseTimestamp converts a date string to a UTC instant. ISO-8601 forms are tried
// first, then numeric epoch milliseconds, then a lenient natural-language parse.
// It returns the zero time when nothing matches.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}

	if millis, err := strconv.ParseFloat(s, 64); err == nil {
		if millis == 0 {
			return time.Time{}
		}
		return fromEpochMillis(millis)
	}

	dt, err := dateparser.Parse(nil, s)
	if err != nil || dt.Time.IsZero() {
		return time.Time{}
	}
	return dt.Time.UTC()
}

// Epoch-millisecond bounds accepted as event times: 0001-01-01 through 9999-12-31.
// Values outside them (including NaN and infinities) decode to the zero time.
const (
	minEpochMillis = -62135596800000
	maxEpochMillis = 253402300799999
)

func fromEpochMillis(millis float64) time.Time {
	if !(millis >= minEpochMillis && millis <= maxEpochMillis) {
		return time.Time{}
	}
	whole := int64(millis)
	frac := millis - float64(whole)
	return time.UnixMilli(whole).Add(time.Duration(frac * float64(time.Millisecond))).UTC()
}
