package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{name: "rfc3339 utc", input: "2026-02-01T10:00:00Z", want: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)},
		{name: "rfc3339 offset", input: "2026-02-01T10:00:00-05:00", want: time.Date(2026, 2, 1, 15, 0, 0, 0, time.UTC)},
		{name: "fractional seconds", input: "2026-02-01T10:00:00.250Z", want: time.Date(2026, 2, 1, 10, 0, 0, 250000000, time.UTC)},
		{name: "date only", input: "2026-02-01", want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{name: "numeric string millis", input: "1700000000000", want: time.UnixMilli(1700000000000).UTC()},
		{name: "empty", input: "", want: time.Time{}},
		{name: "zero millis", input: "0", want: time.Time{}},
		{name: "millis beyond year 9999", input: "1e25", want: time.Time{}},
		{name: "not a number", input: "NaN", want: time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(ParseTimestamp(tt.input)), "got %v", ParseTimestamp(tt.input))
		})
	}
}

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantZero bool
		want     time.Time
	}{
		{name: "epoch millis", input: `1700000000000`, want: time.UnixMilli(1700000000000).UTC()},
		{name: "epoch millis float", input: `1700000000000.0`, want: time.UnixMilli(1700000000000).UTC()},
		{name: "iso string", input: `"2026-02-01T10:00:00Z"`, want: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)},
		{name: "null", input: `null`, wantZero: true},
		{name: "zero", input: `0`, wantZero: true},
		{name: "bool is ignored", input: `true`, wantZero: true},
		{name: "huge millis", input: `1e25`, wantZero: true},
		{name: "huge negative millis", input: `-1e25`, wantZero: true},
		{name: "last millisecond of 9999", input: `253402300799999`, want: time.Date(9999, 12, 31, 23, 59, 59, 999000000, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.input), &ts))
			if tt.wantZero {
				assert.True(t, ts.IsZero())
				return
			}
			assert.True(t, tt.want.Equal(ts.Time), "got %v", ts.Time)
			assert.Equal(t, tt.input, ts.Raw)
		})
	}
}

func TestOutOfRangeTimestampIsDropped(t *testing.T) {
	var raw RawEvent
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "00000000-0000-4000-8000-000000000001",
		"sessionId": "11111111-1111-4111-8111-111111111111",
		"type": "click",
		"timestamp": 1e25
	}`), &raw))

	assert.True(t, raw.Timestamp.IsZero())
	assert.False(t, Validate(raw))

	valid, dropped := NormalizeBatch([]RawEvent{raw})
	assert.Empty(t, valid)
	assert.Equal(t, 1, dropped)
}

func TestTimestamp_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(TimestampFromMillis(1700000000000))
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", string(data))

	data, err = json.Marshal(Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
