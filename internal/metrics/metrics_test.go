package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	Init("v1.0.0", "abc123", "2026-01-30")
	// A second call must not panic on duplicate collector registration.
	Init("v1.0.0", "abc123", "2026-01-30")

	assert.NotZero(t, testutil.CollectAndCount(AppInfo))
}

func TestHandler(t *testing.T) {
	PagesProcessed.WithLabelValues("direct").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "datasync_pages_processed_total")
}

func TestTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	client := &http.Client{Transport: Transport(nil)}
	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/events", "418"))

	resp, err := client.Get(srv.URL + "/api/v1/events")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/events", "418"))
	assert.Equal(t, before+1, after)
	assert.Zero(t, testutil.ToFloat64(APIRequestsInFlight))
}

func TestTransport_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := &http.Client{Transport: Transport(nil)}
	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/gone", "error"))

	_, err := client.Get(url + "/gone")
	require.Error(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/gone", "error")))
}

type fakePoolStats struct{}

func (fakePoolStats) TotalConns() int32              { return 4 }
func (fakePoolStats) AcquiredConns() int32           { return 1 }
func (fakePoolStats) IdleConns() int32               { return 3 }
func (fakePoolStats) ConstructingConns() int32       { return 0 }
func (fakePoolStats) MaxConns() int32                { return 10 }
func (fakePoolStats) EmptyAcquireCount() int64       { return 7 }
func (fakePoolStats) AcquireDuration() time.Duration { return 1500 * time.Millisecond }

func TestDBCollector_Publishes(t *testing.T) {
	collector := newCollector(func() PoolStats { return fakePoolStats{} })
	collector.collect()

	assert.Equal(t, 4.0, testutil.ToFloat64(DBPoolConnections.WithLabelValues("total")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DBPoolConnections.WithLabelValues("acquired")))
	assert.Equal(t, 10.0, testutil.ToFloat64(DBPoolConnections.WithLabelValues("max")))
	assert.Equal(t, 7.0, testutil.ToFloat64(DBPoolAcquireWaits))
	assert.InDelta(t, 1.5, testutil.ToFloat64(DBPoolAcquireWaitSeconds), 0.0001)
}

func TestDBCollector_StopAndCancel(t *testing.T) {
	// Nil pool must be tolerated.
	collector := NewDBCollector(nil)
	collector.collect()

	done := make(chan error, 1)
	go func() { done <- collector.Run(context.Background(), time.Hour) }()

	collector.Stop()
	collector.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewDBCollector(nil).Run(ctx, time.Hour))
}

func TestRecordQuery(t *testing.T) {
	RecordQuery("test_select", time.Now(), nil)
	assert.NotZero(t, testutil.CollectAndCount(DBQueryDuration))

	RecordQuery("test_failed", time.Now(), fmt.Errorf("wrapped: %w", context.Canceled))
	assert.Equal(t, 1.0, testutil.ToFloat64(DBErrors.WithLabelValues("test_failed", "canceled")))
}

func TestClassifyDBError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"canceled", context.Canceled, "canceled"},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), "timeout"},
		{"unique violation", &pgconn.PgError{Code: "23505"}, "sqlstate_23"},
		{"plain", errors.New("boom"), "query_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyDBError(tt.err))
		})
	}
}

func TestIngestionMetricsExposed(t *testing.T) {
	EventsInserted.WithLabelValues("stream").Add(3)
	ModeSwitches.WithLabelValues("direct", "stream").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"datasync_events_inserted_total", "datasync_mode_switches_total"} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}
