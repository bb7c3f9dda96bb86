package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DBPoolConnections reports pgxpool connection counts by state:
	// total, acquired, idle, constructing and max.
	DBPoolConnections = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_connections",
			Help:      "Database pool connections by state",
		},
		[]string{"state"},
	)

	// DBPoolAcquireWaits mirrors the pool's cumulative count of acquires that had to wait.
	DBPoolAcquireWaits = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_empty_acquires",
			Help:      "Cumulative acquires that waited because the pool was empty",
		},
	)

	// DBPoolAcquireWaitSeconds mirrors the pool's cumulative acquire wait time.
	DBPoolAcquireWaitSeconds = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_acquire_wait_seconds",
			Help:      "Cumulative time spent acquiring pool connections",
		},
	)

	// DBQueryDuration records statement latency for inserts, counts and checkpoint IO.
	DBQueryDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database operation duration in seconds",
			// Bulk inserts of a full page can take seconds.
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// DBErrors counts failed database operations by error class.
	DBErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_errors_total",
			Help:      "Total number of failed database operations",
		},
		[]string{"operation", "error_type"},
	)
)

// PoolStats is the subset of *pgxpool.Stat the collector publishes.
type PoolStats interface {
	TotalConns() int32
	AcquiredConns() int32
	IdleConns() int32
	ConstructingConns() int32
	MaxConns() int32
	EmptyAcquireCount() int64
	AcquireDuration() time.Duration
}

// DBCollector samples pool statistics on an interval while ingestion runs.
type DBCollector struct {
	stats    func() PoolStats
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewDBCollector samples pool. A nil pool yields a collector that publishes nothing.
func NewDBCollector(pool *pgxpool.Pool) *DBCollector {
	var stats func() PoolStats
	if pool != nil {
		stats = func() PoolStats { return pool.Stat() }
	}
	return newCollector(stats)
}

func newCollector(stats func() PoolStats) *DBCollector {
	return &DBCollector{stats: stats, stopChan: make(chan struct{})}
}

// Run samples once immediately, then every interval until ctx is done or Stop
// is called. It always returns nil so it can run inside an errgroup.
func (c *DBCollector) Run(ctx context.Context, interval time.Duration) error {
	c.collect()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopChan:
			return nil
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop ends a running collector. It is safe to call more than once.
func (c *DBCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *DBCollector) collect() {
	if c.stats == nil {
		return
	}
	s := c.stats()

	for state, n := range map[string]int32{
		"total":        s.TotalConns(),
		"acquired":     s.AcquiredConns(),
		"idle":         s.IdleConns(),
		"constructing": s.ConstructingConns(),
		"max":          s.MaxConns(),
	} {
		DBPoolConnections.WithLabelValues(state).Set(float64(n))
	}
	DBPoolAcquireWaits.Set(float64(s.EmptyAcquireCount()))
	DBPoolAcquireWaitSeconds.Set(s.AcquireDuration().Seconds())
}

// RecordQuery observes one database operation. Use it from a deferred call so
// the named error result is seen:
//
//	start := time.Now()
//	defer func() { metrics.RecordQuery("insert_events", start, err) }()
func RecordQuery(operation string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DBErrors.WithLabelValues(operation, classifyDBError(err)).Inc()
	}
}

// classifyDBError maps err to a low-cardinality label.
func classifyDBError(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		// SQLSTATE class, e.g. "23" integrity violation, "08" connection exception
		return "sqlstate_" + pgErr.Code[:2]
	}
	return "query_error"
}
