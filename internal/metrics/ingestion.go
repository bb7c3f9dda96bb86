package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion metrics. The mode label is "direct" or "stream".
var (
	// PagesProcessed counts pages whose events were committed and checkpointed
	PagesProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_processed_total",
			Help:      "Total number of pages committed and checkpointed",
		},
		[]string{"mode"},
	)

	// EventsInserted counts rows that were new to the store
	EventsInserted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_inserted_total",
			Help:      "Total number of events newly inserted",
		},
		[]string{"mode"},
	)

	// EventsDropped counts events rejected by validation
	EventsDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because required fields were missing",
		},
		[]string{"mode"},
	)

	// RateLimited counts 429 control signals
	RateLimited = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of rate-limit responses received",
		},
		[]string{"mode"},
	)

	// ModeSwitches counts controller state transitions between fetch modes
	ModeSwitches = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_switches_total",
			Help:      "Total number of switches between direct and stream mode",
		},
		[]string{"from", "to"},
	)

	// TokenGrants counts stream access grant calls
	TokenGrants = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_token_grants_total",
			Help:      "Total number of stream access grant calls",
		},
		[]string{"result"}, // result: success|error
	)

	// TokenExpirations counts 403 responses from the stream endpoint
	TokenExpirations = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_token_expired_total",
			Help:      "Total number of stream calls rejected with an expired token",
		},
	)

	// FetchRetries counts retry attempts by operation after a transient failure
	FetchRetries = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Total number of retried API calls",
		},
		[]string{"operation"},
	)

	// EventsIngested mirrors the checkpoint's running total
	EventsIngested = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_ingested",
			Help:      "Events ingested according to the last written checkpoint",
		},
	)
)
