package telemetry

import "github.com/prometheus/client_golang/prometheus"

// BreakerState reports the current state of each per-operation circuit
// breaker: 0=closed, 1=half-open, 2=open.
var BreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "refreshtoken",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Current circuit breaker state by operation (0=closed, 1=half-open, 2=open).",
	},
	[]string{"operation"},
)

// BreakerTripsTotal counts breaker open transitions by operation.
var BreakerTripsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "refreshtoken",
		Subsystem: "breaker",
		Name:      "trips_total",
		Help:      "Total number of times a breaker transitioned to open.",
	},
	[]string{"operation"},
)

// StatsCacheHitsTotal counts stats lookups by whether the cache was
// requested ("requested") or bypassed ("skipped"). It does not tell a
// cache hit from a recomputation.
var StatsCacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "refreshtoken",
		Subsystem: "stats",
		Name:      "cache_result_total",
		Help:      "Total stats lookups by cache mode (requested, skipped).",
	},
	[]string{"result"},
)

// CleanupSweptTotal counts orphaned index entries removed by the scheduler.
var CleanupSweptTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "refreshtoken",
		Subsystem: "cleanup",
		Name:      "swept_total",
		Help:      "Total number of orphaned user-index entries removed.",
	},
)

// CleanupRunsTotal counts completed sweep runs, labelled by whether they
// were triggered by the schedule or manually.
var CleanupRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "refreshtoken",
		Subsystem: "cleanup",
		Name:      "runs_total",
		Help:      "Total number of completed cleanup sweeps.",
	},
	[]string{"trigger"},
)

// EventObserverFailuresTotal counts observer callbacks that returned an error.
var EventObserverFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "refreshtoken",
		Subsystem: "events",
		Name:      "observer_failures_total",
		Help:      "Total number of event observer callback failures, by event type.",
	},
	[]string{"event"},
)

// All returns every refreshtoken metric, for registration against a
// *prometheus.Registry owned by the embedding process.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		BreakerState,
		BreakerTripsTotal,
		StatsCacheHitsTotal,
		CleanupSweptTotal,
		CleanupRunsTotal,
		EventObserverFailuresTotal,
	}
}
