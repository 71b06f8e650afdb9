// Package metrics exposes TerrainGossip's operational counters, gauges,
// and histograms as real Prometheus collectors, mirroring the shape of
// the teacher's hand-rolled atomics-based metrics package but registered
// against the standard client_golang registry and served over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors each daemon reports against. Daemons only
// touch the fields relevant to their subsystem; unused collectors simply
// stay at zero.
type Metrics struct {
	registry *prometheus.Registry

	// Gossip / event log (L1)
	EventsAppended  prometheus.Counter
	EventsMerged    prometheus.Counter
	SyncRounds      prometheus.Counter
	SyncFailures    prometheus.Counter
	PeersKnown      prometheus.Gauge
	SyncRoundTripMs prometheus.Histogram

	// Onion routing (L2)
	CircuitBuilds        prometheus.Counter
	CircuitBuildFailures prometheus.Counter
	ActiveCircuits       prometheus.Gauge
	CellsRelayed         prometheus.Counter
	CellsDelivered       prometheus.Counter
	CellsDropped         prometheus.Counter

	// FAH terrain / scoring (L3)
	RouteRequests     prometheus.Counter
	RouteFailures     prometheus.Counter
	ProvidersKnown    prometheus.Gauge
	ScoreComputations prometheus.Counter

	// Prober
	ProbesIssued   prometheus.Counter
	ProbeSuccesses prometheus.Counter
	ProbeFailures  prometheus.Counter

	// Process
	Uptime prometheus.GaugeFunc
}

// New constructs a Metrics instance with every collector registered
// against a fresh registry, and an Uptime gauge measured from New's
// call time.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	startTime := time.Now()

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_appended_total",
			Help: "Local events appended to the event log.",
		}),
		EventsMerged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_merged_total",
			Help: "Remote events merged via anti-entropy sync.",
		}),
		SyncRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_rounds_total",
			Help: "Anti-entropy sync rounds completed.",
		}),
		SyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_failures_total",
			Help: "Anti-entropy sync rounds that failed.",
		}),
		PeersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers_known",
			Help: "Peers currently tracked for sync.",
		}),
		SyncRoundTripMs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sync_round_trip_ms",
			Help:    "Anti-entropy sync round-trip latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		CircuitBuilds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "circuit_builds_total",
			Help: "Onion circuits successfully built.",
		}),
		CircuitBuildFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "circuit_build_failures_total",
			Help: "Onion circuit build attempts that failed.",
		}),
		ActiveCircuits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_circuits",
			Help: "Circuits currently open.",
		}),
		CellsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cells_relayed_total",
			Help: "Onion cells forwarded by this relay.",
		}),
		CellsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cells_delivered_total",
			Help: "Onion cells delivered locally as the final hop.",
		}),
		CellsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cells_dropped_total",
			Help: "Onion cells dropped due to a full forward or delivery queue or an unknown next hop.",
		}),

		RouteRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "route_requests_total",
			Help: "Inference routing requests served.",
		}),
		RouteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "route_failures_total",
			Help: "Inference routing requests that found no provider.",
		}),
		ProvidersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "providers_known",
			Help: "Providers currently registered.",
		}),
		ScoreComputations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "score_computations_total",
			Help: "Provider score computations performed.",
		}),

		ProbesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "probes_issued_total",
			Help: "Challenges issued to providers.",
		}),
		ProbeSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "probe_successes_total",
			Help: "Challenges that received a valid response.",
		}),
		ProbeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "probe_failures_total",
			Help: "Challenges that timed out or failed verification.",
		}),

		Uptime: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "uptime_seconds",
			Help: "Seconds since this daemon started.",
		}, func() float64 { return time.Since(startTime).Seconds() }),
	}
}

// Handler returns an http.Handler serving this instance's registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
