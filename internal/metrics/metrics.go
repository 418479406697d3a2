// Package metrics holds the Prometheus collectors shared by the admission,
// settlement and realtime paths. Collectors are registered on the default
// registry and served by promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "retail"

// Admission outcomes.
const (
	OutcomeAllowed           = "allowed"
	OutcomeDenied            = "denied"
	OutcomeFallbackAllowed   = "fallback_allowed"
	OutcomeFallbackExhausted = "fallback_exhausted"
	OutcomeUnknownClass      = "unknown_class"
)

var AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "admission",
	Name:      "decisions_total",
	Help:      "Admission decisions by route class and outcome.",
}, []string{"class", "outcome"})

var CounterStoreUp = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "admission",
	Name:      "primary_store_up",
	Help:      "1 when the primary counter store is reachable, 0 otherwise.",
})

var CounterStoreReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "admission",
	Name:      "primary_reconnect_attempts_total",
	Help:      "Reconnection attempts made against the primary counter store.",
})

var Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "settlement",
	Name:      "results_total",
	Help:      "Settlement attempts by result kind.",
}, []string{"operation", "result"})

var SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "settlement",
	Name:      "duration_seconds",
	Help:      "Time spent in the settlement atomic unit, retries included.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

var SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "settlement",
	Name:      "conflict_retries_total",
	Help:      "Atomic units retried after a concurrent update or deadlock.",
})

var RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "realtime",
	Name:      "connections",
	Help:      "Currently connected realtime subscribers.",
})

var RealtimeDelivered = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "realtime",
	Name:      "events_queued_total",
	Help:      "Events queued for delivery to a subscriber.",
})

var RealtimeDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "realtime",
	Name:      "events_dropped_total",
	Help:      "Events dropped because a subscriber queue was full.",
})

var RelayPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "relay",
	Name:      "publishes_total",
	Help:      "Stock events forwarded to the message broker by result.",
}, []string{"result"})
