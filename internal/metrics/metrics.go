// Package metrics provides Prometheus instrumentation for the messenger. It
// exposes gauges for connection and session counts, counters for request and
// event throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messenger_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RequestsTotal counts client requests, labeled by request type and
	// outcome code ("ok" or a protocol error code).
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_requests_total",
		Help: "Total number of client requests processed",
	}, []string{"type", "code"})

	// RequestLatency records request handling latency in seconds.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "messenger_request_latency_seconds",
		Help:    "Client request handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// EventsPublished counts domain events published, labeled by kind.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_events_published_total",
		Help: "Total number of domain events published",
	}, []string{"kind"})

	// EventsDelivered counts frames written to connections.
	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_events_delivered_total",
		Help: "Total number of event frames written to connections",
	})

	// EventsDropped counts frames that could not be delivered, labeled by
	// reason: "outbox_full" or "write_error".
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messenger_events_dropped_total",
		Help: "Total number of event frames dropped",
	}, []string{"reason"})

	// Compensations counts rolled-back chat creations.
	Compensations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messenger_chat_create_compensations_total",
		Help: "Chat creations rolled back after a partial failure",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RequestsTotal,
		RequestLatency,
		EventsPublished,
		EventsDelivered,
		EventsDropped,
		Compensations,
	)
}

// TrackSessions exports count as the number of sessions attached to this
// node. Call it once.
func TrackSessions(count func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "messenger_sessions_attached",
		Help: "Sessions attached to this node's registry",
	}, func() float64 { return float64(count()) }))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
