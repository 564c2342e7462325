// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// GatekeeperRejections tracks requests rejected before reaching the upstream.
	GatekeeperRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_rejections_total",
			Help: "Requests rejected by the gatekeeper, by reason",
		},
		[]string{"reason"},
	)

	// RateStoreErrors tracks counter store failures that degraded to no limiting.
	RateStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_store_errors_total",
			Help: "Counter store failures, by operation",
		},
		[]string{"op"},
	)

	// UpstreamAttempts tracks calls to the upstream provider per credential slot.
	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_attempts_total",
			Help: "Upstream call attempts, by provider, credential slot and outcome",
		},
		[]string{"provider", "slot", "outcome"},
	)

	// UpstreamFailovers tracks switches to a fallback credential.
	UpstreamFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_failovers_total",
			Help: "Failovers to a fallback credential",
		},
		[]string{"provider"},
	)

	// RelaysActive tracks open client-facing SSE relays.
	RelaysActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_active",
			Help: "Number of active chat relays",
		},
	)

	// RelayFramesTotal tracks frames written to clients.
	RelayFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "SSE frames relayed to clients, by kind",
		},
		[]string{"kind"},
	)

	// RelayDuration tracks how long a relay stays open.
	RelayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_duration_seconds",
			Help:    "Chat relay duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"outcome"},
	)

	// ViewIncrements tracks accepted view counter increments.
	ViewIncrements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "view_counter_increments_total",
			Help: "Accepted view counter increments",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path string, status int, duration float64) {
	s := strconv.Itoa(status)
	RequestDuration.WithLabelValues(method, path, s).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, s).Inc()
}

// RecordRejection records a gatekeeper rejection.
func RecordRejection(reason string) {
	GatekeeperRejections.WithLabelValues(reason).Inc()
}

// RecordUpstreamAttempt records one upstream call.
func RecordUpstreamAttempt(provider string, slot int, outcome string) {
	UpstreamAttempts.WithLabelValues(provider, strconv.Itoa(slot), outcome).Inc()
}

// RecordRelay records the end of a relay.
func RecordRelay(outcome string, duration float64) {
	RelayDuration.WithLabelValues(outcome).Observe(duration)
}

// IncrementRelays increments the active relay count.
func IncrementRelays() {
	RelaysActive.Inc()
}

// DecrementRelays decrements the active relay count.
func DecrementRelays() {
	RelaysActive.Dec()
}
