// Package telemetry exposes Prometheus metrics for the monitoring engine.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_fetch_attempts_total",
			Help: "Total fetch attempts, labeled by host and outcome.",
		},
		[]string{"host", "outcome"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "monitor_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies, labeled by host.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	changeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_change_events_total",
			Help: "Total change events emitted, labeled by kind.",
		},
		[]string{"kind"},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_dispatches_total",
			Help: "Total target dispatches, labeled by status.",
		},
		[]string{"status"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_active_workers",
			Help: "Number of workers currently executing a dispatch.",
		},
	)

	governorDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "monitor_governor_delay_seconds",
			Help:    "Histogram of rate governor wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"key"},
	)

	proxyHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monitor_proxy_health",
			Help: "Current health score per proxy endpoint.",
		},
		[]string{"endpoint"},
	)

	cycleDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "monitor_cycle_duration_seconds",
			Help:    "Histogram of scheduler scan cycle durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
)

// CountFetchAttempt records one fetch attempt outcome.
func CountFetchAttempt(host, outcome string) {
	fetchAttemptsTotal.WithLabelValues(host, outcome).Inc()
}

// ObserveFetchDuration records the latency of one fetch.
func ObserveFetchDuration(host string, d time.Duration) {
	fetchDurationSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// CountChangeEvent records one emitted change event.
func CountChangeEvent(kind string) {
	changeEventsTotal.WithLabelValues(kind).Inc()
}

// CountDispatch records one completed dispatch by final status.
func CountDispatch(status string) {
	dispatchesTotal.WithLabelValues(status).Inc()
}

// WorkerStarted and WorkerFinished track the active worker gauge.
func WorkerStarted()  { activeWorkers.Inc() }
func WorkerFinished() { activeWorkers.Dec() }

// ObserveGovernorDelay records time spent waiting for a rate slot.
func ObserveGovernorDelay(key string, d time.Duration) {
	governorDelaySeconds.WithLabelValues(key).Observe(d.Seconds())
}

// SetProxyHealth publishes the current health score for an endpoint.
func SetProxyHealth(endpoint string, health int) {
	proxyHealth.WithLabelValues(endpoint).Set(float64(health))
}

// ObserveCycleDuration records one scheduler scan duration.
func ObserveCycleDuration(d time.Duration) {
	cycleDurationSeconds.Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
