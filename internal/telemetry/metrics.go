package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Store core ----

	StoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livedict",
			Name:      "store_ops_total",
			Help:      "Store operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	ExpiredEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "livedict",
			Name:      "expired_entries_total",
			Help:      "Entries removed because their TTL elapsed.",
		},
	)

	StaleHeapItems = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "livedict",
			Name:      "stale_heap_items_total",
			Help:      "Scheduled expiries discarded because the entry was overwritten or deleted.",
		},
	)

	HeapCompactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "livedict",
			Name:      "heap_compactions_total",
			Help:      "Expiry heap rebuilds triggered by the stale-item ratio.",
		},
	)

	HookOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livedict",
			Name:      "hook_outcomes_total",
			Help:      "Callback faults and timeouts by event kind.",
		},
		[]string{"event", "outcome"},
	)

	BackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livedict",
			Name:      "backend_errors_total",
			Help:      "Swallowed backend errors by operation.",
		},
		[]string{"op"},
	)

	Rehydrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "livedict",
			Name:      "rehydrations_total",
			Help:      "Values reloaded from a backend after an in-memory miss.",
		},
	)

	// ---- HTTP front-end ----

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livedict",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "livedict",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "livedict",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "livedict",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		StoreOps, ExpiredEntries, StaleHeapItems, HeapCompactions,
		HookOutcomes, BackendErrors, Rehydrations,
		RequestsTotal, RequestDuration, InFlight, uptime,
	)
}

// MetricsHandler exposes /metrics for the custom registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the given "op"
// label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
