package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "master_engine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "master_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "master_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	taskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "master_engine",
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Total number of task status transitions.",
		},
		[]string{"to"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "master_engine",
			Subsystem: "tasks",
			Name:      "completion_duration_seconds",
			Help:      "Time from task creation to a terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		},
		[]string{"status"},
	)

	escrowDeposits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "master_engine",
			Subsystem: "chain",
			Name:      "deposits_total",
			Help:      "Total number of escrow deposit transactions.",
		},
		[]string{"success"},
	)

	escrowRefunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "master_engine",
			Subsystem: "chain",
			Name:      "refunds_total",
			Help:      "Total number of refund-and-slash transactions.",
		},
		[]string{"success"},
	)

	sweepRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "master_engine",
			Subsystem: "lifecycle",
			Name:      "sweeps_total",
			Help:      "Total number of expiry sweep passes.",
		},
	)

	sweepReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "master_engine",
			Subsystem: "lifecycle",
			Name:      "reclaimed_tasks_total",
			Help:      "Total number of expired tasks refunded by the sweep.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		taskTransitions,
		taskDuration,
		escrowDeposits,
		escrowRefunds,
		sweepRuns,
		sweepReclaimed,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordTransition records one task status transition.
func RecordTransition(to string) {
	taskTransitions.WithLabelValues(to).Inc()
}

// RecordTaskFinished records the lifetime of a task that reached a terminal
// status.
func RecordTaskFinished(status string, lifetime time.Duration) {
	if lifetime <= 0 {
		lifetime = time.Second
	}
	taskDuration.WithLabelValues(status).Observe(lifetime.Seconds())
}

// RecordDeposit records one escrow deposit attempt.
func RecordDeposit(success bool) {
	escrowDeposits.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordRefund records one refund-and-slash attempt.
func RecordRefund(success bool) {
	escrowRefunds.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordSweep records one expiry sweep pass and how many tasks it reclaimed.
func RecordSweep(reclaimed int) {
	sweepRuns.Inc()
	if reclaimed > 0 {
		sweepReclaimed.Add(float64(reclaimed))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses task ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "tasks" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/tasks"
	}
	return "/tasks/:id"
}
