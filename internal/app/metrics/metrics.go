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
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fabblink",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fabblink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fabblink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fabblink",
			Subsystem: "hub",
			Name:      "operations_total",
			Help:      "Hub operations by outcome code.",
		},
		[]string{"operation", "code"},
	)

	settlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fabblink",
			Subsystem: "settlement",
			Name:      "batch_duration_seconds",
			Help:      "Duration of payout batch settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"success"},
	)

	escrowHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fabblink",
			Subsystem: "ledger",
			Name:      "escrow_raw_units",
			Help:      "Funds held in open orders, in raw accounting units.",
		},
	)

	balancesHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fabblink",
			Subsystem: "ledger",
			Name:      "balances_raw_units",
			Help:      "Unescrowed consumer funds, in raw accounting units.",
		},
	)

	conservationDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fabblink",
			Subsystem: "ledger",
			Name:      "conservation_drift_raw_units",
			Help:      "Deposits minus (balances + escrow + payouts); non-zero means value was created or lost.",
		},
	)

	intakeTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fabblink",
			Subsystem: "intake",
			Name:      "transfers_total",
			Help:      "Incoming transfers seen by the chain watcher, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		operations,
		settlementDuration,
		escrowHeld,
		balancesHeld,
		conservationDrift,
		intakeTransfers,
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

// RecordOperation counts a hub operation by its outcome code ("OK" on success).
func RecordOperation(operation, code string) {
	if code == "" {
		code = "OK"
	}
	operations.WithLabelValues(operation, code).Inc()
}

// RecordSettlement records the duration of a payout batch.
func RecordSettlement(duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	settlementDuration.WithLabelValues(strconv.FormatBool(success)).Observe(duration.Seconds())
}

// SetHoldings exports the latest reconciliation figures.
func SetHoldings(balances, escrow, drift int64) {
	balancesHeld.Set(float64(balances))
	escrowHeld.Set(float64(escrow))
	conservationDrift.Set(float64(drift))
}

// RecordIntake counts a transfer handled by the chain watcher.
func RecordIntake(outcome string) {
	intakeTransfers.WithLabelValues(outcome).Inc()
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

// canonicalPath replaces identifiers with placeholders so label cardinality
// stays bounded. Resource collections alternate name and identifier.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "designers", "designs", "vendors", "consumers":
	default:
		return "/" + parts[0]
	}
	for i := 1; i < len(parts); i += 2 {
		parts[i] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}
