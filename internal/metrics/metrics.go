package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	roundsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "medchain",
			Name:      "rounds_committed_total",
			Help:      "Rounds that reached COMMITTED.",
		},
	)
	roundsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medchain",
			Name:      "rounds_failed_total",
			Help:      "Round close attempts that did not commit.",
		},
		[]string{"reason"},
	)
	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medchain",
			Name:      "submissions_total",
			Help:      "Client update submissions by outcome.",
		},
		[]string{"result"},
	)
	ledgerBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "medchain",
			Name:      "ledger_blocks",
			Help:      "Blocks in the audit ledger including genesis.",
		},
	)
	modelDeltaNorm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "medchain",
			Name:      "model_delta_norm",
			Help:      "L2 norm between the last two global models.",
		},
	)
	activeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "medchain",
			Name:      "active_clients",
			Help:      "Registered clients currently active.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medchain",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "medchain",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Register adds every collector to the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			roundsCommitted, roundsFailed, submissions,
			ledgerBlocks, modelDeltaNorm, activeClients,
			httpRequests, httpDuration,
		)
	})
}

// Handler serves the default registry in the text exposition format.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func RoundCommitted(deltaNorm float64) {
	Register()
	roundsCommitted.Inc()
	modelDeltaNorm.Set(deltaNorm)
}

func RoundFailed(reason string) {
	Register()
	roundsFailed.WithLabelValues(reason).Inc()
}

func Submission(result string) {
	Register()
	submissions.WithLabelValues(result).Inc()
}

func SetLedgerBlocks(n int) {
	Register()
	ledgerBlocks.Set(float64(n))
}

func SetActiveClients(n int) {
	Register()
	activeClients.Set(float64(n))
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	Register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
