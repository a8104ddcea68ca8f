package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewhost",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "viewhost",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	actionsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewhost",
			Subsystem: "bus",
			Name:      "actions_total",
			Help:      "Actions reduced or relayed by the action bus.",
		},
		[]string{"origin", "type"},
	)
	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewhost",
			Subsystem: "bus",
			Name:      "protocol_violations_total",
			Help:      "Malformed actions dropped at the bus boundary.",
		},
		[]string{"origin"},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewhost",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Typed channel calls served, by handler outcome.",
		},
		[]string{"name", "success"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "viewhost",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Typed channel handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"name", "success"},
	)
	promptsRequested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewhost",
			Subsystem: "prompt",
			Name:      "requests_total",
			Help:      "Human-in-the-loop requests dispatched, by kind.",
		},
		[]string{"kind"},
	)
	guestsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "viewhost",
			Subsystem: "session",
			Name:      "guests_connected",
			Help:      "Guest sessions currently attached to the host.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			actionsDispatched,
			protocolViolations,
			rpcCalls,
			rpcDuration,
			promptsRequested,
			guestsConnected,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAction(origin, actionType string) {
	RegisterMetrics()
	actionsDispatched.WithLabelValues(origin, actionType).Inc()
}

func RecordProtocolViolation(origin string) {
	RegisterMetrics()
	protocolViolations.WithLabelValues(origin).Inc()
}

func RecordRPC(name string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	rpcCalls.WithLabelValues(name, successLabel).Inc()
	rpcDuration.WithLabelValues(name, successLabel).Observe(duration.Seconds())
}

func RecordPrompt(kind string) {
	RegisterMetrics()
	promptsRequested.WithLabelValues(kind).Inc()
}

func GuestConnected() {
	RegisterMetrics()
	guestsConnected.Inc()
}

func GuestDisconnected() {
	RegisterMetrics()
	guestsConnected.Dec()
}
