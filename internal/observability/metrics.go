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
			Namespace: "waywire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "waywire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	connsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "waywire",
			Subsystem: "conn",
			Name:      "open",
			Help:      "Open protocol connections.",
		},
		[]string{"side"},
	)
	connsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waywire",
			Subsystem: "conn",
			Name:      "opened_total",
			Help:      "Protocol connections opened.",
		},
		[]string{"side"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waywire",
			Subsystem: "wire",
			Name:      "messages_total",
			Help:      "Protocol messages by direction.",
		},
		[]string{"side", "direction"},
	)
	rejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waywire",
			Subsystem: "wire",
			Name:      "errors_total",
			Help:      "Connections ended by an error, by error class.",
		},
		[]string{"side", "class"},
	)
	outboxStalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waywire",
			Subsystem: "wire",
			Name:      "outbox_stalls_total",
			Help:      "Enqueues that found the outbox full.",
		},
		[]string{"side"},
	)
	globals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "waywire",
			Subsystem: "display",
			Name:      "globals",
			Help:      "Globals currently advertised.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connsOpen,
			connsTotal,
			messages,
			rejects,
			outboxStalls,
			globals,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnOpened(side string) {
	RegisterMetrics()
	connsOpen.WithLabelValues(side).Inc()
	connsTotal.WithLabelValues(side).Inc()
}

func RecordConnClosed(side string) {
	RegisterMetrics()
	connsOpen.WithLabelValues(side).Dec()
}

func RecordMessage(side, direction string) {
	RecordMessages(side, direction, 1)
}

func RecordMessages(side, direction string, n int) {
	RegisterMetrics()
	messages.WithLabelValues(side, direction).Add(float64(n))
}

func RecordReject(side, class string) {
	RegisterMetrics()
	rejects.WithLabelValues(side, class).Inc()
}

func RecordOutboxStall(side string) {
	RegisterMetrics()
	outboxStalls.WithLabelValues(side).Inc()
}

func SetGlobals(n int) {
	RegisterMetrics()
	globals.Set(float64(n))
}
