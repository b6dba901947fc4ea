// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerTasksTotal           *prometheus.CounterVec
	crawlerDispatchTotal        *prometheus.CounterVec
	crawlerRecordsTotal         prometheus.Counter
	crawlerSessionsTotal        *prometheus.CounterVec
	crawlerActiveWorkers        prometheus.Gauge
	crawlerFetchDurationSeconds *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	crawlerQueueDepth           prometheus.GaugeFunc

	queueDepthSource atomic.Pointer[QueueDepthFunc]

	once sync.Once
)

// QueueDepthFunc reports the number of pending tasks.
type QueueDepthFunc func(ctx context.Context) (int64, error)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tasks_total",
				Help: "Total number of crawl tasks processed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		crawlerDispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_dispatch_total",
				Help: "Discovered links by classification and dispatch outcome.",
			},
			[]string{"kind", "outcome"},
		)

		crawlerRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Total number of records extracted and stored.",
			},
		)

		crawlerSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sessions_total",
				Help: "Total number of crawl sessions drained, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by status.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerQueueDepth = promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "crawler_queue_depth",
				Help: "Number of tasks waiting in the work queue.",
			},
			queueDepth,
		)
	})
}

// SetQueueDepthSource points the queue depth gauge at the active queue.
func SetQueueDepthSource(fn QueueDepthFunc) {
	Init()
	queueDepthSource.Store(&fn)
}

func queueDepth() float64 {
	fn := queueDepthSource.Load()
	if fn == nil || *fn == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := (*fn)(ctx)
	if err != nil {
		return 0
	}
	return float64(n)
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveTask counts one processed task.
func ObserveTask(kind, outcome string) {
	Init()
	crawlerTasksTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveDispatch counts one classified link.
func ObserveDispatch(kind, outcome string) {
	Init()
	crawlerDispatchTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRecord counts one stored record.
func ObserveRecord() {
	Init()
	crawlerRecordsTotal.Inc()
}

// ObserveSession counts one drained session.
func ObserveSession(outcome string) {
	Init()
	crawlerSessionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records fetch latency.
func ObserveFetch(status string, duration time.Duration) {
	Init()
	crawlerFetchDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}
