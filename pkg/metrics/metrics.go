package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMBuckets suit chat-completion latencies, 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// Counter: client calls by mode (blocking|async|stream) and outcome
	// (success or the error kind).
	ClientRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantumai_client_requests_total",
			Help: "Total chat completion calls made by the client.",
		},
		[]string{"mode", "outcome"},
	)

	// Histogram: end-to-end call latency including retries.
	ClientRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantumai_client_request_duration_seconds",
			Help:    "Chat completion call latency in seconds, retries included.",
			Buckets: LLMBuckets,
		},
		[]string{"mode"},
	)

	ClientRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantumai_client_retries_total",
			Help: "Retries scheduled by the client, by error kind.",
		},
		[]string{"kind"},
	)

	// Counter: stream chunks decoded or skipped as malformed.
	ClientStreamChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantumai_client_stream_chunks_total",
			Help: "Stream chunks by result (decoded|skipped).",
		},
		[]string{"result"},
	)

	ClientActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantumai_client_streams_active",
			Help: "Open streaming connections.",
		},
	)

	// Histogram: mock server HTTP latency in seconds.
	ServerLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quantumai_mockserver_latency_seconds",
			Help:    "HTTP request latency for the mock backend in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"path", "method", "status_code"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ClientRequestsTotal,
			ClientRequestDuration,
			ClientRetriesTotal,
			ClientStreamChunksTotal,
			ClientActiveStreams,
			ServerLatencySeconds,
		)
	})
}

// ObserveClientRequest records one finished client call.
func ObserveClientRequest(mode, outcome string, d time.Duration) {
	ClientRequestsTotal.WithLabelValues(mode, outcome).Inc()
	ClientRequestDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures mock server latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		ServerLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers behind the middleware keep flushing.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
