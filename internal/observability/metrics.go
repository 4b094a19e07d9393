package observability

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/xrpc/internal/stream"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	callDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Outcome label for successful calls. Failed calls are labelled with their
// error kind.
const OutcomeOK = "ok"

// Metrics holds all Prometheus metric instruments for the XRPC server.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Method call metrics
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Rate limiting
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Subscriptions
	SubscriptionsActive *prometheus.GaugeVec
	SubscriptionsTotal  *prometheus.CounterVec
	StreamFramesTotal   *prometheus.CounterVec

	// System
	LexiconsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xrpc_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xrpc_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xrpc_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xrpc_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xrpc_calls_total",
			Help: "Total number of method calls by outcome.",
		}, []string{"nsid", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xrpc_call_duration_seconds",
			Help:    "Method call duration in seconds, from admission to response.",
			Buckets: callDurationBuckets,
		}, []string{"nsid"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xrpc_rate_limit_rejections_total",
			Help: "Total number of requests refused by a rate limiter.",
		}, []string{"limiter"}),

		SubscriptionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xrpc_subscriptions_active",
			Help: "Number of open subscription connections.",
		}, []string{"nsid"}),
		SubscriptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xrpc_subscriptions_total",
			Help: "Total number of accepted subscription connections.",
		}, []string{"nsid"}),
		StreamFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xrpc_stream_frames_total",
			Help: "Total number of frames written to subscribers.",
		}, []string{"nsid", "type"}),

		LexiconsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xrpc_lexicons_loaded",
			Help: "Number of loaded method definitions.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.CallsTotal,
		m.CallDuration,
		m.RateLimitRejectionsTotal,
		m.SubscriptionsActive,
		m.SubscriptionsTotal,
		m.StreamFramesTotal,
		m.LexiconsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordCall records one method invocation. outcome is OutcomeOK or the
// error kind the call failed with.
func (m *Metrics) RecordCall(nsid, outcome string, duration time.Duration) {
	m.CallsTotal.WithLabelValues(nsid, outcome).Inc()
	m.CallDuration.WithLabelValues(nsid).Observe(duration.Seconds())
}

// RecordRateLimitRejection records a refused request. Its signature matches
// the limiter OnReject hook.
func (m *Metrics) RecordRateLimitRejection(limiter string) {
	m.RateLimitRejectionsTotal.WithLabelValues(limiter).Inc()
}

// SetLexiconsLoaded sets the number of loaded method definitions.
func (m *Metrics) SetLexiconsLoaded(count int) {
	m.LexiconsLoaded.Set(float64(count))
}

// SubscriptionOpened implements stream.Observer.
func (m *Metrics) SubscriptionOpened(nsid string) {
	m.SubscriptionsTotal.WithLabelValues(nsid).Inc()
	m.SubscriptionsActive.WithLabelValues(nsid).Inc()
}

// SubscriptionClosed implements stream.Observer.
func (m *Metrics) SubscriptionClosed(nsid string) {
	m.SubscriptionsActive.WithLabelValues(nsid).Dec()
}

// FrameSent implements stream.Observer.
func (m *Metrics) FrameSent(nsid string, op int) {
	frameType := "message"
	if op == stream.OpError {
		frameType = "error"
	}
	m.StreamFramesTotal.WithLabelValues(nsid, frameType).Inc()
}

var _ stream.Observer = (*Metrics)(nil)

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets subscription upgrades take over the connection.
func (w *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}
