package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics collectors, including the named
// domain-operation counters surfaced by the /health endpoint's counters field.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	ActiveRequests  prometheus.Gauge

	ValidationWarningsTotal       prometheus.Counter
	DifferentialConciseRetryTotal prometheus.Counter
	SummaryConciseRetryTotal      prometheus.Counter
	RAGQueryBlockedTotal          prometheus.Counter
	ExtractLabsFastPathTotal      prometheus.Counter
	ExtractLabsLLMFallbackTotal   prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method and path.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "path"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_errors_total",
				Help: "Total number of HTTP error responses (4xx/5xx).",
			},
			[]string{"method", "path", "status"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_active_requests",
				Help: "Number of currently active HTTP requests.",
			},
		),
		ValidationWarningsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "validation_warnings_total",
				Help: "Total /differential calls where the hallucination validator's correction retry was exhausted without clearing all offending values.",
			},
		),
		DifferentialConciseRetryTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "differential_concise_retry_total",
				Help: "Total /differential calls that hit the specialist's max-output-token overflow and were retried with a reduced budget.",
			},
		),
		SummaryConciseRetryTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "summary_concise_retry_total",
				Help: "Total /summary calls that hit the specialist's max-output-token overflow and were retried with a reduced budget.",
			},
		),
		RAGQueryBlockedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rag_query_blocked_total",
				Help: "Total retrieval queries rejected by the hard security length guardrail.",
			},
		),
		ExtractLabsFastPathTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "extract_labs_fast_path_total",
				Help: "Total lab extractions resolved by a deterministic candidate parser without an LLM call.",
			},
		),
		ExtractLabsLLMFallbackTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "extract_labs_llm_fallback_total",
				Help: "Total lab extractions resolved by the specialist fallback call because no deterministic parser accepted the report.",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.ErrorsTotal, m.ActiveRequests,
		m.ValidationWarningsTotal, m.DifferentialConciseRetryTotal, m.SummaryConciseRetryTotal,
		m.RAGQueryBlockedTotal, m.ExtractLabsFastPathTotal, m.ExtractLabsLLMFallbackTotal,
	)
	return m
}

// Monitoring returns middleware that records request metrics.
func Monitoring(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.ActiveRequests.Inc()

			sw := &metricsWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(sw.status)
			path := sanitizePath(r.URL.Path)

			m.RequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			m.ActiveRequests.Dec()

			if sw.status >= 400 {
				m.ErrorsTotal.WithLabelValues(r.Method, path, status).Inc()
			}
		})
	}
}

// MetricsHandler returns the Prometheus metrics endpoint handler.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// IncrementValidationWarning records a /differential call whose hallucination
// correction retry was exhausted without clearing all offending values.
func (m *Metrics) IncrementValidationWarning() {
	m.ValidationWarningsTotal.Inc()
}

// IncrementDifferentialConciseRetry records a /differential overflow retry.
func (m *Metrics) IncrementDifferentialConciseRetry() {
	m.DifferentialConciseRetryTotal.Inc()
}

// IncrementSummaryConciseRetry records a /summary overflow retry.
func (m *Metrics) IncrementSummaryConciseRetry() {
	m.SummaryConciseRetryTotal.Inc()
}

// IncrementRAGQueryBlocked records a retrieval query rejected by the
// security-length guardrail.
func (m *Metrics) IncrementRAGQueryBlocked() {
	m.RAGQueryBlockedTotal.Inc()
}

// IncrementExtractLabsFastPath records a lab extraction resolved by a
// deterministic candidate parser.
func (m *Metrics) IncrementExtractLabsFastPath() {
	m.ExtractLabsFastPathTotal.Inc()
}

// IncrementExtractLabsLLMFallback records a lab extraction resolved by the
// specialist fallback call.
func (m *Metrics) IncrementExtractLabsLLMFallback() {
	m.ExtractLabsLLMFallbackTotal.Inc()
}

// Snapshot reads the current value of every named domain counter, for the
// /health payload. Keys are the Prometheus metric names with the "_total"
// suffix replaced by "_count", since the health payload calls these "counts".
func (m *Metrics) Snapshot() map[string]float64 {
	return map[string]float64{
		"differential_concise_retry_count": readCounter(m.DifferentialConciseRetryTotal),
		"summary_concise_retry_count":      readCounter(m.SummaryConciseRetryTotal),
		"rag_query_blocked_count":          readCounter(m.RAGQueryBlockedTotal),
		"extract_labs_fast_path_count":     readCounter(m.ExtractLabsFastPathTotal),
		"extract_labs_llm_fallback_count":  readCounter(m.ExtractLabsLLMFallbackTotal),
		"validation_warnings_count":        readCounter(m.ValidationWarningsTotal),
	}
}

func readCounter(c prometheus.Counter) float64 {
	var pb io_prometheus.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

type metricsWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (mw *metricsWriter) WriteHeader(code int) {
	if !mw.wroteHeader {
		mw.status = code
		mw.wroteHeader = true
	}
	mw.ResponseWriter.WriteHeader(code)
}

func (mw *metricsWriter) Write(b []byte) (int, error) {
	if !mw.wroteHeader {
		mw.wroteHeader = true
	}
	return mw.ResponseWriter.Write(b)
}

// sanitizePath normalizes URL paths to prevent high-cardinality label values.
// Replaces path segments that look like IDs with ":id".
func sanitizePath(path string) string {
	if len(path) == 0 {
		return "/"
	}

	var result []byte
	start := 0
	segIdx := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			seg := path[start:i]
			if segIdx > 0 && looksLikeID(seg) {
				result = append(result, ":id"...)
			} else {
				result = append(result, seg...)
			}
			if i < len(path) {
				result = append(result, '/')
			}
			start = i + 1
			segIdx++
		}
	}
	return string(result)
}

// looksLikeID returns true if the segment looks like a UUID or numeric ID.
func looksLikeID(seg string) bool {
	if len(seg) == 0 {
		return false
	}
	// UUID-like: contains dashes and is 36 chars
	if len(seg) == 36 {
		dashes := 0
		for _, c := range seg {
			if c == '-' {
				dashes++
			}
		}
		if dashes == 4 {
			return true
		}
	}
	// Numeric IDs
	for _, c := range seg {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(seg) > 0
}
