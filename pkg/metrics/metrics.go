package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailtriage/email-agent/pkg/tracing"
)

const namespace = "email_agent"

// unmatchedRoute labels requests no route matched, keeping raw paths out of
// label values.
const unmatchedRoute = "unmatched"

// Metrics owns every collector the service exports. Each instance has its
// own registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	responseBytes *prometheus.CounterVec

	llmCalls  *prometheus.CounterVec
	llmTokens *prometheus.CounterVec
	llmCost   prometheus.Counter

	emailsTriaged  *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	tierConfig     *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route template and status code",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		),
		responseBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_response_bytes_total",
				Help:      "Bytes written in HTTP responses",
			},
			[]string{"route"},
		),
		llmCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_calls_total",
				Help:      "LLM calls by purpose and outcome",
			},
			[]string{"purpose", "outcome"},
		),
		llmTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "LLM tokens consumed by direction",
			},
			[]string{"direction"}, // "input", "output"
		),
		llmCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Estimated LLM spend in USD",
		}),
		emailsTriaged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_triaged_total",
				Help:      "Inbox emails by triage outcome",
			},
			[]string{"outcome"},
		),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions held in memory",
		}),
		tierConfig: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tier_config_entries",
				Help:      "Addresses per tier in the loaded tier configuration",
			},
			[]string{"tier"},
		),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.responseBytes,
		m.llmCalls,
		m.llmTokens,
		m.llmCost,
		m.emailsTriaged,
		m.sessionsActive,
		m.tierConfig,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordLLMCall counts one LLM call. Tokens and cost are only added for
// successful calls.
func (m *Metrics) RecordLLMCall(purpose, outcome string, inputTokens, outputTokens int, cost float64) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(purpose, outcome).Inc()
	if inputTokens > 0 {
		m.llmTokens.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokens.WithLabelValues("output").Add(float64(outputTokens))
	}
	if cost > 0 {
		m.llmCost.Add(cost)
	}
}

// RecordTriage adds n emails under outcome (actionable, calendar_invite,
// filtered_sender, already_responded, already_read).
func (m *Metrics) RecordTriage(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.emailsTriaged.WithLabelValues(outcome).Add(float64(n))
}

// SetSessions sets the active session gauge.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// SetTierCounts publishes the size of each tier list.
func (m *Metrics) SetTierCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for tier, n := range counts {
		m.tierConfig.WithLabelValues(tier).Set(float64(n))
	}
}

// Middleware records request count, latency and response size per route
// template.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := unmatchedRoute
		if mux.CurrentRoute(r) != nil {
			route = tracing.RouteTemplate(r)
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if rw.bytesWritten > 0 {
			m.responseBytes.WithLabelValues(route).Add(float64(rw.bytesWritten))
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
