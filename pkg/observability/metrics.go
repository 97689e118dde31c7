package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	HTTPDuration    *prometheus.HistogramVec
	ChatRounds      prometheus.Histogram
	ToolDuration    *prometheus.HistogramVec
	ToolErrors      *prometheus.CounterVec
	LLMTokensInput  *prometheus.CounterVec
	LLMTokensOutput *prometheus.CounterVec
	LLMErrors       *prometheus.CounterVec
	JobsProcessed   *prometheus.CounterVec
	LockWaitSeconds *prometheus.HistogramVec
	ActiveStreams   prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mantle_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		ChatRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mantle_chat_rounds",
			Help:    "LLM rounds per chat turn.",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mantle_tool_execution_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		ToolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mantle_tool_errors_total",
			Help: "Tool executions that returned an error result.",
		}, []string{"tool"}),
		LLMTokensInput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mantle_llm_tokens_input_total",
			Help: "Input tokens sent to providers.",
		}, []string{"provider", "model"}),
		LLMTokensOutput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mantle_llm_tokens_output_total",
			Help: "Output tokens received from providers.",
		}, []string{"provider", "model"}),
		LLMErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mantle_llm_errors_total",
			Help: "Provider calls that failed.",
		}, []string{"provider"}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mantle_jobs_processed_total",
			Help: "Background jobs by task and outcome.",
		}, []string{"task", "status"}),
		LockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mantle_lock_wait_seconds",
			Help:    "Time spent waiting on named locks.",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"namespace"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mantle_active_streams",
			Help: "Streaming responses currently open.",
		}),
	}

	registry.MustRegister(
		m.HTTPDuration,
		m.ChatRounds,
		m.ToolDuration,
		m.ToolErrors,
		m.LLMTokensInput,
		m.LLMTokensOutput,
		m.LLMErrors,
		m.JobsProcessed,
		m.LockWaitSeconds,
		m.ActiveStreams,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// ObserveLLM records a provider call's token usage.
func (m *Metrics) ObserveLLM(provider, model string, inputTokens, outputTokens int) {
	m.LLMTokensInput.WithLabelValues(provider, model).Add(float64(inputTokens))
	m.LLMTokensOutput.WithLabelValues(provider, model).Add(float64(outputTokens))
}
