// Package metrics exposes dispatcher counters on a private Prometheus
// registry. Labels are bounded: agent names, model names and enum values,
// never job keys or issue numbers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentx-labs/agentdispatch/internal/resilience"
)

const namespace = "agentdispatch"

// Collectors groups every metric the dispatcher records.
type Collectors struct {
	registry *prometheus.Registry

	JobsTotal          *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	LLMTokensTotal     *prometheus.CounterVec
	LLMCostUSDTotal    *prometheus.CounterVec
	IssuesCreatedTotal *prometheus.CounterVec
	RateLimitWait      *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	WebhookDeliveries  *prometheus.CounterVec
	WebhookQueueDepth  prometheus.Gauge
}

// New registers the collectors on a fresh registry. withRuntime adds the Go
// and process collectors, which only make sense for the long-running server.
func New(withRuntime bool) *Collectors {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Collectors{
		registry: reg,

		// Counters

		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs finished, by agent and status.",
		}, []string{"agent", "status"}),

		LLMTokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens billed by the LLM provider, by model and direction (prompt/completion).",
		}, []string{"model", "direction"}),

		LLMCostUSDTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Estimated LLM spend in USD, by model.",
		}, []string{"model"}),

		IssuesCreatedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_created_total",
			Help:      "Issues opened from findings, by agent.",
		}, []string{"agent"}),

		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries received, by event and result.",
		}, []string{"event", "result"}),

		// Histograms and gauges

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of a job from claim to completion, by agent.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"agent"}),

		RateLimitWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent waiting for the outbound LLM rate limiter, by model.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"model"}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 when the named circuit breaker is open or half-open.",
		}, []string{"name", "state"}),

		WebhookQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "webhook_queue_depth",
			Help:      "Deliveries waiting for the dispatch worker.",
		}),
	}
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// WriteTextfile writes the registry for the node_exporter textfile collector.
func (c *Collectors) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

// RecordJob counts a finished job.
func (c *Collectors) RecordJob(agent, status string, took time.Duration) {
	c.JobsTotal.WithLabelValues(agent, status).Inc()
	c.JobDuration.WithLabelValues(agent).Observe(took.Seconds())
}

// RecordIssues counts issues opened for agent.
func (c *Collectors) RecordIssues(agent string, n int) {
	if n > 0 {
		c.IssuesCreatedTotal.WithLabelValues(agent).Add(float64(n))
	}
}

// ObserveCompletion implements llm.Observer.
func (c *Collectors) ObserveCompletion(model string, promptTokens, completionTokens int, costUSD float64) {
	c.LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	c.LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	if costUSD > 0 {
		c.LLMCostUSDTotal.WithLabelValues(model).Add(costUSD)
	}
}

// ObserveRateLimitWait implements llm.Observer.
func (c *Collectors) ObserveRateLimitWait(model string, wait time.Duration) {
	c.RateLimitWait.WithLabelValues(model).Observe(wait.Seconds())
}

// BreakerChanged is a resilience.WithStateChange callback.
func (c *Collectors) BreakerChanged(name string, from, to resilience.State) {
	c.BreakerState.WithLabelValues(name, string(from)).Set(0)
	open := 0.0
	if to != resilience.StateClosed {
		open = 1
	}
	c.BreakerState.WithLabelValues(name, string(to)).Set(open)
}

// RecordDelivery counts a webhook delivery by outcome.
func (c *Collectors) RecordDelivery(event, result string) {
	c.WebhookDeliveries.WithLabelValues(event, result).Inc()
}
