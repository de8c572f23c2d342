// Package obs is the ambient metrics surface: a narrow set of
// Prometheus counters/histograms/gauges covering task runs, provider
// escalation, memory GC, and webhook rejections. It does not expose an
// HTTP surface itself — callers mount promhttp.Handler() wherever they
// serve metrics.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram this module records.
// Construct once per process with NewMetrics and pass it to the
// collaborators that need it.
type Metrics struct {
	// TaskRunsTotal counts task run outcomes.
	// Labels: kind (scheduled|event|oneshot), status (success|failure|skipped)
	TaskRunsTotal *prometheus.CounterVec

	// TaskRunDuration measures wall-clock time per task run.
	// Labels: kind
	TaskRunDuration *prometheus.HistogramVec

	// TaskPausedTotal counts tasks transitioning to paused, by error kind.
	TaskPausedTotal *prometheus.CounterVec

	// ProviderRequestsTotal counts provider chat calls.
	// Labels: provider, target (local|remote), status (success|error)
	ProviderRequestsTotal *prometheus.CounterVec

	// ProviderEscalationsTotal counts local-to-remote escalations.
	ProviderEscalationsTotal prometheus.Counter

	// ProviderTokensTotal tracks token consumption.
	// Labels: provider, type (input|output)
	ProviderTokensTotal *prometheus.CounterVec

	// ToolExecutionsTotal counts tool dispatches.
	// Labels: tool, status (success|error|blocked)
	ToolExecutionsTotal *prometheus.CounterVec

	// MemoryGCDeletionsTotal counts memory rows removed by GC, by reason.
	MemoryGCDeletionsTotal *prometheus.CounterVec

	// MemorySearchDuration measures hybrid search latency.
	MemorySearchDuration prometheus.Histogram

	// WebhookRequestsTotal counts webhook deliveries.
	// Labels: route, outcome (accepted|rejected_method|rejected_signature|rejected_body)
	WebhookRequestsTotal *prometheus.CounterVec

	// DiscoveryRunsTotal counts discovery invocations, by outcome.
	DiscoveryRunsTotal *prometheus.CounterVec

	// ActiveEventSources is a gauge of currently-registered event sources.
	ActiveEventSources prometheus.Gauge
}

// NewMetrics constructs and registers every metric with the default
// Prometheus registry. Call once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TaskRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_task_runs_total",
				Help: "Total number of task runs by kind and outcome",
			},
			[]string{"kind", "status"},
		),

		TaskRunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corvid_task_run_duration_seconds",
				Help:    "Duration of task runs in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),

		TaskPausedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_task_paused_total",
				Help: "Total number of tasks paused after repeated failure, by error kind",
			},
			[]string{"error_kind"},
		),

		ProviderRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_provider_requests_total",
				Help: "Total number of provider chat requests by provider, target, and status",
			},
			[]string{"provider", "target", "status"},
		),

		ProviderEscalationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "corvid_provider_escalations_total",
				Help: "Total number of local-to-remote escalations",
			},
		),

		ProviderTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_provider_tokens_total",
				Help: "Total number of tokens consumed by provider and direction",
			},
			[]string{"provider", "type"},
		),

		ToolExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		MemoryGCDeletionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_memory_gc_deletions_total",
				Help: "Total number of memory records deleted by garbage collection, by reason",
			},
			[]string{"reason"},
		),

		MemorySearchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "corvid_memory_search_duration_seconds",
				Help:    "Duration of hybrid memory searches in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),

		WebhookRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_webhook_requests_total",
				Help: "Total number of webhook requests by route and outcome",
			},
			[]string{"route", "outcome"},
		),

		DiscoveryRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corvid_discovery_runs_total",
				Help: "Total number of discovery invocations by outcome",
			},
			[]string{"outcome"},
		),

		ActiveEventSources: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "corvid_active_event_sources",
				Help: "Current number of registered event sources",
			},
		),
	}
}

// RecordTaskRun records a completed task run's outcome and duration.
func (m *Metrics) RecordTaskRun(kind, status string, durationSeconds float64) {
	m.TaskRunsTotal.WithLabelValues(kind, status).Inc()
	m.TaskRunDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordTaskPaused records a task pausing after repeated failure.
func (m *Metrics) RecordTaskPaused(errorKind string) {
	m.TaskPausedTotal.WithLabelValues(errorKind).Inc()
}

// RecordProviderRequest records one provider chat call.
func (m *Metrics) RecordProviderRequest(provider, target, status string) {
	m.ProviderRequestsTotal.WithLabelValues(provider, target, status).Inc()
}

// RecordEscalation records a local-to-remote escalation.
func (m *Metrics) RecordEscalation() {
	m.ProviderEscalationsTotal.Inc()
}

// RecordTokens records token usage for one provider call.
func (m *Metrics) RecordTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		m.ProviderTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ProviderTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool dispatch outcome.
func (m *Metrics) RecordToolExecution(tool, status string) {
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
}

// RecordMemoryGC records memory records deleted by GC for a given reason
// (e.g. "ttl_expired", "working_memory_evicted").
func (m *Metrics) RecordMemoryGC(reason string, count int) {
	if count <= 0 {
		return
	}
	m.MemoryGCDeletionsTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordMemorySearch records one hybrid search's latency.
func (m *Metrics) RecordMemorySearch(durationSeconds float64) {
	m.MemorySearchDuration.Observe(durationSeconds)
}

// RecordWebhookRequest records one webhook delivery outcome.
func (m *Metrics) RecordWebhookRequest(route, outcome string) {
	m.WebhookRequestsTotal.WithLabelValues(route, outcome).Inc()
}

// RecordDiscoveryRun records one discovery invocation's outcome (e.g.
// "ran", "skipped_busy", "skipped_inactive", "error").
func (m *Metrics) RecordDiscoveryRun(outcome string) {
	m.DiscoveryRunsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveEventSources sets the current event source count.
func (m *Metrics) SetActiveEventSources(n int) {
	m.ActiveEventSources.Set(float64(n))
}
