package obs

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// buildTestMetrics constructs a Metrics value wired to a private
// registry so tests never collide with the process-wide default
// registry NewMetrics uses.
func buildTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TaskRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_task_runs_total", Help: "x"},
			[]string{"kind", "status"},
		),
		TaskRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "test_task_run_duration_seconds", Help: "x"},
			[]string{"kind"},
		),
		TaskPausedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_task_paused_total", Help: "x"},
			[]string{"error_kind"},
		),
		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_provider_requests_total", Help: "x"},
			[]string{"provider", "target", "status"},
		),
		ProviderEscalationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "test_provider_escalations_total", Help: "x"},
		),
		ProviderTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_provider_tokens_total", Help: "x"},
			[]string{"provider", "type"},
		),
		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_tool_executions_total", Help: "x"},
			[]string{"tool", "status"},
		),
		MemoryGCDeletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_memory_gc_deletions_total", Help: "x"},
			[]string{"reason"},
		),
		MemorySearchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "test_memory_search_duration_seconds", Help: "x"},
		),
		WebhookRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_webhook_requests_total", Help: "x"},
			[]string{"route", "outcome"},
		),
		DiscoveryRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_discovery_runs_total", Help: "x"},
			[]string{"outcome"},
		),
		ActiveEventSources: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "test_active_event_sources", Help: "x"},
		),
	}

	reg.MustRegister(
		m.TaskRunsTotal, m.TaskRunDuration, m.TaskPausedTotal, m.ProviderRequestsTotal,
		m.ProviderEscalationsTotal, m.ProviderTokensTotal, m.ToolExecutionsTotal,
		m.MemoryGCDeletionsTotal, m.MemorySearchDuration, m.WebhookRequestsTotal,
		m.DiscoveryRunsTotal, m.ActiveEventSources,
	)
	return m
}

func TestRecordTaskRun(t *testing.T) {
	m := buildTestMetrics(t)
	m.RecordTaskRun("scheduled", "success", 1.5)
	m.RecordTaskRun("scheduled", "success", 2.0)
	m.RecordTaskRun("event", "failure", 0.5)

	expected := `
		# HELP test_task_runs_total x
		# TYPE test_task_runs_total counter
		test_task_runs_total{kind="event",status="failure"} 1
		test_task_runs_total{kind="scheduled",status="success"} 2
	`
	if err := testutil.CollectAndCompare(m.TaskRunsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordTaskPaused(t *testing.T) {
	m := buildTestMetrics(t)
	m.RecordTaskPaused("auth")
	m.RecordTaskPaused("auth")
	m.RecordTaskPaused("timeout")

	if got := testutil.CollectAndCount(m.TaskPausedTotal); got != 2 {
		t.Errorf("expected 2 label combinations, got %d", got)
	}
}

func TestRecordTokensSkipsZero(t *testing.T) {
	m := buildTestMetrics(t)
	m.RecordTokens("ollama", 0, 0)
	if got := testutil.CollectAndCount(m.ProviderTokensTotal); got != 0 {
		t.Errorf("expected no series for zero token counts, got %d", got)
	}

	m.RecordTokens("ollama", 100, 50)
	if got := testutil.CollectAndCount(m.ProviderTokensTotal); got != 2 {
		t.Errorf("expected 2 series, got %d", got)
	}
}

func TestRecordMemoryGCSkipsZeroCount(t *testing.T) {
	m := buildTestMetrics(t)
	m.RecordMemoryGC("ttl_expired", 0)
	if got := testutil.CollectAndCount(m.MemoryGCDeletionsTotal); got != 0 {
		t.Errorf("expected no series recorded for zero count, got %d", got)
	}

	m.RecordMemoryGC("ttl_expired", 5)
	if err := testutil.CollectAndCompare(m.MemoryGCDeletionsTotal, strings.NewReader(`
		# HELP test_memory_gc_deletions_total x
		# TYPE test_memory_gc_deletions_total counter
		test_memory_gc_deletions_total{reason="ttl_expired"} 5
	`)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordWebhookRequest(t *testing.T) {
	m := buildTestMetrics(t)
	m.RecordWebhookRequest("build-status", "accepted")
	m.RecordWebhookRequest("build-status", "rejected_signature")

	if got := testutil.CollectAndCount(m.WebhookRequestsTotal); got != 2 {
		t.Errorf("expected 2 label combinations, got %d", got)
	}
}

func TestSetActiveEventSources(t *testing.T) {
	m := buildTestMetrics(t)
	m.SetActiveEventSources(4)

	if err := testutil.CollectAndCompare(m.ActiveEventSources, strings.NewReader(`
		# HELP test_active_event_sources x
		# TYPE test_active_event_sources gauge
		test_active_event_sources 4
	`)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}
