// Package runner is the task execution hub: a single-flight tick loop
// plus an in-memory event queue, classified-error retry/backoff/pause
// handling, dependent-task cascades, and fire-and-forget memory
// extraction after each run.
package runner

import (
	"context"
	"time"

	"github.com/localagent/corvid/internal/agentloop"
	"github.com/localagent/corvid/internal/events"
	"github.com/localagent/corvid/internal/memstore"
	"github.com/localagent/corvid/internal/providers"
	"github.com/localagent/corvid/internal/taskstore"
)

// Store is the subset of taskstore.Store the runner depends on.
// Satisfied by *taskstore.Store.
type Store interface {
	GetDueTasks(ctx context.Context, now time.Time) ([]*taskstore.Task, error)
	Get(ctx context.Context, id string) (*taskstore.Task, error)
	Create(ctx context.Context, task *taskstore.Task) error
	Update(ctx context.Context, task *taskstore.Task, reason string) error
	GetDependents(ctx context.Context, id string) ([]*taskstore.Task, error)
	CreateRun(ctx context.Context, run *taskstore.Run) error
	CompleteRun(ctx context.Context, runID string, status taskstore.RunStatus, result, errMsg, errorKind string, tokensUsed int) error
}

// MemoryStore is the subset of memstore.Store the runner depends on for
// proactive retrieval and post-run extraction storage. Satisfied by
// *memstore.Store.
type MemoryStore interface {
	Get(ctx context.Context, key string) (*memstore.Record, error)
	SearchHybrid(ctx context.Context, query string, limit int, weights memstore.HybridWeights, filters memstore.Filters) ([]memstore.SearchHit, error)
	Set(ctx context.Context, key, value string, opts memstore.SetOptions) (string, error)
}

// AgentLoop is the subset of agentloop.Loop the runner depends on.
// Satisfied by *agentloop.Loop.
type AgentLoop interface {
	Run(ctx context.Context, sessionID, systemPrompt, userMessage string, cfg agentloop.Config) (agentloop.Result, error)
}

// Notifier pushes a run outcome to the task's configured channel.
type Notifier interface {
	Notify(ctx context.Context, task *taskstore.Task, message string) error
}

// RunnerMetrics records per-run outcomes. Satisfied structurally by
// *obs.Metrics; nil skips recording entirely.
type RunnerMetrics interface {
	RecordTaskRun(kind, status string, durationSeconds float64)
	RecordTaskPaused(errorKind string)
	SetActiveEventSources(n int)
}

// WorkflowResult is the outcome of running a task's workflow.
type WorkflowResult struct {
	Success bool
	Output  string
}

// WorkflowExecutor runs a task's named workflow. Implementations live
// outside this package; the runner falls through to prompt execution on
// workflow failure when the task also has a prompt.
type WorkflowExecutor interface {
	Execute(ctx context.Context, task *taskstore.Task) (WorkflowResult, error)
}

// WorkspaceContext gathers ambient context (open files, recent activity,
// ...) to prepend to a task's prompt. Optional; a nil collaborator means
// no extra context is gathered.
type WorkspaceContext interface {
	Gather(ctx context.Context, task *taskstore.Task) (string, error)
}

// ExtractionProvider is the LLM used for background memory/lesson
// extraction after a run. Satisfied by any providers.LLMProvider; a nil
// value skips step 8 entirely.
type ExtractionProvider = providers.LLMProvider

// eventSourceSet tracks the live event sources bound to one task, so the
// runner can unregister them on pause or completion.
type eventSourceSet struct {
	taskID  string
	sources []events.Source
}

func (set *eventSourceSet) stopAll() {
	for _, src := range set.sources {
		_ = src.Stop()
	}
}
