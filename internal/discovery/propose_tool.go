package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/localagent/corvid/internal/models"
	"github.com/localagent/corvid/internal/scheduletime"
	"github.com/localagent/corvid/internal/taskstore"
)

// TaskCreator is the subset of taskstore.Store the propose_task tool
// depends on. Satisfied by *taskstore.Store.
type TaskCreator interface {
	Create(ctx context.Context, task *taskstore.Task) error
}

// ProposeTaskTool is the sole tool discovery's restricted registry
// exposes. It always creates the task with created_by="agent" so
// taskstore.Store.Create forces status=proposed — discovery itself
// never writes to the task store directly.
type ProposeTaskTool struct {
	store TaskCreator
	max   int

	mu    sync.Mutex
	count int
}

// NewProposeTaskTool builds a tool that accepts at most max proposals
// before refusing further calls, until Reset is called.
func NewProposeTaskTool(store TaskCreator, max int) *ProposeTaskTool {
	if max <= 0 {
		max = 3
	}
	return &ProposeTaskTool{store: store, max: max}
}

// Reset clears the per-run proposal count. Called once before each
// discovery invocation.
func (t *ProposeTaskTool) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count = 0
}

func (t *ProposeTaskTool) Name() string { return "propose_task" }

func (t *ProposeTaskTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        "propose_task",
		Description: "Propose a new scheduled, event, or one-shot task for human review. Proposals are not activated automatically.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":        map[string]any{"type": "string", "description": "Short identifying name"},
				"description": map[string]any{"type": "string"},
				"kind":        map[string]any{"type": "string", "enum": []string{"scheduled", "event", "oneshot"}},
				"prompt":      map[string]any{"type": "string", "description": "The instructions the task will run with"},
				"interval":    map[string]any{"type": "string", "description": "Interval string for scheduled tasks, e.g. '1h'"},
				"cron":        map[string]any{"type": "string", "description": "Cron expression for scheduled tasks"},
				"event_source": map[string]any{"type": "string", "description": "Event source identifier for event tasks"},
			},
			"required": []string{"name", "kind", "prompt"},
		},
	}
}

func (t *ProposeTaskTool) Execute(ctx context.Context, args map[string]any, cwd string) (models.ToolResult, error) {
	t.mu.Lock()
	if t.count >= t.max {
		t.mu.Unlock()
		return models.ToolResult{Success: false, Output: "proposal limit reached for this discovery run"}, nil
	}
	t.count++
	t.mu.Unlock()

	name, _ := args["name"].(string)
	prompt, _ := args["prompt"].(string)
	kind, _ := args["kind"].(string)
	if name == "" || prompt == "" || kind == "" {
		return models.ToolResult{Success: false, Output: "name, kind, and prompt are required"}, nil
	}

	desc, _ := args["description"].(string)
	interval, _ := args["interval"].(string)
	cron, _ := args["cron"].(string)
	eventSource, _ := args["event_source"].(string)

	task := &taskstore.Task{
		ID:             uuid.NewString(),
		Name:           name,
		Description:    desc,
		Kind:           taskstore.Kind(kind),
		Prompt:         prompt,
		CronExpression: cron,
		EventSource:    eventSource,
		CreatedBy:      "agent",
	}
	if interval != "" {
		if d, err := scheduletime.ParseInterval(interval); err == nil {
			ms := d.Milliseconds()
			task.IntervalMs = &ms
		}
	}

	if err := t.store.Create(ctx, task); err != nil {
		return models.ToolResult{Success: false, Output: fmt.Sprintf("failed to create proposal: %s", err)}, nil
	}
	return models.ToolResult{Success: true, Output: fmt.Sprintf("proposed task %q (%s)", name, task.ID)}, nil
}
