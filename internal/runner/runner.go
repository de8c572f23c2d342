package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localagent/corvid/internal/events"
	"github.com/localagent/corvid/internal/scheduletime"
	"github.com/localagent/corvid/internal/taskstore"
)

const (
	defaultTickInterval  = 30 * time.Second
	defaultEventDedupeMs = 10000
	defaultTaskTimeout   = 5 * time.Minute
)

// Config configures a Runner.
type Config struct {
	TickInterval  time.Duration
	EventDedupeMs int64
	TaskTimeout   time.Duration
	Logger        *slog.Logger
}

func sanitizeConfig(cfg Config) Config {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.EventDedupeMs <= 0 {
		cfg.EventDedupeMs = defaultEventDedupeMs
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "task-runner")
	}
	return cfg
}

// Runner serializes task execution: at most one task runs at a time,
// driven by a periodic tick plus an in-memory, deduped event queue.
type Runner struct {
	store      Store
	memory     MemoryStore
	agent      AgentLoop
	workflows  WorkflowExecutor
	workspace  WorkspaceContext
	extraction ExtractionProvider
	notifier   Notifier
	metrics    RunnerMetrics
	cfg        Config

	mu            sync.Mutex
	executing     bool
	queue         []string
	queuedPayload map[string]events.Payload
	lastEventAt   map[string]time.Time
	eventSources  map[string]*eventSourceSet

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps gathers the Runner's collaborators.
type Deps struct {
	Store      Store
	Memory     MemoryStore
	Agent      AgentLoop
	Workflows  WorkflowExecutor
	Workspace  WorkspaceContext
	Extraction ExtractionProvider
	Notifier   Notifier
	Metrics    RunnerMetrics
}

// New constructs a Runner. Optional deps (Workflows, Workspace,
// Extraction, Notifier) may be nil.
func New(deps Deps, cfg Config) *Runner {
	return &Runner{
		store:         deps.Store,
		memory:        deps.Memory,
		agent:         deps.Agent,
		workflows:     deps.Workflows,
		workspace:     deps.Workspace,
		extraction:    deps.Extraction,
		notifier:      deps.Notifier,
		metrics:       deps.Metrics,
		cfg:           sanitizeConfig(cfg),
		queuedPayload: make(map[string]events.Payload),
		lastEventAt:   make(map[string]time.Time),
		eventSources:  make(map[string]*eventSourceSet),
	}
}

// Start begins the tick loop.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.tickLoop(ctx)
}

// Stop cancels the tick loop and waits for it to finish, then releases
// every registered event source.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	sources := r.eventSources
	r.eventSources = make(map[string]*eventSourceSet)
	r.mu.Unlock()

	for _, set := range sources {
		set.stopAll()
	}
	r.reportActiveEventSources()
}

// RegisterEventSources binds sources to taskID, starting each one with a
// callback that routes into HandleEvent. The runner owns their lifecycle
// from this point: a pause or terminal status stops them automatically.
func (r *Runner) RegisterEventSources(ctx context.Context, taskID string, sources []events.Source) error {
	set := &eventSourceSet{taskID: taskID, sources: sources}
	for _, src := range sources {
		src := src
		if err := src.Start(ctx, func(ctx context.Context, payload events.Payload) {
			r.HandleEvent(ctx, taskID, payload)
		}); err != nil {
			set.stopAll()
			return fmt.Errorf("runner: register event source for task %s: %w", taskID, err)
		}
	}

	r.mu.Lock()
	r.eventSources[taskID] = set
	r.mu.Unlock()
	r.reportActiveEventSources()
	return nil
}

func (r *Runner) unregisterEventSources(taskID string) {
	r.mu.Lock()
	set, ok := r.eventSources[taskID]
	delete(r.eventSources, taskID)
	r.mu.Unlock()
	r.reportActiveEventSources()

	if ok {
		set.stopAll()
	}
}

func (r *Runner) reportActiveEventSources() {
	if r.metrics == nil {
		return
	}
	r.mu.Lock()
	total := 0
	for _, set := range r.eventSources {
		total += len(set.sources)
	}
	r.mu.Unlock()
	r.metrics.SetActiveEventSources(total)
}

func (r *Runner) tickLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executing {
		return false
	}
	r.executing = true
	return true
}

func (r *Runner) release() {
	r.mu.Lock()
	r.executing = false
	r.mu.Unlock()
}

// IsIdle reports whether the runner is between executions. Used by
// discovery's idle gate.
func (r *Runner) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.executing
}

// tick implements the spec's tick logic: pop a queued event first, else
// pick a due task, skipping (and rescheduling) any outside business
// hours until one can run.
func (r *Runner) tick(ctx context.Context) {
	if !r.acquire() {
		return
	}

	if taskID, payload, ok := r.popQueued(); ok {
		r.runExecution(ctx, taskID, &payload)
		return
	}

	due, err := r.store.GetDueTasks(ctx, time.Now())
	if err != nil {
		r.cfg.Logger.Error("get due tasks", "error", err)
		r.release()
		return
	}

	for _, task := range due {
		inWindow, err := r.withinBusinessHours(task, time.Now())
		if err != nil {
			r.cfg.Logger.Error("evaluate business hours", "task_id", task.ID, "error", err)
			continue
		}
		if !inWindow {
			r.rescheduleOutsideWindow(ctx, task)
			continue
		}
		r.runExecution(ctx, task.ID, nil)
		return
	}
	r.release()
}

func (r *Runner) withinBusinessHours(task *taskstore.Task, now time.Time) (bool, error) {
	if strings.TrimSpace(task.BusinessHours) == "" {
		return true, nil
	}
	bh, err := scheduletime.ParseBusinessHours(task.BusinessHours)
	if err != nil {
		return true, err
	}
	return bh.Contains(now), nil
}

func (r *Runner) rescheduleOutsideWindow(ctx context.Context, task *taskstore.Task) {
	bh, err := scheduletime.ParseBusinessHours(task.BusinessHours)
	if err != nil {
		r.cfg.Logger.Error("parse business hours", "task_id", task.ID, "error", err)
		return
	}
	next, err := bh.NextStart(time.Now())
	if err != nil {
		r.cfg.Logger.Error("compute next business hours start", "task_id", task.ID, "error", err)
		return
	}
	task.NextRunAt = &next
	if err := r.store.Update(ctx, task, "outside business hours, rescheduled"); err != nil {
		r.cfg.Logger.Error("reschedule task outside business hours", "task_id", task.ID, "error", err)
	}
}

// HandleEvent is the callback every event source invokes. It applies
// per-task dedupe, materializes a oneshot task for create_task-mode
// tasks, and otherwise enqueues (if busy) or executes (if idle).
func (r *Runner) HandleEvent(ctx context.Context, taskID string, payload events.Payload) {
	if r.isDuplicate(taskID) {
		return
	}

	task, err := r.store.Get(ctx, taskID)
	if err != nil {
		r.cfg.Logger.Error("load task for event", "task_id", taskID, "error", err)
		return
	}

	if task.TriggerMode == taskstore.TriggerCreateTask {
		if err := r.materializeOneshot(ctx, task, payload); err != nil {
			r.cfg.Logger.Error("materialize triggered task", "task_id", taskID, "error", err)
		}
		return
	}

	if !r.acquire() {
		r.mu.Lock()
		if _, queued := r.queuedPayload[taskID]; !queued {
			r.queue = append(r.queue, taskID)
		}
		r.queuedPayload[taskID] = payload
		r.mu.Unlock()
		return
	}

	r.runExecution(ctx, taskID, &payload)
}

func (r *Runner) isDuplicate(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	last, ok := r.lastEventAt[taskID]
	if ok && now.Sub(last) < time.Duration(r.cfg.EventDedupeMs)*time.Millisecond {
		return true
	}
	r.lastEventAt[taskID] = now
	return false
}

func (r *Runner) popQueued() (string, events.Payload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return "", events.Payload{}, false
	}
	taskID := r.queue[0]
	r.queue = r.queue[1:]
	payload := r.queuedPayload[taskID]
	delete(r.queuedPayload, taskID)
	return taskID, payload, true
}

func (r *Runner) materializeOneshot(ctx context.Context, parent *taskstore.Task, payload events.Payload) error {
	slug := slugify(payload.Summary)
	name := fmt.Sprintf("%s/%s-%d", parent.Name, slug, time.Now().Unix())

	prompt := fmt.Sprintf("[Triggered by: %s — %s]\n%s\n\n%s",
		payload.Source, payload.Summary, formatEventData(payload.Data), parent.Prompt)

	child := &taskstore.Task{
		ID:            uuid.NewString(),
		Name:          name,
		Kind:          taskstore.KindOneshot,
		Status:        taskstore.StatusActive,
		Prompt:        prompt,
		Notify:        parent.Notify,
		Channel:       parent.Channel,
		ChannelTarget: parent.ChannelTarget,
		CreatedBy:     "system",
		NextRunAt:     timePtr(time.Now()),
	}
	return r.store.Create(ctx, child)
}

func formatEventData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, data[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	prevDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteRune('-')
				prevDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "event"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}

func timePtr(t time.Time) *time.Time { return &t }
