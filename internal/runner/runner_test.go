package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localagent/corvid/internal/agentloop"
	"github.com/localagent/corvid/internal/events"
	"github.com/localagent/corvid/internal/taskstore"
)

type fakeRun struct {
	status    taskstore.RunStatus
	result    string
	errMsg    string
	errorKind string
	tokens    int
}

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*taskstore.Task
	runs  map[string]*fakeRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*taskstore.Task), runs: make(map[string]*fakeRun)}
}

func (s *fakeStore) put(task *taskstore.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
}

func (s *fakeStore) GetDueTasks(ctx context.Context, now time.Time) ([]*taskstore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*taskstore.Task
	for _, t := range s.tasks {
		if t.Status == taskstore.StatusActive &&
			(t.Kind == taskstore.KindScheduled || t.Kind == taskstore.KindOneshot) &&
			t.NextRunAt != nil && !t.NextRunAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*taskstore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) Create(ctx context.Context, task *taskstore.Task) error {
	if task.ID == "" {
		task.ID = "generated-" + task.Name
	}
	s.put(task)
	return nil
}

func (s *fakeStore) Update(ctx context.Context, task *taskstore.Task, reason string) error {
	s.put(task)
	return nil
}

func (s *fakeStore) GetDependents(ctx context.Context, id string) ([]*taskstore.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*taskstore.Task
	for _, t := range s.tasks {
		for _, dep := range t.DependsOn {
			if dep == id {
				cp := *t
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) CreateRun(ctx context.Context, run *taskstore.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = &fakeRun{status: run.Status}
	return nil
}

func (s *fakeStore) CompleteRun(ctx context.Context, runID string, status taskstore.RunStatus, result, errMsg, errorKind string, tokensUsed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = &fakeRun{status: status, result: result, errMsg: errMsg, errorKind: errorKind, tokens: tokensUsed}
	return nil
}

type scriptedAgent struct {
	content string
	err     error
}

func (a *scriptedAgent) Run(ctx context.Context, sessionID, systemPrompt, userMessage string, cfg agentloop.Config) (agentloop.Result, error) {
	if a.err != nil {
		return agentloop.Result{}, a.err
	}
	return agentloop.Result{Content: a.content}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, task *taskstore.Task, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func newTestRunner(store Store, agent AgentLoop, notifier Notifier) *Runner {
	return New(Deps{Store: store, Agent: agent, Notifier: notifier}, Config{TaskTimeout: time.Second})
}

func TestRunnerTickExecutesDueScheduledTask(t *testing.T) {
	store := newFakeStore()
	task := &taskstore.Task{
		ID: "t1", Name: "daily-report", Kind: taskstore.KindScheduled, Status: taskstore.StatusActive,
		Prompt: "summarize", Notify: taskstore.NotifyAlways, NextRunAt: timePtr(time.Now().Add(-time.Minute)),
	}
	store.put(task)

	agent := &scriptedAgent{content: "report body"}
	notifier := &recordingNotifier{}
	r := newTestRunner(store, agent, notifier)

	r.tick(context.Background())

	updated, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RunCount)
	assert.Equal(t, 0, updated.ConsecutiveFailures)
	assert.NotEmpty(t, updated.LastResultHash)
	assert.NotNil(t, updated.NextRunAt)
	assert.Equal(t, 1, notifier.count())
}

func TestRunnerTickSkipsWhenAlreadyExecuting(t *testing.T) {
	store := newFakeStore()
	agent := &scriptedAgent{content: "x"}
	r := newTestRunner(store, agent, nil)

	r.executing = true
	calledDue := false
	store.tasks = nil // tick must return before GetDueTasks; calledDue is never set, the assertion below checks the executing flag
	_ = calledDue

	r.tick(context.Background())
	assert.True(t, r.executing, "executing flag should remain true; tick must not have run")
}

func TestRunnerHandleEventDedupeDropsWithinWindow(t *testing.T) {
	store := newFakeStore()
	task := &taskstore.Task{ID: "t1", Name: "watch", Kind: taskstore.KindEvent, Status: taskstore.StatusActive, Prompt: "react"}
	store.put(task)

	agent := &scriptedAgent{content: "ok"}
	r := newTestRunner(store, agent, nil)
	r.cfg.EventDedupeMs = 10000

	r.HandleEvent(context.Background(), "t1", events.Payload{Source: "fs", Summary: "changed"})
	time.Sleep(5 * time.Millisecond)
	r.HandleEvent(context.Background(), "t1", events.Payload{Source: "fs", Summary: "changed again"})

	updated, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RunCount, "second event within dedupe window must be dropped")
}

func TestRunnerHandleEventMaterializesOneshotForCreateTaskMode(t *testing.T) {
	store := newFakeStore()
	parent := &taskstore.Task{
		ID: "parent", Name: "watcher", Kind: taskstore.KindEvent, Status: taskstore.StatusActive,
		Prompt: "base prompt", TriggerMode: taskstore.TriggerCreateTask,
	}
	store.put(parent)

	agent := &scriptedAgent{content: "unused"}
	r := newTestRunner(store, agent, nil)

	r.HandleEvent(context.Background(), "parent", events.Payload{Source: "file_watcher", Summary: "main.go changed"})

	store.mu.Lock()
	defer store.mu.Unlock()
	var child *taskstore.Task
	for id, tk := range store.tasks {
		if id != "parent" {
			child = tk
		}
	}
	require.NotNil(t, child, "expected a materialized child task")
	assert.Equal(t, taskstore.KindOneshot, child.Kind)
	assert.Contains(t, child.Prompt, "[Triggered by: file_watcher")
	assert.Contains(t, child.Prompt, "base prompt")
	assert.Equal(t, taskstore.StatusActive, child.Status)
}

func TestRunnerFailureClassifiesAuthAsImmediatePause(t *testing.T) {
	store := newFakeStore()
	task := &taskstore.Task{
		ID: "t1", Name: "auth-task", Kind: taskstore.KindScheduled, Status: taskstore.StatusActive,
		Prompt: "go", NextRunAt: timePtr(time.Now().Add(-time.Minute)),
	}
	store.put(task)

	agent := &scriptedAgent{err: errors.New("401 unauthorized")}
	notifier := &recordingNotifier{}
	r := newTestRunner(store, agent, notifier)

	r.tick(context.Background())

	updated, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusPaused, updated.Status)
	assert.Equal(t, 1, updated.ConsecutiveFailures)
	assert.Equal(t, "auth", updated.LastErrorKind)
}

func TestRunnerFailureSchedulesRetryForTransientError(t *testing.T) {
	store := newFakeStore()
	task := &taskstore.Task{
		ID: "t1", Name: "transient-task", Kind: taskstore.KindScheduled, Status: taskstore.StatusActive,
		Prompt: "go", NextRunAt: timePtr(time.Now().Add(-time.Minute)),
	}
	store.put(task)

	agent := &scriptedAgent{err: errors.New("502 bad gateway")}
	r := newTestRunner(store, agent, nil)

	r.tick(context.Background())

	updated, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusActive, updated.Status)
	assert.Equal(t, 1, updated.ConsecutiveFailures)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.After(time.Now()))
}

func TestRunnerNotifyOnChangeSkipsWhenHashUnchanged(t *testing.T) {
	store := newFakeStore()
	task := &taskstore.Task{
		ID: "t1", Name: "poll", Kind: taskstore.KindScheduled, Status: taskstore.StatusActive,
		Prompt: "go", Notify: taskstore.NotifyOnChange, NextRunAt: timePtr(time.Now().Add(-time.Minute)),
		LastResultHash: resultHash("same content"),
	}
	store.put(task)

	agent := &scriptedAgent{content: "same content"}
	notifier := &recordingNotifier{}
	r := newTestRunner(store, agent, notifier)

	r.tick(context.Background())

	assert.Equal(t, 0, notifier.count(), "unchanged hash must not notify under on_change policy")
}

func TestRunnerCascadesImmediateRunToDependentScheduledTask(t *testing.T) {
	store := newFakeStore()
	parent := &taskstore.Task{
		ID: "parent", Name: "build", Kind: taskstore.KindScheduled, Status: taskstore.StatusActive,
		Prompt: "build", NextRunAt: timePtr(time.Now().Add(-time.Minute)),
	}
	dependent := &taskstore.Task{
		ID: "dep", Name: "deploy", Kind: taskstore.KindScheduled, Status: taskstore.StatusActive,
		Prompt: "deploy", DependsOn: []string{"parent"}, NextRunAt: timePtr(time.Now().Add(time.Hour)),
	}
	store.put(parent)
	store.put(dependent)

	agent := &scriptedAgent{content: "built"}
	r := newTestRunner(store, agent, nil)

	r.tick(context.Background())

	updatedDep, err := store.Get(context.Background(), "dep")
	require.NoError(t, err)
	assert.False(t, updatedDep.NextRunAt.After(time.Now().Add(time.Second)))
}
