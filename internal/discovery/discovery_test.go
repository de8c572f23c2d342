package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localagent/corvid/internal/agentloop"
	"github.com/localagent/corvid/internal/taskstore"
)

type fakeActivity struct {
	lastUser time.Time
	idleFor  time.Duration
}

func (a fakeActivity) LastUserInteraction() time.Time { return a.lastUser }
func (a fakeActivity) SystemIdleDuration() time.Duration { return a.idleFor }

type fakeRunnerStatus struct{ idle bool }

func (f fakeRunnerStatus) IsIdle() bool { return f.idle }

type countingAgent struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *countingAgent) Run(ctx context.Context, sessionID, systemPrompt, userMessage string, cfg agentloop.Config) (agentloop.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return agentloop.Result{}, a.err
	}
	return agentloop.Result{Content: "HEARTBEAT_OK"}, nil
}

func (a *countingAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestDiscoveryRunsWhenAllGatesPass(t *testing.T) {
	agent := &countingAgent{}
	activity := fakeActivity{lastUser: time.Now().Add(-time.Hour), idleFor: 10 * time.Minute}
	runner := fakeRunnerStatus{idle: true}

	d := New(agent, activity, runner, nil, Config{IdleThresholdMs: 5 * 60 * 1000, UserActiveWithin: 2 * time.Hour})
	d.tick(context.Background())

	assert.Equal(t, 1, agent.count())
}

func TestDiscoverySkipsWhenRunnerBusy(t *testing.T) {
	agent := &countingAgent{}
	activity := fakeActivity{lastUser: time.Now(), idleFor: time.Hour}
	runner := fakeRunnerStatus{idle: false}

	d := New(agent, activity, runner, nil, Config{})
	d.tick(context.Background())

	assert.Equal(t, 0, agent.count())
}

func TestDiscoverySkipsWhenUserInactiveTooLong(t *testing.T) {
	agent := &countingAgent{}
	activity := fakeActivity{lastUser: time.Now().Add(-3 * time.Hour), idleFor: time.Hour}
	runner := fakeRunnerStatus{idle: true}

	d := New(agent, activity, runner, nil, Config{UserActiveWithin: 2 * time.Hour})
	d.tick(context.Background())

	assert.Equal(t, 0, agent.count())
}

func TestDiscoverySkipsWhenSystemNotIdleLongEnough(t *testing.T) {
	agent := &countingAgent{}
	activity := fakeActivity{lastUser: time.Now(), idleFor: 30 * time.Second}
	runner := fakeRunnerStatus{idle: true}

	d := New(agent, activity, runner, nil, Config{IdleThresholdMs: 5 * 60 * 1000})
	d.tick(context.Background())

	assert.Equal(t, 0, agent.count())
}

type fakeTaskCreator struct {
	mu    sync.Mutex
	tasks []*taskstore.Task
}

func (f *fakeTaskCreator) Create(ctx context.Context, task *taskstore.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func TestProposeTaskToolCreatesProposal(t *testing.T) {
	store := &fakeTaskCreator{}
	tool := NewProposeTaskTool(store, 3)

	result, err := tool.Execute(context.Background(), map[string]any{
		"name": "weekly-digest", "kind": "scheduled", "prompt": "summarize the week", "interval": "7d",
	}, "")
	require.NoError(t, err)
	assert.True(t, result.Success)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.tasks, 1)
	assert.Equal(t, "agent", store.tasks[0].CreatedBy)
	assert.Equal(t, taskstore.KindScheduled, store.tasks[0].Kind)
}

func TestProposeTaskToolEnforcesPerRunLimit(t *testing.T) {
	store := &fakeTaskCreator{}
	tool := NewProposeTaskTool(store, 2)

	args := map[string]any{"name": "a", "kind": "oneshot", "prompt": "do a thing"}
	for i := 0; i < 2; i++ {
		result, err := tool.Execute(context.Background(), args, "")
		require.NoError(t, err)
		assert.True(t, result.Success)
	}

	result, err := tool.Execute(context.Background(), args, "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Output, "limit reached")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.tasks, 2)
}

func TestProposeTaskToolResetAllowsNewRun(t *testing.T) {
	store := &fakeTaskCreator{}
	tool := NewProposeTaskTool(store, 1)
	args := map[string]any{"name": "a", "kind": "oneshot", "prompt": "do a thing"}

	_, _ = tool.Execute(context.Background(), args, "")
	result, _ := tool.Execute(context.Background(), args, "")
	assert.False(t, result.Success)

	tool.Reset()
	result, err := tool.Execute(context.Background(), args, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestProposeTaskToolRejectsMissingFields(t *testing.T) {
	store := &fakeTaskCreator{}
	tool := NewProposeTaskTool(store, 3)

	result, err := tool.Execute(context.Background(), map[string]any{"name": "a"}, "")
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestDiscoveryTickToleratesAgentError(t *testing.T) {
	agent := &countingAgent{err: errors.New("provider unavailable")}
	activity := fakeActivity{lastUser: time.Now(), idleFor: time.Hour}
	runner := fakeRunnerStatus{idle: true}

	d := New(agent, activity, runner, nil, Config{})
	d.tick(context.Background())

	assert.Equal(t, 1, agent.count())
}
