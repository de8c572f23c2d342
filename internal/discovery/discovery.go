// Package discovery runs an idle-gated periodic agent-loop invocation
// that may propose new tasks. It never writes to the task store
// directly — proposals only happen through the restricted tool
// registry's propose_task call, and the agent is always forced local
// (built with a nil remote provider) regardless of routing config.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/localagent/corvid/internal/agentloop"
)

const (
	defaultInterval         = 30 * time.Minute
	defaultUserActiveWithin = 2 * time.Hour
	defaultIdleThresholdMs  = 5 * 60 * 1000 // 5 minutes
	defaultMaxProposals     = 3

	discoveryPrompt = "Review recent activity, memory, and open tasks. If you notice a recurring chore, an unaddressed follow-up, or an opportunity worth automating, propose it with propose_task. Propose at most a few, well-justified tasks. If nothing stands out, do nothing."
)

// ActivityProbe reports ambient user/system activity for the idle gate.
type ActivityProbe interface {
	// LastUserInteraction is the timestamp of the most recent user-facing
	// interaction (chat message, command, etc.).
	LastUserInteraction() time.Time
	// SystemIdleDuration is how long the system has been idle (no
	// keyboard/mouse/process activity) right now.
	SystemIdleDuration() time.Duration
}

// RunnerStatus reports whether the task runner is between executions.
type RunnerStatus interface {
	IsIdle() bool
}

// Config configures a Discovery loop.
type Config struct {
	Interval         time.Duration
	UserActiveWithin time.Duration
	IdleThresholdMs  int64
	MaxProposals     int
	Prompt           string
	Logger           *slog.Logger
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.UserActiveWithin <= 0 {
		cfg.UserActiveWithin = defaultUserActiveWithin
	}
	if cfg.IdleThresholdMs <= 0 {
		cfg.IdleThresholdMs = defaultIdleThresholdMs
	}
	if cfg.MaxProposals <= 0 {
		cfg.MaxProposals = defaultMaxProposals
	}
	if cfg.Prompt == "" {
		cfg.Prompt = discoveryPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "discovery")
	}
	return cfg
}

// AgentLoop is the subset of agentloop.Loop Discovery depends on.
type AgentLoop interface {
	Run(ctx context.Context, sessionID, systemPrompt, userMessage string, cfg agentloop.Config) (agentloop.Result, error)
}

// Discovery periodically invokes the agent loop with a fixed prompt,
// gated on runner idleness and ambient user/system activity.
type Discovery struct {
	loop     AgentLoop
	activity ActivityProbe
	runner   RunnerStatus
	propose  *ProposeTaskTool
	cfg      Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Discovery loop. loop must have been constructed with a
// nil remote provider (see cmd wiring) so it can never escalate off the
// local model; propose is the tool discovery's restricted registry
// exposes, held here so its per-run counter can be reset before every
// invocation.
func New(loop AgentLoop, activity ActivityProbe, runner RunnerStatus, propose *ProposeTaskTool, cfg Config) *Discovery {
	return &Discovery{
		loop:     loop,
		activity: activity,
		runner:   runner,
		propose:  propose,
		cfg:      sanitizeConfig(cfg),
	}
}

// Start begins the periodic loop.
func (d *Discovery) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go d.loopFn(ctx)
}

// Stop cancels the loop and waits for the current tick, if any, to finish.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Discovery) loopFn(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Discovery) tick(ctx context.Context) {
	if !d.shouldRun(time.Now()) {
		return
	}

	if d.propose != nil {
		d.propose.Reset()
	}

	if _, err := d.loop.Run(ctx, "discovery", "", d.cfg.Prompt, agentloop.Config{MaxTurns: 4}); err != nil {
		d.cfg.Logger.Error("discovery run failed", "error", err)
	}
}

// shouldRun implements the idle gate: the runner must be idle, the user
// must have been active within UserActiveWithin, and the system must
// have been idle for at least IdleThresholdMs.
func (d *Discovery) shouldRun(now time.Time) bool {
	if !d.runner.IsIdle() {
		return false
	}
	if now.Sub(d.activity.LastUserInteraction()) > d.cfg.UserActiveWithin {
		return false
	}
	idleFor := d.activity.SystemIdleDuration()
	if idleFor < time.Duration(d.cfg.IdleThresholdMs)*time.Millisecond {
		return false
	}
	return true
}
