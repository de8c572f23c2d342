// Package activity tracks the process-wide "last interaction" and
// "last activity" timestamps discovery's idle gate consults: a chat
// message or command touches both; a task execution touches only the
// latter. Mirrors the spec's lastInteractionAt timestamp, which must be
// mutex-guarded because event-source and caller goroutines write it
// concurrently.
package activity

import (
	"sync"
	"time"
)

// Tracker records interaction and activity timestamps and reports the
// derived idle signals discovery.ActivityProbe needs.
type Tracker struct {
	mu              sync.Mutex
	lastInteraction time.Time
	lastActivity    time.Time
}

// NewTracker returns a Tracker initialized to the current time, so a
// freshly started process is not immediately treated as long-idle.
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{lastInteraction: now, lastActivity: now}
}

// TouchInteraction records a user-facing interaction (chat message,
// command). It also counts as activity.
func (t *Tracker) TouchInteraction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.lastInteraction = now
	t.lastActivity = now
}

// TouchActivity records non-interactive activity (a task run, an event
// firing) without resetting the user-interaction clock.
func (t *Tracker) TouchActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = time.Now()
}

// LastUserInteraction reports the most recent TouchInteraction call.
func (t *Tracker) LastUserInteraction() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastInteraction
}

// SystemIdleDuration reports how long it has been since any activity,
// interactive or not.
func (t *Tracker) SystemIdleDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastActivity)
}
