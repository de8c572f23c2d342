// Package events implements the four event sources the task runner can
// bind to a task: a filesystem watcher, a shell-command poller, a
// remote-API poller delegating to the tool registry, and a webhook
// receiver.
package events

import "context"

// Payload is what a source hands to the runner's on-trigger callback.
type Payload struct {
	// Source names which event source produced this payload, e.g.
	// "file_watcher", "command_poller:<command>", "api_poller:<event_type>",
	// "webhook:<route>".
	Source string
	// Summary is a short human-readable description, used when a
	// triggered task's prompt is built.
	Summary string
	// Data carries the source-specific payload (changed file list,
	// command output, decoded webhook body, ...).
	Data map[string]any
}

// TriggerFunc is invoked by a Source each time it has a new event.
type TriggerFunc func(ctx context.Context, payload Payload)

// Source is the common lifecycle every event source implements.
type Source interface {
	// Start registers onTrigger and begins watching/polling.
	Start(ctx context.Context, onTrigger TriggerFunc) error
	// Stop releases resources acquired by Start. Safe to call on an
	// already-stopped source.
	Stop() error
}
