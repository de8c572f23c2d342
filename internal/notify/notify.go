// Package notify provides the task runner's default Notifier: since
// channel I/O (Discord, Slack, ...) is an external collaborator's
// concern, this package's LogNotifier is the local-first baseline —
// every notification is written to the workspace's daily log and
// emitted as a structured log line.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/localagent/corvid/internal/taskstore"
	"github.com/localagent/corvid/internal/workspace"
)

// LogNotifier satisfies the task runner's Notifier collaborator by
// recording the message in the workspace's daily log rather than
// delivering it anywhere external.
type LogNotifier struct {
	log    *workspace.DailyLog
	logger *slog.Logger
}

// NewLogNotifier builds a LogNotifier rooted at the given workspace.
func NewLogNotifier(workspaceRoot string, logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{
		log:    workspace.NewDailyLog(workspaceRoot),
		logger: logger.With("component", "notify"),
	}
}

// Notify records message against task in the daily log and logs it.
func (n *LogNotifier) Notify(ctx context.Context, task *taskstore.Task, message string) error {
	n.logger.Info("task notification", "task_id", task.ID, "task_name", task.Name, "channel", task.Channel, "message", message)
	line := fmt.Sprintf("[notify] %s (%s): %s", task.Name, task.ID, message)
	if err := n.log.Append(line); err != nil {
		return fmt.Errorf("notify: append daily log: %w", err)
	}
	return nil
}
