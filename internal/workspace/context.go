package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/localagent/corvid/internal/taskstore"
)

const defaultTailLines = 20

// Context gathers ambient workspace state — the heartbeat checklist and
// a tail of the recent daily log — to prepend to a task's prompt. It
// satisfies the task runner's WorkspaceContext collaborator interface.
type Context struct {
	root          string
	heartbeatFile string
	log           *DailyLog
	tailLines     int
}

// NewContext builds a Context rooted at root. heartbeatFile defaults to
// "HEARTBEAT.md" when empty.
func NewContext(root, heartbeatFile string) *Context {
	return &Context{
		root:          root,
		heartbeatFile: heartbeatFile,
		log:           NewDailyLog(root),
		tailLines:     defaultTailLines,
	}
}

// Gather returns the workspace's current heartbeat items and recent log
// tail as plain text, or "" if the workspace has neither.
func (c *Context) Gather(ctx context.Context, task *taskstore.Task) (string, error) {
	items, err := UncheckedItems(c.root, c.heartbeatFile)
	if err != nil {
		return "", fmt.Errorf("workspace: gather heartbeat: %w", err)
	}
	tail, err := c.log.Tail(c.tailLines)
	if err != nil {
		return "", fmt.Errorf("workspace: gather log tail: %w", err)
	}

	var parts []string
	if len(items) > 0 {
		parts = append(parts, "Open heartbeat items:\n- "+strings.Join(items, "\n- "))
	}
	if len(tail) > 0 {
		parts = append(parts, "Recent activity:\n"+strings.Join(tail, "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}
