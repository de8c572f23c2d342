// Package workspace manages the on-disk workspace directory: bootstrap
// files, the append-only daily log, and the ambient context the task
// runner prepends to a task's prompt.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BootstrapFile is a file seeded into a new workspace.
type BootstrapFile struct {
	Name    string
	Content string
}

// BootstrapResult captures which bootstrap files were created or skipped.
type BootstrapResult struct {
	Created []string
	Skipped []string
}

// DefaultBootstrapFiles returns the workspace's seed files: the heartbeat
// checklist and the logs directory's .gitkeep (logs themselves are
// written lazily by DailyLog.Append).
func DefaultBootstrapFiles() []BootstrapFile {
	return []BootstrapFile{
		{
			Name: "HEARTBEAT.md",
			Content: "# HEARTBEAT.md\n\n" +
				"Unchecked items drive heartbeat task runs.\n\n" +
				"- [ ] \n",
		},
		{
			Name:    filepath.Join("logs", ".gitkeep"),
			Content: "",
		},
	}
}

// EnsureWorkspaceFiles creates missing files under root, returning which
// paths were written vs. already present. Existing files are left alone
// unless overwrite is set.
func EnsureWorkspaceFiles(root string, files []BootstrapFile, overwrite bool) (BootstrapResult, error) {
	result := BootstrapResult{}
	base := strings.TrimSpace(root)
	if base == "" {
		base = "."
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return result, fmt.Errorf("workspace: create dir: %w", err)
	}

	for _, file := range files {
		name := strings.TrimSpace(file.Name)
		if name == "" {
			continue
		}
		path := filepath.Join(base, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return result, fmt.Errorf("workspace: create dir for %s: %w", name, err)
		}
		if !overwrite {
			if _, err := os.Stat(path); err == nil {
				result.Skipped = append(result.Skipped, path)
				continue
			} else if !os.IsNotExist(err) {
				return result, fmt.Errorf("workspace: stat %s: %w", path, err)
			}
		}
		if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
			return result, fmt.Errorf("workspace: write %s: %w", path, err)
		}
		result.Created = append(result.Created, path)
	}

	return result, nil
}
