package workspace

import (
	"path/filepath"
	"strings"
)

// UncheckedItems returns the text of every unchecked "- [ ] text" line in
// the workspace's HEARTBEAT.md. A missing file yields an empty, non-error
// result.
func UncheckedItems(root, filename string) ([]string, error) {
	if filename == "" {
		filename = "HEARTBEAT.md"
	}
	lines, err := readLines(filepath.Join(root, filename))
	if err != nil {
		return nil, err
	}

	var items []string
	for _, line := range lines {
		if text, ok := uncheckedText(line); ok {
			items = append(items, text)
		}
	}
	return items, nil
}

func uncheckedText(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	const marker = "- [ ]"
	if !strings.HasPrefix(trimmed, marker) {
		return "", false
	}
	text := strings.TrimSpace(trimmed[len(marker):])
	if text == "" {
		return "", false
	}
	return text, true
}
