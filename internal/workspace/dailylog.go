package workspace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DailyLog appends timestamped lines to workspace/logs/YYYY-MM-DD.md, one
// file per calendar day, each line formatted "[<ISO8601>] <content>".
type DailyLog struct {
	root string
	mu   sync.Mutex
}

// NewDailyLog returns a DailyLog rooted at the workspace directory.
func NewDailyLog(root string) *DailyLog {
	return &DailyLog{root: root}
}

func (l *DailyLog) pathFor(day time.Time) string {
	return filepath.Join(l.root, "logs", day.Format("2006-01-02")+".md")
}

// Append writes one line to today's log file, creating the logs
// directory and file as needed.
func (l *DailyLog) Append(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.pathFor(time.Now())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("workspace: create logs dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workspace: open daily log: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("[%s] %s\n", time.Now().Format(time.RFC3339), line)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("workspace: write daily log: %w", err)
	}
	return nil
}

// Tail returns up to maxLines of the most recent entries across today's
// and yesterday's log files, oldest first. Missing files are treated as
// empty, not an error.
func (l *DailyLog) Tail(maxLines int) ([]string, error) {
	if maxLines <= 0 {
		return nil, nil
	}

	now := time.Now()
	var lines []string
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		fileLines, err := readLines(l.pathFor(day))
		if err != nil {
			return nil, err
		}
		lines = append(lines, fileLines...)
	}

	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: read %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if text := strings.TrimRight(scanner.Text(), "\r\n"); text != "" {
			lines = append(lines, text)
		}
	}
	return lines, scanner.Err()
}
