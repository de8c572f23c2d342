package events

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/localagent/corvid/internal/debounce"
)

const defaultFileWatcherDebounce = 1000 * time.Millisecond

// FileWatcherConfig configures FileWatcher.
type FileWatcherConfig struct {
	Paths    []string
	Ignore   []string // glob-style patterns, e.g. "**/*.log", "*.tmp"
	Debounce time.Duration
}

// FileWatcher fires a single debounced payload per burst of filesystem
// changes under its watched paths, skipping anything matching Ignore.
type FileWatcher struct {
	cfg     FileWatcherConfig
	ignore  []*regexp.Regexp
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFileWatcher compiles cfg.Ignore's glob patterns and prepares a
// FileWatcher; it does not yet open any OS watch (that happens in Start).
func NewFileWatcher(cfg FileWatcherConfig) *FileWatcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultFileWatcherDebounce
	}
	ignore := make([]*regexp.Regexp, 0, len(cfg.Ignore))
	for _, pattern := range cfg.Ignore {
		ignore = append(ignore, globToRegexp(pattern))
	}
	return &FileWatcher{cfg: cfg, ignore: ignore}
}

func (w *FileWatcher) isIgnored(path string) bool {
	for _, re := range w.ignore {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Start opens an fsnotify watcher on every configured path and begins
// debouncing changes into Payload{Source: "file_watcher", Data:
// {"files": [...]}}.
func (w *FileWatcher) Start(ctx context.Context, onTrigger TriggerFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("events: file watcher: %w", err)
	}
	for _, path := range w.cfg.Paths {
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return fmt.Errorf("events: file watcher: watch %s: %w", path, err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = watcher
	w.cancel = cancel
	w.mu.Unlock()

	deb := debounce.New(w.cfg.Debounce, func(files []string) {
		onTrigger(context.Background(), Payload{
			Source:  "file_watcher",
			Summary: fmt.Sprintf("%d file(s) changed", len(files)),
			Data:    map[string]any{"files": files},
		})
	})

	w.wg.Add(1)
	go w.loop(watchCtx, watcher, deb)
	return nil
}

func (w *FileWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher, deb *debounce.Debouncer[string]) {
	defer w.wg.Done()
	defer deb.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if w.isIgnored(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				deb.Add(event.Name)
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stop closes the underlying OS watch and waits for the loop goroutine.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	w.wg.Wait()
	return err
}

// globToRegexp converts a glob pattern ("**" any-depth, "*" single-segment,
// "?" single-char) into an anchored regexp.
func globToRegexp(pattern string) *regexp.Regexp {
	var result strings.Builder
	result.WriteString("^")

	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				result.WriteString(".*")
				i++
			} else {
				result.WriteString("[^/]*")
			}
		case '?':
			result.WriteString(".")
		case '.', '+', '^', '$', '{', '}', '(', ')', '[', ']', '|', '\\':
			result.WriteString("\\")
			result.WriteByte(ch)
		default:
			result.WriteByte(ch)
		}
	}

	result.WriteString("$")
	re, err := regexp.Compile(result.String())
	if err != nil {
		return regexp.MustCompile(`$^`) // matches nothing
	}
	return re
}
