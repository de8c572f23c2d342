package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/localagent/corvid/internal/agentloop"
	"github.com/localagent/corvid/internal/events"
	"github.com/localagent/corvid/internal/memstore"
	"github.com/localagent/corvid/internal/providers"
	"github.com/localagent/corvid/internal/scheduletime"
	"github.com/localagent/corvid/internal/taskstore"
)

const (
	retrievalScoreThreshold   = 0.2
	retrievalTokenBudgetChars = 4000 // crude char budget; no tokenizer dependency in this package
	retrievalLimit            = 8
)

// runExecution runs one (task, event?) to completion. The caller must
// have already called acquire(); runExecution always releases it.
func (r *Runner) runExecution(ctx context.Context, taskID string, payload *events.Payload) {
	defer r.release()

	task, err := r.store.Get(ctx, taskID)
	if err != nil {
		r.cfg.Logger.Error("load task for execution", "task_id", taskID, "error", err)
		return
	}

	run := &taskstore.Run{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		StartedAt: time.Now(),
		Status:    taskstore.RunRunning,
	}
	if payload != nil {
		run.TriggerInfo = payload.Source
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.cfg.Logger.Error("create run row", "task_id", task.ID, "error", err)
		return
	}

	started := time.Now()
	result, usage, execErr := r.raceExecution(ctx, task, payload, r.cfg.TaskTimeout)
	elapsed := time.Since(started).Seconds()

	if execErr != nil {
		if r.metrics != nil {
			r.metrics.RecordTaskRun(string(task.Kind), "failure", elapsed)
		}
		r.handleFailure(ctx, task, run, execErr)
		return
	}
	if r.metrics != nil {
		r.metrics.RecordTaskRun(string(task.Kind), "success", elapsed)
	}
	r.handleSuccess(ctx, task, run, result, usage, payload)
}

// raceExecution runs the core work in a goroutine and races it against
// task_timeout_ms.
func (r *Runner) raceExecution(ctx context.Context, task *taskstore.Task, payload *events.Payload, timeout time.Duration) (string, int, error) {
	type outcome struct {
		content string
		tokens  int
		err     error
	}
	done := make(chan outcome, 1)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		content, tokens, err := r.coreWork(execCtx, task, payload)
		done <- outcome{content: content, tokens: tokens, err: err}
	}()

	select {
	case o := <-done:
		return o.content, o.tokens, o.err
	case <-execCtx.Done():
		return "", 0, &providers.ProviderError{Kind: providers.KindTimeout, Message: "task execution timed out"}
	}
}

// coreWork implements step 3: workflow-or-prompt execution.
func (r *Runner) coreWork(ctx context.Context, task *taskstore.Task, payload *events.Payload) (string, int, error) {
	if task.Workflow != "" && r.workflows != nil {
		wr, err := r.workflows.Execute(ctx, task)
		if err == nil && wr.Success {
			return wr.Output, 0, nil
		}
		if task.Prompt == "" {
			if err != nil {
				return "", 0, err
			}
			return "", 0, fmt.Errorf("runner: workflow %q failed: %s", task.Workflow, wr.Output)
		}
		// Fall through to prompt execution with the workflow output as
		// additional context.
		return r.runPrompt(ctx, task, payload, wr.Output)
	}
	return r.runPrompt(ctx, task, payload, "")
}

// runPrompt implements step 4: context gathering, proactive memory
// retrieval, and the agent loop call.
func (r *Runner) runPrompt(ctx context.Context, task *taskstore.Task, payload *events.Payload, extraContext string) (string, int, error) {
	var sections []string

	if r.workspace != nil {
		wsCtx, err := r.workspace.Gather(ctx, task)
		if err != nil {
			r.cfg.Logger.Warn("gather workspace context", "task_id", task.ID, "error", err)
		} else if wsCtx != "" {
			sections = append(sections, wsCtx)
		}
	}

	if extraContext != "" {
		sections = append(sections, extraContext)
	}

	if r.memory != nil {
		if preload := r.preloadMemoryContext(ctx, task); preload != "" {
			sections = append(sections, preload)
		}
		if retrieved := r.retrieveMemory(ctx, task.Prompt); retrieved != "" {
			sections = append(sections, retrieved)
		}
		if payload != nil && payload.Summary != "" {
			if retrieved := r.retrieveMemory(ctx, payload.Summary); retrieved != "" {
				sections = append(sections, retrieved)
			}
		}
	}

	var userMessage strings.Builder
	if payload != nil {
		fmt.Fprintf(&userMessage, "[Event: %s — %s]\n", payload.Source, payload.Summary)
	}
	for _, s := range sections {
		userMessage.WriteString(s)
		userMessage.WriteString("\n\n")
	}
	userMessage.WriteString(task.Prompt)

	sessionID := fmt.Sprintf("task:%s", task.ID)
	res, err := r.agent.Run(ctx, sessionID, "", userMessage.String(), agentloop.Config{})
	if err != nil {
		return "", 0, err
	}
	return res.Content, res.Usage.InputTokens + res.Usage.OutputTokens, nil
}

func (r *Runner) preloadMemoryContext(ctx context.Context, task *taskstore.Task) string {
	if len(task.MemoryContext) == 0 {
		return ""
	}
	var b strings.Builder
	for _, key := range task.MemoryContext {
		rec, err := r.memory.Get(ctx, key)
		if err != nil || rec == nil {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", rec.Key, rec.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}

// retrieveMemory performs a score-thresholded, char-budgeted hybrid
// search, rendered as a flat list of "key: value" lines.
func (r *Runner) retrieveMemory(ctx context.Context, query string) string {
	if strings.TrimSpace(query) == "" {
		return ""
	}
	hits, err := r.memory.SearchHybrid(ctx, query, retrievalLimit, memstore.HybridWeights{}, memstore.Filters{})
	if err != nil {
		return ""
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	var b strings.Builder
	budget := retrievalTokenBudgetChars
	for _, hit := range hits {
		if hit.Score < retrievalScoreThreshold {
			continue
		}
		line := fmt.Sprintf("%s: %s\n", hit.Record.Key, hit.Record.Value)
		if len(line) > budget {
			break
		}
		b.WriteString(line)
		budget -= len(line)
	}
	return strings.TrimRight(b.String(), "\n")
}

// handleSuccess implements steps 5-8.
func (r *Runner) handleSuccess(ctx context.Context, task *taskstore.Task, run *taskstore.Run, content string, tokens int, payload *events.Payload) {
	hash := resultHash(content)
	previousHash := task.LastResultHash

	now := time.Now()
	task.LastRunAt = &now
	task.RunCount++
	task.ConsecutiveFailures = 0
	task.LastErrorKind = ""
	task.LastResultHash = hash

	if task.Kind == taskstore.KindScheduled {
		next, err := scheduletime.CalculateNextRun(scheduletime.Options{
			IntervalMs:    intervalMs(task),
			Cron:          task.CronExpression,
			BusinessHours: task.BusinessHours,
			Now:           now,
		})
		if err == nil {
			task.NextRunAt = &next
		}
	} else {
		task.NextRunAt = nil
	}

	if task.MaxRuns != nil && task.RunCount >= *task.MaxRuns {
		task.Status = taskstore.StatusDone
	}

	if err := r.store.Update(ctx, task, "run completed"); err != nil {
		r.cfg.Logger.Error("update task after success", "task_id", task.ID, "error", err)
	}

	if task.Status == taskstore.StatusDone {
		r.unregisterEventSources(task.ID)
	}

	if err := r.store.CompleteRun(ctx, run.ID, taskstore.RunSuccess, content, "", "", tokens); err != nil {
		r.cfg.Logger.Error("complete run", "run_id", run.ID, "error", err)
	}

	r.notify(ctx, task, taskstore.RunSuccess, hash != previousHash, content)
	r.cascadeDependents(ctx, task)
	r.extractInBackground(ctx, task, content, payload)
}

// handleFailure implements the "On failure" section.
func (r *Runner) handleFailure(ctx context.Context, task *taskstore.Task, run *taskstore.Run, execErr error) {
	kind := classifyError(execErr)

	now := time.Now()
	task.LastRunAt = &now
	task.ConsecutiveFailures++
	task.LastErrorKind = string(kind)

	pause, delay := decideFailure(kind, task.ConsecutiveFailures)

	reason := fmt.Sprintf("run failed: %s", execErr.Error())
	if pause {
		task.Status = taskstore.StatusPaused
		reason = fmt.Sprintf("paused after %s failure: %s", kind, execErr.Error())
		if r.metrics != nil {
			r.metrics.RecordTaskPaused(string(kind))
		}
	} else if task.Kind == taskstore.KindScheduled || task.Kind == taskstore.KindOneshot {
		next := now.Add(delay)
		task.NextRunAt = &next
	}

	if err := r.store.Update(ctx, task, reason); err != nil {
		r.cfg.Logger.Error("update task after failure", "task_id", task.ID, "error", err)
	}

	if pause {
		r.unregisterEventSources(task.ID)
	}

	if err := r.store.CompleteRun(ctx, run.ID, taskstore.RunFailure, "", execErr.Error(), string(kind), 0); err != nil {
		r.cfg.Logger.Error("complete run", "run_id", run.ID, "error", err)
	}

	if pause {
		r.notify(ctx, task, taskstore.RunFailure, false, fmt.Sprintf("task paused: %s", execErr.Error()))
	} else {
		r.notify(ctx, task, taskstore.RunFailure, false, fmt.Sprintf("run failed, retrying: %s", execErr.Error()))
	}
}

func (r *Runner) notify(ctx context.Context, task *taskstore.Task, status taskstore.RunStatus, changed bool, message string) {
	if r.notifier == nil {
		return
	}
	switch task.Notify {
	case taskstore.NotifyNever:
		return
	case taskstore.NotifyOnChange:
		if status != taskstore.RunFailure && !changed {
			return
		}
	case taskstore.NotifyOnFailure:
		if status != taskstore.RunFailure {
			return
		}
	case taskstore.NotifyAlways:
	default:
	}

	if err := r.notifier.Notify(ctx, task, message); err != nil {
		r.cfg.Logger.Error("notify", "task_id", task.ID, "error", err)
	}
}

func (r *Runner) cascadeDependents(ctx context.Context, task *taskstore.Task) {
	dependents, err := r.store.GetDependents(ctx, task.ID)
	if err != nil {
		r.cfg.Logger.Error("get dependents", "task_id", task.ID, "error", err)
		return
	}
	for _, dep := range dependents {
		if dep.Status != taskstore.StatusActive {
			continue
		}
		switch dep.Kind {
		case taskstore.KindScheduled, taskstore.KindOneshot:
			now := time.Now()
			dep.NextRunAt = &now
			if err := r.store.Update(ctx, dep, "dependency completed, running immediately"); err != nil {
				r.cfg.Logger.Error("push dependent run", "task_id", dep.ID, "error", err)
			}
		case taskstore.KindEvent:
			r.HandleEvent(ctx, dep.ID, events.Payload{
				Source:  "dependency",
				Summary: fmt.Sprintf("dependency %s completed", task.Name),
			})
		}
	}
}

// extractInBackground runs step 8: fire-and-forget memory and lesson
// extraction over the run's (prompt, result) pair. Extracted items
// categorized "lesson" are stored under lesson/task/<name>/<key>;
// everything else under auto/task/<name>/<key>.
func (r *Runner) extractInBackground(ctx context.Context, task *taskstore.Task, content string, payload *events.Payload) {
	if r.extraction == nil || r.memory == nil {
		return
	}
	transcript := fmt.Sprintf("Prompt:\n%s\n\nResult:\n%s", task.Prompt, content)
	if payload != nil {
		transcript = fmt.Sprintf("Event: %s — %s\n\n%s", payload.Source, payload.Summary, transcript)
	}

	go func() {
		bgCtx := context.Background()
		items, err := memstore.ExtractMemories(bgCtx, r.extraction, transcript, 10)
		if err != nil {
			r.cfg.Logger.Warn("background extraction failed", "task_id", task.ID, "error", err)
			return
		}
		for _, item := range items {
			prefix := "auto"
			if item.Category == memstore.CategoryLesson {
				prefix = "lesson"
			}
			key := fmt.Sprintf("%s/task/%s/%s", prefix, task.Name, item.Key)
			if _, err := r.memory.Set(bgCtx, key, item.Value, memstore.SetOptions{
				Category: item.Category,
				Source:   memstore.SourceAuto,
			}); err != nil {
				r.cfg.Logger.Warn("store extracted memory", "task_id", task.ID, "key", key, "error", err)
			}
		}
	}()
}

func resultHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

func intervalMs(task *taskstore.Task) int64 {
	if task.IntervalMs != nil {
		return *task.IntervalMs
	}
	return 0
}
