package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("taskstore: not found")

// Store is a SQLite-backed task store.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the SQLite database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := "file::memory:?_pragma=foreign_keys(1)&cache=shared"
	if path != "" && path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open: %w", err)
	}
	// SQLite serializes writers anyway; pinning to one connection avoids
	// a second connection seeing foreign_keys off (it's per-connection)
	// or, for the in-memory DSN, a separate private database.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an already-open database handle, for tests that inject
// a sqlmock connection without running the schema migration.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT,
			workflow TEXT,
			memory_context TEXT,
			memory_category TEXT,
			interval_ms INTEGER,
			cron_expression TEXT,
			business_hours TEXT,
			depends_on TEXT,
			event_source TEXT,
			event_config TEXT,
			trigger_mode TEXT,
			persist_conversation INTEGER NOT NULL DEFAULT 0,
			next_run_at DATETIME,
			last_run_at DATETIME,
			run_count INTEGER NOT NULL DEFAULT 0,
			max_runs INTEGER,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_error_kind TEXT,
			notify TEXT NOT NULL DEFAULT 'on_failure',
			last_result_hash TEXT,
			channel TEXT,
			channel_target TEXT,
			created_by TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_kind ON tasks(status, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_run_at ON tasks(next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_event_source ON tasks(event_source)`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			error_kind TEXT,
			trigger_info TEXT,
			tokens_used INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS task_transitions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_transitions_task_id ON task_transitions(task_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS task_proposals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			message_id TEXT,
			channel TEXT,
			channel_target TEXT,
			status TEXT NOT NULL,
			rejected_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_proposals_message_id ON task_proposals(message_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("taskstore: init schema: %w", err)
		}
	}
	return nil
}

// Create inserts task, assigning an ID if absent, and records the
// `new -> initial` transition. Status is forced to `proposed` when
// task.CreatedBy == "agent"; otherwise `active`, unless already set by
// the caller to something more specific.
func (s *Store) Create(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	if task.Status == "" {
		if task.CreatedBy == "agent" {
			task.Status = StatusProposed
		} else {
			task.Status = StatusActive
		}
	}
	if task.Notify == "" {
		task.Notify = NotifyOnFailure
	}
	if task.TriggerMode == "" {
		task.TriggerMode = TriggerExecute
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("taskstore: create: begin: %w", err)
	}
	defer rollback(tx)

	memCtx, err := marshalStrings(task.MemoryContext)
	if err != nil {
		return err
	}
	dependsOn, err := marshalStrings(task.DependsOn)
	if err != nil {
		return err
	}
	eventCfg, err := marshalMap(task.EventConfig)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, name, description, kind, status, prompt, workflow,
			memory_context, memory_category, interval_ms, cron_expression,
			business_hours, depends_on, event_source, event_config,
			trigger_mode, persist_conversation, next_run_at, last_run_at,
			run_count, max_runs, consecutive_failures, last_error_kind,
			notify, last_result_hash, channel, channel_target, created_by,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, task.Name, task.Description, string(task.Kind), string(task.Status),
		task.Prompt, task.Workflow, memCtx, task.MemoryCategory, task.IntervalMs,
		task.CronExpression, task.BusinessHours, dependsOn, task.EventSource, eventCfg,
		string(task.TriggerMode), task.PersistConversation, task.NextRunAt, task.LastRunAt,
		task.RunCount, task.MaxRuns, task.ConsecutiveFailures, task.LastErrorKind,
		string(task.Notify), task.LastResultHash, task.Channel, task.ChannelTarget,
		task.CreatedBy, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("taskstore: create: insert task: %w", err)
	}

	if err := insertTransition(ctx, tx, task.ID, "new", string(task.Status), "task created"); err != nil {
		return err
	}

	return tx.Commit()
}

// Get retrieves a task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// Update writes the full row for task (keyed by task.ID) and, when the
// status differs from the currently stored row, records exactly one
// transition with reason. Identical-status updates record none.
func (s *Store) Update(ctx context.Context, task *Task, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("taskstore: update: begin: %w", err)
	}
	defer rollback(tx)

	var currentStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, task.ID).Scan(&currentStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("taskstore: update: read current status: %w", err)
	}

	task.UpdatedAt = time.Now()
	memCtx, err := marshalStrings(task.MemoryContext)
	if err != nil {
		return err
	}
	dependsOn, err := marshalStrings(task.DependsOn)
	if err != nil {
		return err
	}
	eventCfg, err := marshalMap(task.EventConfig)
	if err != nil {
		return err
	}

	if task.MaxRuns != nil && task.RunCount >= *task.MaxRuns {
		task.Status = StatusDone
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET
			name=?, description=?, kind=?, status=?, prompt=?, workflow=?,
			memory_context=?, memory_category=?, interval_ms=?, cron_expression=?,
			business_hours=?, depends_on=?, event_source=?, event_config=?,
			trigger_mode=?, persist_conversation=?, next_run_at=?, last_run_at=?,
			run_count=?, max_runs=?, consecutive_failures=?, last_error_kind=?,
			notify=?, last_result_hash=?, channel=?, channel_target=?, updated_at=?
		WHERE id=?`,
		task.Name, task.Description, string(task.Kind), string(task.Status), task.Prompt,
		task.Workflow, memCtx, task.MemoryCategory, task.IntervalMs, task.CronExpression,
		task.BusinessHours, dependsOn, task.EventSource, eventCfg, string(task.TriggerMode),
		task.PersistConversation, task.NextRunAt, task.LastRunAt, task.RunCount, task.MaxRuns,
		task.ConsecutiveFailures, task.LastErrorKind, string(task.Notify), task.LastResultHash,
		task.Channel, task.ChannelTarget, task.UpdatedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("taskstore: update: %w", err)
	}

	if string(task.Status) != currentStatus {
		if err := insertTransition(ctx, tx, task.ID, currentStatus, string(task.Status), reason); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Delete removes a task and, via foreign-key cascade, its runs,
// transitions, and proposals.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("taskstore: delete: %w", err)
	}
	return nil
}

// List returns tasks matching filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	query := taskSelectColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Kind != nil {
		query += ` AND kind = ?`
		args = append(args, string(*filter.Kind))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetDueTasks returns scheduled/oneshot active tasks whose next_run_at has
// arrived, ascending by next_run_at.
func (s *Store) GetDueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+`
		FROM tasks
		WHERE status = ? AND kind IN (?, ?) AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`,
		string(StatusActive), string(KindScheduled), string(KindOneshot), now)
	if err != nil {
		return nil, fmt.Errorf("taskstore: get_due_tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetEventTasks returns active event-sourced tasks, optionally narrowed to
// a specific event source.
func (s *Store) GetEventTasks(ctx context.Context, eventSource string) ([]*Task, error) {
	query := taskSelectColumns + ` FROM tasks WHERE status = ? AND kind = ?`
	args := []any{string(StatusActive), string(KindEvent)}
	if eventSource != "" {
		query += ` AND event_source = ?`
		args = append(args, eventSource)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskstore: get_event_tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetDependents returns active tasks that list id in their DependsOn set.
func (s *Store) GetDependents(ctx context.Context, id string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE status = ?`, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("taskstore: get_dependents: %w", err)
	}
	defer rows.Close()
	all, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range all {
		for _, dep := range t.DependsOn {
			if dep == id {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// ActiveCount returns the number of tasks with status=active.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?`, string(StatusActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("taskstore: active_count: %w", err)
	}
	return n, nil
}

// CreateRun inserts a new run row with status=running.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, started_at, completed_at, status, result, error, error_kind, trigger_info, tokens_used)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.TaskID, run.StartedAt, run.CompletedAt, string(run.Status),
		run.Result, run.Error, run.ErrorKind, run.TriggerInfo, run.TokensUsed,
	)
	if err != nil {
		return fmt.Errorf("taskstore: create_run: %w", err)
	}
	return nil
}

// CompleteRun marks run complete with status/result/error and also updates
// the owning task's run_count, last_run_at, consecutive_failures, and
// last_error_kind in the same transaction.
func (s *Store) CompleteRun(ctx context.Context, runID string, status RunStatus, result, errMsg, errorKind string, tokensUsed int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("taskstore: complete_run: begin: %w", err)
	}
	defer rollback(tx)

	var taskID string
	if err := tx.QueryRowContext(ctx, `SELECT task_id FROM task_runs WHERE id = ?`, runID).Scan(&taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("taskstore: complete_run: lookup task_id: %w", err)
	}

	completedAt := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE task_runs SET completed_at=?, status=?, result=?, error=?, error_kind=?, tokens_used=?
		WHERE id=?`,
		completedAt, string(status), result, errMsg, errorKind, tokensUsed, runID)
	if err != nil {
		return fmt.Errorf("taskstore: complete_run: update run: %w", err)
	}

	if status == RunSuccess {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET run_count = run_count + 1, last_run_at = ?, consecutive_failures = 0, last_error_kind = '', updated_at = ?
			WHERE id = ?`, completedAt, completedAt, taskID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET run_count = run_count + 1, last_run_at = ?, consecutive_failures = consecutive_failures + 1, last_error_kind = ?, updated_at = ?
			WHERE id = ?`, completedAt, errorKind, completedAt, taskID)
	}
	if err != nil {
		return fmt.Errorf("taskstore: complete_run: update task: %w", err)
	}

	return tx.Commit()
}

// GetRecentRuns returns the most recent runs for taskID, newest first.
func (s *Store) GetRecentRuns(ctx context.Context, taskID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, started_at, completed_at, status, result, error, error_kind, trigger_info, tokens_used
		FROM task_runs WHERE task_id = ? ORDER BY started_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("taskstore: get_recent_runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// GetLastSuccessfulRun returns the most recent run with status=success.
func (s *Store) GetLastSuccessfulRun(ctx context.Context, taskID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, started_at, completed_at, status, result, error, error_kind, trigger_info, tokens_used
		FROM task_runs WHERE task_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		taskID, string(RunSuccess))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// CreateProposal inserts a pending proposal row.
func (s *Store) CreateProposal(ctx context.Context, p *Proposal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = ProposalPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_proposals (id, task_id, message_id, channel, channel_target, status, rejected_at, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, p.MessageID, p.Channel, p.ChannelTarget, string(p.Status), p.RejectedAt, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("taskstore: create_proposal: %w", err)
	}
	return nil
}

// GetProposalByMessage looks up a proposal by the channel message it was
// surfaced in.
func (s *Store) GetProposalByMessage(ctx context.Context, messageID string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, message_id, channel, channel_target, status, rejected_at, created_at
		FROM task_proposals WHERE message_id = ?`, messageID)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// UpdateProposal writes the full proposal row, stamping RejectedAt when the
// status transitions to rejected.
func (s *Store) UpdateProposal(ctx context.Context, p *Proposal) error {
	if p.Status == ProposalRejected && p.RejectedAt == nil {
		now := time.Now()
		p.RejectedAt = &now
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_proposals SET task_id=?, message_id=?, channel=?, channel_target=?, status=?, rejected_at=?
		WHERE id=?`,
		p.TaskID, p.MessageID, p.Channel, p.ChannelTarget, string(p.Status), p.RejectedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("taskstore: update_proposal: %w", err)
	}
	return nil
}

// WasRecentlyRejected reports whether a proposal for a task named name was
// rejected within the last withinMs milliseconds.
func (s *Store) WasRecentlyRejected(ctx context.Context, name string, withinMs int64) (bool, error) {
	cutoff := time.Now().Add(-time.Duration(withinMs) * time.Millisecond)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_proposals p
		JOIN tasks t ON t.id = p.task_id
		WHERE t.name = ? AND p.status = ? AND p.rejected_at IS NOT NULL AND p.rejected_at >= ?`,
		name, string(ProposalRejected), cutoff).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("taskstore: was_recently_rejected: %w", err)
	}
	return n > 0, nil
}

// RecordTransition appends a transition row directly, for callers outside
// Create/Update that still need to log a status change (e.g. the runner
// pausing a task after exhausting retries).
func (s *Store) RecordTransition(ctx context.Context, taskID, fromStatus, toStatus, reason string) error {
	return insertTransition(ctx, s.db, taskID, fromStatus, toStatus, reason)
}

// GetTransitions returns the full transition history for a task, oldest first.
func (s *Store) GetTransitions(ctx context.Context, taskID string) ([]*Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, reason, timestamp
		FROM task_transitions WHERE task_id = ? ORDER BY timestamp ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("taskstore: get_transitions: %w", err)
	}
	defer rows.Close()
	var out []*Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.TaskID, &t.FromStatus, &t.ToStatus, &t.Reason, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("taskstore: get_transitions: scan: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Compact deletes runs, transitions, and proposals older than maxAgeDays in
// a single transaction.
func (s *Store) Compact(ctx context.Context, maxAgeDays int) error {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("taskstore: compact: begin: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_runs WHERE started_at < ?`, cutoff); err != nil {
		return fmt.Errorf("taskstore: compact: runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_transitions WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("taskstore: compact: transitions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_proposals WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("taskstore: compact: proposals: %w", err)
	}

	return tx.Commit()
}

// --- scanning and marshaling helpers ---

const taskSelectColumns = `SELECT
	id, name, description, kind, status, prompt, workflow, memory_context,
	memory_category, interval_ms, cron_expression, business_hours, depends_on,
	event_source, event_config, trigger_mode, persist_conversation, next_run_at,
	last_run_at, run_count, max_runs, consecutive_failures, last_error_kind,
	notify, last_result_hash, channel, channel_target, created_by, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var kind, status, triggerMode, notify string
	var memCtx, dependsOn, eventCfg sql.NullString

	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &kind, &status, &t.Prompt, &t.Workflow, &memCtx,
		&t.MemoryCategory, &t.IntervalMs, &t.CronExpression, &t.BusinessHours, &dependsOn,
		&t.EventSource, &eventCfg, &triggerMode, &t.PersistConversation, &t.NextRunAt,
		&t.LastRunAt, &t.RunCount, &t.MaxRuns, &t.ConsecutiveFailures, &t.LastErrorKind,
		&notify, &t.LastResultHash, &t.Channel, &t.ChannelTarget, &t.CreatedBy,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.TriggerMode = TriggerMode(triggerMode)
	t.Notify = NotifyPolicy(notify)

	if t.MemoryContext, err = unmarshalStrings(memCtx); err != nil {
		return nil, fmt.Errorf("taskstore: scan memory_context: %w", err)
	}
	if t.DependsOn, err = unmarshalStrings(dependsOn); err != nil {
		return nil, fmt.Errorf("taskstore: scan depends_on: %w", err)
	}
	if t.EventConfig, err = unmarshalMap(eventCfg); err != nil {
		return nil, fmt.Errorf("taskstore: scan event_config: %w", err)
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskstore: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var status string
	err := row.Scan(&r.ID, &r.TaskID, &r.StartedAt, &r.CompletedAt, &status, &r.Result, &r.Error, &r.ErrorKind, &r.TriggerInfo, &r.TokensUsed)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	return &r, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("taskstore: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanProposal(row scanner) (*Proposal, error) {
	var p Proposal
	var status string
	err := row.Scan(&p.ID, &p.TaskID, &p.MessageID, &p.Channel, &p.ChannelTarget, &status, &p.RejectedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = ProposalStatus(status)
	return &p, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTransition(ctx context.Context, ex execer, taskID, from, to, reason string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO task_transitions (id, task_id, from_status, to_status, reason, timestamp)
		VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), taskID, from, to, reason, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("taskstore: record_transition: %w", err)
	}
	return nil
}

func marshalStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("taskstore: marshal string list: %w", err)
	}
	return string(b), nil
}

func unmarshalStrings(s sql.NullString) ([]string, error) {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalMap(values map[string]any) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("taskstore: marshal map: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		_ = err
	}
}
