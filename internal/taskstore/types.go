// Package taskstore is the SQLite-backed task store: CRUD over tasks plus
// their run/proposal/transition ledgers, due-task selection, and
// retention compaction.
package taskstore

import "time"

// Kind is the scheduling mode of a task.
type Kind string

const (
	KindScheduled Kind = "scheduled"
	KindEvent     Kind = "event"
	KindOneshot   Kind = "oneshot"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// TriggerMode controls what an event-sourced task does when its source fires.
type TriggerMode string

const (
	TriggerExecute    TriggerMode = "execute"
	TriggerCreateTask TriggerMode = "create_task"
)

// NotifyPolicy controls when a completed run pushes a notification.
type NotifyPolicy string

const (
	NotifyAlways    NotifyPolicy = "always"
	NotifyOnChange  NotifyPolicy = "on_change"
	NotifyOnFailure NotifyPolicy = "on_failure"
	NotifyNever     NotifyPolicy = "never"
)

// Task is one row of the task table.
type Task struct {
	ID                  string
	Name                string
	Description         string
	Kind                Kind
	Status              Status
	Prompt              string
	Workflow            string
	MemoryContext       []string
	MemoryCategory      string
	IntervalMs          *int64
	CronExpression      string
	BusinessHours       string
	DependsOn           []string
	EventSource         string
	EventConfig         map[string]any
	TriggerMode         TriggerMode
	PersistConversation bool
	NextRunAt           *time.Time
	LastRunAt           *time.Time
	RunCount            int
	MaxRuns             *int
	ConsecutiveFailures int
	LastErrorKind       string
	Notify              NotifyPolicy
	LastResultHash      string
	Channel             string
	ChannelTarget       string
	CreatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RunStatus is the outcome of a task run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
	RunSkipped RunStatus = "skipped"
)

// Run is one row of the task_runs ledger.
type Run struct {
	ID          string
	TaskID      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      RunStatus
	Result      string
	Error       string
	ErrorKind   string
	TriggerInfo string
	TokensUsed  int
}

// Transition is one append-only row of the task_transitions ledger.
type Transition struct {
	ID         string
	TaskID     string
	FromStatus string
	ToStatus   string
	Reason     string
	Timestamp  time.Time
}

// ProposalStatus is the review state of a task proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is one row of the task_proposals table — a not-yet-approved
// task surfaced by discovery, awaiting human review on a channel.
type Proposal struct {
	ID            string
	TaskID        string
	MessageID     string
	Channel       string
	ChannelTarget string
	Status        ProposalStatus
	RejectedAt    *time.Time
	CreatedAt     time.Time
}

// ListFilter narrows List results.
type ListFilter struct {
	Status *Status
	Kind   *Kind
	Limit  int
	Offset int
}
