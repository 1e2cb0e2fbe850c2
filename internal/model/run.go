package model

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a collection run.
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
)

// Terminal reports whether no further transition can occur from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusPartiallyFailed:
		return true
	default:
		return false
	}
}

// TriggerKind records what initiated a run.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerPeriodic TriggerKind = "periodic"
)

// Failure reasons recorded on runs that end without a successful task.
const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonNoApplicableArenas  = "no_applicable_arenas"
	ReasonCancelled           = "cancelled"
	ReasonAllTasksFailed      = "all_tasks_failed"
	ReasonLedgerError         = "ledger_error"
)

// CollectionRun is one collection episode for one query design.
type CollectionRun struct {
	ID              uuid.UUID   `json:"run_id"`
	QueryDesignID   uuid.UUID   `json:"query_design_id"`
	AccountID       uuid.UUID   `json:"account_id"`
	Trigger         TriggerKind `json:"trigger"`
	Status          RunStatus   `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	ReservedCredits int64       `json:"reserved_credits"`
	SettledCredits  int64       `json:"settled_credits"`
	CreatedAt       time.Time   `json:"created_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// TaskStatus represents the lifecycle state of one per-arena task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether s is completed or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CollectionTask is one (run, platform) unit of work.
type CollectionTask struct {
	ID            uuid.UUID      `json:"task_id"`
	RunID         uuid.UUID      `json:"run_id"`
	PlatformName  string         `json:"platform_name"`
	TaskName      string         `json:"task_name,omitempty"` // Canonical task identifier it was dispatched under.
	Status        TaskStatus     `json:"status"`
	Reservation   *uuid.UUID     `json:"reservation_id,omitempty"`
	ReservedCost  int64          `json:"reserved_cost"`
	Cost          int64          `json:"cost"`
	Error         string         `json:"error,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
}

// Clone returns a copy of t that shares no map or pointer with it.
func (t CollectionTask) Clone() CollectionTask {
	c := t
	c.Detail = maps.Clone(t.Detail)
	c.Reservation = clonePtr(t.Reservation)
	c.StartedAt = clonePtr(t.StartedAt)
	c.FinishedAt = clonePtr(t.FinishedAt)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// RunSnapshot is a run together with its tasks.
type RunSnapshot struct {
	Run   CollectionRun    `json:"run"`
	Tasks []CollectionTask `json:"tasks"`
}
