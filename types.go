package atsume

import (
	"time"

	"github.com/google/uuid"
)

// Public types are standalone (no internal/ imports). Conversion helpers
// live in atsume.go.

// RunStatus is the lifecycle state of a collection run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunPartiallyFailed RunStatus = "partially_failed"
)

// Terminal reports whether the run will not change state again.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunPartiallyFailed
}

// TaskStatus is the lifecycle state of one arena task within a run.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Run is the externally visible state of a collection run.
type Run struct {
	ID              uuid.UUID
	QueryDesignID   uuid.UUID
	AccountID       uuid.UUID
	Trigger         string // "manual" or "periodic"
	Status          RunStatus
	Reason          string // set when the run failed as a whole
	ReservedCredits int64
	SettledCredits  int64
	CreatedAt       time.Time
	CompletedAt     *time.Time
	Tasks           []Task
}

// Task is one platform's share of a run.
type Task struct {
	ID           uuid.UUID
	Platform     string
	Status       TaskStatus
	ReservedCost int64
	Cost         int64
	Error        string
	Detail       map[string]any
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Event kinds delivered by SubscribeRunEvents.
const (
	EventTaskUpdate  = "task_update"
	EventRunComplete = "run_complete"
)

// Event is one lifecycle event of a run, in publication order.
type Event struct {
	RunID      uuid.UUID
	TaskID     *uuid.UUID // nil for run-level events
	Kind       string
	Sequence   int64
	Payload    map[string]any
	OccurredAt time.Time
	// Synthetic is set on events rebuilt from persisted state after the
	// live log was pruned.
	Synthetic bool
}

// Balance is a snapshot of a credit account.
type Balance struct {
	AccountID uuid.UUID
	Available int64
	Reserved  int64
	Spent     int64
}

// QueryDesign names the arenas and search terms a run collects from.
type QueryDesign struct {
	ID        uuid.UUID
	AccountID uuid.UUID // credit account charged for runs
	Name      string
	Arenas    []ArenaTarget
	CreatedAt time.Time
}

// ArenaTarget is one platform of a query design.
type ArenaTarget struct {
	Platform string
	Terms    []string
	Params   map[string]any
}

// Argument types accepted in ArenaDescriptor.RequiredArguments.
const (
	ArgString  = "string"
	ArgStrings = "strings"
	ArgInt     = "int"
	ArgBool    = "bool"
	ArgUUID    = "uuid"
)

// Argument is one named, typed parameter a connector requires.
type Argument struct {
	Name        string
	Type        string
	Description string
}

// ArenaDescriptor describes a connector known to the registry.
type ArenaDescriptor struct {
	Platform            string
	Arena               string
	Description         string
	RequiredArguments   []Argument
	SupportsHealthCheck bool
	IsStub              bool
	CreditCost          int64 // per bound term
}

// Health statuses reported per connector.
const (
	HealthOK             = "ok"
	HealthFailed         = "failed"
	HealthNotImplemented = "not_implemented"
	HealthUnreachable    = "unreachable"
)

// HealthReport is the result of one health sweep.
type HealthReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Results    map[string]HealthResult
}

// HealthResult is one connector's health-check outcome.
type HealthResult struct {
	Status    string
	Detail    string
	CheckedAt time.Time
	Duration  time.Duration
}

// Trigger schedules periodic runs of a query design. Bindings maps each
// platform to the source of every argument its connector requires; a nil
// map binds every platform the conventional way.
type Trigger struct {
	Name          string
	QueryDesignID uuid.UUID
	Schedule      string // cron expression or descriptor such as "@hourly"
	Bindings      map[string]map[string]Binding
}

// ScheduledTrigger is a registered trigger with its next fire time.
type ScheduledTrigger struct {
	Name          string
	QueryDesignID uuid.UUID
	Schedule      string
	Next          time.Time
	Prev          time.Time
}

type bindingKind int

const (
	bindQueryDesignID bindingKind = iota + 1
	bindRunID
	bindTerms
	bindParam
	bindLiteral
)

// Binding declares where one connector argument comes from when a trigger
// fires. Construct with the Bind* functions.
type Binding struct {
	kind    bindingKind
	key     string
	argType string
	value   any
}

// BindQueryDesignID supplies the query design id.
func BindQueryDesignID() Binding { return Binding{kind: bindQueryDesignID} }

// BindRunID supplies the id of the run being created.
func BindRunID() Binding { return Binding{kind: bindRunID} }

// BindTerms supplies the arena target's search terms.
func BindTerms() Binding { return Binding{kind: bindTerms} }

// BindParam supplies the arena target's parameter key, declared as argType.
func BindParam(key, argType string) Binding {
	return Binding{kind: bindParam, key: key, argType: argType}
}

// BindLiteral supplies a fixed value.
func BindLiteral(v any) Binding { return Binding{kind: bindLiteral, value: v} }
