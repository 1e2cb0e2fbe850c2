package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the category of a lifecycle event.
type EventKind string

const (
	EventTaskUpdate  EventKind = "task_update"
	EventRunComplete EventKind = "run_complete"
)

// LifecycleEvent is one entry in a run's ordered event log.
// Sequence is assigned by the event bus and is monotonic per run.
type LifecycleEvent struct {
	RunID      uuid.UUID      `json:"run_id"`
	TaskID     *uuid.UUID     `json:"task_id,omitempty"` // nil for run-level events
	Kind       EventKind      `json:"kind"`
	Payload    map[string]any `json:"payload"`
	Sequence   int64          `json:"sequence"`
	OccurredAt time.Time      `json:"occurred_at"`
	Synthetic  bool           `json:"synthetic,omitempty"` // Built from persisted state after log retention expired.
}

// TaskUpdatePayload builds the payload for a task_update event.
func TaskUpdatePayload(t CollectionTask, extra map[string]any) map[string]any {
	p := map[string]any{
		"platform_name": t.PlatformName,
		"status":        string(t.Status),
	}
	if t.Status.Terminal() {
		p["cost"] = t.Cost
	}
	if t.Error != "" {
		p["error"] = t.Error
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// RunCompletePayload builds the payload for a run_complete event.
func RunCompletePayload(r CollectionRun, tasks []CollectionTask) map[string]any {
	perArena := make(map[string]any, len(tasks))
	for _, t := range tasks {
		entry := map[string]any{"status": string(t.Status), "cost": t.Cost}
		if t.Error != "" {
			entry["error"] = t.Error
		}
		perArena[t.PlatformName] = entry
	}
	p := map[string]any{
		"status":          string(r.Status),
		"settled_credits": r.SettledCredits,
		"tasks":           perArena,
	}
	if r.Reason != "" {
		p["reason"] = r.Reason
	}
	return p
}

// SnapshotPayload builds the payload of a synthesized run-level task_update
// describing a non-terminal run's current state.
func SnapshotPayload(r CollectionRun, tasks []CollectionTask) map[string]any {
	p := RunCompletePayload(r, tasks)
	p["snapshot"] = true
	return p
}
