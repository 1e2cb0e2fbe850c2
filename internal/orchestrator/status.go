package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/atsume/internal/eventbus"
	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/storage"
)

// GetRunStatus returns the run and its tasks. Runs still in progress are
// served from memory, finished ones from the run store.
func (o *Orchestrator) GetRunStatus(ctx context.Context, runID uuid.UUID) (model.RunSnapshot, error) {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()

	if ok {
		ar.mu.Lock()
		defer ar.mu.Unlock()
		return ar.snapshot(), nil
	}
	return o.loadSnapshot(ctx, runID)
}

// Snapshot implements eventbus.Snapshotter.
func (o *Orchestrator) Snapshot(ctx context.Context, runID uuid.UUID) (model.RunSnapshot, error) {
	snap, err := o.GetRunStatus(ctx, runID)
	if errors.Is(err, ErrRunNotFound) {
		return model.RunSnapshot{}, fmt.Errorf("%w: %s", eventbus.ErrRunNotFound, runID)
	}
	return snap, err
}

func (o *Orchestrator) loadSnapshot(ctx context.Context, runID uuid.UUID) (model.RunSnapshot, error) {
	run, err := o.runs.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.RunSnapshot{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return model.RunSnapshot{}, fmt.Errorf("orchestrator: load run: %w", err)
	}
	tasks, err := o.runs.ListTasks(ctx, runID)
	if err != nil {
		return model.RunSnapshot{}, fmt.Errorf("orchestrator: load tasks: %w", err)
	}
	return model.RunSnapshot{Run: run, Tasks: tasks}, nil
}

// SubscribeRunEvents streams a run's lifecycle events from the beginning of
// its retained log. A subscriber to a finished run receives exactly one
// run_complete.
func (o *Orchestrator) SubscribeRunEvents(ctx context.Context, runID uuid.UUID) (*eventbus.Subscription, error) {
	return o.SubscribeRunEventsSince(ctx, runID, 0)
}

// SubscribeRunEventsSince streams events with a sequence above after.
func (o *Orchestrator) SubscribeRunEventsSince(ctx context.Context, runID uuid.UUID, after int64) (*eventbus.Subscription, error) {
	sub, err := o.bus.SubscribeSince(ctx, runID, after)
	if errors.Is(err, eventbus.ErrRunNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return sub, err
}

// ReplayRunEvents returns the retained events with a sequence above after,
// without subscribing. Expired ranges are filled by a synthesized snapshot.
func (o *Orchestrator) ReplayRunEvents(ctx context.Context, runID uuid.UUID, after int64) ([]model.LifecycleEvent, error) {
	evs, err := o.bus.ReplaySince(ctx, runID, after)
	if errors.Is(err, eventbus.ErrRunNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return evs, err
}

// ListRuns returns recent runs, newest first. A nil queryDesignID lists
// runs for every design.
func (o *Orchestrator) ListRuns(ctx context.Context, queryDesignID uuid.UUID, limit int) ([]model.CollectionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	runs, err := o.runs.ListRuns(ctx, queryDesignID, limit)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list runs: %w", err)
	}
	return runs, nil
}

// Active returns the number of runs with outstanding tasks.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}
