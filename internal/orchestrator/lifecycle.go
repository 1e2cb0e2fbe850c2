package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/worker"
)

// activeRun is the in-memory state of a run with outstanding tasks. Every
// field is guarded by mu, and events for the run are published under mu so
// the bus sees them in state-machine order.
type activeRun struct {
	mu        sync.Mutex
	run       model.CollectionRun
	tasks     map[uuid.UUID]*model.CollectionTask
	handles   map[uuid.UUID]*worker.Handle
	cancelled bool
	finalized bool
}

func newActiveRun(run model.CollectionRun, plan []planned) *activeRun {
	ar := &activeRun{
		run:     run,
		tasks:   make(map[uuid.UUID]*model.CollectionTask, len(plan)),
		handles: make(map[uuid.UUID]*worker.Handle, len(plan)),
	}
	for _, p := range plan {
		ar.tasks[p.task.ID] = p.task
	}
	return ar
}

// snapshot copies the run and its tasks ordered by platform. Caller holds mu.
func (ar *activeRun) snapshot() model.RunSnapshot {
	tasks := make([]model.CollectionTask, 0, len(ar.tasks))
	for _, t := range ar.tasks {
		tasks = append(tasks, t.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].PlatformName < tasks[j].PlatformName })
	return model.RunSnapshot{Run: ar.run, Tasks: tasks}
}

func (ar *activeRun) allTerminal() bool {
	for _, t := range ar.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// dispatch enqueues every bound task and publishes the initial task_update
// for each. Tasks already failed at binding, or rejected by the queue, have
// no reservation left once dispatch returns. Caller holds ar.mu.
func (o *Orchestrator) dispatch(ar *activeRun, plan []planned) {
	for _, p := range plan {
		t := p.task
		if t.Status.Terminal() {
			o.publishTask(ar, t, nil)
			o.recordTaskFinished(t)
			continue
		}

		job := p.job
		taskID := t.ID
		job.OnStart = func() { o.onStart(ar, taskID) }
		job.OnProgress = func(payload map[string]any) { o.onProgress(ar, taskID, payload) }
		job.OnDone = func(res worker.Result) { o.onDone(ar, taskID, res) }

		h, err := o.queue.Enqueue(job)
		if err != nil {
			o.logger.Error("orchestrator: enqueue task",
				"run_id", ar.run.ID, "platform", t.PlatformName, "task", job.Name, "error", err)
			o.finishTask(ar, t, model.TaskStatusFailed, 0, fmt.Errorf("dispatch: %w", err), nil)
			continue
		}
		ar.handles[taskID] = h
		o.publishTask(ar, t, nil)
	}

	if ar.allTerminal() {
		o.finalize(ar)
	}
}

func (o *Orchestrator) onStart(ar *activeRun, taskID uuid.UUID) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	t, ok := ar.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return
	}
	now := o.now()
	t.Status = model.TaskStatusRunning
	t.StartedAt = &now
	t.LastUpdatedAt = now
	o.saveTask(t)
	o.publishTask(ar, t, nil)
}

func (o *Orchestrator) onProgress(ar *activeRun, taskID uuid.UUID, payload map[string]any) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	t, ok := ar.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return
	}
	t.LastUpdatedAt = o.now()
	o.publishTask(ar, t, map[string]any{"progress": payload})
}

func (o *Orchestrator) onDone(ar *activeRun, taskID uuid.UUID, res worker.Result) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	t, ok := ar.tasks[taskID]
	if !ok {
		return
	}
	if t.Status.Terminal() {
		// Reaped earlier; the reservation was already released.
		o.logger.Warn("orchestrator: late completion ignored",
			"run_id", ar.run.ID, "platform", t.PlatformName, "status", res.Status, "cost", res.Cost)
		return
	}
	delete(ar.handles, taskID)
	o.finishTask(ar, t, res.Status, res.Cost, res.Err, res.Detail)
	if ar.allTerminal() {
		o.finalize(ar)
	}
}

// finishTask settles the task's reservation and moves it to a terminal
// status. A cost above the reservation is charged at the reserved amount
// and the overrun recorded in Detail. A failed task with zero cost has its
// reservation released instead. Caller holds ar.mu.
func (o *Orchestrator) finishTask(ar *activeRun, t *model.CollectionTask, status model.TaskStatus, cost int64, taskErr error, detail map[string]any) {
	now := o.now()
	ctx, cancel := o.storeCtx()
	defer cancel()

	if cost < 0 {
		cost = 0
	}
	if detail != nil && t.Detail == nil {
		t.Detail = make(map[string]any, len(detail))
	}
	for k, v := range detail {
		t.Detail[k] = v
	}
	if cost > t.ReservedCost {
		if t.Detail == nil {
			t.Detail = make(map[string]any, 1)
		}
		t.Detail["cost_overrun"] = cost - t.ReservedCost
		o.logger.Warn("orchestrator: task cost exceeds reservation",
			"run_id", ar.run.ID, "platform", t.PlatformName, "cost", cost, "reserved", t.ReservedCost)
		cost = t.ReservedCost
	}

	if t.Reservation != nil {
		var err error
		if status == model.TaskStatusFailed && cost == 0 {
			if err = o.ledger.Release(ctx, *t.Reservation); err == nil {
				o.creditsReleased.Add(ctx, t.ReservedCost)
			}
		} else {
			if err = o.ledger.Settle(ctx, *t.Reservation, cost); err == nil {
				o.creditsSettled.Add(ctx, cost)
				o.creditsReleased.Add(ctx, t.ReservedCost-cost)
			}
		}
		if err != nil {
			o.logger.Error("orchestrator: finalize reservation",
				"run_id", ar.run.ID, "platform", t.PlatformName, "reservation_id", *t.Reservation, "error", err)
			if t.Detail == nil {
				t.Detail = make(map[string]any, 1)
			}
			t.Detail["ledger_error"] = err.Error()
			cost = 0
		} else {
			ar.run.SettledCredits += cost
		}
	}

	t.Status = status
	t.Cost = cost
	if taskErr != nil {
		t.Error = taskErr.Error()
	}
	t.FinishedAt = &now
	t.LastUpdatedAt = now

	o.saveTask(t)
	o.publishTask(ar, t, nil)
	o.recordTaskFinished(t)
}

// finalize computes the terminal run status and publishes the run's single
// run_complete. Caller holds ar.mu.
func (o *Orchestrator) finalize(ar *activeRun) {
	if ar.finalized {
		return
	}
	ar.finalized = true

	now := o.now()
	snap := ar.snapshot()
	if ar.cancelled {
		ar.run.Status = model.RunStatusFailed
		ar.run.Reason = model.ReasonCancelled
	} else {
		ar.run.Status = aggregateStatus(snap.Tasks)
		if ar.run.Status == model.RunStatusFailed && ar.run.Reason == "" {
			ar.run.Reason = model.ReasonAllTasksFailed
		}
	}
	ar.run.CompletedAt = &now
	o.saveRun(ar.run)

	o.publish(ar.run.ID, model.LifecycleEvent{
		Kind:    model.EventRunComplete,
		Payload: model.RunCompletePayload(ar.run, snap.Tasks),
	})

	o.mu.Lock()
	delete(o.active, ar.run.ID)
	o.mu.Unlock()

	o.runsCompleted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", string(ar.run.Status)),
		attribute.String("reason", ar.run.Reason),
	))
	o.logger.Info("orchestrator: run complete",
		"run_id", ar.run.ID, "status", ar.run.Status, "reason", ar.run.Reason,
		"tasks", len(snap.Tasks), "settled_credits", ar.run.SettledCredits)
}

// aggregateStatus maps the terminal task statuses of a run to its status:
// all completed is completed, none completed is failed, anything between is
// partially_failed. A run with no tasks is failed.
func aggregateStatus(tasks []model.CollectionTask) model.RunStatus {
	var completed int
	for _, t := range tasks {
		if t.Status == model.TaskStatusCompleted {
			completed++
		}
	}
	switch {
	case len(tasks) == 0 || completed == 0:
		return model.RunStatusFailed
	case completed == len(tasks):
		return model.RunStatusCompleted
	default:
		return model.RunStatusPartiallyFailed
	}
}

// CancelRun moves a run to failed with reason cancelled and asks its
// outstanding tasks to stop. Queued tasks never start; running tasks that
// ignore cancellation finish and are settled normally. The run_complete
// event follows once every task is terminal. Cancelling a terminal run is a
// no-op.
func (o *Orchestrator) CancelRun(ctx context.Context, runID uuid.UUID) error {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()

	if !ok {
		return o.cancelInactive(ctx, runID)
	}

	ar.mu.Lock()
	defer ar.mu.Unlock()

	if ar.finalized || ar.cancelled {
		return nil
	}
	ar.cancelled = true
	ar.run.Status = model.RunStatusFailed
	ar.run.Reason = model.ReasonCancelled
	o.saveRun(ar.run)
	o.publish(runID, model.LifecycleEvent{
		Kind: model.EventTaskUpdate,
		Payload: map[string]any{
			"status": string(ar.run.Status),
			"reason": ar.run.Reason,
		},
	})

	for _, h := range ar.handles {
		h.Cancel()
	}
	o.logger.Info("orchestrator: run cancelled", "run_id", runID, "outstanding", len(ar.handles))

	if ar.allTerminal() {
		o.finalize(ar)
	}
	return nil
}

// cancelInactive handles a run this process is not tracking: unknown runs
// are an error, terminal runs a no-op, and a non-terminal run left behind by
// an earlier process is closed out directly.
func (o *Orchestrator) cancelInactive(ctx context.Context, runID uuid.UUID) error {
	snap, err := o.loadSnapshot(ctx, runID)
	if err != nil {
		return err
	}
	if snap.Run.Status.Terminal() {
		return nil
	}

	now := o.now()
	for i := range snap.Tasks {
		t := &snap.Tasks[i]
		if t.Status.Terminal() {
			continue
		}
		if t.Reservation != nil {
			if err := o.ledger.Release(ctx, *t.Reservation); err != nil {
				o.logger.Error("orchestrator: release orphaned reservation",
					"run_id", runID, "platform", t.PlatformName, "error", err)
			}
		}
		t.Status = model.TaskStatusFailed
		t.Error = model.ReasonCancelled
		t.FinishedAt = &now
		t.LastUpdatedAt = now
		if err := o.runs.SaveTask(ctx, *t); err != nil {
			return fmt.Errorf("orchestrator: save task: %w", err)
		}
	}

	run := snap.Run
	run.Status = model.RunStatusFailed
	run.Reason = model.ReasonCancelled
	run.CompletedAt = &now
	if err := o.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("orchestrator: save run: %w", err)
	}
	o.publish(runID, model.LifecycleEvent{
		Kind:    model.EventRunComplete,
		Payload: model.RunCompletePayload(run, snap.Tasks),
	})
	o.logger.Info("orchestrator: orphaned run cancelled", "run_id", runID)
	return nil
}

// ReapStalled fails every running task that has not reported for longer
// than the stall timeout, releasing its reservation. Queued tasks are left
// alone: they are waiting for a pool slot, not stalled. It returns the
// number of tasks reaped.
func (o *Orchestrator) ReapStalled() int {
	cutoff := o.now().Add(-o.cfg.StallTimeout)

	o.mu.Lock()
	runs := make([]*activeRun, 0, len(o.active))
	for _, ar := range o.active {
		runs = append(runs, ar)
	}
	o.mu.Unlock()

	var reaped int
	for _, ar := range runs {
		ar.mu.Lock()
		for id, t := range ar.tasks {
			if t.Status != model.TaskStatusRunning || !t.LastUpdatedAt.Before(cutoff) {
				continue
			}
			if h := ar.handles[id]; h != nil {
				h.Cancel()
				delete(ar.handles, id)
			}
			o.logger.Warn("orchestrator: reaping stalled task",
				"run_id", ar.run.ID, "platform", t.PlatformName, "last_updated_at", t.LastUpdatedAt)
			o.finishTask(ar, t, model.TaskStatusFailed, 0, errStalled(o.cfg.StallTimeout), nil)
			reaped++
		}
		if !ar.finalized && ar.allTerminal() {
			o.finalize(ar)
		}
		ar.mu.Unlock()
	}
	return reaped
}

func errStalled(timeout time.Duration) error {
	return fmt.Errorf("stalled: no update for %s", timeout)
}

// StartReaper runs ReapStalled every reap interval until ctx is done.
func (o *Orchestrator) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.ReapStalled(); n > 0 {
				o.logger.Info("orchestrator: reaper pass", "reaped", n)
			}
		}
	}
}

func (o *Orchestrator) publishTask(ar *activeRun, t *model.CollectionTask, extra map[string]any) {
	id := t.ID
	o.publish(ar.run.ID, model.LifecycleEvent{
		TaskID:  &id,
		Kind:    model.EventTaskUpdate,
		Payload: model.TaskUpdatePayload(*t, extra),
	})
}

func (o *Orchestrator) saveTask(t *model.CollectionTask) {
	ctx, cancel := o.storeCtx()
	defer cancel()
	if err := o.runs.SaveTask(ctx, *t); err != nil {
		o.logger.Error("orchestrator: save task", "run_id", t.RunID, "platform", t.PlatformName, "error", err)
	}
}

func (o *Orchestrator) saveRun(r model.CollectionRun) {
	ctx, cancel := o.storeCtx()
	defer cancel()
	if err := o.runs.SaveRun(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("orchestrator: save run", "run_id", r.ID, "error", err)
	}
}

func (o *Orchestrator) recordTaskFinished(t *model.CollectionTask) {
	o.tasksFinished.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("platform", t.PlatformName),
		attribute.String("status", string(t.Status)),
	))
}
