// Package orchestrator turns a query design into a collection run: it
// resolves applicable connectors, binds their arguments, reserves credits
// per task, dispatches tasks to the worker pool under canonical task ids,
// settles each task as it finishes and publishes exactly one run_complete
// event per run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/atsume/internal/binding"
	"github.com/ashita-ai/atsume/internal/eventbus"
	"github.com/ashita-ai/atsume/internal/ledger"
	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/registry"
	"github.com/ashita-ai/atsume/internal/telemetry"
	"github.com/ashita-ai/atsume/internal/worker"
)

// ErrRunNotFound is returned for operations on an unknown run.
var ErrRunNotFound = errors.New("orchestrator: run not found")

// QueryDesignStore supplies the arenas and terms a run targets.
type QueryDesignStore interface {
	GetQueryDesign(ctx context.Context, id uuid.UUID) (model.QueryDesign, error)
}

// RunStore persists runs and tasks. Lookups of unknown runs return an error
// wrapping storage.ErrNotFound.
type RunStore interface {
	CreateRun(ctx context.Context, r model.CollectionRun, tasks []model.CollectionTask) error
	SaveRun(ctx context.Context, r model.CollectionRun) error
	SaveTask(ctx context.Context, t model.CollectionTask) error
	GetRun(ctx context.Context, id uuid.UUID) (model.CollectionRun, error)
	ListTasks(ctx context.Context, runID uuid.UUID) ([]model.CollectionTask, error)
	ListRuns(ctx context.Context, queryDesignID uuid.UUID, limit int) ([]model.CollectionRun, error)
}

// TaskQueue accepts jobs addressed by canonical task id.
type TaskQueue interface {
	Enqueue(job worker.Job) (*worker.Handle, error)
}

// EventBus is the part of eventbus.Bus the orchestrator uses.
type EventBus interface {
	Publish(runID uuid.UUID, ev model.LifecycleEvent) (model.LifecycleEvent, error)
	SubscribeSince(ctx context.Context, runID uuid.UUID, after int64) (*eventbus.Subscription, error)
	ReplaySince(ctx context.Context, runID uuid.UUID, after int64) ([]model.LifecycleEvent, error)
}

// Config tunes timeouts.
type Config struct {
	TaskTimeout  time.Duration // per-task ceiling passed to the worker pool
	StallTimeout time.Duration // a running task without an update for this long is reaped
	ReapInterval time.Duration
	StoreTimeout time.Duration // bound on store writes made from task callbacks
}

func (c *Config) defaults() {
	if c.StallTimeout <= 0 {
		c.StallTimeout = 20 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Registry *registry.Registry
	Ledger   ledger.Ledger
	Designs  QueryDesignStore
	Runs     RunStore
	Queue    TaskQueue
	Bus      EventBus
}

// Orchestrator owns the run state machine.
type Orchestrator struct {
	reg     *registry.Registry
	ledger  ledger.Ledger
	designs QueryDesignStore
	runs    RunStore
	queue   TaskQueue
	bus     EventBus
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	mu     sync.Mutex
	active map[uuid.UUID]*activeRun

	runsCreated     metric.Int64Counter
	runsCompleted   metric.Int64Counter
	tasksFinished   metric.Int64Counter
	creditsReserved metric.Int64Counter
	creditsSettled  metric.Int64Counter
	creditsReleased metric.Int64Counter
}

// New creates an Orchestrator. Every dependency is required.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case deps.Ledger == nil:
		return nil, errors.New("orchestrator: ledger is required")
	case deps.Designs == nil:
		return nil, errors.New("orchestrator: query design store is required")
	case deps.Runs == nil:
		return nil, errors.New("orchestrator: run store is required")
	case deps.Queue == nil:
		return nil, errors.New("orchestrator: task queue is required")
	case deps.Bus == nil:
		return nil, errors.New("orchestrator: event bus is required")
	}
	cfg.defaults()

	meter := telemetry.Meter("atsume/orchestrator")
	created, _ := meter.Int64Counter("atsume.runs.created", metric.WithDescription("Collection runs created"))
	completed, _ := meter.Int64Counter("atsume.runs.completed", metric.WithDescription("Collection runs reaching a terminal status"))
	finished, _ := meter.Int64Counter("atsume.tasks.finished", metric.WithDescription("Collection tasks reaching a terminal status"))
	reserved, _ := meter.Int64Counter("atsume.credits.reserved", metric.WithDescription("Credits reserved for collection tasks"))
	settled, _ := meter.Int64Counter("atsume.credits.settled", metric.WithDescription("Credits charged on settlement"))
	released, _ := meter.Int64Counter("atsume.credits.released", metric.WithDescription("Reserved credits returned to available"))

	return &Orchestrator{
		reg:             deps.Registry,
		ledger:          deps.Ledger,
		designs:         deps.Designs,
		runs:            deps.Runs,
		queue:           deps.Queue,
		bus:             deps.Bus,
		logger:          logger,
		cfg:             cfg,
		now:             func() time.Time { return time.Now().UTC() },
		active:          make(map[uuid.UUID]*activeRun),
		runsCreated:     created,
		runsCompleted:   completed,
		tasksFinished:   finished,
		creditsReserved: reserved,
		creditsSettled:  settled,
		creditsReleased: released,
	}, nil
}

// RunRequest describes one run to create.
type RunRequest struct {
	QueryDesignID uuid.UUID
	Trigger       model.TriggerKind
	// Bindings overrides argument binding per platform. When nil every
	// connector uses binding.Conventional. When non-nil a platform without
	// an entry cannot be bound and its task fails.
	Bindings binding.Plan
	// Trigger name recorded on binding errors.
	TriggerName string
}

// CreateRun creates and dispatches a run for a query design.
func (o *Orchestrator) CreateRun(ctx context.Context, queryDesignID uuid.UUID, trigger model.TriggerKind) (uuid.UUID, error) {
	return o.Create(ctx, RunRequest{QueryDesignID: queryDesignID, Trigger: trigger})
}

// planned is one task being prepared for dispatch.
type planned struct {
	task     *model.CollectionTask
	job      worker.Job
	estimate int64
}

// Create materializes req into a run. The returned error is non-nil only
// when the run could not be admitted: on insufficient credits the failed
// run's id is returned together with an error wrapping
// ledger.ErrInsufficientCredits. Per-task failures never surface here.
func (o *Orchestrator) Create(ctx context.Context, req RunRequest) (uuid.UUID, error) {
	ctx, span := telemetry.Tracer("atsume/orchestrator").Start(ctx, "orchestrator.CreateRun")
	defer span.End()

	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}

	qd, err := o.designs.GetQueryDesign(ctx, req.QueryDesignID)
	if err != nil {
		span.SetStatus(codes.Error, "load query design")
		return uuid.Nil, fmt.Errorf("orchestrator: load query design %s: %w", req.QueryDesignID, err)
	}

	now := o.now()
	run := model.CollectionRun{
		ID:            uuid.New(),
		QueryDesignID: qd.ID,
		AccountID:     qd.AccountID,
		Trigger:       req.Trigger,
		Status:        model.RunStatusPending,
		CreatedAt:     now,
	}
	span.SetAttributes(
		attribute.String("atsume.run_id", run.ID.String()),
		attribute.String("atsume.query_design_id", qd.ID.String()),
		attribute.String("atsume.trigger", string(req.Trigger)),
	)
	o.runsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(req.Trigger))))

	plan := o.plan(run, qd, req)
	if len(plan) == 0 {
		o.logger.Warn("orchestrator: no applicable arenas", "run_id", run.ID, "query_design_id", qd.ID)
		return run.ID, o.failAtAdmission(ctx, run, model.ReasonNoApplicableArenas)
	}

	if err := o.reserve(ctx, &run, plan); err != nil {
		reason := model.ReasonLedgerError
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			reason = model.ReasonInsufficientCredits
		}
		span.SetStatus(codes.Error, reason)
		o.logger.Info("orchestrator: run not admitted", "run_id", run.ID, "reason", reason, "error", err)
		if ferr := o.failAtAdmission(ctx, run, reason); ferr != nil {
			return run.ID, errors.Join(err, ferr)
		}
		return run.ID, err
	}

	run.Status = model.RunStatusRunning
	tasks := make([]model.CollectionTask, len(plan))
	for i, p := range plan {
		tasks[i] = *p.task
	}

	// The run is visible to CancelRun and GetRunStatus from here on, but
	// both wait on ar.mu until every task is dispatched.
	ar := newActiveRun(run, plan)
	ar.mu.Lock()
	o.mu.Lock()
	o.active[run.ID] = ar
	o.mu.Unlock()

	if err := o.runs.CreateRun(ctx, run, tasks); err != nil {
		o.mu.Lock()
		delete(o.active, run.ID)
		o.mu.Unlock()
		ar.mu.Unlock()
		o.releaseAll(ctx, plan)
		return uuid.Nil, fmt.Errorf("orchestrator: persist run: %w", err)
	}
	o.dispatch(ar, plan)
	ar.mu.Unlock()

	o.logger.Info("orchestrator: run dispatched",
		"run_id", run.ID, "query_design_id", qd.ID, "tasks", len(plan), "reserved_credits", run.ReservedCredits)
	return run.ID, nil
}

// plan resolves applicable connectors and binds their arguments. Unknown
// platforms and stubs are skipped. Tasks whose arguments cannot be bound
// are returned already failed.
func (o *Orchestrator) plan(run model.CollectionRun, qd model.QueryDesign, req RunRequest) []planned {
	var out []planned
	seen := make(map[string]bool, len(qd.Arenas))

	for _, target := range qd.Arenas {
		if seen[target.PlatformName] {
			continue
		}
		seen[target.PlatformName] = true

		d, err := o.reg.Get(target.PlatformName)
		if err != nil {
			o.logger.Warn("orchestrator: skipping unknown arena", "run_id", run.ID, "platform", target.PlatformName)
			continue
		}
		if d.IsStub {
			o.logger.Debug("orchestrator: skipping stub arena", "run_id", run.ID, "platform", d.PlatformName)
			continue
		}

		task := &model.CollectionTask{
			ID:            uuid.New(),
			RunID:         run.ID,
			PlatformName:  d.PlatformName,
			Status:        model.TaskStatusQueued,
			CreatedAt:     run.CreatedAt,
			LastUpdatedAt: run.CreatedAt,
		}
		p := planned{task: task, estimate: estimate(d, target)}

		name, err := o.reg.CanonicalTaskID(d.PlatformName, registry.TaskCollect)
		if err != nil {
			o.failImmediately(task, err)
			out = append(out, p)
			continue
		}
		task.TaskName = string(name)

		set := binding.Conventional(d)
		if req.Bindings != nil {
			set = req.Bindings[d.PlatformName]
		}
		args, err := binding.Bind(d, set, binding.Context{
			QueryDesignID: qd.ID,
			RunID:         run.ID,
			Target:        target,
		})
		if err != nil {
			var cfgErr *binding.ConfigurationError
			if errors.As(err, &cfgErr) && cfgErr.Trigger == "" {
				cfgErr.Trigger = req.TriggerName
			}
			o.logger.Warn("orchestrator: arguments unbound, task failed",
				"run_id", run.ID, "platform", d.PlatformName, "error", err)
			o.failImmediately(task, err)
			out = append(out, p)
			continue
		}

		p.job = worker.Job{
			Key:     task.ID.String(),
			Name:    name,
			Args:    args,
			Timeout: o.cfg.TaskTimeout,
		}
		out = append(out, p)
	}
	return out
}

// estimate is the reservation for one task: the descriptor's cost per term.
func estimate(d model.ArenaDescriptor, target model.ArenaTarget) int64 {
	return d.CreditCost * int64(max(1, len(target.Terms)))
}

func (o *Orchestrator) failImmediately(t *model.CollectionTask, err error) {
	now := o.now()
	t.Status = model.TaskStatusFailed
	t.Error = err.Error()
	t.FinishedAt = &now
	t.LastUpdatedAt = now
}

// reserve takes one reservation per dispatchable task. On any failure the
// reservations already taken are released.
func (o *Orchestrator) reserve(ctx context.Context, run *model.CollectionRun, plan []planned) error {
	for _, p := range plan {
		if p.task.Status.Terminal() {
			continue
		}
		key := run.ID.String() + "/" + p.task.PlatformName
		id, err := o.ledger.Reserve(ctx, run.AccountID, p.estimate, key)
		if err != nil {
			o.releaseAll(ctx, plan)
			run.ReservedCredits = 0
			return fmt.Errorf("orchestrator: reserve %d credits for %s: %w", p.estimate, p.task.PlatformName, err)
		}
		p.task.Reservation = &id
		p.task.ReservedCost = p.estimate
		run.ReservedCredits += p.estimate
		o.creditsReserved.Add(ctx, p.estimate)
	}
	return nil
}

func (o *Orchestrator) releaseAll(ctx context.Context, plan []planned) {
	for _, p := range plan {
		if p.task.Reservation == nil {
			continue
		}
		if err := o.ledger.Release(ctx, *p.task.Reservation); err != nil {
			o.logger.Error("orchestrator: release reservation", "reservation_id", *p.task.Reservation, "error", err)
		} else {
			o.creditsReleased.Add(ctx, p.task.ReservedCost)
		}
		p.task.Reservation = nil
		p.task.ReservedCost = 0
	}
}

// failAtAdmission records a run that ends before any task was dispatched
// and publishes its single run_complete.
func (o *Orchestrator) failAtAdmission(ctx context.Context, run model.CollectionRun, reason string) error {
	now := o.now()
	run.Status = model.RunStatusFailed
	run.Reason = reason
	run.CompletedAt = &now

	if err := o.runs.CreateRun(ctx, run, nil); err != nil {
		return fmt.Errorf("orchestrator: persist failed run: %w", err)
	}
	o.publish(run.ID, model.LifecycleEvent{
		Kind:    model.EventRunComplete,
		Payload: model.RunCompletePayload(run, nil),
	})
	o.runsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(run.Status)),
		attribute.String("reason", reason),
	))
	return nil
}

// publish sends ev to the bus, logging instead of failing.
func (o *Orchestrator) publish(runID uuid.UUID, ev model.LifecycleEvent) {
	if _, err := o.bus.Publish(runID, ev); err != nil {
		o.logger.Error("orchestrator: publish event", "run_id", runID, "kind", ev.Kind, "error", err)
	}
}

// storeCtx bounds store writes made outside a caller's context.
func (o *Orchestrator) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
}
