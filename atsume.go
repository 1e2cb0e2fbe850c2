// Package atsume is the public API for embedding the Atsume collection
// orchestrator.
//
// An App owns the arena registry, the credit ledger, the worker pool, the
// run event bus, the periodic scheduler and the health monitor. Connectors
// are supplied by the embedding program:
//
//	app, err := atsume.New(
//	    atsume.WithVersion(version),
//	    atsume.WithLogger(logger),
//	    atsume.WithConnector("rss_feeds", rssConnector{}),
//	)
//	if err != nil { ... }
//	go func() { _ = app.Run(ctx) }()
//	runID, err := app.CreateRun(ctx, queryDesignID)
//
// The import graph enforces a strict no-cycle rule: atsume (root) imports
// internal/*, but internal/* never imports atsume (root). Public types
// (Run, Event, QueryDesign, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package atsume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/atsume/internal/arena"
	"github.com/ashita-ai/atsume/internal/binding"
	"github.com/ashita-ai/atsume/internal/config"
	"github.com/ashita-ai/atsume/internal/eventbus"
	"github.com/ashita-ai/atsume/internal/health"
	"github.com/ashita-ai/atsume/internal/ledger"
	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/orchestrator"
	"github.com/ashita-ai/atsume/internal/registry"
	"github.com/ashita-ai/atsume/internal/scheduler"
	"github.com/ashita-ai/atsume/internal/storage"
	"github.com/ashita-ai/atsume/internal/telemetry"
	"github.com/ashita-ai/atsume/internal/worker"
	"github.com/ashita-ai/atsume/migrations"
)

// Errors callers can match with errors.Is.
var (
	ErrNotFound            = storage.ErrNotFound
	ErrRunNotFound         = orchestrator.ErrRunNotFound
	ErrInsufficientCredits = ledger.ErrInsufficientCredits
	ErrAccountNotFound     = ledger.ErrAccountNotFound
	ErrInvalidAmount       = ledger.ErrInvalidAmount
	ErrConfiguration       = binding.ErrConfiguration
	ErrDuplicateTrigger    = scheduler.ErrDuplicateTrigger
	ErrUnknownTrigger      = scheduler.ErrUnknownTrigger
	ErrInvalidSchedule     = scheduler.ErrInvalidSchedule
	// ErrNotImplemented is returned by stub connectors.
	ErrNotImplemented = arena.ErrNotImplemented
	// ErrUnreachable marks a connector error as "could not reach upstream".
	ErrUnreachable = arena.ErrUnreachable
)

type queryDesignStore interface {
	orchestrator.QueryDesignStore
	CreateQueryDesign(ctx context.Context, qd model.QueryDesign) (model.QueryDesign, error)
}

// App is the Atsume lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg     config.Config
	db      *storage.DB // nil in memory mode
	reg     *registry.Registry
	ledger  ledger.Ledger
	designs queryDesignStore
	pool    *worker.Pool
	bus     *eventbus.Bus
	orch    *orchestrator.Orchestrator
	sched   *scheduler.Scheduler
	health  *health.Monitor

	openAccount  func(ctx context.Context, id uuid.UUID) error
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	loops        sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New constructs an App, connecting to Postgres and running migrations when
// a database URL is configured. Without one every store lives in memory.
// Configuration comes from the environment (and a .env file when present);
// options override it.
func New(opts ...Option) (*App, error) {
	o := &resolvedOptions{}
	for _, opt := range opts {
		opt(o)
	}

	// Best-effort: a missing .env file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.memoryOnly {
		cfg.DatabaseURL = ""
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("atsume starting", "version", version, "persistent", cfg.DatabaseURL != "")

	extra := make([]model.ArenaDescriptor, len(o.descriptors))
	for i, d := range o.descriptors {
		extra[i] = toModelDescriptor(d)
	}
	reg, err := registry.NewDefault(extra...)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	// Initialize OpenTelemetry.
	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{
		cfg:          cfg,
		reg:          reg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	fail := func(err error) (*App, error) {
		if a.db != nil {
			a.db.Close()
		}
		_ = otelShutdown(context.Background())
		return nil, err
	}

	var runs orchestrator.RunStore
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns), logger)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		a.db = db
		if !cfg.DBMigrateOff {
			if err := db.RunMigrations(ctx, migrations.FS); err != nil {
				return fail(fmt.Errorf("migrations: %w", err))
			}
			for _, extraFS := range o.extraMigrations {
				if err := db.RunMigrations(ctx, extraFS); err != nil {
					return fail(fmt.Errorf("extra migrations: %w", err))
				}
			}
		}
		credits := db.Credits()
		a.ledger = credits
		a.openAccount = credits.OpenAccount
		a.designs = db.QueryDesigns()
		runs = db.Runs()
	} else {
		mem := ledger.NewMemory()
		a.ledger = mem
		a.openAccount = func(_ context.Context, id uuid.UUID) error {
			mem.OpenAccount(id)
			return nil
		}
		a.designs = orchestrator.NewMemoryQueryDesigns()
		runs = orchestrator.NewMemoryRunStore()
	}

	mux := worker.NewMux()
	connectors := make(map[string]arena.Connector, len(o.connectors))
	for platform, c := range o.connectors {
		connectors[platform] = adaptConnector(platform, c)
	}
	if err := arena.Mount(mux, reg, connectors); err != nil {
		return fail(err)
	}

	a.pool, err = worker.NewPool(worker.Config{
		PoolSize:   cfg.WorkerPoolSize,
		QueueSize:  cfg.WorkerQueueSize,
		JobTimeout: cfg.TaskTimeout,
	}, mux, logger)
	if err != nil {
		return fail(err)
	}

	a.bus = eventbus.New(logger, eventbus.Options{
		Retention:        cfg.EventRetention,
		MaxEventsPerRun:  cfg.EventMaxPerRun,
		SubscriberBuffer: cfg.EventSubscriberBuffer,
	})

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Ledger:   a.ledger,
		Designs:  a.designs,
		Runs:     runs,
		Queue:    a.pool,
		Bus:      a.bus,
	}, orchestrator.Config{
		TaskTimeout:  cfg.TaskTimeout,
		StallTimeout: cfg.TaskStallTimeout,
		ReapInterval: cfg.ReapInterval,
	}, logger)
	if err != nil {
		return fail(err)
	}
	a.bus.SetSnapshotter(a.orch)

	a.sched = scheduler.New(reg, a.designs, a.orch, logger)
	a.health = health.New(reg, a.pool, health.Config{
		Interval:    cfg.HealthInterval,
		Timeout:     cfg.HealthCheckTimeout,
		Concurrency: cfg.HealthConcurrency,
		RatePerSec:  cfg.HealthDispatchRate,
	}, logger)

	return a, nil
}

// Run starts the worker pool and all background loops, then blocks until
// ctx is cancelled. On return, Shutdown has been called; callers should not
// call it separately.
func (a *App) Run(ctx context.Context) error {
	// Tasks must outlive ctx so Shutdown can drain them.
	if err := a.pool.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	a.goLoop(ctx, a.bus.Start)
	a.goLoop(ctx, a.orch.StartReaper)
	a.goLoop(ctx, a.health.Start)
	if a.db != nil {
		a.goLoop(ctx, a.reservationPruneLoop)
	}
	a.sched.Start()

	a.logger.Info("atsume running", "version", a.version, "arenas", a.reg.Len(), "workers", a.cfg.WorkerPoolSize)

	<-ctx.Done()
	return a.Shutdown(context.Background())
}

func (a *App) goLoop(ctx context.Context, fn func(context.Context)) {
	a.loops.Add(1)
	go func() {
		defer a.loops.Done()
		fn(ctx)
	}()
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop firing triggers and wait for fires in flight,
// (2) drain queued and running tasks, cancelling them at the deadline.
// It then closes the database pool and OTEL provider. Safe to call more
// than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() { a.shutdownErr = a.shutdown(ctx) })
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("atsume shutting down")
	var errs []error

	// Phase 1: scheduler.
	schedCtx, schedCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.sched.Stop(schedCtx); err != nil {
		a.logger.Error("scheduler stop incomplete", "error", err)
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	schedCancel()

	// Phase 2: task drain.
	poolCtx, poolCancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.pool.Stop(poolCtx); err != nil && !errors.Is(err, worker.ErrPoolNotRunning) {
		a.logger.Error("task drain incomplete, running tasks were cancelled",
			"error", err,
			"active_runs", a.orch.Active(),
			"configured_timeout", a.cfg.ShutdownTimeout,
		)
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}
	poolCancel()

	// Loops watch the Run context, which is already done.
	a.loops.Wait()

	// Cleanup.
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown error", "error", err)
	}
	if a.db != nil {
		a.db.Close()
	}

	a.logger.Info("atsume stopped")
	return errors.Join(errs...)
}

func (a *App) reservationPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	credits := a.db.Credits()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := credits.PruneFinalizedReservations(opCtx, time.Now().Add(-a.cfg.ReservationMaxAge))
			cancel()
			if err != nil {
				a.logger.Warn("reservation prune failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("reservation prune deleted rows", "deleted", deleted)
			}
		}
	}
}

// ── Query designs and credits ─────────────────────────────────────────────────

// CreateQueryDesign stores qd and opens its credit account. ID, AccountID
// and CreatedAt are assigned when zero.
func (a *App) CreateQueryDesign(ctx context.Context, qd QueryDesign) (QueryDesign, error) {
	if qd.AccountID == uuid.Nil {
		qd.AccountID = uuid.New()
	}
	if err := a.openAccount(ctx, qd.AccountID); err != nil {
		return QueryDesign{}, fmt.Errorf("open account: %w", err)
	}
	stored, err := a.designs.CreateQueryDesign(ctx, toModelQueryDesign(qd))
	if err != nil {
		return QueryDesign{}, err
	}
	return toPublicQueryDesign(stored), nil
}

// GetQueryDesign returns a stored query design, or an error wrapping
// ErrNotFound.
func (a *App) GetQueryDesign(ctx context.Context, id uuid.UUID) (QueryDesign, error) {
	qd, err := a.designs.GetQueryDesign(ctx, id)
	if err != nil {
		return QueryDesign{}, err
	}
	return toPublicQueryDesign(qd), nil
}

// TopUpCredits adds amount credits to an account, creating it if needed.
func (a *App) TopUpCredits(ctx context.Context, accountID uuid.UUID, amount int64) error {
	return a.ledger.TopUp(ctx, accountID, amount)
}

// GetCreditBalance returns a snapshot of an account.
func (a *App) GetCreditBalance(ctx context.Context, accountID uuid.UUID) (Balance, error) {
	b, err := a.ledger.Balance(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{AccountID: b.AccountID, Available: b.Available, Reserved: b.Reserved, Spent: b.Spent}, nil
}

// ── Runs ──────────────────────────────────────────────────────────────────────

// CreateRun starts a manual run of a query design and returns once every
// task is dispatched. When the account cannot cover the estimate the run is
// recorded as failed and its id is returned with an error wrapping
// ErrInsufficientCredits. Per-task failures never surface here.
func (a *App) CreateRun(ctx context.Context, queryDesignID uuid.UUID) (uuid.UUID, error) {
	return a.orch.CreateRun(ctx, queryDesignID, model.TriggerManual)
}

// GetRunStatus returns the current state of a run and its tasks.
func (a *App) GetRunStatus(ctx context.Context, runID uuid.UUID) (Run, error) {
	snap, err := a.orch.GetRunStatus(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	return toPublicRun(snap.Run, snap.Tasks), nil
}

// CancelRun marks a run failed with reason "cancelled" and cancels its
// tasks. Tasks already finished keep their outcome. Cancelling a finished
// run is a no-op.
func (a *App) CancelRun(ctx context.Context, runID uuid.UUID) error {
	return a.orch.CancelRun(ctx, runID)
}

// ListRuns returns the most recent runs of a query design, newest first,
// without their tasks. A non-positive limit selects the default.
func (a *App) ListRuns(ctx context.Context, queryDesignID uuid.UUID, limit int) ([]Run, error) {
	runs, err := a.orch.ListRuns(ctx, queryDesignID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Run, len(runs))
	for i, r := range runs {
		out[i] = toPublicRun(r, nil)
	}
	return out, nil
}

// SubscribeRunEvents streams a run's events from the start of its
// retained log. See SubscribeRunEventsSince.
func (a *App) SubscribeRunEvents(ctx context.Context, runID uuid.UUID) (<-chan Event, error) {
	return a.SubscribeRunEventsSince(ctx, runID, 0)
}

// SubscribeRunEventsSince streams a run's events with sequence greater than
// after, in order and without duplicates. The channel closes after
// run_complete, when ctx is done, or when the consumer falls too far
// behind; in the last case resubscribe from the last sequence seen.
func (a *App) SubscribeRunEventsSince(ctx context.Context, runID uuid.UUID, after int64) (<-chan Event, error) {
	sub, err := a.orch.SubscribeRunEventsSince(ctx, runID, after)
	if err != nil {
		return nil, err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		for ev := range sub.Events() {
			select {
			case out <- toPublicEvent(ev):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ReplayRunEvents returns a run's retained events with sequence greater
// than after, without subscribing. A range that has been truncated or
// expired begins with a synthesized snapshot event.
func (a *App) ReplayRunEvents(ctx context.Context, runID uuid.UUID, after int64) ([]Event, error) {
	evs, err := a.orch.ReplayRunEvents(ctx, runID, after)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(evs))
	for i, ev := range evs {
		out[i] = toPublicEvent(ev)
	}
	return out, nil
}

// ── Triggers ──────────────────────────────────────────────────────────────────

// ScheduleTrigger registers a periodic trigger. Every applicable connector
// of the query design is checked against the trigger's bindings first; a
// missing or mistyped binding fails with an error wrapping ErrConfiguration
// that names the trigger and the platform.
func (a *App) ScheduleTrigger(ctx context.Context, tr Trigger) error {
	return a.sched.Register(ctx, scheduler.Trigger{
		Name:          tr.Name,
		QueryDesignID: tr.QueryDesignID,
		Schedule:      tr.Schedule,
		Bindings:      toBindingPlan(tr.Bindings),
	})
}

// UnscheduleTrigger removes a trigger. Runs it already started continue.
func (a *App) UnscheduleTrigger(name string) error {
	return a.sched.Unregister(name)
}

// FireTrigger starts a trigger's run immediately, outside its schedule.
func (a *App) FireTrigger(ctx context.Context, name string) (uuid.UUID, error) {
	return a.sched.Fire(ctx, name)
}

// Triggers lists registered triggers by name.
func (a *App) Triggers() []ScheduledTrigger {
	infos := a.sched.Triggers()
	out := make([]ScheduledTrigger, len(infos))
	for i, ti := range infos {
		out[i] = ScheduledTrigger{
			Name:          ti.Trigger.Name,
			QueryDesignID: ti.Trigger.QueryDesignID,
			Schedule:      ti.Trigger.Schedule,
			Next:          ti.Next,
			Prev:          ti.Prev,
		}
	}
	return out
}

// ── Arenas and health ─────────────────────────────────────────────────────────

// Arenas lists every registered descriptor, ordered by platform name.
func (a *App) Arenas() []ArenaDescriptor {
	descs := a.reg.ListAll()
	out := make([]ArenaDescriptor, len(descs))
	for i, d := range descs {
		out[i] = toPublicDescriptor(d)
	}
	return out
}

// ArenaGroups lists the registered descriptors under their arena label,
// such as "social_media" or "news_media". Each group is ordered by
// platform name.
func (a *App) ArenaGroups() map[string][]ArenaDescriptor {
	names := a.reg.ArenaNames()
	out := make(map[string][]ArenaDescriptor, len(names))
	for _, name := range names {
		descs := a.reg.ListByArenaName(name)
		group := make([]ArenaDescriptor, len(descs))
		for i, d := range descs {
			group[i] = toPublicDescriptor(d)
		}
		out[name] = group
	}
	return out
}

// GetHealthReport returns the most recent health sweep. Before the first
// sweep completes Results is nil.
func (a *App) GetHealthReport() HealthReport {
	return toPublicHealthReport(a.health.Report())
}

// CheckHealth runs a sweep now and returns its report. Requires Run.
func (a *App) CheckHealth(ctx context.Context) HealthReport {
	return toPublicHealthReport(a.health.Sweep(ctx))
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// connectorAdapter wraps an atsume.Connector to satisfy arena.Connector.
type connectorAdapter struct {
	platform string
	c        Connector
}

func (ca connectorAdapter) Collect(ctx context.Context, t *worker.Task) (worker.Outcome, error) {
	res, err := ca.c.Collect(ctx, CollectRequest{
		Platform: ca.platform,
		Args:     map[string]any(t.Args),
		report:   t.Report,
	})
	return worker.Outcome{Cost: res.Cost, Detail: res.Detail}, err
}

// healthAdapter is used when the wrapped connector also checks health, so
// arena.Mount sees an arena.HealthChecker.
type healthAdapter struct {
	connectorAdapter
	hc HealthChecker
}

func (ha healthAdapter) HealthCheck(ctx context.Context) (string, error) {
	return ha.hc.HealthCheck(ctx)
}

func adaptConnector(platform string, c Connector) arena.Connector {
	ca := connectorAdapter{platform: platform, c: c}
	if hc, ok := c.(HealthChecker); ok {
		return healthAdapter{connectorAdapter: ca, hc: hc}
	}
	return ca
}

func (b Binding) source() binding.Source {
	switch b.kind {
	case bindQueryDesignID:
		return binding.QueryDesignID()
	case bindRunID:
		return binding.RunID()
	case bindTerms:
		return binding.Terms()
	case bindParam:
		return binding.Param(b.key, model.ArgType(b.argType))
	default:
		// The zero Binding resolves to a literal nil, which no argument
		// type accepts.
		return binding.Literal(b.value)
	}
}

func toBindingPlan(in map[string]map[string]Binding) binding.Plan {
	if in == nil {
		return nil
	}
	plan := make(binding.Plan, len(in))
	for platform, args := range in {
		set := make(binding.Set, len(args))
		for name, b := range args {
			set[name] = b.source()
		}
		plan[platform] = set
	}
	return plan
}

func toModelDescriptor(d ArenaDescriptor) model.ArenaDescriptor {
	args := make([]model.ArgumentSpec, len(d.RequiredArguments))
	for i, a := range d.RequiredArguments {
		args[i] = model.ArgumentSpec{Name: a.Name, Type: model.ArgType(a.Type), Description: a.Description}
	}
	return model.ArenaDescriptor{
		PlatformName:        d.Platform,
		ArenaName:           d.Arena,
		Description:         d.Description,
		RequiredArguments:   args,
		SupportsHealthCheck: d.SupportsHealthCheck,
		IsStub:              d.IsStub,
		CreditCost:          d.CreditCost,
	}
}

func toPublicDescriptor(d model.ArenaDescriptor) ArenaDescriptor {
	args := make([]Argument, len(d.RequiredArguments))
	for i, a := range d.RequiredArguments {
		args[i] = Argument{Name: a.Name, Type: string(a.Type), Description: a.Description}
	}
	return ArenaDescriptor{
		Platform:            d.PlatformName,
		Arena:               d.ArenaName,
		Description:         d.Description,
		RequiredArguments:   args,
		SupportsHealthCheck: d.SupportsHealthCheck,
		IsStub:              d.IsStub,
		CreditCost:          d.CreditCost,
	}
}

func toModelQueryDesign(qd QueryDesign) model.QueryDesign {
	arenas := make([]model.ArenaTarget, len(qd.Arenas))
	for i, t := range qd.Arenas {
		arenas[i] = model.ArenaTarget{PlatformName: t.Platform, Terms: t.Terms, Params: t.Params}
	}
	return model.QueryDesign{
		ID:        qd.ID,
		AccountID: qd.AccountID,
		Name:      qd.Name,
		Arenas:    arenas,
		CreatedAt: qd.CreatedAt,
	}
}

func toPublicQueryDesign(qd model.QueryDesign) QueryDesign {
	arenas := make([]ArenaTarget, len(qd.Arenas))
	for i, t := range qd.Arenas {
		arenas[i] = ArenaTarget{Platform: t.PlatformName, Terms: t.Terms, Params: t.Params}
	}
	return QueryDesign{
		ID:        qd.ID,
		AccountID: qd.AccountID,
		Name:      qd.Name,
		Arenas:    arenas,
		CreatedAt: qd.CreatedAt,
	}
}

func toPublicRun(r model.CollectionRun, tasks []model.CollectionTask) Run {
	out := Run{
		ID:              r.ID,
		QueryDesignID:   r.QueryDesignID,
		AccountID:       r.AccountID,
		Trigger:         string(r.Trigger),
		Status:          RunStatus(r.Status),
		Reason:          r.Reason,
		ReservedCredits: r.ReservedCredits,
		SettledCredits:  r.SettledCredits,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
	}
	if tasks != nil {
		out.Tasks = make([]Task, len(tasks))
		for i, t := range tasks {
			out.Tasks[i] = Task{
				ID:           t.ID,
				Platform:     t.PlatformName,
				Status:       TaskStatus(t.Status),
				ReservedCost: t.ReservedCost,
				Cost:         t.Cost,
				Error:        t.Error,
				Detail:       t.Detail,
				StartedAt:    t.StartedAt,
				FinishedAt:   t.FinishedAt,
			}
		}
	}
	return out
}

func toPublicEvent(ev model.LifecycleEvent) Event {
	return Event{
		RunID:      ev.RunID,
		TaskID:     ev.TaskID,
		Kind:       string(ev.Kind),
		Sequence:   ev.Sequence,
		Payload:    ev.Payload,
		OccurredAt: ev.OccurredAt,
		Synthetic:  ev.Synthetic,
	}
}

func toPublicHealthReport(r model.HealthReport) HealthReport {
	out := HealthReport{StartedAt: r.StartedAt, FinishedAt: r.FinishedAt}
	if r.Results != nil {
		out.Results = make(map[string]HealthResult, len(r.Results))
		for platform, res := range r.Results {
			out.Results[platform] = HealthResult{
				Status:    string(res.Status),
				Detail:    res.Detail,
				CheckedAt: res.CheckedAt,
				Duration:  res.Duration,
			}
		}
	}
	return out
}
