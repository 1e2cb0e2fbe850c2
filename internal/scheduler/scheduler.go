// Package scheduler fires periodic collection runs from cron schedules.
//
// Every trigger carries an explicit binding plan. Register checks that plan
// against each applicable connector of the trigger's query design before
// the trigger is scheduled, so a trigger that could never bind its
// arguments is rejected up front instead of failing on every tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashita-ai/atsume/internal/binding"
	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/orchestrator"
	"github.com/ashita-ai/atsume/internal/registry"
)

var (
	// ErrDuplicateTrigger is returned when registering a name twice.
	ErrDuplicateTrigger = errors.New("scheduler: trigger already registered")
	// ErrUnknownTrigger is returned for operations on an unregistered name.
	ErrUnknownTrigger = errors.New("scheduler: unknown trigger")
	// ErrInvalidSchedule is returned when a schedule does not parse.
	ErrInvalidSchedule = errors.New("scheduler: invalid schedule")
)

// RunCreator starts runs. *orchestrator.Orchestrator implements it.
type RunCreator interface {
	Create(ctx context.Context, req orchestrator.RunRequest) (uuid.UUID, error)
}

// Trigger is a named periodic run of one query design.
type Trigger struct {
	Name          string
	QueryDesignID uuid.UUID
	// Schedule is a five-field cron expression or a descriptor such as
	// "@hourly" or "@every 30m".
	Schedule string
	Bindings binding.Plan
}

type entry struct {
	id      cron.EntryID
	trigger Trigger
}

// Scheduler owns the cron instance and the registered triggers.
type Scheduler struct {
	reg     *registry.Registry
	designs orchestrator.QueryDesignStore
	runs    RunCreator
	logger  *slog.Logger

	parser cron.Parser
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a stopped scheduler.
func New(reg *registry.Registry, designs orchestrator.QueryDesignStore, runs RunCreator, logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		reg:     reg,
		designs: designs,
		runs:    runs,
		logger:  logger,
		parser:  parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]entry),
	}
}

// Validate checks tr's binding plan against every applicable connector of
// its query design, then resolves each set against the design's target
// with a placeholder run id. Unknown and stub platforms are skipped exactly
// as the orchestrator skips them at run time. The returned error joins one
// *binding.ConfigurationError per unbindable connector, each naming tr.
func (s *Scheduler) Validate(ctx context.Context, tr Trigger) error {
	qd, err := s.designs.GetQueryDesign(ctx, tr.QueryDesignID)
	if err != nil {
		return fmt.Errorf("scheduler: trigger %q: load query design: %w", tr.Name, err)
	}

	var errs []error
	for _, target := range qd.Arenas {
		d, err := s.reg.Get(target.PlatformName)
		if err != nil || d.IsStub {
			continue
		}
		bc := binding.Context{QueryDesignID: qd.ID, RunID: uuid.New(), Target: target}
		if err := binding.Resolvable(d, tr.Bindings[d.PlatformName], bc); err != nil {
			var cfgErr *binding.ConfigurationError
			if errors.As(err, &cfgErr) {
				cfgErr.Trigger = tr.Name
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register validates and schedules tr. A trigger that fails validation is
// never scheduled.
func (s *Scheduler) Register(ctx context.Context, tr Trigger) error {
	if tr.Name == "" {
		return errors.New("scheduler: trigger name is required")
	}
	if _, err := s.parser.Parse(tr.Schedule); err != nil {
		return fmt.Errorf("%w: trigger %q: %q: %v", ErrInvalidSchedule, tr.Name, tr.Schedule, err)
	}
	if err := s.Validate(ctx, tr); err != nil {
		s.logger.Warn("scheduler: trigger rejected", "trigger", tr.Name, "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[tr.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTrigger, tr.Name)
	}
	name := tr.Name
	id, err := s.cron.AddFunc(tr.Schedule, func() { s.fire(s.ctx, name) })
	if err != nil {
		return fmt.Errorf("%w: trigger %q: %v", ErrInvalidSchedule, tr.Name, err)
	}
	s.entries[tr.Name] = entry{id: id, trigger: tr}

	s.logger.Info("scheduler: trigger registered",
		"trigger", tr.Name, "query_design_id", tr.QueryDesignID, "schedule", tr.Schedule)
	return nil
}

// Unregister removes a trigger.
func (s *Scheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	return nil
}

// Fire starts a run for the named trigger immediately.
func (s *Scheduler) Fire(ctx context.Context, name string) (uuid.UUID, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	return s.runs.Create(ctx, orchestrator.RunRequest{
		QueryDesignID: e.trigger.QueryDesignID,
		Trigger:       model.TriggerPeriodic,
		Bindings:      e.trigger.Bindings,
		TriggerName:   e.trigger.Name,
	})
}

func (s *Scheduler) fire(ctx context.Context, name string) {
	runID, err := s.Fire(ctx, name)
	if err != nil {
		s.logger.Error("scheduler: trigger run failed", "trigger", name, "run_id", runID, "error", err)
		return
	}
	s.logger.Info("scheduler: trigger fired", "trigger", name, "run_id", runID)
}

// TriggerInfo describes a registered trigger.
type TriggerInfo struct {
	Trigger Trigger
	Next    time.Time // zero until the scheduler is started
	Prev    time.Time
}

// Triggers lists registered triggers by name.
func (s *Scheduler) Triggers() []TriggerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TriggerInfo, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, TriggerInfo{Trigger: e.trigger, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger.Name < out[j].Trigger.Name })
	return out
}

// Start begins firing triggers on schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler: started", "triggers", len(s.Triggers()))
}

// Stop stops firing and waits for triggers in flight, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	defer s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("scheduler: stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("scheduler: cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("scheduler: cron: "+msg, append(keysAndValues, "error", err)...)
}
