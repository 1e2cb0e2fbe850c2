package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atsume/internal/arena"
	"github.com/ashita-ai/atsume/internal/binding"
	"github.com/ashita-ai/atsume/internal/eventbus"
	"github.com/ashita-ai/atsume/internal/ledger"
	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/registry"
	"github.com/ashita-ai/atsume/internal/worker"
)

var (
	termArgs = []model.ArgumentSpec{
		{Name: model.ArgQueryDesignID, Type: model.ArgUUID},
		{Name: model.ArgRunID, Type: model.ArgUUID},
		{Name: model.ArgTerms, Type: model.ArgStrings},
	}
	testDescriptors = []model.ArenaDescriptor{
		{PlatformName: "alpha", ArenaName: "news_media", RequiredArguments: termArgs, CreditCost: 1},
		{PlatformName: "beta", ArenaName: "social_media", RequiredArguments: termArgs, CreditCost: 2},
		{PlatformName: "gamma", ArenaName: "social_media", CreditCost: 1, RequiredArguments: append(append([]model.ArgumentSpec(nil), termArgs...),
			model.ArgumentSpec{Name: "channels", Type: model.ArgStrings})},
		{PlatformName: "stubby", ArenaName: "web", RequiredArguments: termArgs, CreditCost: 1, IsStub: true},
	}
)

// perTerm charges one credit per term.
var perTerm = arena.ConnectorFunc(func(_ context.Context, t *worker.Task) (worker.Outcome, error) {
	return worker.Outcome{Cost: int64(len(t.Args.Strings(model.ArgTerms)))}, nil
})

type harness struct {
	orch    *Orchestrator
	ledger  *ledger.Memory
	bus     *eventbus.Bus
	designs *MemoryQueryDesigns
	runs    *MemoryRunStore
	account uuid.UUID
}

type harnessOpts struct {
	connectors map[string]arena.Connector
	credits    int64
	pool       worker.Config
	cfg        Config
	bus        eventbus.Options
	queue      TaskQueue // replaces the worker pool when set
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := registry.New(testDescriptors...)
	require.NoError(t, err)

	queue := o.queue
	if queue == nil {
		mux := worker.NewMux()
		require.NoError(t, arena.Mount(mux, reg, o.connectors))
		if o.pool.PoolSize == 0 {
			o.pool = worker.Config{PoolSize: 4, QueueSize: 64}
		}
		pool, err := worker.NewPool(o.pool, mux, logger)
		require.NoError(t, err)
		require.NoError(t, pool.Start(context.Background()))
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = pool.Stop(ctx)
		})
		queue = pool
	}

	h := &harness{
		ledger:  ledger.NewMemory(),
		bus:     eventbus.New(logger, o.bus),
		designs: NewMemoryQueryDesigns(),
		runs:    NewMemoryRunStore(),
		account: uuid.New(),
	}
	h.ledger.OpenAccount(h.account)
	if o.credits > 0 {
		require.NoError(t, h.ledger.TopUp(context.Background(), h.account, o.credits))
	}

	h.orch, err = New(Deps{
		Registry: reg,
		Ledger:   h.ledger,
		Designs:  h.designs,
		Runs:     h.runs,
		Queue:    queue,
		Bus:      h.bus,
	}, o.cfg, logger)
	require.NoError(t, err)
	h.bus.SetSnapshotter(h.orch)
	return h
}

func (h *harness) design(t *testing.T, targets ...model.ArenaTarget) uuid.UUID {
	t.Helper()
	qd, err := h.designs.CreateQueryDesign(context.Background(), model.QueryDesign{
		AccountID: h.account,
		Name:      t.Name(),
		Arenas:    targets,
	})
	require.NoError(t, err)
	return qd.ID
}

func (h *harness) balance(t *testing.T) model.Balance {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), h.account)
	require.NoError(t, err)
	return b
}

// drain reads a subscription until the bus closes it.
func drain(t *testing.T, sub *eventbus.Subscription) []model.LifecycleEvent {
	t.Helper()
	var out []model.LifecycleEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("subscription not closed; got %d events", len(out))
		}
	}
}

// await subscribes to a run and returns its events once run_complete arrives.
func (h *harness) await(t *testing.T, runID uuid.UUID) []model.LifecycleEvent {
	t.Helper()
	sub, err := h.orch.SubscribeRunEvents(context.Background(), runID)
	require.NoError(t, err)
	return drain(t, sub)
}

func runCompletes(events []model.LifecycleEvent) int {
	var n int
	for _, ev := range events {
		if ev.Kind == model.EventRunComplete {
			n++
		}
	}
	return n
}

func taskByPlatform(t *testing.T, snap model.RunSnapshot, platform string) model.CollectionTask {
	t.Helper()
	for _, task := range snap.Tasks {
		if task.PlatformName == platform {
			return task
		}
	}
	t.Fatalf("no task for %s", platform)
	return model.CollectionTask{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}

func TestCreateRun_AllTasksComplete(t *testing.T) {
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{"alpha": perTerm, "beta": perTerm},
		credits:    100,
	})
	qd := h.design(t,
		model.ArenaTarget{PlatformName: "alpha", Terms: []string{"klima", "valg"}},
		model.ArenaTarget{PlatformName: "beta", Terms: []string{"klima"}},
	)

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)

	events := h.await(t, runID)
	require.NotEmpty(t, events)
	assert.Equal(t, 1, runCompletes(events))
	last := events[len(events)-1]
	assert.Equal(t, model.EventRunComplete, last.Kind)
	assert.Equal(t, string(model.RunStatusCompleted), last.Payload["status"])
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Sequence+1, events[i].Sequence)
	}

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, snap.Run.Status)
	assert.Equal(t, int64(4), snap.Run.ReservedCredits) // alpha 1x2, beta 2x1
	assert.Equal(t, int64(3), snap.Run.SettledCredits)
	assert.NotNil(t, snap.Run.CompletedAt)
	require.Len(t, snap.Tasks, 2)

	alpha := taskByPlatform(t, snap, "alpha")
	assert.Equal(t, model.TaskStatusCompleted, alpha.Status)
	assert.Equal(t, "atsume.arenas.alpha.tasks.collect", alpha.TaskName)
	assert.Equal(t, int64(2), alpha.Cost)

	bal := h.balance(t)
	assert.Equal(t, int64(97), bal.Available)
	assert.Zero(t, bal.Reserved)
	assert.Equal(t, int64(3), bal.Spent)
}

func TestAggregateStatus(t *testing.T) {
	tasks := func(completed, failed int) []model.CollectionTask {
		var out []model.CollectionTask
		for range completed {
			out = append(out, model.CollectionTask{Status: model.TaskStatusCompleted})
		}
		for range failed {
			out = append(out, model.CollectionTask{Status: model.TaskStatusFailed})
		}
		return out
	}

	for n := 1; n <= 5; n++ {
		for m := 0; m <= n; m++ {
			t.Run(fmt.Sprintf("%d_of_%d", m, n), func(t *testing.T) {
				got := aggregateStatus(tasks(m, n-m))
				switch m {
				case n:
					assert.Equal(t, model.RunStatusCompleted, got)
				case 0:
					assert.Equal(t, model.RunStatusFailed, got)
				default:
					assert.Equal(t, model.RunStatusPartiallyFailed, got)
				}
			})
		}
	}
	assert.Equal(t, model.RunStatusFailed, aggregateStatus(nil))
}

func TestCreateRun_PartialFailureReleasesFailedReservation(t *testing.T) {
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{
			"alpha": perTerm,
			"beta": arena.ConnectorFunc(func(context.Context, *worker.Task) (worker.Outcome, error) {
				return worker.Outcome{}, errors.New("upstream returned 503")
			}),
		},
		credits: 10,
	})
	qd := h.design(t,
		model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a"}},
		model.ArenaTarget{PlatformName: "beta", Terms: []string{"a"}},
	)

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	events := h.await(t, runID)
	assert.Equal(t, 1, runCompletes(events))

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartiallyFailed, snap.Run.Status)
	beta := taskByPlatform(t, snap, "beta")
	assert.Equal(t, model.TaskStatusFailed, beta.Status)
	assert.Contains(t, beta.Error, "503")
	assert.Zero(t, beta.Cost)

	bal := h.balance(t)
	assert.Equal(t, int64(9), bal.Available)
	assert.Zero(t, bal.Reserved)
	assert.Equal(t, int64(1), bal.Spent)
}

func TestCreateRun_FailedTaskWithCostIsCharged(t *testing.T) {
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{
			"alpha": arena.ConnectorFunc(func(context.Context, *worker.Task) (worker.Outcome, error) {
				return worker.Outcome{Cost: 1}, errors.New("rate limited after first page")
			}),
		},
		credits: 10,
	})
	qd := h.design(t, model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a", "b"}})

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	h.await(t, runID)

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, snap.Run.Status)
	assert.Equal(t, model.ReasonAllTasksFailed, snap.Run.Reason)
	assert.Equal(t, int64(1), snap.Run.SettledCredits)

	bal := h.balance(t)
	assert.Equal(t, int64(9), bal.Available)
	assert.Equal(t, int64(1), bal.Spent)
}

func TestCreateRun_InsufficientCredits(t *testing.T) {
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{"alpha": perTerm, "beta": perTerm},
		credits:    3,
	})
	// alpha reserves 2, beta needs 2 more than the 1 left.
	qd := h.design(t,
		model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a", "b"}},
		model.ArenaTarget{PlatformName: "beta", Terms: []string{"a"}},
	)

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	require.NotEqual(t, uuid.Nil, runID)

	events := h.await(t, runID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventRunComplete, events[0].Kind)
	assert.Equal(t, model.ReasonInsufficientCredits, events[0].Payload["reason"])

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, snap.Run.Status)
	assert.Equal(t, model.ReasonInsufficientCredits, snap.Run.Reason)
	assert.Empty(t, snap.Tasks)

	bal := h.balance(t)
	assert.Equal(t, int64(3), bal.Available)
	assert.Zero(t, bal.Reserved)
	assert.Zero(t, bal.Spent)
}

func TestCreateRun_NoApplicableArenas(t *testing.T) {
	h := newHarness(t, harnessOpts{credits: 10})
	qd := h.design(t,
		model.ArenaTarget{PlatformName: "stubby", Terms: []string{"a"}},
		model.ArenaTarget{PlatformName: "not_registered", Terms: []string{"a"}},
	)

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)

	events := h.await(t, runID)
	require.Len(t, events, 1)
	assert.Equal(t, model.ReasonNoApplicableArenas, events[0].Payload["reason"])

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, snap.Run.Status)
	assert.Equal(t, int64(10), h.balance(t).Available)
}

func TestCreateRun_UnknownQueryDesign(t *testing.T) {
	h := newHarness(t, harnessOpts{credits: 10})
	_, err := h.orch.CreateRun(context.Background(), uuid.New(), model.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, 0, h.orch.Active())
}

func TestCreateRun_UnbindableArgumentFailsOnlyThatTask(t *testing.T) {
	var gammaCalls atomic.Int32
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{
			"alpha": perTerm,
			"gamma": arena.ConnectorFunc(func(context.Context, *worker.Task) (worker.Outcome, error) {
				gammaCalls.Add(1)
				return worker.Outcome{}, nil
			}),
		},
		credits: 10,
	})
	qd := h.design(t,
		model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a"}},
		model.ArenaTarget{PlatformName: "gamma", Terms: []string{"a"}}, // no channels param
	)

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	h.await(t, runID)

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartiallyFailed, snap.Run.Status)
	gamma := taskByPlatform(t, snap, "gamma")
	assert.Equal(t, model.TaskStatusFailed, gamma.Status)
	assert.Contains(t, gamma.Error, "channels")
	assert.Nil(t, gamma.Reservation)
	assert.Zero(t, gammaCalls.Load())

	bal := h.balance(t)
	assert.Equal(t, int64(9), bal.Available)
	assert.Zero(t, bal.Reserved)
}

func TestCreateRun_CostOverrunChargedAtReservation(t *testing.T) {
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{
			"beta": arena.ConnectorFunc(func(context.Context, *worker.Task) (worker.Outcome, error) {
				return worker.Outcome{Cost: 50}, nil
			}),
		},
		credits: 10,
	})
	qd := h.design(t, model.ArenaTarget{PlatformName: "beta", Terms: []string{"a"}})

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	h.await(t, runID)

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	beta := taskByPlatform(t, snap, "beta")
	assert.Equal(t, int64(2), beta.Cost)
	assert.EqualValues(t, 48, beta.Detail["cost_overrun"])

	bal := h.balance(t)
	assert.Equal(t, int64(8), bal.Available)
	assert.Equal(t, int64(2), bal.Spent)
}

func TestCreateRun_ExplicitBindings(t *testing.T) {
	var got atomic.Value
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{
			"gamma": arena.ConnectorFunc(func(_ context.Context, t *worker.Task) (worker.Outcome, error) {
				got.Store(t.Args.Strings("channels"))
				return worker.Outcome{Cost: 1}, nil
			}),
		},
		credits: 10,
	})
	qd := h.design(t, model.ArenaTarget{PlatformName: "gamma", Terms: []string{"a"}})

	runID, err := h.orch.Create(context.Background(), RunRequest{
		QueryDesignID: qd,
		Trigger:       model.TriggerPeriodic,
		Bindings: binding.Plan{"gamma": {
			model.ArgQueryDesignID: binding.QueryDesignID(),
			model.ArgRunID:         binding.RunID(),
			model.ArgTerms:         binding.Terms(),
			"channels":             binding.Literal([]string{"dr_nyheder"}),
		}},
	})
	require.NoError(t, err)
	h.await(t, runID)

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, snap.Run.Status)
	assert.Equal(t, model.TriggerPeriodic, snap.Run.Trigger)
	assert.Equal(t, []string{"dr_nyheder"}, got.Load())
}

func TestCreateRun_ProgressEvents(t *testing.T) {
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{
			"alpha": arena.ConnectorFunc(func(_ context.Context, t *worker.Task) (worker.Outcome, error) {
				t.Report(map[string]any{"records": 25})
				return worker.Outcome{Cost: 1}, nil
			}),
		},
		credits: 10,
	})
	qd := h.design(t, model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a"}})

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	events := h.await(t, runID)

	var statuses []any
	var progress map[string]any
	for _, ev := range events {
		if ev.Kind != model.EventTaskUpdate {
			continue
		}
		if p, ok := ev.Payload["progress"].(map[string]any); ok {
			progress = p
			continue
		}
		statuses = append(statuses, ev.Payload["status"])
	}
	assert.Equal(t, []any{"queued", "running", "completed"}, statuses)
	require.NotNil(t, progress)
	assert.Equal(t, 25, progress["records"])
}

type failingQueue struct{ err error }

func (q failingQueue) Enqueue(worker.Job) (*worker.Handle, error) { return nil, q.err }

func TestCreateRun_EnqueueFailureReleasesReservation(t *testing.T) {
	h := newHarness(t, harnessOpts{credits: 10, queue: failingQueue{err: worker.ErrQueueFull}})
	qd := h.design(t, model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a"}})

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	events := h.await(t, runID)
	assert.Equal(t, 1, runCompletes(events))

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, snap.Run.Status)
	assert.Contains(t, taskByPlatform(t, snap, "alpha").Error, "queue full")

	bal := h.balance(t)
	assert.Equal(t, int64(10), bal.Available)
	assert.Zero(t, bal.Reserved)
}

// blocking returns a connector that waits for ctx or release, reporting
// the number of invocations.
func blocking(release <-chan struct{}, honourCtx bool, calls *atomic.Int32) arena.Connector {
	return arena.ConnectorFunc(func(ctx context.Context, _ *worker.Task) (worker.Outcome, error) {
		calls.Add(1)
		if honourCtx {
			select {
			case <-ctx.Done():
				return worker.Outcome{}, ctx.Err()
			case <-release:
				return worker.Outcome{Cost: 1}, nil
			}
		}
		<-release
		return worker.Outcome{Cost: 1}, nil
	})
}

func (h *harness) waitRunning(t *testing.T, runID uuid.UUID, platform string) {
	t.Helper()
	waitFor(t, func() bool {
		snap, err := h.orch.GetRunStatus(context.Background(), runID)
		return err == nil && taskByPlatform(t, snap, platform).Status == model.TaskStatusRunning
	})
}

func TestCancelRun(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var alphaCalls, betaCalls atomic.Int32
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{
			"alpha": blocking(release, true, &alphaCalls),
			"beta":  blocking(release, true, &betaCalls),
		},
		pool:    worker.Config{PoolSize: 1, QueueSize: 8},
		credits: 10,
	})
	qd := h.design(t,
		model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a"}},
		model.ArenaTarget{PlatformName: "beta", Terms: []string{"a"}},
	)

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	h.waitRunning(t, runID, "alpha")

	sub, err := h.orch.SubscribeRunEvents(context.Background(), runID)
	require.NoError(t, err)

	require.NoError(t, h.orch.CancelRun(context.Background(), runID))
	events := drain(t, sub)
	assert.Equal(t, 1, runCompletes(events))

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, snap.Run.Status)
	assert.Equal(t, model.ReasonCancelled, snap.Run.Reason)
	for _, task := range snap.Tasks {
		assert.Equal(t, model.TaskStatusFailed, task.Status, task.PlatformName)
	}
	assert.Equal(t, int32(1), alphaCalls.Load())
	assert.Zero(t, betaCalls.Load(), "queued task must not start after cancel")

	bal := h.balance(t)
	assert.Equal(t, int64(10), bal.Available)
	assert.Zero(t, bal.Reserved)

	// Terminal run: no-op.
	require.NoError(t, h.orch.CancelRun(context.Background(), runID))
	require.ErrorIs(t, h.orch.CancelRun(context.Background(), uuid.New()), ErrRunNotFound)
}

func TestCancelRun_UncooperativeTaskSettlesNormally(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{"alpha": blocking(release, false, &calls)},
		credits:    10,
	})
	qd := h.design(t, model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a", "b"}})

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	h.waitRunning(t, runID, "alpha")

	sub, err := h.orch.SubscribeRunEvents(context.Background(), runID)
	require.NoError(t, err)
	require.NoError(t, h.orch.CancelRun(context.Background(), runID))

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, snap.Run.Status)
	assert.Equal(t, model.TaskStatusRunning, taskByPlatform(t, snap, "alpha").Status)

	close(release)
	events := drain(t, sub)
	assert.Equal(t, 1, runCompletes(events))

	// The worker reports ctx.Err() because the context was cancelled, but
	// the cost it incurred is still charged.
	bal := h.balance(t)
	assert.Equal(t, int64(1), bal.Spent)
	assert.Equal(t, int64(9), bal.Available)
	assert.Zero(t, bal.Reserved)
}

func TestReapStalled(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{"alpha": blocking(release, false, &calls)},
		credits:    10,
		cfg:        Config{StallTimeout: 20 * time.Millisecond},
	})
	qd := h.design(t, model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a"}})

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	h.waitRunning(t, runID, "alpha")

	sub, err := h.orch.SubscribeRunEvents(context.Background(), runID)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.orch.ReapStalled())
	events := drain(t, sub)
	assert.Equal(t, 1, runCompletes(events))

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, snap.Run.Status)
	alpha := taskByPlatform(t, snap, "alpha")
	assert.Contains(t, alpha.Error, "stalled")

	// The late completion is ignored; the reservation is already released.
	close(release)
	time.Sleep(20 * time.Millisecond)
	bal := h.balance(t)
	assert.Equal(t, int64(10), bal.Available)
	assert.Zero(t, bal.Spent)
	assert.Zero(t, bal.Reserved)
	assert.Zero(t, h.orch.ReapStalled())
}

func TestReapStalled_SkipsQueuedTasks(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{
			"alpha": blocking(release, false, &calls),
			"beta":  blocking(release, false, &calls),
		},
		credits: 10,
		pool:    worker.Config{PoolSize: 1, QueueSize: 8},
		cfg:     Config{StallTimeout: 20 * time.Millisecond},
	})
	qd := h.design(t,
		model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a"}},
		model.ArenaTarget{PlatformName: "beta", Terms: []string{"b"}},
	)

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	waitFor(t, func() bool { return calls.Load() == 1 })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.orch.ReapStalled(), "only the task holding the pool slot is reaped")

	snap, err := h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	var queued, failed int
	for _, task := range snap.Tasks {
		switch task.Status {
		case model.TaskStatusQueued:
			queued++
		case model.TaskStatusFailed:
			failed++
			assert.Contains(t, task.Error, "stalled")
		}
	}
	assert.Equal(t, 1, queued)
	assert.Equal(t, 1, failed)

	close(release)
	h.await(t, runID)
	snap, err = h.orch.GetRunStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartiallyFailed, snap.Run.Status)
	assert.EqualValues(t, 2, calls.Load())
}

func TestGetRunStatus_Unknown(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.orch.GetRunStatus(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = h.orch.SubscribeRunEvents(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = h.orch.ReplayRunEvents(context.Background(), uuid.New(), 0)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestReplayRunEvents(t *testing.T) {
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{"alpha": perTerm},
		credits:    10,
	})
	qd := h.design(t, model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a"}})

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	var streamed []model.LifecycleEvent
	for _, ev := range h.await(t, runID) {
		if !ev.Synthetic {
			streamed = append(streamed, ev)
		}
	}
	require.NotEmpty(t, streamed)

	all, err := h.orch.ReplayRunEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	assert.Equal(t, streamed, all)

	last := all[len(all)-1]
	assert.Equal(t, model.EventRunComplete, last.Kind)
	rest, err := h.orch.ReplayRunEvents(context.Background(), runID, last.Sequence-1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, last.Sequence, rest[0].Sequence)
}

func TestSubscribeAfterRetention_SynthesizesRunComplete(t *testing.T) {
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{"alpha": perTerm},
		credits:    10,
		bus:        eventbus.Options{Retention: time.Millisecond},
	})
	qd := h.design(t, model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a"}})

	runID, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
	require.NoError(t, err)
	h.await(t, runID)

	time.Sleep(5 * time.Millisecond)
	waitFor(t, func() bool { h.bus.Prune(); return h.bus.Len() == 0 })

	events := h.await(t, runID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventRunComplete, events[0].Kind)
	assert.True(t, events[0].Synthetic)
	assert.Equal(t, string(model.RunStatusCompleted), events[0].Payload["status"])
}

func TestListRuns(t *testing.T) {
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{"alpha": perTerm},
		credits:    10,
	})
	qd := h.design(t, model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a"}})
	other := h.design(t, model.ArenaTarget{PlatformName: "alpha", Terms: []string{"b"}})

	for _, id := range []uuid.UUID{qd, qd, other} {
		runID, err := h.orch.CreateRun(context.Background(), id, model.TriggerManual)
		require.NoError(t, err)
		h.await(t, runID)
	}

	runs, err := h.orch.ListRuns(context.Background(), qd, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	all, err := h.orch.ListRuns(context.Background(), uuid.Nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestConcurrentRunsConserveCredits(t *testing.T) {
	const runs = 20
	h := newHarness(t, harnessOpts{
		connectors: map[string]arena.Connector{"alpha": perTerm, "beta": perTerm},
		credits:    1000,
		pool:       worker.Config{PoolSize: 8, QueueSize: 2 * runs},
	})
	qd := h.design(t,
		model.ArenaTarget{PlatformName: "alpha", Terms: []string{"a", "b"}},
		model.ArenaTarget{PlatformName: "beta", Terms: []string{"a"}},
	)

	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, runs)
	for range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.orch.CreateRun(context.Background(), qd, model.TriggerManual)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		events := h.await(t, id)
		assert.Equal(t, 1, runCompletes(events))
	}
	waitFor(t, func() bool { return h.orch.Active() == 0 })

	bal := h.balance(t)
	assert.Equal(t, int64(1000), bal.Total())
	assert.Zero(t, bal.Reserved)
	assert.Equal(t, int64(runs*3), bal.Spent)
}
