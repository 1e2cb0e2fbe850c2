// Package worker is the shared pool that executes collection and health-check
// tasks. Jobs are addressed by canonical task id through a Mux, queued
// without blocking the caller, and run with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/registry"
	"github.com/ashita-ai/atsume/internal/telemetry"
)

var (
	// ErrPoolNotRunning is returned by Enqueue outside Start..Stop.
	ErrPoolNotRunning = errors.New("worker: pool is not running")
	// ErrQueueFull is returned by Enqueue when the queue has no free slot.
	ErrQueueFull = errors.New("worker: queue full")
)

// PoolState represents the current state of the pool.
type PoolState int32

const (
	// PoolStateStopped means the pool is not running.
	PoolStateStopped PoolState = iota
	// PoolStateRunning means the pool is accepting and running jobs.
	PoolStateRunning
	// PoolStateDraining means the pool finishes queued jobs and accepts no more.
	PoolStateDraining
)

// String returns the string representation of a pool state.
func (s PoolState) String() string {
	switch s {
	case PoolStateStopped:
		return "stopped"
	case PoolStateRunning:
		return "running"
	case PoolStateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Config sizes the pool.
type Config struct {
	PoolSize   int           // concurrent jobs
	QueueSize  int           // jobs waiting for a slot
	JobTimeout time.Duration // default per-job ceiling; 0 means none
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("worker: pool size must be >= 1, got %d", c.PoolSize)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("worker: queue size must be >= 0, got %d", c.QueueSize)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("worker: job timeout must be >= 0, got %s", c.JobTimeout)
	}
	return nil
}

// Job is one unit of work submitted to the pool.
type Job struct {
	Key     string          // caller's identifier, echoed in Result
	Name    registry.TaskID // canonical task id; selects the handler
	Args    model.Arguments
	Timeout time.Duration // overrides Config.JobTimeout when > 0

	OnStart    func()
	OnProgress func(payload map[string]any)
	OnDone     func(Result)
}

type queued struct {
	job     Job
	handler Handler
	handle  *Handle
}

// Pool runs jobs with bounded concurrency.
type Pool struct {
	cfg    Config
	mux    *Mux
	logger *slog.Logger

	mu      sync.RWMutex // guards state transitions against Enqueue
	state   atomic.Int32
	queue   chan queued
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	base    context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	inflight atomic.Int64

	finishedCounter metric.Int64Counter
	inflightGauge   metric.Int64UpDownCounter
}

// NewPool creates a stopped pool dispatching through mux.
func NewPool(cfg Config, mux *Mux, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if mux == nil {
		return nil, errors.New("worker: mux cannot be nil")
	}

	meter := telemetry.Meter("atsume/worker")
	finished, _ := meter.Int64Counter("atsume.worker.jobs_finished",
		metric.WithDescription("Jobs finished by the worker pool"),
	)
	inflight, _ := meter.Int64UpDownCounter("atsume.worker.inflight",
		metric.WithDescription("Jobs currently executing"),
	)

	p := &Pool{
		cfg:             cfg,
		mux:             mux,
		logger:          logger,
		sem:             semaphore.NewWeighted(int64(cfg.PoolSize)),
		finishedCounter: finished,
		inflightGauge:   inflight,
	}
	p.state.Store(int32(PoolStateStopped))
	return p, nil
}

// Start begins dispatching. Job contexts derive from ctx; cancelling it
// cancels every running job.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.CompareAndSwap(int32(PoolStateStopped), int32(PoolStateRunning)) {
		return errors.New("worker: pool is already running")
	}
	p.queue = make(chan queued, p.cfg.QueueSize)
	p.base, p.cancel = context.WithCancel(ctx)
	p.stopped = make(chan struct{})

	go p.dispatch(p.base, p.queue, p.stopped)

	p.logger.Info("worker: pool started",
		"pool_size", p.cfg.PoolSize, "queue_size", p.cfg.QueueSize, "handlers", len(p.mux.Names()))
	return nil
}

// Stop stops accepting jobs and waits for queued and running jobs to finish.
// If ctx expires first, running jobs are cancelled and Stop returns
// ctx.Err() once they have returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.state.CompareAndSwap(int32(PoolStateRunning), int32(PoolStateDraining)) {
		p.mu.Unlock()
		return ErrPoolNotRunning
	}
	close(p.queue)
	stopped := p.stopped
	p.mu.Unlock()

	p.logger.Info("worker: pool draining", "inflight", p.inflight.Load(), "queued", len(p.queue))

	var err error
	select {
	case <-stopped:
		p.logger.Info("worker: pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker: pool drain timed out, cancelling running jobs")
		p.cancel()
		<-stopped
		err = ctx.Err()
	}
	p.cancel()
	p.state.Store(int32(PoolStateStopped))
	return err
}

// Enqueue queues a job without blocking. It fails with ErrUnknownTask when
// nothing is mounted under job.Name, ErrQueueFull when the queue is at
// capacity, and ErrPoolNotRunning outside Start..Stop. On error no callback
// is ever invoked.
func (p *Pool) Enqueue(job Job) (*Handle, error) {
	h, ok := p.mux.Lookup(job.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, job.Name)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.State() != PoolStateRunning {
		return nil, ErrPoolNotRunning
	}

	handle := newHandle(job.Key, job.Name)
	select {
	case p.queue <- queued{job: job, handler: h, handle: handle}:
		return handle, nil
	default:
		return nil, fmt.Errorf("%w: %d waiting", ErrQueueFull, p.cfg.QueueSize)
	}
}

// dispatch takes a concurrency slot before pulling the next job, so at most
// QueueSize jobs ever wait.
func (p *Pool) dispatch(base context.Context, queue <-chan queued, stopped chan<- struct{}) {
	defer close(stopped)

	for {
		if err := p.sem.Acquire(base, 1); err != nil {
			// Base context cancelled: fail what is left without running it.
			for q := range queue {
				p.complete(q, Result{Status: model.TaskStatusFailed, Err: err})
			}
			break
		}
		q, ok := <-queue
		if !ok {
			p.sem.Release(1)
			break
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.run(base, q)
		}()
	}
	p.wg.Wait()
}

func (p *Pool) run(base context.Context, q queued) {
	timeout := q.job.Timeout
	if timeout <= 0 {
		timeout = p.cfg.JobTimeout
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(base, timeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}
	defer cancel()

	if !q.handle.begin(cancel) {
		p.complete(q, Result{Status: model.TaskStatusFailed, Err: context.Canceled})
		return
	}

	started := time.Now().UTC()
	if q.job.OnStart != nil {
		q.job.OnStart()
	}

	p.inflight.Add(1)
	p.inflightGauge.Add(ctx, 1)
	out, err := p.invoke(ctx, q)
	p.inflightGauge.Add(context.Background(), -1)
	p.inflight.Add(-1)

	res := Result{
		Status:    model.TaskStatusCompleted,
		Cost:      out.Cost,
		Detail:    out.Detail,
		StartedAt: &started,
	}
	if err != nil {
		res.Status = model.TaskStatusFailed
		res.Err = err
	}
	p.complete(q, res)
}

// invoke runs the handler, converting a panic into an error so one broken
// connector cannot take down the pool.
func (p *Pool) invoke(ctx context.Context, q queued) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker: task panicked",
				"task", q.job.Name, "key", q.job.Key, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("worker: task %s panicked: %v", q.job.Name, r)
		}
	}()

	t := &Task{Key: q.job.Key, Name: q.job.Name, Args: q.job.Args, report: q.job.OnProgress}
	out, err = q.handler(ctx, t)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out, err
}

func (p *Pool) complete(q queued, res Result) {
	res.Key = q.job.Key
	res.Name = q.job.Name
	res.FinishedAt = time.Now().UTC()

	p.finishedCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("task", string(q.job.Name)),
		attribute.String("status", string(res.Status)),
	))

	if q.job.OnDone != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("worker: completion callback panicked", "task", q.job.Name, "key", q.job.Key, "panic", r)
				}
			}()
			q.job.OnDone(res)
		}()
	}
	q.handle.finish(res)
}

// State returns the current pool state.
func (p *Pool) State() PoolState {
	return PoolState(p.state.Load())
}
