// Package health sweeps every connector that supports a health check and
// keeps the latest report. Checks are dispatched through the shared worker
// pool under their canonical task ids, like collection tasks.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ashita-ai/atsume/internal/arena"
	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/registry"
	"github.com/ashita-ai/atsume/internal/telemetry"
	"github.com/ashita-ai/atsume/internal/worker"
)

// Queue accepts health-check jobs. *worker.Pool implements it.
type Queue interface {
	Enqueue(job worker.Job) (*worker.Handle, error)
}

// Config tunes a sweep.
type Config struct {
	Interval    time.Duration // between sweeps started by Start
	Timeout     time.Duration // per check
	Concurrency int           // checks in flight at once
	RatePerSec  float64       // dispatch rate across the sweep
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
}

// Monitor runs sweeps and holds the most recent report.
type Monitor struct {
	reg     *registry.Registry
	queue   Queue
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	report model.HealthReport

	checks metric.Int64Counter
}

// New creates a monitor.
func New(reg *registry.Registry, queue Queue, cfg Config, logger *slog.Logger) *Monitor {
	cfg.defaults()
	checks, _ := telemetry.Meter("atsume/health").Int64Counter("atsume.health.results",
		metric.WithDescription("Connector health checks by outcome"))
	return &Monitor{
		reg:     reg,
		queue:   queue,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Concurrency),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		checks:  checks,
	}
}

// Sweep checks every connector whose descriptor supports a health check and
// stores the result as the latest report. Connectors without health-check
// support are absent from the report.
func (m *Monitor) Sweep(ctx context.Context) model.HealthReport {
	ctx, span := telemetry.Tracer("atsume/health").Start(ctx, "health.Sweep")
	defer span.End()

	report := model.HealthReport{StartedAt: m.now(), Results: make(map[string]model.HealthResult)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Concurrency)
	for _, d := range m.reg.ListAll() {
		if !d.SupportsHealthCheck {
			continue
		}
		g.Go(func() error {
			var res model.HealthResult
			if err := m.limiter.Wait(ctx); err != nil {
				res = model.HealthResult{Status: model.HealthUnreachable, Detail: err.Error(), CheckedAt: m.now()}
			} else {
				res = m.check(ctx, d)
			}
			mu.Lock()
			report.Results[d.PlatformName] = res
			mu.Unlock()
			m.checks.Add(ctx, 1, metric.WithAttributes(
				attribute.String("platform", d.PlatformName),
				attribute.String("status", string(res.Status)),
			))
			return nil
		})
	}
	_ = g.Wait()
	report.FinishedAt = m.now()

	m.mu.Lock()
	m.report = report
	m.mu.Unlock()

	counts := report.Counts()
	span.SetAttributes(attribute.Int("atsume.health.checked", len(report.Results)))
	m.logger.Info("health: sweep complete",
		"checked", len(report.Results),
		"ok", counts[model.HealthOK],
		"failed", counts[model.HealthFailed],
		"unreachable", counts[model.HealthUnreachable],
		"not_implemented", counts[model.HealthNotImplemented],
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report
}

func (m *Monitor) check(ctx context.Context, d model.ArenaDescriptor) model.HealthResult {
	start := m.now()
	result := func(status model.HealthStatus, detail string) model.HealthResult {
		return model.HealthResult{Status: status, Detail: detail, CheckedAt: start, Duration: m.now().Sub(start)}
	}

	id, err := m.reg.CanonicalTaskID(d.PlatformName, registry.TaskHealthCheck)
	if err != nil {
		return result(model.HealthNotImplemented, err.Error())
	}

	h, err := m.queue.Enqueue(worker.Job{
		Key:     "health/" + d.PlatformName,
		Name:    id,
		Timeout: m.cfg.Timeout,
	})
	if err != nil {
		return result(model.HealthUnreachable, fmt.Sprintf("dispatch: %v", err))
	}

	// The check may wait in the queue behind collection tasks; the worker
	// applies Timeout once it starts, this bounds the total wait.
	waitCtx, cancel := context.WithTimeout(ctx, 2*m.cfg.Timeout)
	defer cancel()
	res, err := h.Wait(waitCtx)
	if err != nil {
		h.Cancel()
		return result(model.HealthUnreachable, "timed out waiting for check")
	}

	detail, _ := res.Detail[arena.DetailKey].(string)
	switch {
	case res.Err == nil:
		return result(model.HealthOK, detail)
	case errors.Is(res.Err, arena.ErrNotImplemented):
		return result(model.HealthNotImplemented, res.Err.Error())
	case errors.Is(res.Err, arena.ErrUnreachable),
		errors.Is(res.Err, context.DeadlineExceeded),
		errors.Is(res.Err, context.Canceled):
		return result(model.HealthUnreachable, res.Err.Error())
	default:
		return result(model.HealthFailed, res.Err.Error())
	}
}

// Report returns the latest sweep. Before the first sweep Results is nil.
func (m *Monitor) Report() model.HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.report
	if m.report.Results != nil {
		out.Results = make(map[string]model.HealthResult, len(m.report.Results))
		for k, v := range m.report.Results {
			out.Results[k] = v
		}
	}
	return out
}

// Start sweeps immediately and then every Interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.Sweep(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
