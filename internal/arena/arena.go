// Package arena defines the contract between the orchestration core and
// connector implementations, and mounts connectors onto the worker mux under
// their canonical task ids.
package arena

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/registry"
	"github.com/ashita-ai/atsume/internal/worker"
)

var (
	// ErrNotImplemented is returned by stub connectors.
	ErrNotImplemented = errors.New("arena: not implemented")
	// ErrUnreachable is returned by connectors that cannot reach their
	// upstream at all, as opposed to receiving an error from it.
	ErrUnreachable = errors.New("arena: upstream unreachable")
)

// Connector collects content for one platform. Collect receives arguments
// already bound and checked against the descriptor's required arguments.
type Connector interface {
	Collect(ctx context.Context, t *worker.Task) (worker.Outcome, error)
}

// HealthChecker is implemented by connectors that can self-report liveness.
// A nil error means healthy; detail is shown in the health report.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (detail string, err error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, t *worker.Task) (worker.Outcome, error)

// Collect implements Connector.
func (f ConnectorFunc) Collect(ctx context.Context, t *worker.Task) (worker.Outcome, error) {
	return f(ctx, t)
}

// Stub is mounted for platforms without an implementation.
type Stub struct{}

// Collect implements Connector.
func (Stub) Collect(context.Context, *worker.Task) (worker.Outcome, error) {
	return worker.Outcome{}, ErrNotImplemented
}

// HealthCheck implements HealthChecker.
func (Stub) HealthCheck(context.Context) (string, error) {
	return "", ErrNotImplemented
}

// Mount registers a collect handler for every descriptor in reg, and a
// health-check handler for every descriptor that supports one. Platforms
// without an entry in connectors, and descriptors marked as stubs, get Stub.
// A connector keyed by a platform reg does not know is an error.
func Mount(mux *worker.Mux, reg *registry.Registry, connectors map[string]Connector) error {
	for platform := range connectors {
		if _, err := reg.Get(platform); err != nil {
			return fmt.Errorf("arena: mount %s: %w", platform, err)
		}
	}

	for _, d := range reg.ListAll() {
		c := connectors[d.PlatformName]
		if c == nil || d.IsStub {
			c = Stub{}
		}

		id, err := reg.CanonicalTaskID(d.PlatformName, registry.TaskCollect)
		if err != nil {
			return fmt.Errorf("arena: mount %s: %w", d.PlatformName, err)
		}
		if err := mux.Handle(id, collectHandler(d, c)); err != nil {
			return fmt.Errorf("arena: mount %s: %w", d.PlatformName, err)
		}

		if !d.SupportsHealthCheck {
			continue
		}
		id, err = reg.CanonicalTaskID(d.PlatformName, registry.TaskHealthCheck)
		if err != nil {
			return fmt.Errorf("arena: mount %s: %w", d.PlatformName, err)
		}
		hc, ok := c.(HealthChecker)
		if !ok {
			hc = Stub{}
		}
		if err := mux.Handle(id, healthHandler(hc)); err != nil {
			return fmt.Errorf("arena: mount %s: %w", d.PlatformName, err)
		}
	}
	return nil
}

func collectHandler(d model.ArenaDescriptor, c Connector) worker.Handler {
	return func(ctx context.Context, t *worker.Task) (worker.Outcome, error) {
		if err := t.Args.Check(d.RequiredArguments); err != nil {
			return worker.Outcome{}, fmt.Errorf("arena: %s: %w", d.PlatformName, err)
		}
		return c.Collect(ctx, t)
	}
}

// DetailKey is the Outcome.Detail key holding a health check's detail text.
const DetailKey = "detail"

func healthHandler(hc HealthChecker) worker.Handler {
	return func(ctx context.Context, _ *worker.Task) (worker.Outcome, error) {
		detail, err := hc.HealthCheck(ctx)
		return worker.Outcome{Detail: map[string]any{DetailKey: detail}}, err
	}
}
