package atsume

import (
	"context"
)

// Connector collects content for one platform. Register implementations
// with WithConnector; platforms without one are served by a stub that fails
// every task as not implemented.
//
// Collect receives arguments already bound from the query design and
// checked against the descriptor's RequiredArguments. It must return
// promptly once ctx is done. CollectResult.Cost is charged even when an
// error is also returned.
type Connector interface {
	Collect(ctx context.Context, req CollectRequest) (CollectResult, error)
}

// HealthChecker is optionally implemented by a Connector. A nil error means
// healthy; detail is shown in the health report. Return an error wrapping
// ErrUnreachable when the upstream cannot be reached at all.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (detail string, err error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, req CollectRequest) (CollectResult, error)

// Collect implements Connector.
func (f ConnectorFunc) Collect(ctx context.Context, req CollectRequest) (CollectResult, error) {
	return f(ctx, req)
}

// CollectRequest is the task a connector is asked to run.
type CollectRequest struct {
	Platform string
	// Args holds the bound arguments by name: "query_design_id" and "run_id"
	// are uuid.UUID, "terms" is []string, the rest follow the descriptor.
	Args map[string]any

	report func(map[string]any)
}

// Report publishes a progress update for the task. The payload reaches run
// subscribers as a task_update event. Safe to call from any goroutine while
// Collect runs.
func (r CollectRequest) Report(progress map[string]any) {
	if r.report != nil {
		r.report(progress)
	}
}

// CollectResult is what a connector reports on return.
type CollectResult struct {
	Cost   int64
	Detail map[string]any
}
