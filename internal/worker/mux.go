package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/registry"
)

var (
	// ErrUnknownTask is returned by Enqueue when no handler is mounted under
	// the task name.
	ErrUnknownTask = errors.New("worker: unknown task")
	// ErrDuplicateHandler is returned when mounting two handlers under one name.
	ErrDuplicateHandler = errors.New("worker: handler already mounted")
)

// Outcome is what a task body reports on return. Cost is charged even when
// the body also returns an error.
type Outcome struct {
	Cost   int64
	Detail map[string]any
}

// Task is the view a handler has of the job it is running.
type Task struct {
	Key  string
	Name registry.TaskID
	Args model.Arguments

	report func(map[string]any)
}

// Report publishes a progress update for the task. It is safe to call from
// any goroutine while the handler runs.
func (t *Task) Report(payload map[string]any) {
	if t.report != nil {
		t.report(payload)
	}
}

// Handler runs one task to completion. It must return promptly once ctx is
// done.
type Handler func(ctx context.Context, t *Task) (Outcome, error)

// Mux maps canonical task identifiers to handlers. Names are never built
// here; they come from registry.CanonicalTaskID at mount time.
type Mux struct {
	mu       sync.RWMutex
	handlers map[registry.TaskID]Handler
}

// NewMux returns an empty mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[registry.TaskID]Handler)}
}

// Handle mounts h under name.
func (m *Mux) Handle(name registry.TaskID, h Handler) error {
	if h == nil {
		return fmt.Errorf("worker: nil handler for %s", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	m.handlers[name] = h
	return nil
}

// Lookup returns the handler mounted under name.
func (m *Mux) Lookup(name registry.TaskID) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[name]
	return h, ok
}

// Names returns every mounted task name, sorted.
func (m *Mux) Names() []registry.TaskID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]registry.TaskID, 0, len(m.handlers))
	for n := range m.handlers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
