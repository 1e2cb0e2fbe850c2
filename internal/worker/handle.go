package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/atsume/internal/model"
	"github.com/ashita-ai/atsume/internal/registry"
)

// Result is delivered to Job.OnDone and returned by Handle.Wait.
type Result struct {
	Key        string
	Name       registry.TaskID
	Status     model.TaskStatus // TaskStatusCompleted or TaskStatusFailed
	Cost       int64
	Err        error
	Detail     map[string]any
	StartedAt  *time.Time // nil if the job never started
	FinishedAt time.Time
}

// Handle tracks one enqueued job.
type Handle struct {
	key  string
	name registry.TaskID
	done chan struct{}

	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
	result    Result
}

func newHandle(key string, name registry.TaskID) *Handle {
	return &Handle{key: key, name: name, done: make(chan struct{})}
}

// Key returns the caller-supplied job key.
func (h *Handle) Key() string { return h.key }

// Name returns the canonical task id the job was enqueued under.
func (h *Handle) Name() registry.TaskID { return h.name }

// Cancel asks the job to stop. A queued job never starts; a running job
// sees its context cancelled and is expected to return promptly. Cancel
// after completion has no effect.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
	if h.cancel != nil {
		h.cancel()
	}
}

// begin records that a worker picked the job up. It reports false if the
// job was cancelled while queued.
func (h *Handle) begin(cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.cancel = cancel
	return true
}

func (h *Handle) finish(r Result) {
	h.mu.Lock()
	h.result = r
	h.cancel = nil
	h.mu.Unlock()
	close(h.done)
}

// Done is closed once the job finished and OnDone returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
