// Package eventbus delivers ordered, run-scoped lifecycle events to live
// subscribers.
//
// Every run has an append-only log. Publish assigns the next sequence number
// and fans the event out to the run's subscribers without blocking: a
// subscriber whose buffer is full is disconnected (its channel is closed) and
// is expected to reconnect with SubscribeSince or ReplaySince. Once a run's
// run_complete event is published the log is sealed, all subscriptions are
// closed after delivery, and the log is retained for the configured window.
// After that only a snapshot synthesized from persisted run state is
// available.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/atsume/internal/model"
)

var (
	// ErrRunNotFound is returned when the bus holds no log for a run and has
	// no snapshotter to fall back on.
	ErrRunNotFound = errors.New("eventbus: run not found")
	// ErrRunSealed is returned by Publish after the run's run_complete event.
	ErrRunSealed = errors.New("eventbus: run already complete")
)

// Snapshotter supplies the persisted state of a run for replay after the
// log has been pruned.
type Snapshotter interface {
	Snapshot(ctx context.Context, runID uuid.UUID) (model.RunSnapshot, error)
}

// Options tune retention and buffering.
type Options struct {
	Retention        time.Duration // How long a completed run's log is kept.
	MaxEventsPerRun  int           // Oldest events beyond this are dropped.
	SubscriberBuffer int           // Live channel capacity per subscriber.
	JanitorInterval  time.Duration // How often Start prunes expired logs.
}

func (o *Options) defaults() {
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.MaxEventsPerRun <= 0 {
		o.MaxEventsPerRun = 1000
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Minute
	}
}

// runLog is the ordered log of one run.
type runLog struct {
	mu        sync.Mutex
	events    []model.LifecycleEvent
	lastSeq   int64
	truncated bool // events before events[0] were dropped by the cap
	sealedAt  time.Time
	subs      map[*Subscription]struct{}
}

func (l *runLog) sealed() bool { return !l.sealedAt.IsZero() }

// Bus is the run-scoped publish/subscribe hub.
type Bus struct {
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	snapMu sync.RWMutex
	snap   Snapshotter

	mu   sync.RWMutex
	logs map[uuid.UUID]*runLog
}

// New creates a bus. Call SetSnapshotter before serving late subscribers
// and Start to run the retention janitor.
func New(logger *slog.Logger, opts Options) *Bus {
	opts.defaults()
	return &Bus{
		logger: logger,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logs:   make(map[uuid.UUID]*runLog),
	}
}

// SetSnapshotter installs the fallback source of run state.
func (b *Bus) SetSnapshotter(s Snapshotter) {
	b.snapMu.Lock()
	b.snap = s
	b.snapMu.Unlock()
}

func (b *Bus) snapshotter() Snapshotter {
	b.snapMu.RLock()
	defer b.snapMu.RUnlock()
	return b.snap
}

func (b *Bus) lookup(runID uuid.UUID) (*runLog, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.logs[runID]
	return l, ok
}

func (b *Bus) logFor(runID uuid.UUID) *runLog {
	if l, ok := b.lookup(runID); ok {
		return l
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[runID]
	if !ok {
		l = &runLog{subs: make(map[*Subscription]struct{})}
		b.logs[runID] = l
	}
	return l
}

// Publish appends ev to its run's log and fans it out. RunID is taken from
// runID; Sequence and (if zero) OccurredAt are assigned here. The stored
// event is returned.
func (b *Bus) Publish(runID uuid.UUID, ev model.LifecycleEvent) (model.LifecycleEvent, error) {
	l := b.logFor(runID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed() {
		return model.LifecycleEvent{}, fmt.Errorf("%w: %s", ErrRunSealed, runID)
	}

	l.lastSeq++
	ev.RunID = runID
	ev.Sequence = l.lastSeq
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now()
	}

	l.events = append(l.events, ev)
	if over := len(l.events) - b.opts.MaxEventsPerRun; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
		l.truncated = true
	}

	for s := range l.subs {
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn("eventbus: disconnecting slow subscriber",
				"run_id", runID, "sequence", ev.Sequence)
			s.lagged.Store(true)
			delete(l.subs, s)
			s.closeLocked()
		}
	}

	if ev.Kind == model.EventRunComplete {
		l.sealedAt = b.now()
		for s := range l.subs {
			delete(l.subs, s)
			s.closeLocked()
		}
	}
	return ev, nil
}

// ReplaySince returns the events of runID with sequence greater than after.
// When the requested range is no longer buffered, the result begins with a
// synthesized snapshot event; a run whose log has expired yields a single
// synthesized event, run_complete if the run is terminal.
func (b *Bus) ReplaySince(ctx context.Context, runID uuid.UUID, after int64) ([]model.LifecycleEvent, error) {
	l, ok := b.lookup(runID)
	if !ok {
		ev, err := b.synthesize(ctx, runID, 0, false)
		if err != nil {
			return nil, err
		}
		return []model.LifecycleEvent{ev}, nil
	}

	l.mu.Lock()
	tail, gapAt := l.since(after)
	l.mu.Unlock()

	if gapAt < 0 {
		return tail, nil
	}
	head, err := b.synthesize(ctx, runID, gapAt, true)
	if err != nil {
		return nil, err
	}
	return append([]model.LifecycleEvent{head}, tail...), nil
}

// since returns a copy of the events after seq. gapAt is the sequence just
// before the oldest retained event when events after seq were dropped, or
// -1. Must be called with l.mu held.
func (l *runLog) since(seq int64) (tail []model.LifecycleEvent, gapAt int64) {
	gapAt = -1
	if l.truncated && len(l.events) > 0 && seq < l.events[0].Sequence-1 {
		gapAt = l.events[0].Sequence - 1
	}
	for _, ev := range l.events {
		if ev.Sequence > seq {
			tail = append(tail, ev)
		}
	}
	return tail, gapAt
}

// synthesize builds an event from the snapshotter. forceUpdate suppresses a
// synthetic run_complete; a gap snapshot precedes a tail that carries the
// real one. Never called with a log lock held: the snapshotter may be
// publishing under its own locks.
func (b *Bus) synthesize(ctx context.Context, runID uuid.UUID, seq int64, forceUpdate bool) (model.LifecycleEvent, error) {
	s := b.snapshotter()
	if s == nil {
		return model.LifecycleEvent{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	snap, err := s.Snapshot(ctx, runID)
	if err != nil {
		return model.LifecycleEvent{}, fmt.Errorf("eventbus: snapshot run %s: %w", runID, err)
	}

	ev := model.LifecycleEvent{
		RunID:      runID,
		Kind:       model.EventTaskUpdate,
		Payload:    model.SnapshotPayload(snap.Run, snap.Tasks),
		Sequence:   seq,
		OccurredAt: b.now(),
		Synthetic:  true,
	}
	if snap.Run.Status.Terminal() && !forceUpdate {
		ev.Kind = model.EventRunComplete
		ev.Payload = model.RunCompletePayload(snap.Run, snap.Tasks)
		if snap.Run.CompletedAt != nil {
			ev.OccurredAt = *snap.Run.CompletedAt
		}
	}
	return ev, nil
}

// Prune drops logs of runs sealed longer than the retention window ago.
// It returns how many logs were dropped.
func (b *Bus) Prune() int {
	cutoff := b.now().Add(-b.opts.Retention)

	b.mu.Lock()
	defer b.mu.Unlock()

	var n int
	for id, l := range b.logs {
		l.mu.Lock()
		expired := l.sealed() && l.sealedAt.Before(cutoff) && len(l.subs) == 0
		l.mu.Unlock()
		if expired {
			delete(b.logs, id)
			n++
		}
	}
	return n
}

// Start runs the retention janitor. It blocks until ctx is cancelled.
func (b *Bus) Start(ctx context.Context) {
	ticker := time.NewTicker(b.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Prune(); n > 0 {
				b.logger.Debug("eventbus: pruned expired run logs", "count", n)
			}
		}
	}
}

// Len returns the number of run logs currently held.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.logs)
}
