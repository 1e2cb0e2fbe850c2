package eventbus

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ashita-ai/atsume/internal/model"
)

// Subscription is a live stream of one run's events. The channel returned
// by Events is closed after run_complete is delivered, when the subscriber
// falls too far behind (Lagged reports true), or on Close.
type Subscription struct {
	runID  uuid.UUID
	log    *runLog
	ch     chan model.LifecycleEvent
	done   chan struct{}
	closed bool // guarded by log.mu
	lagged atomic.Bool
}

// Events returns the event stream.
func (s *Subscription) Events() <-chan model.LifecycleEvent { return s.ch }

// RunID returns the subscribed run.
func (s *Subscription) RunID() uuid.UUID { return s.runID }

// Lagged reports whether the bus disconnected this subscriber because its
// buffer was full. The subscriber should resume with SubscribeSince using
// the last sequence it received.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Close detaches the subscription and closes its channel. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	delete(s.log.subs, s)
	s.closeLocked()
}

// closeLocked must be called with s.log.mu held.
func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// Subscribe streams runID's events from the beginning of the retained log.
func (b *Bus) Subscribe(ctx context.Context, runID uuid.UUID) (*Subscription, error) {
	return b.SubscribeSince(ctx, runID, 0)
}

// SubscribeSince streams runID's events with sequence greater than after.
// Buffered events are queued on the channel before the subscription goes
// live, under the log lock, so no event published concurrently is lost or
// duplicated. A terminal run yields its backlog (ending in run_complete)
// on an already-closed channel. Cancelling ctx closes the subscription.
//
// A run with no retained log must be known to the Snapshotter, otherwise
// its error is returned. The first event is then a synthesized snapshot.
func (b *Bus) SubscribeSince(ctx context.Context, runID uuid.UUID, after int64) (*Subscription, error) {
	var head []model.LifecycleEvent

	l, ok := b.lookup(runID)
	if !ok {
		// Never published or expired: only persisted state can tell.
		ev, err := b.synthesize(ctx, runID, 0, false)
		if err != nil {
			return nil, err
		}
		if ev.Kind == model.EventRunComplete {
			s := &Subscription{
				runID: runID,
				log:   &runLog{subs: make(map[*Subscription]struct{})},
				ch:    make(chan model.LifecycleEvent, 1),
				done:  make(chan struct{}),
			}
			s.ch <- ev
			s.closed = true
			close(s.ch)
			close(s.done)
			return s, nil
		}
		head = append(head, ev)
		l = b.logFor(runID)
	}

	l.mu.Lock()
	if _, gapAt := l.since(after); gapAt >= 0 && len(head) == 0 {
		l.mu.Unlock()
		ev, err := b.synthesize(ctx, runID, gapAt, true)
		if err != nil {
			return nil, err
		}
		head = append(head, ev)
		l.mu.Lock()
	}
	defer l.mu.Unlock()

	tail, _ := l.since(after)
	s := &Subscription{
		runID: runID,
		log:   l,
		ch:    make(chan model.LifecycleEvent, len(head)+len(tail)+b.opts.SubscriberBuffer),
		done:  make(chan struct{}),
	}
	for _, ev := range head {
		s.ch <- ev
	}
	for _, ev := range tail {
		s.ch <- ev
	}

	if l.sealed() {
		s.closeLocked()
		return s, nil
	}
	l.subs[s] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}
