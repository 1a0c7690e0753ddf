// Package eventbus implements the publish/subscribe hub that streams
// analysis events to subscribers.
//
// Ordering: all publishes for one analysis funnel through a per-analysis
// serialization point, so every subscriber observes the events of an
// analysis in publish order. Sequence numbers start at 1 per analysis and
// are strictly increasing.
//
// Backpressure: each subscription holds a bounded buffer. When the buffer is
// full the bus sheds the oldest non-critical event and leaves a single
// "dropped" sentinel covering the gap; contiguous gaps coalesce into one
// sentinel. Critical events (final_answer, error, approval_requested,
// approval_resolved, canceled) are never shed — when one cannot be buffered
// the subscription is closed with overflow. A closed subscription still
// drains its already-buffered events before surfacing the overflow error.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wallbounce/wallbounce/pkg/types"
)

// ErrSubscriptionClosed is returned by [Subscription.Next] after the queue
// has drained on a subscription that was closed by the caller.
var ErrSubscriptionClosed = errors.New("eventbus: subscription closed")

// ErrStreamEnded is returned by [Subscription.Next] after the terminal event
// of the analysis has been delivered.
var ErrStreamEnded = errors.New("eventbus: analysis stream ended")

// Bus is the event hub. All exported methods are safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	streams map[string]*stream

	bufferSize int
	now        func() time.Time
}

// Option configures a [Bus] during construction.
type Option func(*Bus)

// WithBufferSize sets the per-subscription buffer capacity. Default 64.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		streams:    make(map[string]*stream),
		bufferSize: types.DefaultEventBufferSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// stream is the per-analysis serialization point. Its mutex orders all
// publishes and sequence assignment for one analysis.
type stream struct {
	mu   sync.Mutex
	seq  uint64
	done bool
	subs map[string]*Subscription
}

// Publish stamps ev with the next sequence number and timestamp for
// analysisID and fans it out to all subscribers. Publishing after a terminal
// event has been published for the analysis is a no-op.
func (b *Bus) Publish(analysisID string, ev types.Event) {
	st := b.stream(analysisID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.done {
		return
	}

	st.seq++
	ev.Sequence = st.seq
	ev.Timestamp = b.now()
	ev.AnalysisID = analysisID

	if ev.Terminal() {
		st.done = true
	}

	for _, sub := range st.subs {
		sub.enqueue(ev, b.bufferSize)
	}
}

// Subscribe registers a subscriber for the given analysis and returns its
// subscription. Subscribing twice with the same subscriberID replaces the
// previous subscription (the old one is closed).
func (b *Bus) Subscribe(analysisID, subscriberID string) *Subscription {
	st := b.stream(analysisID)

	sub := &Subscription{
		analysisID:   analysisID,
		subscriberID: subscriberID,
		notify:       make(chan struct{}, 1),
		detach: func(s *Subscription) {
			st.mu.Lock()
			if st.subs[subscriberID] == s {
				delete(st.subs, subscriberID)
			}
			st.mu.Unlock()
		},
	}

	st.mu.Lock()
	if old, ok := st.subs[subscriberID]; ok {
		old.close(nil)
	}
	st.subs[subscriberID] = sub
	st.mu.Unlock()

	return sub
}

// Release drops the bookkeeping for a finished analysis. Remaining
// subscriptions are closed (their buffered events stay readable).
func (b *Bus) Release(analysisID string) {
	b.mu.Lock()
	st, ok := b.streams[analysisID]
	if ok {
		delete(b.streams, analysisID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	st.mu.Lock()
	for id, sub := range st.subs {
		sub.close(nil)
		delete(st.subs, id)
	}
	st.mu.Unlock()
}

// stream returns the stream for analysisID, creating it on first use.
func (b *Bus) stream(analysisID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[analysisID]
	if !ok {
		st = &stream{subs: make(map[string]*Subscription)}
		b.streams[analysisID] = st
	}
	return st
}

// Subscription is one subscriber's view of an analysis stream. Events are
// consumed in FIFO order via [Subscription.Next].
type Subscription struct {
	analysisID   string
	subscriberID string

	mu       sync.Mutex
	queue    []types.Event
	closed   bool
	fault    *types.Fault // overflow reason, nil for caller-initiated close
	terminal bool         // a terminal event has been delivered via Next

	notify chan struct{}
	detach func(*Subscription)
}

// AnalysisID returns the analysis this subscription follows.
func (s *Subscription) AnalysisID() string { return s.analysisID }

// SubscriberID returns the subscriber identity.
func (s *Subscription) SubscriberID() string { return s.subscriberID }

// Next blocks until the next event is available, the stream ends, or ctx is
// done. After a terminal event has been returned, Next returns
// [ErrStreamEnded]. After an overflow close drains, Next returns the
// overflow fault.
func (s *Subscription) Next(ctx context.Context) (types.Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			if ev.Terminal() {
				s.terminal = true
			}
			s.mu.Unlock()
			return ev, nil
		}
		switch {
		case s.terminal:
			s.mu.Unlock()
			return types.Event{}, ErrStreamEnded
		case s.closed && s.fault != nil:
			s.mu.Unlock()
			return types.Event{}, s.fault
		case s.closed:
			s.mu.Unlock()
			return types.Event{}, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Err returns the overflow fault when the subscription was closed because a
// critical event could not be buffered, and nil otherwise.
func (s *Subscription) Err() *types.Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Close detaches the subscription from the bus. Buffered events remain
// readable; once drained, Next returns [ErrSubscriptionClosed].
func (s *Subscription) Close() {
	s.close(nil)
}

// close marks the subscription closed with an optional fault and detaches it.
func (s *Subscription) close(f *types.Fault) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.fault = f
	s.mu.Unlock()

	s.signal()
	if s.detach != nil {
		s.detach(s)
	}
}

// signal wakes a blocked Next without ever blocking the publisher.
func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// enqueue appends ev to the buffer, shedding the oldest non-critical events
// when full. Called with the stream lock held, which is what serializes
// sequence order across publishers.
func (s *Subscription) enqueue(ev types.Event, capacity int) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.signal()
	}()

	if s.closed {
		return
	}

	for len(s.queue) >= capacity {
		if !s.shedOldest() {
			// Nothing left to shed: the buffer holds only critical events
			// and sentinels. A subscriber this far behind cannot keep its
			// delivery guarantees, so it is closed with overflow whether or
			// not the incoming event is critical. Buffered events stay
			// readable until drained.
			s.closed = true
			s.fault = types.Overflow(s.subscriberID)
			return
		}
	}

	s.queue = append(s.queue, ev)
}

// shedOldest removes the oldest non-critical, non-sentinel event and folds
// its sequence number into a dropped sentinel. Returns false when no event
// can be shed. May leave the queue at the same length when a fresh sentinel
// takes the victim's slot; callers loop until a slot frees or shedding
// fails. Termination is guaranteed because each pass removes one sheddable
// event and sentinels are never shed.
func (s *Subscription) shedOldest() bool {
	for i, queued := range s.queue {
		if queued.Critical() || queued.Type == types.EventDropped {
			continue
		}

		victimSeq := queued.Sequence

		// Adjacent queue entries carry contiguous coverage, so a preceding
		// sentinel always ends exactly one short of the victim.
		if i > 0 && s.queue[i-1].Type == types.EventDropped {
			s.queue[i-1].Covers.To = victimSeq
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}

		s.queue[i] = types.Event{
			Type:       types.EventDropped,
			Sequence:   victimSeq,
			Timestamp:  queued.Timestamp,
			AnalysisID: queued.AnalysisID,
			Covers:     &types.SequenceRange{From: victimSeq, To: victimSeq},
		}
		return true
	}
	return false
}

// String implements fmt.Stringer for log lines.
func (s *Subscription) String() string {
	return fmt.Sprintf("subscription(%s/%s)", s.analysisID, s.subscriberID)
}
