package events

import (
	"context"
	"sync"
)

// Broadcaster delivers events to in-process subscribers.
//
// Each subscription owns an unbounded FIFO so a slow subscriber never
// blocks Publish and never loses events.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers interest in one session's events, or every session
// when sessionID is empty. Call Close on the subscription when done.
func (b *Broadcaster) Subscribe(sessionID string) *Subscription {
	s := &Subscription{
		sessionID: sessionID,
		events:    make([]ChunkEvent, 0, 16),
		signal:    make(chan struct{}, 1),
		parent:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish implements Publisher.
func (b *Broadcaster) Publish(_ context.Context, e ChunkEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.sessionID == "" || s.sessionID == e.SessionID {
			s.enqueue(e)
		}
	}
	return nil
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is a thread-safe FIFO of events for one subscriber.
type Subscription struct {
	sessionID string
	parent    *Broadcaster

	mu     sync.Mutex
	events []ChunkEvent
	closed bool
	signal chan struct{} // buffered, size 1
}

func (s *Subscription) enqueue(e ChunkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events = append(s.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription is closed, or
// ctx ends. ok is false once the subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (ChunkEvent, bool, error) {
	for {
		s.mu.Lock()
		if len(s.events) > 0 {
			e := s.events[0]
			s.events[0] = ChunkEvent{}
			s.events = s.events[1:]
			s.mu.Unlock()
			return e, true, nil
		}
		if s.closed {
			s.mu.Unlock()
			return ChunkEvent{}, false, nil
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return ChunkEvent{}, false, ctx.Err()
		}
	}
}

// Len returns the number of undelivered events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Close unsubscribes. Already queued events can still be drained.
func (s *Subscription) Close() {
	if s.parent != nil {
		s.parent.remove(s)
	}
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
