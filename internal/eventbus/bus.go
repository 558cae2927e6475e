// Package eventbus fans in-process signals out to buffered subscribers.
//
// Publish never blocks. A subscriber whose buffer is full misses the event.
package eventbus

import (
	"sync"
	"time"
)

const (
	TypeLogin            = "session.login"
	TypeRefresh          = "session.refresh"
	TypeSessionExpired   = "session.expired"
	TypeRotation         = "rotation.done"
	TypeMembershipFailed = "membership.failed"
	TypePingSent         = "ping.sent"
	TypePingFailed       = "ping.failed"
	TypeTaskDropped      = "task.dropped"
	TypeTaskFailed       = "task.failed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

func New() Bus { return &fanout{} }

// Nop returns a Bus that drops every event. Its subscriptions never deliver.
func Nop() Bus { return discard{} }

type discard struct{}

func (discard) Publish(Event) {}

func (discard) Subscribe(int) (<-chan Event, func()) {
	return make(chan Event), func() {}
}

// subscriber guards its channel so a send never races the close.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type fanout struct {
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		s.offer(e)
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(append([]*subscriber(nil), b.subs...), s)
	b.mu.Unlock()

	return s.ch, func() { b.drop(s) }
}

// drop detaches s and closes its channel. Safe to call more than once.
func (b *fanout) drop(s *subscriber) {
	b.mu.Lock()
	kept := make([]*subscriber, 0, len(b.subs))
	for _, other := range b.subs {
		if other != s {
			kept = append(kept, other)
		}
	}
	b.subs = kept
	b.mu.Unlock()
	s.close()
}
