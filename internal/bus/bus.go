// Package bus is the in-process event fan-out between the task manager,
// the engine, the scheduler and stream subscribers.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

// Option configures a subscription.
type Option func(*Subscription)

// WithBuffer sets the channel capacity. Values below one are ignored.
func WithBuffer(n int) Option {
	return func(s *Subscription) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithFilter drops events for which keep returns false before they reach
// the channel, so they never count against the buffer.
func WithFilter(keep func(Event) bool) Option {
	return func(s *Subscription) { s.keep = keep }
}

// Subscription receives events whose topic starts with its prefix.
type Subscription struct {
	bus    *Bus
	prefix string
	keep   func(Event) bool
	size   int
	ch     chan Event

	dropped atomic.Int64
	once    sync.Once
}

// Ch is closed once the subscription is closed.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

func (s *Subscription) wants(ev Event) bool {
	if !strings.HasPrefix(ev.Topic, s.prefix) {
		return false
	}
	return s.keep == nil || s.keep(ev)
}

// Bus fans events out to subscribers without blocking the publisher: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: map[*Subscription]struct{}{}}
}

// Subscribe registers for topics starting with prefix; "" matches all.
func (b *Bus) Subscribe(prefix string, opts ...Option) *Subscription {
	s := &Subscription{bus: b, prefix: prefix, size: defaultBufferSize}
	for _, o := range opts {
		o(s)
	}
	s.ch = make(chan Event, s.size)
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers to every matching subscriber and reports how many
// received the event.
func (b *Bus) Publish(topic string, payload any) int {
	ev := Event{Topic: topic, Payload: payload}
	delivered := 0
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.ch <- ev:
			delivered++
		default:
			s.dropped.Add(1)
		}
	}
	return delivered
}

// SubscriberCount reports the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
