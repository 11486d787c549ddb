package events

import (
	"log/slog"
	"sync"
)

// Bus delivers events synchronously to subscribers in registration order.
//
// Publish may be called from any goroutine and from inside a handler. Events
// are appended to a single queue and drained by whichever caller is already
// delivering, so every subscriber observes the same global publication order
// and a re-entrant Publish never deadlocks. A Publish issued while another
// goroutine is draining returns once its event is queued.
type Bus struct {
	logger *slog.Logger

	mu       sync.Mutex
	subs     []*subscription
	nextID   uint64
	queue    []Event
	draining bool
}

type subscription struct {
	id uint64
	fn func(Event)
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn and returns a function that removes it. Removal is
// idempotent and takes effect for the next event delivered.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, &subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscribeKind registers fn for events of a single kind.
func (b *Bus) SubscribeKind(kind string, fn func(Event)) func() {
	return b.Subscribe(func(ev Event) {
		if ev.Kind() == kind {
			fn(ev)
		}
	})
}

func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}

	b.mu.Lock()
	b.queue = append(b.queue, ev)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		subs := b.subs
		b.mu.Unlock()

		for _, s := range subs {
			b.deliver(s, next)
		}

		b.mu.Lock()
	}
	b.queue = nil
	b.draining = false
	b.mu.Unlock()
}

func (b *Bus) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "kind", ev.Kind(), "panic", r)
		}
	}()
	s.fn(ev)
}

// Len reports the number of registered subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
