package realtime

import "sync"

// Handler consumes one event. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(Event)

type subscription struct {
	id uint64
	h  Handler
}

// Bus dispatches events to handlers registered per Kind, in registration order.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Kind][]subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]subscription)}
}

// Subscribe registers h for kind. The returned func removes exactly this
// registration; calling it more than once is a no-op.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[kind]
	for i, s := range subs {
		if s.id == id {
			b.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[kind]) == 0 {
		delete(b.handlers, kind)
	}
}

// Publish delivers e to every handler of e.Kind and reports how many ran.
func (b *Bus) Publish(e Event) int {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[e.Kind]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.h(e)
	}
	return len(subs)
}

// Handlers reports how many handlers are registered for kind.
func (b *Bus) Handlers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
