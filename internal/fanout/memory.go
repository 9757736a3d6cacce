package fanout

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-instance deployments.
// Dispatch is synchronous, so a Publish returns only after every live handler
// has seen the envelope.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]Handler)}
}

// Publish dispatches the envelope to every subscribed handler in turn.
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

// Subscribe registers a handler until the returned release function is called.
func (b *MemoryBus) Subscribe(handler Handler) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

// Close drops all handlers.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.handlers = make(map[int]Handler)
	b.mu.Unlock()
}
