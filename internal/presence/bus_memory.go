package presence

import (
	"context"
	"sync"
)

// MemoryBus is an in-process bus. Every fabric subscribed to the same
// MemoryBus sees every envelope, synchronously on the publisher's goroutine.
type MemoryBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(Envelope)
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]func(Envelope))}
}

func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	handlers := make([]func(Envelope), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, handler func(Envelope)) (func() error, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
		return nil
	}, nil
}
