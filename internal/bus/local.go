package bus

import (
	"context"
	"sync"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// LocalBus fans invalidations out to in-process subscribers. A subscriber whose
// buffer is full misses the message.
type LocalBus struct {
	buffer int

	mu     sync.RWMutex
	subs   map[int]chan models.Invalidation
	nextID int
	closed bool
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(buffer int) *LocalBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &LocalBus{
		buffer: buffer,
		subs:   make(map[int]chan models.Invalidation),
	}
}

func (b *LocalBus) Name() string { return "local" }

func (b *LocalBus) Send(ctx context.Context, inv models.Invalidation) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- inv:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	id := b.nextID
	b.nextID++
	ch := make(chan models.Invalidation, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case inv, ok := <-ch:
			if !ok {
				return nil
			}
			h(inv)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}
