package identity

import (
	"context"
	"sync"
	"time"
)

const subscriberBuffer = 32

// MemoryHub delivers events within one process.
type MemoryHub struct {
	mu   sync.Mutex
	next int
	subs map[int]subscriber
}

type subscriber struct {
	ch   chan Event
	done <-chan struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[int]subscriber)}
}

// Publish blocks until every live subscriber has the event or ctx is done.
// Sends happen under mu so a channel is never closed mid-send.
func (h *MemoryHub) Publish(ctx context.Context, e Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- e:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, done: ctx.Done()}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
