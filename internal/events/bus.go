package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Bus is an in-memory fan-out publisher.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the scheduler.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

func (b *Bus) Publish(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// sends happen under the read lock; unsubscribe closes under the write lock
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *Bus) PublishBatch(ctx context.Context, es []Event) error {
	for _, e := range es {
		_ = b.Publish(ctx, e)
	}
	return nil
}

func (b *Bus) IsHealthy(context.Context) bool { return true }

// Dropped counts events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribe registers a buffered subscriber. Call unsubscribe to release it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}
