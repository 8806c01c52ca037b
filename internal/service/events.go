package service

import (
	"sync"
	"time"

	"clustervisor/internal/models"
)

const subscriberBuffer = 256

// eventBus fans supervisor events out to subscribers. Slow subscribers lose
// events instead of stalling the supervisor.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan models.Event
	nextID uint64
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[uint64]chan models.Event)}
}

func (b *eventBus) subscribe() (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *eventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *eventBus) publish(ev models.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close ends every subscription. Later subscribers get a closed channel.
func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
