package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-process signal. Topic scopes delivery; an empty topic
// reaches only wildcard subscribers.
//
// Publish never blocks: each subscriber owns a buffered channel and a full
// buffer drops the event for that subscriber alone.
type Event struct {
	Topic string
	Type  string
	Time  time.Time
	Data  any
}

type Bus interface {
	// Publish fans e out and reports how many subscribers received it and
	// how many dropped it.
	Publish(e Event) (delivered, dropped int)
	// Subscribe receives every event.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribeTopic receives events whose Topic equals topic.
	SubscribeTopic(topic string, buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped is the running total of dropped deliveries.
	Dropped() uint64
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	topic string // "" = wildcard
	ch    chan Event
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) (delivered, dropped int) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// The read lock is held across the non-blocking sends so unsubscribe
	// cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.topic != "" && s.topic != e.Topic {
			continue
		}
		select {
		case s.ch <- e:
			delivered++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.dropped.Add(uint64(dropped))
	}
	return delivered, dropped
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.add("", buffer)
}

func (b *memBus) SubscribeTopic(topic string, buffer int) (<-chan Event, func()) {
	return b.add(topic, buffer)
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) add(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{topic: topic, ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}
