// Package memory is the single-process transport, backed by the event bus.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"chatcore/internal/eventbus"
	"chatcore/internal/transport"
	"chatcore/pkg/logx"
)

const defaultBuffer = 256

// Transport delivers payloads through per-channel bus subscriptions, each
// drained by its own goroutine. A subscriber that falls more than buffer
// messages behind loses messages; the bus counts them.
type Transport struct {
	bus    eventbus.Bus
	buffer int
	log    logx.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

func New(buffer int, log logx.Logger) *Transport {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Transport{
		bus:    eventbus.New(),
		buffer: buffer,
		log:    log,
		subs:   map[*subscription]struct{}{},
	}
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	buf := append([]byte(nil), payload...)
	if _, dropped := t.bus.Publish(eventbus.Event{Topic: channel, Type: "payload", Data: buf}); dropped > 0 {
		t.log.Warn("memory transport dropped payload for slow subscriber",
			logx.String("channel", channel), logx.Int("dropped", dropped))
	}
	return nil
}

func (t *Transport) Subscribe(_ context.Context, channel string, h transport.Handler) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	ch, unsub := t.bus.SubscribeTopic(channel, t.buffer)
	s := &subscription{t: t, unsub: unsub, done: make(chan struct{})}
	t.subs[s] = struct{}{}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(s.done)
		for ev := range ch {
			if s.stopped.Load() {
				continue
			}
			if b, ok := ev.Data.([]byte); ok {
				h(b)
			}
		}
	}()
	return s, nil
}

// Dropped reports payloads lost to slow subscribers.
func (t *Transport) Dropped() uint64 { return t.bus.Dropped() }

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	t.wg.Wait()
	return nil
}

type subscription struct {
	t       *Transport
	unsub   func()
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

// Close stops delivery. Payloads still buffered are discarded; a handler
// call already running finishes on its own.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
		s.unsub()
	})
	return nil
}
