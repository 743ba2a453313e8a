// Package redis is the multi-process transport on Redis Pub/Sub.
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"chatcore/internal/transport"
	"chatcore/pkg/logx"
)

type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	// Buffer is the per-subscription message channel size.
	Buffer int
}

type Transport struct {
	client *goredis.Client
	buffer int
	log    logx.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Transport{
		client: client,
		buffer: cfg.Buffer,
		log:    log,
		subs:   map[*subscription]struct{}{},
	}, nil
}

func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	return t.client.Publish(ctx, channel, payload).Err()
}

// Subscribe waits for the server's subscription confirmation before
// returning, so messages published afterwards are not missed.
func (t *Transport) Subscribe(ctx context.Context, channel string, h transport.Handler) (transport.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	t.mu.Unlock()

	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	s := &subscription{t: t, ps: ps}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	msgs := ps.Channel(goredis.WithChannelSize(t.buffer))
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for m := range msgs {
			h([]byte(m.Payload))
		}
		t.log.Debug("redis subscription ended", logx.String("channel", channel))
	}()
	return s, nil
}

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
	return t.client.Close()
}

type subscription struct {
	t    *Transport
	ps   *goredis.PubSub
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
		s.err = s.ps.Close()
	})
	return s.err
}
