package audit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	rtsup "chatcore/internal/runtime/supervisor"
	"chatcore/pkg/logx"
)

// Emitter is an async audit pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Emitter struct {
	mu sync.Mutex

	log   logx.Logger
	sink  Sink
	hook  ResultHook
	clock func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Event
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	queued  atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
	deduped atomic.Uint64
	dropped atomic.Uint64
}

type Option func(*Emitter)

func WithResultHook(h ResultHook) Option { return func(e *Emitter) { e.hook = h } }

func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		if now != nil {
			e.clock = now
		}
	}
}

func NewEmitter(cfg Config, sink Sink, log logx.Logger, opts ...Option) *Emitter {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Emitter{
		sink:  sink,
		log:   log.With(logx.String("comp", "audit")),
		clock: time.Now,
		dedup: map[string]time.Time{},
	}
	for _, o := range opts {
		o(e)
	}
	e.applyLocked(cfg)
	return e
}

func (e *Emitter) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Enabled
}

// Apply updates limits and retry policy. Worker and queue sizes take
// effect on the next Start.
func (e *Emitter) Apply(cfg Config) {
	e.mu.Lock()
	e.applyLocked(cfg)
	e.mu.Unlock()
}

func (e *Emitter) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	e.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (e *Emitter) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		e.mu.Lock()
	}
	if e.queue != nil || !e.cfg.Enabled || e.sink == nil {
		e.mu.Unlock()
		return
	}

	e.queue = make(chan Event, e.cfg.QueueSize)
	e.accepting = true
	workers := e.cfg.Workers
	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log),
		// audit failures must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := e.sup
	q := e.queue
	e.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("audit.worker.%d", i), func(c context.Context) error {
			e.workerLoop(c, q)
			e.mu.Lock()
			stopping := e.stopDone != nil
			e.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("audit worker exited unexpectedly")
		})
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (e *Emitter) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	q := e.queue
	sup := e.sup
	if q == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	e.stopDone = done
	e.accepting = false
	e.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight Emit calls, then close the queue so workers drain.
		e.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		e.mu.Lock()
		e.queue = nil
		e.stopDone = nil
		e.sup = nil
		e.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop workers stuck in retries.
		sup.Cancel()
		<-done
	}
}

// Emit queues ev without blocking. Duplicates inside the dedup window are
// suppressed and reported as success.
func (e *Emitter) Emit(ev Event) error {
	e.mu.Lock()
	if !e.cfg.Enabled {
		e.mu.Unlock()
		return ErrDisabled
	}
	if !e.accepting || e.queue == nil {
		e.mu.Unlock()
		return ErrStopped
	}
	q := e.queue
	window := e.cfg.DedupWindow
	maxEntries := e.cfg.DedupMaxEntries
	e.sendWG.Add(1)
	e.mu.Unlock()
	defer e.sendWG.Done()

	if ev.At.IsZero() {
		ev.At = e.clock()
	}
	if window > 0 && !e.dedupAllow(dedupKey(ev), window, maxEntries) {
		e.deduped.Add(1)
		e.report(ev, ResultDeduped)
		return nil
	}

	select {
	case q <- ev:
		e.queued.Add(1)
		return nil
	default:
		e.dropped.Add(1)
		e.report(ev, ResultDropped)
		return ErrQueueFull
	}
}

func (e *Emitter) Stats() Stats {
	return Stats{
		Queued:  e.queued.Load(),
		Written: e.written.Load(),
		Failed:  e.failed.Load(),
		Deduped: e.deduped.Load(),
		Dropped: e.dropped.Load(),
	}
}

func (e *Emitter) report(ev Event, result string) {
	if e.hook != nil {
		e.hook(ev, result)
	}
}

func (e *Emitter) workerLoop(ctx context.Context, q <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			e.writeWithRetry(ctx, ev)
		}
	}
}

func (e *Emitter) writeWithRetry(runCtx context.Context, ev Event) {
	e.mu.Lock()
	cfg := e.cfg
	lim := e.limiter
	sink := e.sink
	e.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			return
		}

		// Bound each write so a stuck sink cannot pin a worker.
		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		err := rtsup.Safe("audit.sink", func() error { return sink.Write(callCtx, ev) })
		cancel()
		if err == nil {
			e.written.Add(1)
			e.report(ev, ResultWritten)
			return
		}
		lastErr = err
		e.log.Debug("audit write failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			return
		}
	}

	e.failed.Add(1)
	e.report(ev, ResultFailed)
	e.log.Warn("audit event lost",
		logx.String("action", ev.Action), logx.String("severity", string(ev.Severity)), logx.Err(lastErr))
}

func dedupKey(ev Event) string {
	h := fnv.New64a()
	for _, part := range []string{ev.Action, ev.UserID, ev.RoomID, ev.IPAddress, string(ev.Severity)} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{'|'})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (e *Emitter) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := e.clock()

	e.dmu.Lock()
	defer e.dmu.Unlock()
	if until, ok := e.dedup[key]; ok && now.Before(until) {
		return false
	}
	e.dedup[key] = now.Add(window)

	// Prune expired and cap.
	for k, until := range e.dedup {
		if !now.Before(until) {
			delete(e.dedup, k)
		}
	}
	for maxEntries > 0 && len(e.dedup) > maxEntries {
		// Remove the entry with the earliest expiry.
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range e.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(e.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
