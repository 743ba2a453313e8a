package ratelimit

import (
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 32

// Limiter is a dual-window limiter keyed by caller-chosen strings. Checks on
// one key are serialized; different keys proceed in parallel across shards.
type Limiter struct {
	name   string
	cfg    atomic.Pointer[Config]
	clock  func() time.Time
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
	history map[string][]violation
}

type violation struct {
	at       time.Time
	severity Severity
}

// history entries kept per key, oldest dropped first.
const maxHistory = 256

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.clock = now
		}
	}
}

func WithName(name string) Option {
	return func(l *Limiter) { l.name = name }
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	norm, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	l := &Limiter{clock: time.Now}
	for _, o := range opts {
		o(l)
	}
	for i := range l.shards {
		l.shards[i].entries = map[string]*Entry{}
		l.shards[i].history = map[string][]violation{}
	}
	l.cfg.Store(&norm)
	return l, nil
}

func (l *Limiter) Name() string { return l.name }

// Config returns the active configuration with defaults filled in.
func (l *Limiter) Config() Config { return *l.cfg.Load() }

// Apply swaps the configuration used by subsequent checks. Existing windows
// keep their reset times.
func (l *Limiter) Apply(cfg Config) error {
	norm, err := cfg.normalized()
	if err != nil {
		return err
	}
	l.cfg.Store(&norm)
	return nil
}

func (l *Limiter) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Check counts one request for key and reports whether it is admitted.
func (l *Limiter) Check(key string) Result {
	cfg := l.cfg.Load()
	now := l.clock()
	sh := l.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	limit, burst := cfg.MaxRequests, cfg.BurstLimit
	score := 100
	if cfg.Adaptive.Enabled {
		score = sh.trust(key, now, cfg.Adaptive)
		limit, burst = cfg.Adaptive.scale(score, limit, burst)
	}

	e := sh.entries[key]
	switch {
	case e == nil || !now.Before(e.WindowResetAt):
		next := &Entry{
			WindowResetAt: now.Add(cfg.Window),
			BurstResetAt:  now.Add(cfg.BurstWindow),
			FirstSeenAt:   now,
		}
		if e != nil {
			next.ViolationCount = e.ViolationCount
			next.FirstSeenAt = e.FirstSeenAt
		}
		e = next
		sh.entries[key] = e
	case !now.Before(e.BurstResetAt):
		e.BurstCount = 0
		e.BurstResetAt = now.Add(cfg.BurstWindow)
	}

	burstOK := e.BurstCount < burst
	regularOK := e.Count < limit

	res := Result{
		Limit:        limit,
		ResetAt:      e.WindowResetAt,
		BurstAllowed: burstOK,
		BurstLimit:   burst,
		BurstResetAt: e.BurstResetAt,
		TrustScore:   score,
	}
	if burstOK && regularOK {
		e.Count++
		e.BurstCount++
		res.Allowed = true
	} else {
		e.ViolationCount++
		sev := cfg.classify(e.ViolationCount)
		if cfg.Adaptive.Enabled {
			sh.record(key, now, sev)
		}
		if e.ViolationCount > cfg.AuditThreshold {
			res.Escalation = sev
		}
		if !regularOK {
			res.RetryAfter = e.WindowResetAt.Sub(now)
		} else {
			res.RetryAfter = e.BurstResetAt.Sub(now)
		}
	}
	res.Remaining = max(0, limit-e.Count)
	res.BurstRemaining = max(0, burst-e.BurstCount)
	res.ViolationCount = e.ViolationCount
	return res
}

// Allow is Check returning a *LimitError on rejection.
func (l *Limiter) Allow(key string) error {
	return l.Check(key).Err(key)
}

// RecordViolation feeds an external abuse signal into key's trust history.
// It has no effect unless adaptive mode is enabled.
func (l *Limiter) RecordViolation(key string, sev Severity) {
	if !l.cfg.Load().Adaptive.Enabled {
		return
	}
	sh := l.shard(key)
	sh.mu.Lock()
	sh.record(key, l.clock(), sev)
	sh.mu.Unlock()
}

// TrustScore returns key's current score in [0,100]; 100 without adaptive
// mode or history.
func (l *Limiter) TrustScore(key string) int {
	cfg := l.cfg.Load()
	if !cfg.Adaptive.Enabled {
		return 100
	}
	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.trust(key, l.clock(), cfg.Adaptive)
}

// Snapshot returns a copy of key's window state.
func (l *Limiter) Snapshot(key string) (Entry, bool) {
	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Sweep drops entries whose regular and burst windows have both expired and
// trims violation history older than the adaptive look-back. It returns the
// number of entries removed.
func (l *Limiter) Sweep(now time.Time) int {
	cfg := l.cfg.Load()
	cutoff := now.Add(-cfg.Adaptive.History)
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			if !now.Before(e.WindowResetAt) && !now.Before(e.BurstResetAt) {
				delete(sh.entries, key)
				removed++
			}
		}
		for key, hist := range sh.history {
			if kept := trimBefore(hist, cutoff); len(kept) == 0 {
				delete(sh.history, key)
			} else {
				sh.history[key] = kept
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Reset forgets everything about key.
func (l *Limiter) Reset(key string) {
	sh := l.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	delete(sh.history, key)
	sh.mu.Unlock()
}

// ResetPrefix forgets every key starting with prefix and returns how many
// entries were removed.
func (l *Limiter) ResetPrefix(prefix string) int {
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key := range sh.entries {
			if strings.HasPrefix(key, prefix) {
				delete(sh.entries, key)
				removed++
			}
		}
		for key := range sh.history {
			if strings.HasPrefix(key, prefix) {
				delete(sh.history, key)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (sh *shard) record(key string, at time.Time, sev Severity) {
	hist := append(sh.history[key], violation{at: at, severity: sev})
	if len(hist) > maxHistory {
		hist = append(hist[:0:0], hist[len(hist)-maxHistory:]...)
	}
	sh.history[key] = hist
}

func trimBefore(hist []violation, cutoff time.Time) []violation {
	i := 0
	for i < len(hist) && hist[i].at.Before(cutoff) {
		i++
	}
	return hist[i:]
}
