package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatcore/internal/runtime/supervisor"
	"chatcore/pkg/logx"
)

var (
	ErrTooLarge = errors.New("cache: value exceeds memory ceiling")
	ErrClosed   = errors.New("cache: closed")
)

const (
	defaultTTL        = 5 * time.Minute
	defaultMaxSize    = 1000
	defaultMaxMemory  = 50 << 20
	defaultStaleTime  = time.Minute
	defaultGCInterval = time.Minute

	// evictTarget is the fill ratio a full cache is trimmed down to.
	evictTarget = 0.8
)

// Options configures a Cache. Zero fields take defaults.
type Options[T any] struct {
	Name string

	TTL       time.Duration
	MaxSize   int
	MaxMemory int64
	// StaleTime marks entries as stale (not expired) once they are older
	// than this. Stale entries are still served.
	StaleTime  time.Duration
	GCInterval time.Duration

	// CompressionThreshold in bytes; 0 disables compression. Values larger
	// than the threshold are passed through Compress.
	CompressionThreshold int64
	Compress             func(T) (T, error)

	// Sizer estimates a value's footprint in bytes. Defaults to the length
	// of its JSON encoding.
	Sizer func(T) int64

	Clock  func() time.Time
	Logger logx.Logger
}

func (o Options[T]) withDefaults() Options[T] {
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.MaxSize <= 0 {
		o.MaxSize = defaultMaxSize
	}
	if o.MaxMemory <= 0 {
		o.MaxMemory = defaultMaxMemory
	}
	if o.StaleTime <= 0 {
		o.StaleTime = defaultStaleTime
	}
	if o.GCInterval <= 0 {
		o.GCInterval = defaultGCInterval
	}
	if o.CompressionThreshold > 0 && o.Compress == nil {
		o.Compress = RoundNumbers[T]
	}
	if o.Sizer == nil {
		o.Sizer = jsonSize[T]
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type entry[T any] struct {
	key         string
	value       T
	createdAt   time.Time
	expiresAt   time.Time
	lastAccess  time.Time
	accessCount uint64
	size        int64
	tags        []string
	compressed  bool
}

// Meta describes a cached entry without exposing it.
type Meta struct {
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
	Size           int64
	Tags           []string
	Compressed     bool
	Stale          bool
}

type Stats struct {
	Name        string  `json:"name"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	MemoryUsage int64   `json:"memory_usage"`
	MaxMemory   int64   `json:"max_memory"`
	HitRate     float64 `json:"hit_rate"`
}

// Cache is a bounded in-process cache. Recency order doubles as
// last-access order: every hit moves the entry to the front, and eviction
// takes from the back.
//
// Values are returned by copy; reference types inside T are shared and must
// be treated as read-only by callers.
type Cache[T any] struct {
	mu     sync.Mutex
	opts   Options[T]
	lru    *list.List // *entry[T], most recent first
	index  map[string]*list.Element
	tags   map[string]map[string]struct{}
	memory int64

	hits, misses, evictions, expirations uint64

	gcMu     sync.Mutex
	gcCancel context.CancelFunc
	gcDone   chan struct{}
	closed   bool
	// gcReset carries a new sweep interval to the running loop.
	gcReset chan time.Duration
}

func New[T any](opts Options[T]) *Cache[T] {
	return &Cache[T]{
		opts:  opts.withDefaults(),
		lru:   list.New(),
		index: map[string]*list.Element{},
		tags:  map[string]map[string]struct{}{},

		gcReset: make(chan time.Duration, 1),
	}
}

func (c *Cache[T]) Name() string { return c.opts.Name }

type setOptions struct {
	ttl  time.Duration
	tags []string
}

type SetOption func(*setOptions)

// WithTTL overrides the cache TTL for one entry.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// WithTags attaches invalidation tags to an entry.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = append(o.tags, tags...) }
}

// Set stores value under key, replacing any previous entry.
func (c *Cache[T]) Set(key string, value T, opts ...SetOption) error {
	var so setOptions
	for _, o := range opts {
		o(&so)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLocked(key, value, so)
}

// Update atomically replaces key with fn(current, found). Expired entries
// are passed as not found.
func (c *Cache[T]) Update(key string, fn func(cur T, ok bool) T, opts ...SetOption) (T, error) {
	var so setOptions
	for _, o := range opts {
		o(&so)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var cur T
	found := false
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry[T])
		if c.expired(e, c.opts.Clock()) {
			c.expireLocked(el)
		} else {
			cur, found = e.value, true
			if len(so.tags) == 0 {
				so.tags = e.tags
			}
		}
	}
	next := fn(cur, found)
	if err := c.setLocked(key, next, so); err != nil {
		var zero T
		return zero, err
	}
	return next, nil
}

func (c *Cache[T]) setLocked(key string, value T, so setOptions) error {
	o := c.opts
	size := c.measure(value)
	compressed := false
	if o.CompressionThreshold > 0 && size > o.CompressionThreshold {
		if v, ok := c.compress(key, value); ok {
			value, size, compressed = v, c.measure(v), true
		}
	}
	if size > o.MaxMemory {
		return fmt.Errorf("%w: key %q is %d bytes, ceiling %d", ErrTooLarge, key, size, o.MaxMemory)
	}

	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
	for c.memory+size > o.MaxMemory && c.lru.Len() > 0 {
		c.evictLocked()
	}
	if c.lru.Len() >= o.MaxSize {
		target := min(int(float64(o.MaxSize)*evictTarget), o.MaxSize-1)
		for c.lru.Len() > target {
			c.evictLocked()
		}
	}

	ttl := so.ttl
	if ttl <= 0 {
		ttl = o.TTL
	}
	now := o.Clock()
	e := &entry[T]{
		key:        key,
		value:      value,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
		size:       size,
		tags:       dedupTags(so.tags),
		compressed: compressed,
	}
	c.index[key] = c.lru.PushFront(e)
	c.memory += size
	for _, tag := range e.tags {
		keys := c.tags[tag]
		if keys == nil {
			keys = map[string]struct{}{}
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

// compress runs the configured transform behind a panic boundary. Any
// failure keeps the original value.
func (c *Cache[T]) compress(key string, value T) (T, bool) {
	var out T
	err := supervisor.Safe("cache.compress", func() error {
		v, err := c.opts.Compress(value)
		out = v
		return err
	})
	if err != nil {
		c.opts.Logger.Debug("cache compression skipped",
			logx.String("cache", c.opts.Name), logx.String("key", key), logx.Err(err))
		return value, false
	}
	return out, true
}

func (c *Cache[T]) measure(v T) (n int64) {
	if err := supervisor.Safe("cache.size", func() error {
		n = c.opts.Sizer(v)
		return nil
	}); err != nil || n < 0 {
		return 0
	}
	return n
}

// Get returns the value for key. Expired entries are dropped and reported
// as misses.
func (c *Cache[T]) Get(key string) (T, bool) {
	v, _, ok := c.Lookup(key)
	return v, ok
}

// Lookup is Get plus entry metadata, including whether it is stale.
func (c *Cache[T]) Lookup(key string) (T, Meta, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses++
		return zero, Meta{}, false
	}
	e := el.Value.(*entry[T])
	now := c.opts.Clock()
	if c.expired(e, now) {
		c.expireLocked(el)
		c.misses++
		return zero, Meta{}, false
	}
	c.hits++
	e.accessCount++
	e.lastAccess = now
	c.lru.MoveToFront(el)
	return e.value, c.meta(e, now), true
}

// Has reports whether a live entry exists, without touching stats or
// recency.
func (c *Cache[T]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	return ok && !c.expired(el.Value.(*entry[T]), c.opts.Clock())
}

func (c *Cache[T]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.lru.Init()
	c.index = map[string]*list.Element{}
	c.tags = map[string]map[string]struct{}{}
	c.memory = 0
	c.mu.Unlock()
}

// Keys lists live keys, most recently used first.
func (c *Cache[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Clock()
	keys := make([]string, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry[T]); !c.expired(e, now) {
			keys = append(keys, e.key)
		}
	}
	return keys
}

func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// InvalidateByTags removes every entry carrying any of tags and returns the
// number removed.
func (c *Cache[T]) InvalidateByTags(tags ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, tag := range tags {
		for key := range c.tags[tag] {
			if el, ok := c.index[key]; ok {
				c.removeLocked(el)
				removed++
			}
		}
		delete(c.tags, tag)
	}
	return removed
}

func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Name:        c.opts.Name,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        c.lru.Len(),
		MaxSize:     c.opts.MaxSize,
		MemoryUsage: c.memory,
		MaxMemory:   c.opts.MaxMemory,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache[T]) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry[T]), now) {
			c.expireLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Apply swaps budgets and TTLs, then evicts until the new limits hold.
// Nil function fields keep their current implementation. A changed
// GCInterval takes effect on the running sweep at once.
func (c *Cache[T]) Apply(opts Options[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prevInterval := c.opts.GCInterval
	if opts.Compress == nil && opts.CompressionThreshold > 0 {
		opts.Compress = c.opts.Compress
	}
	if opts.Sizer == nil {
		opts.Sizer = c.opts.Sizer
	}
	if opts.Clock == nil {
		opts.Clock = c.opts.Clock
	}
	if opts.Logger.IsZero() {
		opts.Logger = c.opts.Logger
	}
	if opts.Name == "" {
		opts.Name = c.opts.Name
	}
	c.opts = opts.withDefaults()
	for c.lru.Len() > c.opts.MaxSize || c.memory > c.opts.MaxMemory {
		c.evictLocked()
	}
	if c.opts.GCInterval != prevInterval {
		c.resetGC(c.opts.GCInterval)
	}
}

// resetGC replaces any interval not yet picked up by the loop.
func (c *Cache[T]) resetGC(d time.Duration) {
	for {
		select {
		case c.gcReset <- d:
			return
		default:
		}
		select {
		case <-c.gcReset:
		default:
		}
	}
}

func (c *Cache[T]) expired(e *entry[T], now time.Time) bool {
	return !now.Before(e.expiresAt)
}

func (c *Cache[T]) meta(e *entry[T], now time.Time) Meta {
	return Meta{
		CreatedAt:      e.createdAt,
		ExpiresAt:      e.expiresAt,
		LastAccessedAt: e.lastAccess,
		AccessCount:    e.accessCount,
		Size:           e.size,
		Tags:           append([]string(nil), e.tags...),
		Compressed:     e.compressed,
		Stale:          !now.Before(e.createdAt.Add(c.opts.StaleTime)),
	}
}

func (c *Cache[T]) evictLocked() {
	if back := c.lru.Back(); back != nil {
		c.removeLocked(back)
		c.evictions++
	}
}

func (c *Cache[T]) expireLocked(el *list.Element) {
	c.removeLocked(el)
	c.expirations++
}

func (c *Cache[T]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[T])
	c.lru.Remove(el)
	delete(c.index, e.key)
	c.memory -= e.size
	for _, tag := range e.tags {
		if keys := c.tags[tag]; keys != nil {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

// Start launches the background expiry sweep. It is a no-op when already
// running; Close stops it.
func (c *Cache[T]) Start(ctx context.Context) error {
	c.gcMu.Lock()
	defer c.gcMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.gcCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.gcCancel = cancel
	c.gcDone = make(chan struct{})

	c.mu.Lock()
	interval := c.opts.GCInterval
	c.mu.Unlock()

	go func() {
		defer close(c.gcDone)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-c.gcReset:
				t.Reset(d)
			case <-t.C:
				c.collect()
			}
		}
	}()
	return nil
}

func (c *Cache[T]) collect() {
	c.mu.Lock()
	clock, log, name := c.opts.Clock, c.opts.Logger, c.opts.Name
	c.mu.Unlock()

	var removed int
	err := supervisor.Safe("cache.gc", func() error {
		removed = c.Sweep(clock())
		return nil
	})
	if err != nil {
		log.Error("cache sweep failed", logx.String("cache", name), logx.Err(err))
		return
	}
	if removed > 0 {
		log.Debug("cache sweep", logx.String("cache", name), logx.Int("expired", removed))
	}
}

// Close stops the background sweep. The cache stays usable.
func (c *Cache[T]) Close() error {
	c.gcMu.Lock()
	cancel, done := c.gcCancel, c.gcDone
	c.gcCancel, c.gcDone = nil, nil
	c.closed = true
	c.gcMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func jsonSize[T any](v T) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return int64(len(fmt.Sprint(v)))
	}
	return int64(len(b))
}
