package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry holds the named limiters of one process (message, typing, ...).
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	opts     []Option
}

func NewRegistry(cfgs map[string]Config, opts ...Option) (*Registry, error) {
	r := &Registry{limiters: map[string]*Limiter{}, opts: opts}
	if err := r.Apply(cfgs); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the named limiter, or nil.
func (r *Registry) Get(name string) *Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.limiters))
	for n := range r.limiters {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Apply updates existing limiters in place and adds new ones. Limiters
// missing from cfgs keep running with their last configuration so callers
// holding them stay valid. Every config is checked first: one invalid
// entry rejects the whole set and nothing changes.
func (r *Registry) Apply(cfgs map[string]Config) error {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if _, err := cfgs[name].normalized(); err != nil {
			errs = append(errs, fmt.Errorf("limiter %s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		cfg := cfgs[name]
		if l, ok := r.limiters[name]; ok {
			if err := l.Apply(cfg); err != nil {
				return fmt.Errorf("limiter %s: %w", name, err)
			}
			continue
		}
		l, err := New(cfg, append([]Option{WithName(name)}, r.opts...)...)
		if err != nil {
			return fmt.Errorf("limiter %s: %w", name, err)
		}
		r.limiters[name] = l
	}
	return nil
}

// Sweep sweeps every limiter and returns removed entries per name.
func (r *Registry) Sweep(now time.Time) map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.Sweep(now)
	}
	return out
}

// ResetPrefix clears matching keys in every limiter.
func (r *Registry) ResetPrefix(prefix string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, l := range r.limiters {
		n += l.ResetPrefix(prefix)
	}
	return n
}
