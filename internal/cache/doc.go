// Package cache provides Cache, a generic bounded in-process cache with TTL
// expiry, LRU eviction, a memory ceiling, tag invalidation and optional
// lossy compression of large values.
package cache
