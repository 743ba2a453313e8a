// Package chat composes rate limiting, the room hub and the chat caches
// into the contract HTTP and WebSocket handlers use.
//
// Deliver is fire-and-forget: caches and unread counters are updated on the
// calling goroutine, the publish itself runs on a supervised goroutine and
// its outcome reaches registered Observers. Reads are cache-aside over the
// configured storage.Store.
package chat
