// Package audit records security events (rate-limit escalations) through an
// asynchronous emitter that never blocks the request path.
//
// Events flow from Emit into a bounded queue drained by a small worker pool.
// Workers are rate limited, retry failed writes with jittered exponential
// backoff and suppress repeats of the same (action, user, room, ip,
// severity) inside a dedup window. Sinks decide where events go: the log,
// the store, a Telegram ops chat, or several at once.
package audit
