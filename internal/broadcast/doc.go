// Package broadcast is the per-room publish/subscribe hub.
//
// A room's transport channel is joined when its first local subscriber
// arrives and left when the last one goes. Incoming payloads are decoded,
// de-duplicated by message id and routed to subscriber handlers by kind.
//
// Publishing is at-least-once toward the transport. A failed publish waits
// in the room's bounded retry queue and is retried with exponential
// backoff; every successful publish also drains whatever is still queued,
// oldest first. In best-effort ordering a fresh message can therefore
// overtake one that is waiting to be retried. Strict ordering serializes
// publishes per room instead.
package broadcast
