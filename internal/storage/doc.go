// Package storage is the persistence collaborator behind the chat caches.
//
// It keeps two things:
//   - records: opaque JSON documents addressed by (kind, key), used as the
//     backing source for message, user and file reads
//   - the audit trail written by the audit emitter
//
// Drivers are "none" (disabled), "file" (JSON Lines journal plus snapshot)
// and "sqlite".
package storage
