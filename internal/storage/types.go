package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: record not found")
	ErrClosed   = errors.New("storage: closed")
)

// Record kinds used by the chat core.
const (
	KindMessage = "message"
	KindUser    = "user"
	KindFile    = "file"
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal with periodic snapshot
//   - "sqlite": SQLite database file (WAL)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditRecord is one persisted security event.
type AuditRecord struct {
	At        time.Time       `json:"at"`
	Action    string          `json:"action"`
	Severity  string          `json:"severity"`
	UserID    string          `json:"user_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	IPAddress string          `json:"ip_address,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}
