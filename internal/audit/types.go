package audit

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled  = errors.New("audit disabled")
	ErrQueueFull = errors.New("audit queue full")
	ErrStopped   = errors.New("audit emitter stopped")
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

func ParseSeverity(v string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Rank() > 0
}

// Actions emitted by the chat core.
const (
	ActionRateLimitExceeded = "rate_limit.exceeded"
	ActionRateLimitCritical = "rate_limit.critical"
)

// Event is one security-relevant occurrence.
type Event struct {
	At        time.Time      `json:"at"`
	Action    string         `json:"action"`
	Severity  Severity       `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	RoomID    string         `json:"room_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Config controls the async audit pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type Stats struct {
	Queued  uint64 `json:"queued"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Deduped uint64 `json:"deduped"`
	Dropped uint64 `json:"dropped"`
}

// Result labels passed to a ResultHook.
const (
	ResultWritten = "written"
	ResultFailed  = "failed"
	ResultDeduped = "deduped"
	ResultDropped = "dropped"
)

// ResultHook observes the outcome of every emitted event.
type ResultHook func(e Event, result string)
