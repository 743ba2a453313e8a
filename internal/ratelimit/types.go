package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLimited       = errors.New("rate limit exceeded")
	ErrInvalidConfig = errors.New("invalid rate limit config")
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
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

// ParseSeverity maps a config string to a Severity, falling back to def.
func ParseSeverity(s string, def Severity) Severity {
	switch sev := Severity(s); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev
	default:
		return def
	}
}

type Config struct {
	Window      time.Duration
	MaxRequests int
	// BurstLimit defaults to 2*MaxRequests; BurstWindow defaults to Window.
	BurstLimit  int
	BurstWindow time.Duration

	// Rejections past AuditThreshold escalate as high, past
	// CriticalThreshold as critical.
	AuditThreshold    int
	CriticalThreshold int

	Adaptive AdaptiveConfig
}

type AdaptiveConfig struct {
	Enabled bool
	// History is how far back violations count against the trust score.
	History time.Duration

	LowTrust  int
	HighTrust int

	LowMaxFactor    float64
	LowBurstFactor  float64
	HighMaxFactor   float64
	HighBurstFactor float64

	Points map[Severity]int
}

func DefaultAdaptive() AdaptiveConfig {
	return AdaptiveConfig{
		History:         time.Hour,
		LowTrust:        50,
		HighTrust:       90,
		LowMaxFactor:    0.5,
		LowBurstFactor:  0.3,
		HighMaxFactor:   1.5,
		HighBurstFactor: 1.2,
		Points: map[Severity]int{
			SeverityLow:      1,
			SeverityMedium:   5,
			SeverityHigh:     15,
			SeverityCritical: 30,
		},
	}
}

// normalized fills defaults and validates.
func (c Config) normalized() (Config, error) {
	if c.Window <= 0 {
		return c, fmt.Errorf("%w: window must be > 0", ErrInvalidConfig)
	}
	if c.MaxRequests <= 0 {
		return c, fmt.Errorf("%w: max requests must be > 0", ErrInvalidConfig)
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = 2 * c.MaxRequests
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = c.Window
	}
	if c.AuditThreshold <= 0 {
		c.AuditThreshold = 10
	}
	if c.CriticalThreshold <= c.AuditThreshold {
		c.CriticalThreshold = max(50, c.AuditThreshold+1)
	}

	def := DefaultAdaptive()
	a := &c.Adaptive
	if a.History <= 0 {
		a.History = def.History
	}
	if a.LowTrust <= 0 {
		a.LowTrust = def.LowTrust
	}
	if a.HighTrust <= 0 {
		a.HighTrust = def.HighTrust
	}
	if a.LowTrust > a.HighTrust || a.HighTrust > 100 {
		return c, fmt.Errorf("%w: trust thresholds must satisfy 0 <= low <= high <= 100", ErrInvalidConfig)
	}
	if a.LowMaxFactor <= 0 {
		a.LowMaxFactor = def.LowMaxFactor
	}
	if a.LowBurstFactor <= 0 {
		a.LowBurstFactor = def.LowBurstFactor
	}
	if a.HighMaxFactor <= 0 {
		a.HighMaxFactor = def.HighMaxFactor
	}
	if a.HighBurstFactor <= 0 {
		a.HighBurstFactor = def.HighBurstFactor
	}
	points := make(map[Severity]int, len(def.Points))
	for sev, p := range def.Points {
		points[sev] = p
	}
	for sev, p := range a.Points {
		points[sev] = p
	}
	a.Points = points
	return c, nil
}

// classify grades a key's running violation count.
func (c Config) classify(violations int) Severity {
	switch {
	case violations > c.CriticalThreshold:
		return SeverityCritical
	case violations > c.AuditThreshold:
		return SeverityHigh
	case violations > c.AuditThreshold/2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Entry is the per-key window state.
type Entry struct {
	Count          int
	WindowResetAt  time.Time
	BurstCount     int
	BurstResetAt   time.Time
	FirstSeenAt    time.Time
	ViolationCount int
}

// Result is the outcome of one check. Limits are the effective (possibly
// trust-scaled) ones used for this call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	BurstAllowed   bool
	BurstLimit     int
	BurstRemaining int
	BurstResetAt   time.Time

	// RetryAfter is zero for admitted requests.
	RetryAfter time.Duration

	ViolationCount int
	// Escalation is set on rejections past the audit threshold.
	Escalation Severity
	TrustScore int
}

// Err returns nil for admitted results and a *LimitError otherwise.
func (r Result) Err(key string) error {
	if r.Allowed {
		return nil
	}
	return &LimitError{Key: key, Result: r}
}

type LimitError struct {
	Key    string
	Result Result
}

func (e *LimitError) Error() string {
	if e.Result.BurstAllowed {
		return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Key, e.Result.RetryAfter)
	}
	return fmt.Sprintf("burst limit exceeded for %s, retry in %s", e.Key, e.Result.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrLimited }

// IsLimited reports whether err is a rejection from this package.
func IsLimited(err error) bool {
	return errors.Is(err, ErrLimited)
}
