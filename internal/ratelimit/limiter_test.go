package ratelimit

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustLimiter(t *testing.T, cfg Config, clk *fakeClock) *Limiter {
	t.Helper()
	l, err := New(cfg, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestFixedWindow(t *testing.T) {
	clk := newClock()
	l := mustLimiter(t, Config{Window: time.Minute, MaxRequests: 5}, clk)

	for i := 1; i <= 5; i++ {
		r := l.Check("k")
		if !r.Allowed || r.Remaining != 5-i {
			t.Fatalf("request %d: allowed=%v remaining=%d", i, r.Allowed, r.Remaining)
		}
	}
	r := l.Check("k")
	if r.Allowed {
		t.Fatalf("6th request should be rejected")
	}
	if r.RetryAfter != time.Minute || r.RetryAfterSeconds() != 60 {
		t.Fatalf("retry after=%v", r.RetryAfter)
	}

	clk.Advance(time.Minute)
	if r := l.Check("k"); !r.Allowed || r.Remaining != 4 {
		t.Fatalf("after rollover: %+v", r)
	}
}

func TestBurstScenario(t *testing.T) {
	clk := newClock()
	l := mustLimiter(t, Config{
		Window: time.Minute, MaxRequests: 30,
		BurstLimit: 10, BurstWindow: 10 * time.Second,
	}, clk)

	for i := 1; i <= 10; i++ {
		if r := l.Check("ip:1.2.3.4"); !r.Allowed {
			t.Fatalf("request %d rejected", i)
		}
	}
	r := l.Check("ip:1.2.3.4")
	if r.Allowed || r.BurstAllowed {
		t.Fatalf("11th request: allowed=%v burstAllowed=%v", r.Allowed, r.BurstAllowed)
	}
	if r.ViolationCount != 1 {
		t.Fatalf("violations=%d", r.ViolationCount)
	}
	if r.RetryAfter != 10*time.Second {
		t.Fatalf("retry after=%v want burst reset", r.RetryAfter)
	}

	clk.Advance(11 * time.Second)
	r = l.Check("ip:1.2.3.4")
	if !r.Allowed || r.Remaining != 19 {
		t.Fatalf("after burst reset: allowed=%v remaining=%d", r.Allowed, r.Remaining)
	}
	e, _ := l.Snapshot("ip:1.2.3.4")
	if e.Count != 11 || e.BurstCount != 1 {
		t.Fatalf("entry=%+v", e)
	}
}

func TestViolationsSurviveWindowReset(t *testing.T) {
	clk := newClock()
	l := mustLimiter(t, Config{Window: time.Second, MaxRequests: 1}, clk)

	l.Check("k")
	l.Check("k")
	l.Check("k")
	clk.Advance(2 * time.Second)
	r := l.Check("k")
	if !r.Allowed {
		t.Fatalf("new window should admit")
	}
	if r.ViolationCount != 2 {
		t.Fatalf("violations=%d want 2", r.ViolationCount)
	}
}

func TestEscalationThresholds(t *testing.T) {
	clk := newClock()
	l := mustLimiter(t, Config{Window: time.Hour, MaxRequests: 1}, clk)
	l.Check("k")

	var last Result
	for i := 1; i <= 10; i++ {
		last = l.Check("k")
		if last.Escalation != "" {
			t.Fatalf("violation %d escalated early", i)
		}
	}
	if r := l.Check("k"); r.Escalation != SeverityHigh {
		t.Fatalf("11th violation escalation=%q want high", r.Escalation)
	}
	for i := 12; i <= 50; i++ {
		l.Check("k")
	}
	if r := l.Check("k"); r.Escalation != SeverityCritical || r.ViolationCount != 51 {
		t.Fatalf("51st violation: %+v", r)
	}
}

func TestAdaptiveScalingIsPerCall(t *testing.T) {
	clk := newClock()
	cfg := Config{
		Window: time.Minute, MaxRequests: 30,
		BurstLimit: 10, BurstWindow: 10 * time.Second,
		Adaptive: AdaptiveConfig{Enabled: true},
	}
	l := mustLimiter(t, cfg, clk)

	if r := l.Check("trusted"); r.Limit != 45 || r.BurstLimit != 12 || r.TrustScore != 100 {
		t.Fatalf("trusted key: limit=%d burst=%d score=%d", r.Limit, r.BurstLimit, r.TrustScore)
	}

	l.RecordViolation("abuser", SeverityCritical)
	l.RecordViolation("abuser", SeverityCritical)
	if got := l.TrustScore("abuser"); got != 40 {
		t.Fatalf("score=%d want 40", got)
	}
	if r := l.Check("abuser"); r.Limit != 15 || r.BurstLimit != 3 {
		t.Fatalf("abuser: limit=%d burst=%d", r.Limit, r.BurstLimit)
	}

	l.RecordViolation("neutral", SeverityHigh)
	if r := l.Check("neutral"); r.Limit != 30 || r.BurstLimit != 10 {
		t.Fatalf("neutral: limit=%d burst=%d", r.Limit, r.BurstLimit)
	}

	if got := l.Config(); got.MaxRequests != 30 || got.BurstLimit != 10 {
		t.Fatalf("shared config mutated: %+v", got)
	}

	clk.Advance(2 * time.Hour)
	if got := l.TrustScore("abuser"); got != 100 {
		t.Fatalf("score after look-back=%d want 100", got)
	}
}

func TestTrustScoreFloorsAtZero(t *testing.T) {
	clk := newClock()
	l := mustLimiter(t, Config{Window: time.Minute, MaxRequests: 10, Adaptive: AdaptiveConfig{Enabled: true}}, clk)
	for i := 0; i < 5; i++ {
		l.RecordViolation("k", SeverityCritical)
	}
	if got := l.TrustScore("k"); got != 0 {
		t.Fatalf("score=%d want 0", got)
	}
	if r := l.Check("k"); r.Limit != 5 || r.BurstLimit != 6 {
		t.Fatalf("limit=%d burst=%d", r.Limit, r.BurstLimit)
	}
}

func TestConcurrentChecksNeverOverAdmit(t *testing.T) {
	l, err := New(Config{Window: time.Minute, MaxRequests: 10, BurstLimit: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared").Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != 10 {
		t.Fatalf("admitted=%d want 10", got)
	}
}

func TestSweepAndReset(t *testing.T) {
	clk := newClock()
	l := mustLimiter(t, Config{Window: time.Minute, MaxRequests: 5, BurstWindow: 2 * time.Minute}, clk)
	l.Check("room:r1:user:a")
	l.Check("room:r1:user:b")
	l.Check("room:r2:user:a")

	clk.Advance(90 * time.Second)
	if n := l.Sweep(clk.Now()); n != 0 {
		t.Fatalf("swept %d while burst window live", n)
	}
	if n := l.ResetPrefix("room:r1:"); n != 2 {
		t.Fatalf("ResetPrefix removed %d want 2", n)
	}
	clk.Advance(time.Minute)
	if n := l.Sweep(clk.Now()); n != 1 || l.Len() != 0 {
		t.Fatalf("swept=%d len=%d", n, l.Len())
	}
}

func TestWriteHeaders(t *testing.T) {
	clk := newClock()
	l := mustLimiter(t, Config{Window: time.Minute, MaxRequests: 1}, clk)

	h := http.Header{}
	l.Check("k").WriteHeaders(h)
	if h.Get(HeaderLimit) != "1" || h.Get(HeaderRemaining) != "0" || h.Get(HeaderRetryAfter) != "" {
		t.Fatalf("admitted headers=%v", h)
	}
	clk.Advance(500 * time.Millisecond)
	h = http.Header{}
	r := l.Check("k")
	r.WriteHeaders(h)
	if h.Get(HeaderRetryAfter) != "60" {
		t.Fatalf("Retry-After=%q want 60 (ceil of 59.5s)", h.Get(HeaderRetryAfter))
	}
	if h.Get(HeaderReset) == "" {
		t.Fatalf("reset header missing")
	}
}

func TestLimitError(t *testing.T) {
	l, _ := New(Config{Window: time.Minute, MaxRequests: 1})
	if err := l.Allow("k"); err != nil {
		t.Fatalf("first Allow: %v", err)
	}
	err := l.Allow("k")
	if !IsLimited(err) {
		t.Fatalf("err=%v want limited", err)
	}
	var le *LimitError
	if !errors.As(err, &le) || le.Key != "k" {
		t.Fatalf("errors.As failed: %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{MaxRequests: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v", err)
	}
}

func TestRegistryApplyKeepsInstances(t *testing.T) {
	reg, err := NewRegistry(map[string]Config{"message": {Window: time.Minute, MaxRequests: 30}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	before := reg.Get("message")
	if err := reg.Apply(map[string]Config{
		"message": {Window: time.Minute, MaxRequests: 5},
		"typing":  {Window: time.Minute, MaxRequests: 100},
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if reg.Get("message") != before || before.Config().MaxRequests != 5 {
		t.Fatalf("limiter not updated in place")
	}
	if reg.Get("typing") == nil || len(reg.Names()) != 2 {
		t.Fatalf("names=%v", reg.Names())
	}
}

func TestRegistryApplyIsAllOrNothing(t *testing.T) {
	reg, err := NewRegistry(map[string]Config{
		"api":     {Window: time.Minute, MaxRequests: 100},
		"message": {Window: time.Minute, MaxRequests: 30},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	err = reg.Apply(map[string]Config{
		"api":     {Window: time.Minute, MaxRequests: 1},
		"message": {Window: time.Minute, MaxRequests: 2},
		"typing":  {Window: time.Minute},
		"upload":  {Window: time.Minute, MaxRequests: 3},
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v", err)
	}
	if got := reg.Get("api").Config().MaxRequests; got != 100 {
		t.Fatalf("api max=%d after rejected apply", got)
	}
	if got := reg.Get("message").Config().MaxRequests; got != 30 {
		t.Fatalf("message max=%d after rejected apply", got)
	}
	if reg.Get("upload") != nil || reg.Get("typing") != nil {
		t.Fatalf("names=%v", reg.Names())
	}
}
