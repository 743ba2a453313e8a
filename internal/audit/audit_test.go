package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"chatcore/internal/storage"
	"chatcore/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	calls  int
	fail   func(call int) error
}

func (s *recordingSink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(s.calls); err != nil {
			return err
		}
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) snapshot() ([]Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...), s.calls
}

func stopNow(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.Stop(ctx)
}

func violation(user string) Event {
	return Event{
		Action:   ActionRateLimitExceeded,
		Severity: SeverityHigh,
		UserID:   user,
		RoomID:   "r1",
		Details:  map[string]any{"violations": 11},
	}
}

func TestEmitWritesThroughSink(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(Config{Enabled: true}, sink, logx.Nop())
	e.Start(context.Background())
	if err := e.Emit(violation("u1")); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	stopNow(t, e)

	events, _ := sink.snapshot()
	if len(events) != 1 || events[0].UserID != "u1" || events[0].At.IsZero() {
		t.Fatalf("events=%+v", events)
	}
	if st := e.Stats(); st.Queued != 1 || st.Written != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if err := e.Emit(violation("u1")); !errors.Is(err, ErrStopped) {
		t.Fatalf("emit after stop err=%v", err)
	}
}

func TestRetryThenWrite(t *testing.T) {
	sink := &recordingSink{fail: func(n int) error {
		if n <= 2 {
			return errors.New("disk full")
		}
		return nil
	}}
	e := NewEmitter(Config{Enabled: true, RetryMax: 3, RetryBase: time.Millisecond}, sink, logx.Nop())
	e.Start(context.Background())
	_ = e.Emit(violation("u1"))
	stopNow(t, e)

	events, calls := sink.snapshot()
	if len(events) != 1 || calls != 3 {
		t.Fatalf("events=%d calls=%d", len(events), calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	sink := &recordingSink{fail: func(int) error { return errors.New("down") }}
	var mu sync.Mutex
	var results []string
	hook := func(_ Event, r string) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}
	e := NewEmitter(Config{Enabled: true, RetryMax: 1, RetryBase: time.Millisecond}, sink, logx.Nop(), WithResultHook(hook))
	e.Start(context.Background())
	_ = e.Emit(violation("u1"))
	stopNow(t, e)

	if _, calls := sink.snapshot(); calls != 2 {
		t.Fatalf("calls=%d want 2", calls)
	}
	if st := e.Stats(); st.Failed != 1 || st.Written != 0 {
		t.Fatalf("stats=%+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 || results[0] != ResultFailed {
		t.Fatalf("results=%v", results)
	}
}

func TestDedupWindow(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sink := &recordingSink{}
	e := NewEmitter(Config{Enabled: true, DedupWindow: time.Minute}, sink, logx.Nop(), WithClock(clock))
	e.Start(context.Background())

	_ = e.Emit(violation("u1"))
	_ = e.Emit(violation("u1"))
	_ = e.Emit(violation("u2"))
	crit := violation("u1")
	crit.Severity = SeverityCritical
	_ = e.Emit(crit)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_ = e.Emit(violation("u1"))
	stopNow(t, e)

	events, _ := sink.snapshot()
	if len(events) != 4 {
		t.Fatalf("written=%d want 4", len(events))
	}
	if got := e.Stats().Deduped; got != 1 {
		t.Fatalf("deduped=%d", got)
	}
}

func TestEmitNeverBlocksWhenFull(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	sink := SinkFunc(func(ctx context.Context, _ Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	e := NewEmitter(Config{Enabled: true, Workers: 1, QueueSize: 1}, sink, logx.Nop())
	e.Start(context.Background())

	_ = e.Emit(violation("a"))
	<-entered
	if err := e.Emit(violation("b")); err != nil {
		t.Fatalf("second emit: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- e.Emit(violation("c")) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("err=%v want ErrQueueFull", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Emit blocked on a full queue")
	}
	close(release)
	stopNow(t, e)
	if st := e.Stats(); st.Dropped != 1 || st.Written != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestDisabledEmitter(t *testing.T) {
	e := NewEmitter(Config{}, &recordingSink{}, logx.Nop())
	e.Start(context.Background())
	if err := e.Emit(violation("u1")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
	e.Stop(context.Background())
}

func TestStoreSink(t *testing.T) {
	st, err := storage.Open(context.Background(),
		storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ev := violation("u1")
	ev.At = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := (StoreSink{Store: st}).Write(context.Background(), ev); err != nil {
		t.Fatalf("Write: %v", err)
	}
	recs, _ := st.RecentAudit(context.Background(), 10)
	if len(recs) != 1 || recs[0].Severity != "high" || string(recs[0].Details) != `{"violations":11}` {
		t.Fatalf("recs=%+v", recs)
	}
	if err := (StoreSink{}).Write(context.Background(), ev); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("nil store err=%v", err)
	}
}

func TestMinSeverityAndMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{fail: func(int) error { return errors.New("b down") }}
	sink := Multi(MinSeverity(SeverityCritical, a), b, nil)

	if err := sink.Write(context.Background(), violation("u1")); err == nil {
		t.Fatalf("Multi swallowed an error")
	}
	crit := violation("u1")
	crit.Severity = SeverityCritical
	_ = sink.Write(context.Background(), crit)

	events, _ := a.snapshot()
	if len(events) != 1 || events[0].Severity != SeverityCritical {
		t.Fatalf("filtered sink got %+v", events)
	}
	if _, calls := b.snapshot(); calls != 2 {
		t.Fatalf("second sink calls=%d", calls)
	}
}

func TestParseSeverity(t *testing.T) {
	if s, ok := ParseSeverity(" HIGH "); !ok || s != SeverityHigh {
		t.Fatalf("s=%q ok=%v", s, ok)
	}
	if _, ok := ParseSeverity("urgent"); ok {
		t.Fatalf("unknown severity accepted")
	}
	if !SeverityCritical.AtLeast(SeverityHigh) || SeverityMedium.AtLeast(SeverityHigh) {
		t.Fatalf("rank order broken")
	}
}
