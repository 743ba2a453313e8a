package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"chatcore/internal/audit"
	"chatcore/internal/broadcast"
	"chatcore/internal/cache"
	"chatcore/internal/ratelimit"
	"chatcore/internal/storage"
	"chatcore/internal/transport"
	"chatcore/internal/transport/memory"
	"chatcore/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingObserver struct {
	mu        sync.Mutex
	delivered []string
	failed    []error
	rejected  []Admission
	closed    []string

	failedCh chan error
}

func newRecorder() *recordingObserver {
	return &recordingObserver{failedCh: make(chan error, 8)}
}

func (r *recordingObserver) Delivered(_ string, msg broadcast.Message, _ int) {
	r.mu.Lock()
	r.delivered = append(r.delivered, msg.ID)
	r.mu.Unlock()
}

func (r *recordingObserver) DeliveryFailed(_ string, _ broadcast.Message, err error) {
	r.mu.Lock()
	r.failed = append(r.failed, err)
	r.mu.Unlock()
	select {
	case r.failedCh <- err:
	default:
	}
}

func (r *recordingObserver) AdmissionRejected(_ RequestContext, adm Admission) {
	r.mu.Lock()
	r.rejected = append(r.rejected, adm)
	r.mu.Unlock()
}

func (r *recordingObserver) RoomClosed(roomID string) {
	r.mu.Lock()
	r.closed = append(r.closed, roomID)
	r.mu.Unlock()
}

type brokenTransport struct{ *memory.Transport }

func (brokenTransport) Publish(context.Context, string, []byte) error {
	return errors.New("broker down")
}

// flakyTransport fails the first n publishes.
type flakyTransport struct {
	*memory.Transport
	failures atomic.Int64
}

func (f *flakyTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("broker hiccup")
	}
	return f.Transport.Publish(ctx, topic, data)
}

type fixture struct {
	o     *Orchestrator
	tr    *memory.Transport
	store storage.Store
	obs   *recordingObserver
}

type fixtureOpts struct {
	store     bool
	persist   bool
	transport func(*memory.Transport) transport.Transport
	clock     func() time.Time
	audit     *audit.Emitter
	limits    map[string]ratelimit.Config
	broadcast broadcast.Config
}

func newCaches(clock func() time.Time) Caches {
	return Caches{
		Messages: cache.New(cache.Options[broadcast.Message]{Name: "messages", Clock: clock}),
		Users:    cache.New(cache.Options[UserProfile]{Name: "users", TTL: time.Hour, StaleTime: time.Minute, Clock: clock}),
		Files:    cache.New(cache.Options[FileMeta]{Name: "files", Clock: clock}),
		Unread:   cache.New(cache.Options[int]{Name: "unread", Clock: clock}),
	}
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	limits := fo.limits
	if limits == nil {
		limits = map[string]ratelimit.Config{
			ActionMessage: {Window: time.Minute, MaxRequests: 100},
			ActionAPI:     {Window: time.Minute, MaxRequests: 100},
		}
	}
	reg, err := ratelimit.NewRegistry(limits)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	tr := memory.New(64, logx.Nop())
	var tx transport.Transport = tr
	if fo.transport != nil {
		tx = fo.transport(tr)
	}

	var st storage.Store
	if fo.store {
		st, err = storage.Open(context.Background(),
			storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "chat.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("storage.Open: %v", err)
		}
	}

	o, err := New(context.Background(), Options{
		Limiters:        reg,
		Transport:       tx,
		Broadcast:       fo.broadcast,
		Caches:          newCaches(fo.clock),
		Store:           st,
		PersistMessages: fo.persist,
		Audit:           fo.audit,
		Logger:          logx.Nop(),
		Clock:           fo.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	obs := newRecorder()
	o.AddObserver(obs)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := o.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
		_ = tr.Close()
		if st != nil {
			_ = st.Close()
		}
	})
	return &fixture{o: o, tr: tr, store: st, obs: obs}
}

func subscribe(t *testing.T, o *Orchestrator, roomID, userID string) (*broadcast.Subscription, <-chan broadcast.Message) {
	t.Helper()
	ch := make(chan broadcast.Message, 16)
	sub, err := o.Subscribe(context.Background(), roomID, userID, broadcast.Handlers{
		OnMessage:      func(m broadcast.Message) { ch <- m },
		OnFileProgress: func(m broadcast.Message) { ch <- m },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return sub, ch
}

func receive(t *testing.T, ch <-chan broadcast.Message) broadcast.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
		return broadcast.Message{}
	}
}

func textMessage(sender, text string) broadcast.Message {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return broadcast.Message{Kind: broadcast.KindMessage, SenderID: sender, SenderName: sender, Payload: payload}
}

func TestAdmissionKey(t *testing.T) {
	cases := []struct {
		req  RequestContext
		want string
	}{
		{RequestContext{RoomID: "r1", UserID: "u1", IP: "1.2.3.4"}, "room:r1:user:u1"},
		{RequestContext{UserID: "u1", IP: "1.2.3.4"}, "user:u1"},
		{RequestContext{IP: "1.2.3.4", UserAgent: "curl/8"}, "ip:1.2.3.4|curl/8"},
		{RequestContext{IP: "1.2.3.4"}, "ip:1.2.3.4"},
	}
	for _, c := range cases {
		if got := AdmissionKey(c.req); got != c.want {
			t.Errorf("AdmissionKey(%+v)=%q want %q", c.req, got, c.want)
		}
	}
}

type auditSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *auditSink) Write(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func TestAdmitRejectsAndEscalates(t *testing.T) {
	sink := &auditSink{}
	em := audit.NewEmitter(audit.Config{Enabled: true}, sink, logx.Nop())
	em.Start(context.Background())

	f := newFixture(t, fixtureOpts{
		audit: em,
		limits: map[string]ratelimit.Config{
			ActionMessage: {Window: time.Minute, MaxRequests: 2, BurstLimit: 2, AuditThreshold: 1, CriticalThreshold: 2},
		},
	})
	req := RequestContext{Action: ActionMessage, RoomID: "r1", UserID: "u1", IP: "10.0.0.1", UserAgent: "test"}

	var got []Admission
	for range 5 {
		got = append(got, f.o.Admit(context.Background(), req))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	em.Stop(ctx)

	if !got[0].Allowed || !got[1].Allowed || got[1].Remaining != 0 {
		t.Fatalf("first two admissions: %+v %+v", got[0], got[1])
	}
	for _, a := range got[2:] {
		if a.Allowed || a.RetryAfterSeconds < 1 || a.Limiter != ActionMessage || a.Key != "room:r1:user:u1" {
			t.Fatalf("rejection=%+v", a)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("audit events=%d want 2", len(sink.events))
	}
	if e := sink.events[0]; e.Action != audit.ActionRateLimitExceeded || e.Severity != audit.SeverityHigh ||
		e.UserID != "u1" || e.IPAddress != "10.0.0.1" {
		t.Fatalf("first event=%+v", e)
	}
	if e := sink.events[1]; e.Action != audit.ActionRateLimitCritical || e.Severity != audit.SeverityCritical {
		t.Fatalf("second event=%+v", e)
	}

	f.obs.mu.Lock()
	defer f.obs.mu.Unlock()
	if len(f.obs.rejected) != 3 {
		t.Fatalf("observer rejections=%d", len(f.obs.rejected))
	}
}

func TestAdmitFallsBackToAPILimiter(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	a := f.o.Admit(context.Background(), RequestContext{Action: "reaction", IP: "1.1.1.1"})
	if !a.Allowed || a.Limiter != ActionAPI || a.Limit != 100 {
		t.Fatalf("admission=%+v", a)
	}

	bare := newFixture(t, fixtureOpts{limits: map[string]ratelimit.Config{
		ActionTyping: {Window: time.Minute, MaxRequests: 1},
	}})
	if a := bare.o.Admit(context.Background(), RequestContext{Action: "reaction"}); !a.Allowed || a.Limiter != "" {
		t.Fatalf("unlimited admission=%+v", a)
	}
}

func TestDeliverFansOutAndCountsUnread(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, aliceCh := subscribe(t, f.o, "r1", "alice")
	_, bobCh := subscribe(t, f.o, "r1", "bob")

	sent, err := f.o.Deliver(context.Background(), "r1", textMessage("alice", "hello"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sent.ID == "" || sent.Timestamp == 0 || sent.RoomID != "r1" {
		t.Fatalf("sent=%+v", sent)
	}
	if got := receive(t, bobCh); got.ID != sent.ID {
		t.Fatalf("bob got %q want %q", got.ID, sent.ID)
	}
	if got := receive(t, aliceCh); got.ID != sent.ID {
		t.Fatalf("alice got %q", got.ID)
	}

	if n := f.o.Unread("r1", "bob"); n != 1 {
		t.Fatalf("bob unread=%d", n)
	}
	if n := f.o.Unread("r1", "alice"); n != 0 {
		t.Fatalf("sender unread=%d", n)
	}
	cached, err := f.o.ReadMessage(context.Background(), "r1", sent.ID)
	if err != nil || string(cached.Payload) != `{"text":"hello"}` {
		t.Fatalf("ReadMessage=%+v err=%v", cached, err)
	}
	if n := f.o.MarkRead("r1", "bob"); n != 1 {
		t.Fatalf("MarkRead returned %d", n)
	}
	if n := f.o.Unread("r1", "bob"); n != 0 {
		t.Fatalf("unread after MarkRead=%d", n)
	}
}

func TestDeliverPersistsAndReadsThrough(t *testing.T) {
	f := newFixture(t, fixtureOpts{store: true, persist: true})
	ctx := context.Background()

	sent, err := f.o.Deliver(ctx, "r1", textMessage("alice", "persisted"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n := f.o.InvalidateRoom("r1"); n != 1 {
		t.Fatalf("invalidated=%d want 1", n)
	}
	got, err := f.o.ReadMessage(ctx, "r1", sent.ID)
	if err != nil || got.ID != sent.ID || got.SenderID != "alice" {
		t.Fatalf("ReadMessage=%+v err=%v", got, err)
	}
	if !f.o.Caches().Messages.Has(messageKey("r1", sent.ID)) {
		t.Fatalf("miss did not populate the cache")
	}

	if _, err := f.o.ReadUser(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadUser missing err=%v", err)
	}
	if _, err := f.o.PutUser(ctx, UserProfile{ID: "alice", Name: "Alice", Role: "patient"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	f.o.InvalidateUser("alice")
	u, err := f.o.ReadUser(ctx, "alice")
	if err != nil || u.Name != "Alice" || u.Role != "patient" {
		t.Fatalf("ReadUser=%+v err=%v", u, err)
	}
}

func TestSequentialDeliversArriveInOrder(t *testing.T) {
	const n = 50
	cases := []struct {
		name      string
		cfg       broadcast.Config
		transport func(*memory.Transport) transport.Transport
	}{
		{name: "best_effort"},
		{
			name: "strict_with_retry",
			cfg:  broadcast.Config{Ordering: broadcast.OrderingStrict, MaxRetries: 3, RetryDelay: 10 * time.Millisecond},
			transport: func(tr *memory.Transport) transport.Transport {
				ft := &flakyTransport{Transport: tr}
				ft.failures.Store(1)
				return ft
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{broadcast: tc.cfg, transport: tc.transport})
			ch := make(chan broadcast.Message, n)
			if _, err := f.o.Subscribe(context.Background(), "r1", "bob", broadcast.Handlers{
				OnMessage: func(m broadcast.Message) { ch <- m },
			}); err != nil {
				t.Fatalf("Subscribe: %v", err)
			}

			for i := 0; i < n; i++ {
				msg := textMessage("alice", "vitals update")
				msg.ID = fmt.Sprintf("m%03d", i)
				if _, err := f.o.Deliver(context.Background(), "r1", msg); err != nil {
					t.Fatalf("Deliver %s: %v", msg.ID, err)
				}
			}
			for i := 0; i < n; i++ {
				want := fmt.Sprintf("m%03d", i)
				if got := receive(t, ch); got.ID != want {
					t.Fatalf("position %d: got %s want %s", i, got.ID, want)
				}
			}
		})
	}
}

func TestReusedMessageIDIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{store: true, persist: true})
	ctx := context.Background()
	_, bobCh := subscribe(t, f.o, "r1", "bob")

	orig := textMessage("alice", "take 5mg daily")
	orig.ID = "m1"
	sent, err := f.o.Deliver(ctx, "r1", orig)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	receive(t, bobCh)

	forged := textMessage("mallory", "take 50mg daily")
	forged.ID = "m1"
	if _, err := f.o.Deliver(ctx, "r1", forged); !errors.Is(err, ErrConflict) {
		t.Fatalf("forged err=%v", err)
	}

	// Only the store remembers the id once the cache is cleared.
	f.o.InvalidateRoom("r1")
	forged.SenderID = "eve"
	if _, err := f.o.Deliver(ctx, "r1", forged); !errors.Is(err, ErrConflict) {
		t.Fatalf("forged after invalidate err=%v", err)
	}

	again, err := f.o.Deliver(ctx, "r1", orig)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if again.Timestamp != sent.Timestamp || string(again.Payload) != string(sent.Payload) {
		t.Fatalf("resend=%+v want %+v", again, sent)
	}
	if n := f.o.Unread("r1", "bob"); n != 1 {
		t.Fatalf("bob unread=%d want 1", n)
	}

	next, err := f.o.Deliver(ctx, "r1", textMessage("alice", "see you friday"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := receive(t, bobCh); got.ID != next.ID {
		t.Fatalf("bob got %q want %q", got.ID, next.ID)
	}

	f.o.InvalidateRoom("r1")
	got, err := f.o.ReadMessage(ctx, "r1", "m1")
	if err != nil || got.SenderID != "alice" || string(got.Payload) != string(sent.Payload) {
		t.Fatalf("ReadMessage=%+v err=%v", got, err)
	}
}

func TestReadWithoutStore(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	if _, err := f.o.ReadFile(context.Background(), "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestFileProgressUpdatesFileState(t *testing.T) {
	f := newFixture(t, fixtureOpts{store: true})
	ctx := context.Background()
	progress := func(p float64) broadcast.Message {
		payload, _ := json.Marshal(FileProgress{FileID: "f1", Name: "scan.pdf", Size: 2048, Progress: p})
		return broadcast.Message{Kind: broadcast.KindFileProgress, SenderID: "alice", Payload: payload}
	}

	if _, err := f.o.Deliver(ctx, "r1", progress(40)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	meta, err := f.o.ReadFile(ctx, "f1")
	if err != nil || meta.Status != FileUploading || meta.Progress != 40 || meta.UploaderID != "alice" {
		t.Fatalf("meta=%+v err=%v", meta, err)
	}
	if _, err := f.store.GetRecord(ctx, storage.KindFile, "f1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("in-progress file persisted: %v", err)
	}

	if _, err := f.o.Deliver(ctx, "r1", progress(100)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	meta, _ = f.o.ReadFile(ctx, "f1")
	if meta.Status != FileComplete || meta.Name != "scan.pdf" {
		t.Fatalf("meta=%+v", meta)
	}
	if _, err := f.store.GetRecord(ctx, storage.KindFile, "f1"); err != nil {
		t.Fatalf("completed file not persisted: %v", err)
	}
}

func TestDeliverRejectsInvalid(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	wrongRoom := textMessage("alice", "x")
	wrongRoom.RoomID = "r2"
	if _, err := f.o.Deliver(ctx, "r1", wrongRoom); !errors.Is(err, ErrRoomMismatch) {
		t.Fatalf("room mismatch err=%v", err)
	}
	if _, err := f.o.Deliver(ctx, "r1", broadcast.Message{Kind: "poke"}); !errors.Is(err, broadcast.ErrInvalidMessage) {
		t.Fatalf("bad kind err=%v", err)
	}
	noFile := broadcast.Message{Kind: broadcast.KindFileProgress, Payload: json.RawMessage(`{"progress":10}`)}
	if _, err := f.o.Deliver(ctx, "r1", noFile); !errors.Is(err, broadcast.ErrInvalidMessage) {
		t.Fatalf("missing file id err=%v", err)
	}
	if _, err := f.o.Deliver(ctx, " ", textMessage("alice", "x")); !errors.Is(err, broadcast.ErrInvalidMessage) {
		t.Fatalf("blank room err=%v", err)
	}
	if f.o.Caches().Messages.Len() != 0 {
		t.Fatalf("rejected messages were cached")
	}
}

func TestDeliveryFailureReachesObserver(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		transport: func(m *memory.Transport) transport.Transport { return brokenTransport{m} },
		broadcast: broadcast.Config{MaxRetries: 2, RetryDelay: time.Millisecond},
	})
	if _, err := f.o.Deliver(context.Background(), "r1", textMessage("alice", "lost")); err != nil {
		t.Fatalf("Deliver returned %v; failures must be asynchronous", err)
	}
	select {
	case err := <-f.obs.failedCh:
		if !errors.Is(err, broadcast.ErrRetriesExhausted) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("observer never saw the failure")
	}
}

func TestLastUnsubscribeClearsRoomLimiterState(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	sub, _ := subscribe(t, f.o, "r1", "u1")
	req := RequestContext{Action: ActionMessage, RoomID: "r1", UserID: "u1"}
	f.o.Admit(context.Background(), req)
	f.o.Admit(context.Background(), RequestContext{Action: ActionMessage, RoomID: "r2", UserID: "u1"})

	lim := f.o.Limiters().Get(ActionMessage)
	if _, ok := lim.Snapshot(AdmissionKey(req)); !ok {
		t.Fatalf("limiter entry missing before unsubscribe")
	}
	if err := f.o.Unsubscribe(context.Background(), sub); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, ok := lim.Snapshot(AdmissionKey(req)); ok {
		t.Fatalf("room limiter entry survived room close")
	}
	if _, ok := lim.Snapshot("room:r2:user:u1"); !ok {
		t.Fatalf("other room's entry was cleared")
	}
	f.obs.mu.Lock()
	defer f.obs.mu.Unlock()
	if len(f.obs.closed) != 1 || f.obs.closed[0] != "r1" {
		t.Fatalf("closed=%v", f.obs.closed)
	}
}

func TestStaleHitIsRefreshedInBackground(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := newFixture(t, fixtureOpts{store: true, clock: clock})
	ctx := context.Background()

	if _, err := f.o.PutUser(ctx, UserProfile{ID: "u1", Name: "Old"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	data, _ := json.Marshal(UserProfile{ID: "u1", Name: "New"})
	if err := f.store.PutRecord(ctx, storage.KindUser, "u1", data); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	u, err := f.o.ReadUser(ctx, "u1")
	if err != nil || u.Name != "Old" {
		t.Fatalf("stale read=%+v err=%v", u, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := f.o.Caches().Users.Get("u1"); ok && v.Name == "New" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stale entry was never refreshed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gatedStore blocks user reads until release is closed.
type gatedStore struct {
	storage.Store
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) GetRecord(ctx context.Context, kind, key string) ([]byte, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	<-g.release
	return g.Store.GetRecord(ctx, kind, key)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	f := newFixture(t, fixtureOpts{store: true})
	ctx := context.Background()
	data, _ := json.Marshal(UserProfile{ID: "u1", Name: "Dr. Lee"})
	if err := f.store.PutRecord(ctx, storage.KindUser, "u1", data); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	g := &gatedStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	f.o.store = g

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := f.o.ReadUser(ctx, "u1")
			if err == nil && u.Name != "Dr. Lee" {
				err = errors.New("wrong profile " + u.Name)
			}
			errs <- err
		}()
	}
	<-g.entered
	time.Sleep(50 * time.Millisecond)
	close(g.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ReadUser: %v", err)
		}
	}
	if n := g.calls.Load(); n != 1 {
		t.Fatalf("store reads=%d want 1", n)
	}
}

func TestStatsAndClose(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	if err := f.o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, ch := subscribe(t, f.o, "r1", "bob")
	if _, err := f.o.Deliver(context.Background(), "r1", textMessage("alice", "hi")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	receive(t, ch)

	st := f.o.Stats()
	if st.Hub.Rooms != 1 || st.Caches["messages"].Size != 1 || st.Caches["unread"].Size != 1 {
		t.Fatalf("stats=%+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.o.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.o.Deliver(context.Background(), "r1", textMessage("alice", "late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("deliver after close err=%v", err)
	}
	if _, err := f.o.Subscribe(context.Background(), "r1", "bob", broadcast.Handlers{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close err=%v", err)
	}
}
