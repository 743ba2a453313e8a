package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"chatcore/internal/audit"
	"chatcore/internal/broadcast"
	"chatcore/internal/cache"
	"chatcore/internal/metrics"
	"chatcore/internal/ratelimit"
	rtsup "chatcore/internal/runtime/supervisor"
	"chatcore/internal/storage"
	"chatcore/internal/transport"
	"chatcore/pkg/logx"
)

var tracer = otel.Tracer("chatcore/internal/chat")

type Options struct {
	Limiters  *ratelimit.Registry
	Transport transport.Transport
	Broadcast broadcast.Config
	Caches    Caches

	// Store backs cache misses and message persistence. Nil disables both.
	Store storage.Store
	// PersistMessages writes every delivered chat message to Store.
	PersistMessages bool

	Audit   *audit.Emitter
	Metrics *metrics.Metrics
	Logger  logx.Logger
	Clock   func() time.Time
}

// Orchestrator is the single entry point chat handlers use: admission,
// delivery and cache-aside reads over one room hub.
type Orchestrator struct {
	limiters *ratelimit.Registry
	hub      *broadcast.Hub
	caches   Caches
	store    storage.Store
	persist  bool
	audit    *audit.Emitter
	metrics  *metrics.Metrics
	log      logx.Logger
	clock    func() time.Time

	group singleflight.Group

	// mu guards closed; publishes are spawned under the read lock so Close
	// never races a late wg.Add.
	mu       sync.RWMutex
	closed   bool
	sup      *rtsup.Supervisor
	inflight atomic.Int64

	// lanes keep each room's publishes in Deliver order.
	lmu   sync.Mutex
	lanes map[string]*lane

	// claims holds client-chosen message keys while their delivery runs.
	claims sync.Map

	omu       sync.RWMutex
	observers []Observer
}

// lane chains the publishes of one room: each waits for the previous
// one's handoff before its first send.
type lane struct {
	tail    chan struct{}
	waiting int
}

// New builds the orchestrator and its room hub. ctx bounds background
// publishes and refreshes; Close drains them.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Limiters == nil {
		return nil, errors.New("chat: limiter registry is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}
	if !opts.Caches.valid() {
		return nil, errors.New("chat: all four caches are required")
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "chat"))
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	o := &Orchestrator{
		limiters: opts.Limiters,
		caches:   opts.Caches,
		store:    opts.Store,
		persist:  opts.PersistMessages && opts.Store != nil,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		log:      log,
		clock:    clock,
		sup:      rtsup.New(ctx, rtsup.WithLogger(log)),
		lanes:    map[string]*lane{},
	}
	hub, err := broadcast.NewHub(opts.Transport, opts.Broadcast, opts.Logger,
		broadcast.WithClock(clock), broadcast.WithObserver(hubEvents{o}))
	if err != nil {
		return nil, err
	}
	o.hub = hub
	return o, nil
}

// Hub exposes the room hub for sweeps and live reconfiguration.
func (o *Orchestrator) Hub() *broadcast.Hub { return o.hub }

func (o *Orchestrator) Caches() Caches { return o.caches }

func (o *Orchestrator) Limiters() *ratelimit.Registry { return o.limiters }

// AddObserver registers obs for every later notification.
func (o *Orchestrator) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	o.omu.Lock()
	o.observers = append(o.observers, obs)
	o.omu.Unlock()
}

func (o *Orchestrator) notify(name string, fn func(Observer)) {
	o.omu.RLock()
	obs := o.observers
	o.omu.RUnlock()
	for _, ob := range obs {
		if err := rtsup.Safe(name, func() error { fn(ob); return nil }); err != nil {
			o.log.Error("observer failed", logx.String("event", name), logx.Err(err))
		}
	}
}

// Start launches the cache expiry sweeps.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, c := range o.caches.all() {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("cache %s: %w", c.Name(), err)
		}
	}
	return nil
}

// Close stops accepting deliveries, waits for in-flight publishes (bounded
// by ctx, then cancelled), and tears down rooms and cache sweeps.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	var errs []error
	if err := o.sup.Wait(ctx); err != nil {
		o.log.Warn("abandoning in-flight publishes", logx.Int64("in_flight", o.inflight.Load()), logx.Err(err))
		o.sup.Cancel()
		_ = o.sup.Wait(context.Background())
	}
	o.sup.Cancel()
	errs = append(errs, o.hub.Close())
	for _, c := range o.caches.all() {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// AdmissionKey derives the limiter key for req: room and user when both are
// known, else user, else IP plus user agent.
func AdmissionKey(req RequestContext) string {
	switch {
	case req.RoomID != "" && req.UserID != "":
		return "room:" + req.RoomID + ":user:" + req.UserID
	case req.UserID != "":
		return "user:" + req.UserID
	case req.UserAgent != "":
		return "ip:" + req.IP + "|" + req.UserAgent
	default:
		return "ip:" + req.IP
	}
}

func (o *Orchestrator) limiterFor(action string) (string, *ratelimit.Limiter) {
	if l := o.limiters.Get(action); l != nil {
		return action, l
	}
	return ActionAPI, o.limiters.Get(ActionAPI)
}

// Admit checks req against its action's limiter. Rejections past the audit
// threshold emit an audit event; the emission never blocks the caller.
func (o *Orchestrator) Admit(ctx context.Context, req RequestContext) Admission {
	name, lim := o.limiterFor(req.Action)
	if lim == nil {
		return Admission{Allowed: true}
	}
	key := AdmissionKey(req)
	res := lim.Check(key)
	adm := Admission{
		Allowed:           res.Allowed,
		Limit:             res.Limit,
		Remaining:         res.Remaining,
		ResetAt:           res.ResetAt,
		RetryAfterSeconds: res.RetryAfterSeconds(),
		Limiter:           name,
		Key:               key,
		Result:            res,
	}
	o.metrics.Admission(name, res.Allowed)
	if res.Allowed {
		return adm
	}

	trace.SpanFromContext(ctx).AddEvent("rate_limited", trace.WithAttributes(
		attribute.String("chat.limiter", name),
		attribute.Int("chat.violations", res.ViolationCount),
		attribute.Bool("chat.burst", !res.BurstAllowed),
	))
	o.log.Debug("request rejected",
		logx.String("limiter", name), logx.String("key", key),
		logx.Int("violations", res.ViolationCount), logx.Duration("retry_after", res.RetryAfter))
	if res.Escalation != "" {
		o.escalate(name, key, req, res)
	}
	o.notify("chat.admission_rejected", func(ob Observer) { ob.AdmissionRejected(req, adm) })
	return adm
}

func (o *Orchestrator) escalate(limiter, key string, req RequestContext, res ratelimit.Result) {
	o.metrics.Escalation(limiter, string(res.Escalation))
	action := audit.ActionRateLimitExceeded
	if res.Escalation == ratelimit.SeverityCritical {
		action = audit.ActionRateLimitCritical
	}
	if o.audit == nil {
		return
	}
	err := o.audit.Emit(audit.Event{
		Action:    action,
		Severity:  audit.Severity(res.Escalation),
		UserID:    req.UserID,
		RoomID:    req.RoomID,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
		Details: map[string]any{
			"limiter":     limiter,
			"key":         key,
			"violations":  res.ViolationCount,
			"limit":       res.Limit,
			"trust_score": res.TrustScore,
			"burst":       !res.BurstAllowed,
		},
	})
	if err != nil && !errors.Is(err, audit.ErrDisabled) {
		o.log.Warn("audit emit failed", logx.String("key", key), logx.Err(err))
	}
}

// Flag feeds an abuse signal from outside the limiter (a moderation
// report, a failed upload scan) into req's trust history.
func (o *Orchestrator) Flag(req RequestContext, sev ratelimit.Severity) {
	if _, lim := o.limiterFor(req.Action); lim != nil {
		lim.RecordViolation(AdmissionKey(req), sev)
	}
}

// Deliver updates the caches for msg and publishes it to roomID in the
// background. It returns the message as published (with ID and Timestamp
// filled in) once the publish has been started; delivery failures are
// logged, counted and reported to observers. A client-chosen ID already
// taken in the room yields ErrConflict unless the same sender resends it,
// in which case the earlier message is returned and nothing is published.
func (o *Orchestrator) Deliver(ctx context.Context, roomID string, msg broadcast.Message) (broadcast.Message, error) {
	ctx, span := tracer.Start(ctx, "chat.deliver", trace.WithAttributes(
		attribute.String("chat.room", roomID),
		attribute.String("chat.kind", string(msg.Kind)),
	))
	defer span.End()

	msg, err := o.deliver(ctx, roomID, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deliver failed")
		return broadcast.Message{}, err
	}
	span.SetAttributes(attribute.String("chat.message", msg.ID))
	return msg, nil
}

func (o *Orchestrator) deliver(ctx context.Context, roomID string, msg broadcast.Message) (broadcast.Message, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return msg, fmt.Errorf("%w: missing room id", broadcast.ErrInvalidMessage)
	}
	if msg.RoomID != "" && msg.RoomID != roomID {
		return msg, ErrRoomMismatch
	}
	msg.RoomID = roomID
	if msg.Kind == "" {
		msg.Kind = broadcast.KindMessage
	}
	clientID := msg.ID != ""
	if !clientID {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = o.clock().UnixMilli()
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	if o.isClosed() {
		return msg, ErrClosed
	}

	switch msg.Kind {
	case broadcast.KindMessage, broadcast.KindSystem:
		if clientID {
			key := messageKey(roomID, msg.ID)
			if _, busy := o.claims.LoadOrStore(key, msg.SenderID); busy {
				return msg, ErrConflict
			}
			defer o.claims.Delete(key)
			prev, found, err := o.storedMessage(ctx, key)
			if err != nil {
				return msg, err
			}
			if found {
				if prev.SenderID != msg.SenderID {
					return msg, ErrConflict
				}
				return prev.Clone(), nil
			}
		}
		if msg.Kind == broadcast.KindMessage && o.persist {
			if err := o.putRecord(ctx, storage.KindMessage, messageKey(roomID, msg.ID), msg); err != nil {
				return msg, fmt.Errorf("persist message: %w", err)
			}
		}
		o.cacheMessage(msg)
		if msg.Kind == broadcast.KindMessage {
			o.bumpUnread(roomID, msg.SenderID)
		}
	case broadcast.KindFileProgress:
		if err := o.trackFile(ctx, msg); err != nil {
			return msg, err
		}
	}

	if err := o.publish(ctx, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// storedMessage looks up an earlier message under key. A resend by the same
// sender is answered with that message; any other sender conflicts.
func (o *Orchestrator) storedMessage(ctx context.Context, key string) (broadcast.Message, bool, error) {
	m, err := readThrough(ctx, o, o.messages(), key)
	switch {
	case errors.Is(err, ErrNotFound):
		return broadcast.Message{}, false, nil
	case err != nil:
		return broadcast.Message{}, false, fmt.Errorf("check message id: %w", err)
	}
	return m, true, nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

func (o *Orchestrator) cacheMessage(msg broadcast.Message) {
	tags := []string{roomTag(msg.RoomID)}
	if msg.SenderID != "" {
		tags = append(tags, userTag(msg.SenderID))
	}
	if err := o.caches.Messages.Set(messageKey(msg.RoomID, msg.ID), msg.Clone(), cache.WithTags(tags...)); err != nil {
		o.log.Warn("message not cached", logx.Room(msg.RoomID), logx.String("message", msg.ID), logx.Err(err))
	}
}

func (o *Orchestrator) bumpUnread(roomID, senderID string) {
	for _, member := range o.hub.Members(roomID) {
		if member == "" || member == senderID {
			continue
		}
		_, err := o.caches.Unread.Update(unreadKey(roomID, member), func(n int, _ bool) int { return n + 1 },
			cache.WithTags(roomTag(roomID), userTag(member)))
		if err != nil {
			o.log.Warn("unread counter not updated", logx.Room(roomID), logx.User(member), logx.Err(err))
		}
	}
}

func (o *Orchestrator) trackFile(ctx context.Context, msg broadcast.Message) error {
	var fp FileProgress
	if err := json.Unmarshal(msg.Payload, &fp); err != nil {
		return fmt.Errorf("%w: file progress payload: %v", broadcast.ErrInvalidMessage, err)
	}
	fp.FileID = strings.TrimSpace(fp.FileID)
	switch {
	case fp.FileID == "":
		return fmt.Errorf("%w: file progress needs a file_id", broadcast.ErrInvalidMessage)
	case fp.Progress < 0 || fp.Progress > 100:
		return fmt.Errorf("%w: progress %v out of range", broadcast.ErrInvalidMessage, fp.Progress)
	}

	tags := []string{roomTag(msg.RoomID), fileTag(fp.FileID)}
	if msg.SenderID != "" {
		tags = append(tags, userTag(msg.SenderID))
	}
	meta, err := o.caches.Files.Update(fp.FileID, func(cur FileMeta, ok bool) FileMeta {
		if !ok {
			cur = FileMeta{ID: fp.FileID, RoomID: msg.RoomID, UploaderID: msg.SenderID}
		}
		if fp.Name != "" {
			cur.Name = fp.Name
		}
		if fp.ContentType != "" {
			cur.ContentType = fp.ContentType
		}
		if fp.Size > 0 {
			cur.Size = fp.Size
		}
		cur.Progress = fp.Progress
		cur.Status = fp.Status
		if cur.Status == "" {
			cur.Status = FileUploading
			if fp.Progress >= 100 {
				cur.Status = FileComplete
			}
		}
		cur.UpdatedAt = msg.Time()
		return cur
	}, cache.WithTags(tags...))
	if err != nil {
		o.log.Warn("file state not cached", logx.String("file", fp.FileID), logx.Err(err))
		return nil
	}
	if meta.terminal() && o.store != nil {
		if err := o.putRecord(ctx, storage.KindFile, meta.ID, meta); err != nil {
			o.log.Warn("file state not persisted", logx.String("file", meta.ID), logx.Err(err))
		}
	}
	return nil
}

func (o *Orchestrator) putRecord(ctx context.Context, kind, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return o.store.PutRecord(ctx, kind, key, data)
}

// publish hands msg to the hub on a supervised goroutine. Publishes to
// one room start in call order: each waits for its predecessor's handoff.
// The request span is linked, not parented, since it ends before the
// publish does.
func (o *Orchestrator) publish(ctx context.Context, msg broadcast.Message) error {
	link := trace.LinkFromContext(ctx)

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	prev, turn := o.enterLane(msg.RoomID)
	o.inflight.Add(1)
	o.sup.Go0("chat.publish", func(ctx context.Context) {
		defer o.inflight.Add(-1)
		defer o.leaveLane(msg.RoomID)
		var once sync.Once
		release := func() { once.Do(func() { close(turn) }) }
		defer release()

		ctx, span := tracer.Start(ctx, "chat.publish", trace.WithLinks(link), trace.WithAttributes(
			attribute.String("chat.room", msg.RoomID),
			attribute.String("chat.message", msg.ID),
		))
		defer span.End()

		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
			}
		}
		err := o.hub.Publish(ctx, msg.RoomID, msg, broadcast.WithHandoff(release))
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		o.log.Warn("delivery failed", logx.Room(msg.RoomID), logx.String("message", msg.ID), logx.Err(err))
		// Exhausted and dropped publishes were already reported by the hub.
		if !errors.Is(err, broadcast.ErrRetriesExhausted) && !errors.Is(err, broadcast.ErrDropped) {
			o.metrics.PublishFailed()
			o.notify("chat.delivery_failed", func(ob Observer) { ob.DeliveryFailed(msg.RoomID, msg, err) })
		}
	})
	return nil
}

// enterLane queues a publish on roomID's lane. prev is nil when the lane
// is idle; turn must be closed once the publish hands off.
func (o *Orchestrator) enterLane(roomID string) (prev <-chan struct{}, turn chan struct{}) {
	o.lmu.Lock()
	defer o.lmu.Unlock()
	l := o.lanes[roomID]
	if l == nil {
		l = &lane{}
		o.lanes[roomID] = l
	}
	prev = l.tail
	turn = make(chan struct{})
	l.tail = turn
	l.waiting++
	return prev, turn
}

func (o *Orchestrator) leaveLane(roomID string) {
	o.lmu.Lock()
	defer o.lmu.Unlock()
	if l := o.lanes[roomID]; l != nil {
		if l.waiting--; l.waiting <= 0 {
			delete(o.lanes, roomID)
		}
	}
}

// Subscribe registers handlers for roomID on behalf of userID, making the
// user a room member for unread accounting.
func (o *Orchestrator) Subscribe(ctx context.Context, roomID, userID string, h broadcast.Handlers) (*broadcast.Subscription, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}
	return o.hub.Subscribe(ctx, roomID, userID, h)
}

func (o *Orchestrator) Unsubscribe(ctx context.Context, sub *broadcast.Subscription) error {
	return o.hub.Unsubscribe(ctx, sub)
}

// InvalidateRoom drops every cached entry tagged with roomID.
func (o *Orchestrator) InvalidateRoom(roomID string) int {
	return o.invalidate(roomTag(roomID))
}

// InvalidateUser drops every cached entry tagged with userID, including the
// profile itself.
func (o *Orchestrator) InvalidateUser(userID string) int {
	return o.invalidate(userTag(userID))
}

func (o *Orchestrator) invalidate(tag string) int {
	n := 0
	for _, c := range o.caches.all() {
		n += c.InvalidateByTags(tag)
	}
	return n
}

func (o *Orchestrator) Stats() Stats {
	st := Stats{
		Caches:   make(map[string]cache.Stats, 4),
		Hub:      o.hub.Stats(),
		InFlight: o.inflight.Load(),
	}
	for _, c := range o.caches.all() {
		st.Caches[c.Name()] = c.Stats()
	}
	if o.audit != nil {
		st.Audit = o.audit.Stats()
	}
	return st
}

// hubEvents turns hub callbacks into metrics and observer notifications.
type hubEvents struct{ o *Orchestrator }

func (e hubEvents) Published(roomID string, msg broadcast.Message, attempts int) {
	e.o.metrics.Published(attempts)
	e.o.notify("chat.delivered", func(ob Observer) { ob.Delivered(roomID, msg, attempts) })
}

func (e hubEvents) PublishFailed(roomID string, msg broadcast.Message, err error) {
	e.o.metrics.PublishFailed()
	e.o.notify("chat.delivery_failed", func(ob Observer) { ob.DeliveryFailed(roomID, msg, err) })
}

func (e hubEvents) Dropped(roomID string, msg broadcast.Message, reason broadcast.DropReason) {
	e.o.metrics.Dropped(reason)
	err := fmt.Errorf("%w: %s", broadcast.ErrDropped, reason)
	e.o.notify("chat.delivery_failed", func(ob Observer) { ob.DeliveryFailed(roomID, msg, err) })
}

// RoomClosed forgets the room's per-user violation counters along with it.
func (e hubEvents) RoomClosed(roomID string) {
	e.o.metrics.RoomClosed()
	if n := e.o.limiters.ResetPrefix("room:" + roomID + ":"); n > 0 {
		e.o.log.Debug("room limiter state cleared", logx.Room(roomID), logx.Int("keys", n))
	}
	e.o.notify("chat.room_closed", func(ob Observer) { ob.RoomClosed(roomID) })
}
