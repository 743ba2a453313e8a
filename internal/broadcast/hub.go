package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/runtime/supervisor"
	"chatcore/internal/transport"
	"chatcore/pkg/logx"
)

// Hub fans room events out over a transport. Rooms are created on first
// use and torn down when their last local subscriber leaves.
type Hub struct {
	tr    transport.Transport
	log   logx.Logger
	obs   Observer
	clock func() time.Time

	cfg atomic.Pointer[Config]

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	published    atomic.Uint64
	retries      atomic.Uint64
	failed       atomic.Uint64
	dropped      atomic.Uint64
	dispatched   atomic.Uint64
	duplicates   atomic.Uint64
	decodeErrors atomic.Uint64
}

type Option func(*Hub)

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.clock = now
		}
	}
}

func WithObserver(o Observer) Option {
	return func(h *Hub) {
		if o != nil {
			h.obs = o
		}
	}
}

func NewHub(tr transport.Transport, cfg Config, log logx.Logger, opts ...Option) (*Hub, error) {
	if tr == nil {
		return nil, errors.New("broadcast: transport is required")
	}
	c, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	h := &Hub{
		tr:    tr,
		log:   log.With(logx.String("comp", "broadcast")),
		obs:   NopObserver{},
		clock: time.Now,
		rooms: map[string]*room{},
	}
	for _, o := range opts {
		o(h)
	}
	h.cfg.Store(&c)
	return h, nil
}

func (h *Hub) Config() Config { return *h.cfg.Load() }

// Apply swaps the retry policy. Publishes already retrying keep the policy
// they started with.
func (h *Hub) Apply(cfg Config) error {
	c, err := cfg.normalized()
	if err != nil {
		return err
	}
	h.cfg.Store(&c)
	return nil
}

// Subscribe registers handlers for roomID. The first local subscriber joins
// the room's transport channel; Subscribe returns once that join is live.
func (h *Hub) Subscribe(ctx context.Context, roomID, userID string, handlers Handlers) (*Subscription, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, errors.New("broadcast: room id is required")
	}
	sub := &Subscription{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		UserID:   userID,
		handlers: handlers,
	}
	for {
		r, err := h.room(roomID)
		if err != nil {
			return nil, err
		}
		if !r.add(sub, h.clock()) {
			// Lost a race with teardown; the next lookup builds a fresh room.
			continue
		}
		if err := r.join(ctx); err != nil {
			h.leave(sub)
			return nil, fmt.Errorf("broadcast: join %s: %w", roomID, err)
		}
		h.log.Debug("subscribed", logx.Room(roomID), logx.User(userID), logx.String("sub", sub.ID))
		return sub, nil
	}
}

// Unsubscribe removes sub. Removing the last subscriber closes the room:
// its transport subscription ends and queued retries are dropped.
func (h *Hub) Unsubscribe(_ context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	h.leave(sub)
	return nil
}

func (h *Hub) leave(sub *Subscription) {
	r := sub.room
	if r == nil {
		return
	}
	if !r.remove(sub) {
		return
	}
	h.closeRoom(r, DropRoomClosed)
}

// closeRoom detaches r from the hub. r must already be marked closing.
func (h *Hub) closeRoom(r *room, reason DropReason) {
	h.mu.Lock()
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
	}
	h.mu.Unlock()

	for _, p := range r.drop() {
		h.dropped.Add(1)
		h.obs.Dropped(r.id, p.msg, reason)
	}
	if err := r.leave(); err != nil {
		h.log.Warn("transport unsubscribe failed", logx.Room(r.id), logx.Err(err))
	}
	h.obs.RoomClosed(r.id)
	h.log.Debug("room closed", logx.Room(r.id), logx.String("reason", string(reason)))
}

// room returns the live room for id, creating it when absent.
func (h *Hub) room(id string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if r := h.rooms[id]; r != nil {
		return r, nil
	}
	r := newRoom(h, id, h.cfg.Load().DedupWindow, h.clock())
	h.rooms[id] = r
	return r, nil
}

func (h *Hub) lookup(id string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[id]
}

// State reports the room's lifecycle state as seen by this process.
func (h *Hub) State(roomID string) State {
	r := h.lookup(roomID)
	if r == nil {
		return StateUninitialized
	}
	return r.state()
}

// Members lists the distinct user ids subscribed to roomID here, sorted.
func (h *Hub) Members(roomID string) []string {
	r := h.lookup(roomID)
	if r == nil {
		return nil
	}
	return r.members()
}

// Subscribers counts local subscriptions to roomID.
func (h *Hub) Subscribers(roomID string) int {
	r := h.lookup(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Rooms lists the ids of live rooms, sorted.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		out = append(out, id)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	st := HubStats{
		Rooms:        len(rooms),
		Published:    h.published.Load(),
		Retries:      h.retries.Load(),
		Failed:       h.failed.Load(),
		Dropped:      h.dropped.Load(),
		Dispatched:   h.dispatched.Load(),
		Duplicates:   h.duplicates.Load(),
		DecodeErrors: h.decodeErrors.Load(),
	}
	for _, r := range rooms {
		r.mu.Lock()
		st.Subscribers += len(r.subs)
		st.Queued += len(r.queue)
		r.mu.Unlock()
	}
	return st
}

// QueueLen reports how many messages wait in roomID's retry queue.
func (h *Hub) QueueLen(roomID string) int {
	r := h.lookup(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// SweepIdle removes rooms that have no subscribers, no queued retries and
// no publish in flight, and have been quiet for RoomIdleTimeout.
func (h *Hub) SweepIdle(now time.Time) int {
	idle := h.Config().RoomIdleTimeout
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	n := 0
	for _, r := range rooms {
		if !r.closeIfIdle(now, idle) {
			continue
		}
		h.closeRoom(r, DropRoomClosed)
		n++
	}
	return n
}

// Close tears down every room. The transport is owned by the caller and
// stays open.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.closing = true
		r.mu.Unlock()
		h.closeRoom(r, DropHubClosed)
	}
	return nil
}

// dispatch delivers one transport payload to the room's local subscribers.
func (h *Hub) dispatch(r *room, payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.decodeErrors.Add(1)
		h.log.Warn("dropping undecodable room payload", logx.Room(r.id), logx.Err(err))
		return
	}
	subs, dup := r.accept(msg.ID)
	if dup {
		h.duplicates.Add(1)
		return
	}
	for _, s := range subs {
		fn := s.handlers.route(msg.Kind)
		if fn == nil {
			continue
		}
		m := msg.Clone()
		if err := supervisor.Safe("broadcast.handler", func() error { fn(m); return nil }); err != nil {
			h.log.Error("subscriber handler failed", logx.Room(r.id), logx.User(s.UserID), logx.Err(err))
			continue
		}
		h.dispatched.Add(1)
	}
}
