package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatcore/internal/transport"
)

type pendingStatus uint8

const (
	pendingQueued pendingStatus = iota
	pendingInflight
	pendingDelivered
	pendingDropped
)

// pending is a message waiting in a room's retry queue.
type pending struct {
	msg      Message
	payload  []byte
	attempts int
	status   pendingStatus
	// done is closed once the entry is delivered or dropped.
	done chan struct{}
}

func newPending(msg Message, payload []byte) *pending {
	return &pending{msg: msg, payload: payload, attempts: 1, done: make(chan struct{})}
}

// finish sets a final status. Callers hold the room lock.
func (p *pending) finish(s pendingStatus) {
	if p.status == pendingDelivered || p.status == pendingDropped {
		return
	}
	p.status = s
	close(p.done)
}

type room struct {
	id  string
	hub *Hub

	// joinMu serializes transport subscribe and unsubscribe.
	joinMu sync.Mutex
	tsub   transport.Subscription

	// publishMu is held across a whole publish in strict ordering.
	publishMu sync.Mutex

	mu         sync.Mutex
	subs       map[string]*Subscription
	joined     bool
	closing    bool
	inflight   int
	queue      []*pending
	lastActive time.Time
	recent     *recentIDs
}

func newRoom(h *Hub, id string, dedup int, now time.Time) *room {
	return &room{
		id:         id,
		hub:        h,
		subs:       map[string]*Subscription{},
		lastActive: now,
		recent:     newRecentIDs(dedup),
	}
}

// add registers sub unless the room is being torn down.
func (r *room) add(sub *Subscription, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	sub.room = r
	r.subs[sub.ID] = sub
	r.lastActive = now
	return true
}

// remove deletes sub and reports whether the room is now empty and has
// been marked closing.
func (r *room) remove(sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; !ok {
		return false
	}
	delete(r.subs, sub.ID)
	if len(r.subs) > 0 || r.closing {
		return false
	}
	r.closing = true
	return true
}

func (r *room) join(ctx context.Context) error {
	r.joinMu.Lock()
	defer r.joinMu.Unlock()
	if r.tsub != nil {
		return nil
	}
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing {
		return ErrClosed
	}
	s, err := r.hub.tr.Subscribe(ctx, transport.RoomChannel(r.id), func(b []byte) { r.hub.dispatch(r, b) })
	if err != nil {
		return err
	}
	r.tsub = s
	r.mu.Lock()
	r.joined = true
	r.mu.Unlock()
	return nil
}

func (r *room) leave() error {
	r.joinMu.Lock()
	defer r.joinMu.Unlock()
	if r.tsub == nil {
		return nil
	}
	err := r.tsub.Close()
	r.tsub = nil
	r.mu.Lock()
	r.joined = false
	r.mu.Unlock()
	return err
}

// drop empties the retry queue, marking each entry dropped so the
// publishers waiting on them give up.
func (r *room) drop() []*pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.queue
	r.queue = nil
	for _, p := range out {
		p.finish(pendingDropped)
	}
	return out
}

func (r *room) closeIfIdle(now time.Time, idle time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing || len(r.subs) > 0 || len(r.queue) > 0 || r.inflight > 0 {
		return false
	}
	if now.Sub(r.lastActive) < idle {
		return false
	}
	r.closing = true
	return true
}

func (r *room) state() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closing:
		return StateUnsubscribing
	case len(r.subs) > 0 && !r.joined:
		return StateSubscribing
	case len(r.queue) > 0:
		return StateRetrying
	case r.inflight > 0:
		return StatePublishing
	case r.joined:
		return StateJoined
	default:
		return StateUninitialized
	}
}

func (r *room) members() []string {
	r.mu.Lock()
	seen := make(map[string]struct{}, len(r.subs))
	for _, s := range r.subs {
		if s.UserID != "" {
			seen[s.UserID] = struct{}{}
		}
	}
	r.mu.Unlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// accept records id in the dedup window and returns the subscribers to
// deliver to. dup is true when id was already seen.
func (r *room) accept(id string) (subs []*Subscription, dup bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recent.seen(id) {
		return nil, true
	}
	subs = make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	return subs, false
}

func (r *room) begin(now time.Time) {
	r.mu.Lock()
	r.inflight++
	r.lastActive = now
	r.mu.Unlock()
}

func (r *room) end() {
	r.mu.Lock()
	r.inflight--
	r.mu.Unlock()
}

// enqueue appends p to the retry queue. At capacity the oldest entry not
// currently being sent is evicted and returned. queued is false when the
// room is closing.
func (r *room) enqueue(p *pending, capacity int) (evicted *pending, queued bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		p.finish(pendingDropped)
		return nil, false
	}
	if len(r.queue) >= capacity {
		idx := 0
		for i, q := range r.queue {
			if q.status == pendingQueued {
				idx = i
				break
			}
		}
		evicted = r.queue[idx]
		evicted.finish(pendingDropped)
		r.queue = append(r.queue[:idx], r.queue[idx+1:]...)
	}
	p.status = pendingQueued
	r.queue = append(r.queue, p)
	return evicted, true
}

// claim takes p for another attempt. It returns p's status when the entry
// was settled elsewhere (delivered by a drain, or dropped).
func (r *room) claim(p *pending) (pendingStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.status != pendingQueued {
		return p.status, false
	}
	p.status = pendingInflight
	return pendingInflight, true
}

// claimQueued takes every idle entry with attempts left, oldest first.
// Spent entries stay queued for their publisher to settle.
func (r *room) claimQueued(maxAttempts int) []*pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*pending
	for _, p := range r.queue {
		if p.status == pendingQueued && p.attempts < maxAttempts {
			p.status = pendingInflight
			out = append(out, p)
		}
	}
	return out
}

// release puts claimed entries back in the queue untouched.
func (r *room) release(ps ...*pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range ps {
		if p.status == pendingInflight {
			p.status = pendingQueued
		}
	}
}

// settle removes p from the queue with the given final status.
func (r *room) settle(p *pending, status pendingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.finish(status)
	for i, q := range r.queue {
		if q == p {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

// recentIDs is a fixed-size ring of message ids.
type recentIDs struct {
	ring []string
	pos  int
	set  map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	if size <= 0 {
		size = 1
	}
	return &recentIDs{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

// seen reports whether id is in the window and records it if not.
func (w *recentIDs) seen(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := w.set[id]; ok {
		return true
	}
	if old := w.ring[w.pos]; old != "" {
		delete(w.set, old)
	}
	w.ring[w.pos] = id
	w.set[id] = struct{}{}
	w.pos = (w.pos + 1) % len(w.ring)
	return false
}
