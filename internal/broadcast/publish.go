package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/transport"
	"chatcore/pkg/logx"
)

type publishOptions struct {
	handoff func()
}

// PublishOption tunes a single Publish call.
type PublishOption func(*publishOptions)

// WithHandoff runs fn once the message no longer holds its place in line:
// after the first send attempt under best-effort ordering, or when Publish
// returns under strict ordering. An ordered sender releases its next
// message from fn.
func WithHandoff(fn func()) PublishOption {
	return func(o *publishOptions) { o.handoff = fn }
}

// Publish sends msg to roomID. A failed send parks the message in the
// room's retry queue and retries it with exponential backoff until it is
// delivered or MaxRetries attempts have been made. Publish blocks for the
// whole retry cycle; callers that must not wait run it in a goroutine.
//
// Missing ID and Timestamp are filled in. RoomID is always set to roomID.
func (h *Hub) Publish(ctx context.Context, roomID string, msg Message, opts ...PublishOption) error {
	var po publishOptions
	for _, o := range opts {
		o(&po)
	}
	handoff := func() {}
	if po.handoff != nil {
		var once sync.Once
		handoff = func() { once.Do(po.handoff) }
	}
	defer handoff()

	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("%w: missing room id", ErrInvalidMessage)
	}
	msg.RoomID = roomID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = h.clock().UnixMilli()
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broadcast: encode message: %w", err)
	}

	cfg := h.Config()
	r, err := h.roomForPublish(roomID)
	if err != nil {
		return err
	}
	strict := cfg.Ordering == OrderingStrict
	if strict {
		r.publishMu.Lock()
		defer r.publishMu.Unlock()
	}
	r.begin(h.clock())
	defer r.end()

	err = h.send(ctx, roomID, payload)
	if err == nil {
		h.delivered(r, msg, 1)
		if !strict {
			handoff()
		}
		h.drain(ctx, r, cfg.MaxRetries)
		return nil
	}

	p := newPending(msg, payload)
	ev, queued := r.enqueue(p, cfg.QueueSize)
	if ev != nil {
		h.dropped.Add(1)
		h.obs.Dropped(roomID, ev.msg, DropQueueOverflow)
		h.log.Warn("retry queue full, dropped oldest message",
			logx.Room(roomID), logx.String("message", ev.msg.ID))
	}
	if !queued {
		return fmt.Errorf("%w: %w", ErrDropped, err)
	}
	h.log.Debug("publish failed, queued for retry",
		logx.Room(roomID), logx.String("message", msg.ID), logx.Err(err))
	if !strict {
		handoff()
	}

	// Drains may spend attempts on p too, so the count lives on p and is
	// only read while p is claimed.
	attempts := 1
	for attempts < cfg.MaxRetries {
		if werr := sleepCtx(ctx, cfg.backoff(attempts), p.done); werr != nil {
			r.settle(p, pendingDropped)
			return werr
		}
		status, ok := r.claim(p)
		for !ok && status == pendingInflight {
			// A drain is sending p right now.
			if werr := sleepCtx(ctx, time.Millisecond, p.done); werr != nil {
				r.settle(p, pendingDropped)
				return werr
			}
			status, ok = r.claim(p)
		}
		if !ok {
			if status == pendingDelivered {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrDropped, err)
		}
		if p.attempts >= cfg.MaxRetries {
			attempts = p.attempts
			break
		}
		h.retries.Add(1)
		p.attempts++
		attempts = p.attempts
		err = h.send(ctx, roomID, payload)
		if err == nil {
			r.settle(p, pendingDelivered)
			h.delivered(r, msg, attempts)
			h.drain(ctx, r, cfg.MaxRetries)
			return nil
		}
		h.log.Debug("publish retry failed",
			logx.Room(roomID), logx.String("message", msg.ID),
			logx.Int("attempt", attempts), logx.Err(err))
		if attempts >= cfg.MaxRetries {
			break
		}
		r.release(p)
	}

	r.settle(p, pendingDropped)
	h.failed.Add(1)
	err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
	h.obs.PublishFailed(roomID, msg, err)
	h.log.Warn("publish gave up", logx.Room(roomID), logx.String("message", msg.ID), logx.Err(err))
	return err
}

// roomForPublish returns a live room, skipping one that is mid-teardown.
func (h *Hub) roomForPublish(id string) (*room, error) {
	for {
		r, err := h.room(id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		closing := r.closing
		r.mu.Unlock()
		if !closing {
			return r, nil
		}
		// Teardown removes the room from the map right after marking it.
		time.Sleep(time.Millisecond)
	}
}

func (h *Hub) send(ctx context.Context, roomID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.tr.Publish(ctx, transport.RoomChannel(roomID), payload)
}

func (h *Hub) delivered(r *room, msg Message, attempts int) {
	h.published.Add(1)
	r.mu.Lock()
	r.lastActive = h.clock()
	r.mu.Unlock()
	h.obs.Published(r.id, msg, attempts)
}

// drain gives every idle queued message with attempts left one attempt,
// oldest first, and stops at the first failure. Waiting publishers see
// their entry settled.
func (h *Hub) drain(ctx context.Context, r *room, maxAttempts int) {
	batch := r.claimQueued(maxAttempts)
	for i, p := range batch {
		p.attempts++
		h.retries.Add(1)
		if err := h.send(ctx, r.id, p.payload); err != nil {
			r.release(batch[i:]...)
			return
		}
		r.settle(p, pendingDelivered)
		h.delivered(r, p.msg, p.attempts)
	}
}

// sleepCtx waits for d, returning early when wake closes or ctx ends.
func sleepCtx(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-t.C:
		return nil
	}
}
