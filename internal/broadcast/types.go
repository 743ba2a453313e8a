package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed           = errors.New("broadcast: hub closed")
	ErrDropped          = errors.New("broadcast: message dropped from retry queue")
	ErrRetriesExhausted = errors.New("broadcast: publish retries exhausted")
	ErrInvalidMessage   = errors.New("broadcast: invalid message")
)

type Kind string

const (
	KindMessage      Kind = "message"
	KindTyping       Kind = "typing"
	KindPresence     Kind = "presence"
	KindFileProgress Kind = "file_progress"
	KindSystem       Kind = "system"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindTyping, KindPresence, KindFileProgress, KindSystem:
		return true
	default:
		return false
	}
}

// Message is one room event. Payload is opaque JSON owned by the message;
// handlers receive their own copy.
type Message struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	RoomID     string          `json:"room_id"`
	SenderID   string          `json:"sender_id,omitempty"`
	SenderName string          `json:"sender_name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func (m Message) Clone() Message {
	if m.Payload != nil {
		m.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return m
}

func (m Message) Time() time.Time { return time.UnixMilli(m.Timestamp) }

// Validate checks the fields Publish requires.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case !m.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	case len(m.Payload) > 0 && !json.Valid(m.Payload):
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidMessage)
	}
	return nil
}

// Handlers receive room events by kind. Presence and system events go to
// OnMessage. A nil handler drops its kind for that subscriber.
type Handlers struct {
	OnMessage      func(Message)
	OnTyping       func(Message)
	OnFileProgress func(Message)
}

func (h Handlers) route(k Kind) func(Message) {
	switch k {
	case KindTyping:
		return h.OnTyping
	case KindFileProgress:
		return h.OnFileProgress
	default:
		return h.OnMessage
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID     string
	RoomID string
	UserID string

	handlers Handlers
	room     *room
}

type Ordering string

const (
	// OrderingBestEffort lets a fresh publish overtake messages waiting in
	// the retry queue.
	OrderingBestEffort Ordering = "best_effort"
	// OrderingStrict serializes publishes per room, retries included.
	OrderingStrict Ordering = "strict"
)

type Config struct {
	// MaxRetries is the total number of publish attempts per message.
	MaxRetries int
	// RetryDelay is the base of the backoff: attempt n waits
	// RetryDelay*2^(n-1) before attempt n+1.
	RetryDelay time.Duration
	// QueueSize caps the per-room retry queue; overflow drops the oldest.
	QueueSize int
	Ordering  Ordering
	// RoomIdleTimeout bounds how long a room without subscribers or pending
	// work is kept.
	RoomIdleTimeout time.Duration
	// DedupWindow is how many recent message ids each room remembers to
	// suppress duplicate dispatch.
	DedupWindow int
}

func (c Config) normalized() (Config, error) {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.RoomIdleTimeout <= 0 {
		c.RoomIdleTimeout = 10 * time.Minute
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 256
	}
	switch c.Ordering {
	case "":
		c.Ordering = OrderingBestEffort
	case OrderingBestEffort, OrderingStrict:
	default:
		return c, fmt.Errorf("broadcast: unknown ordering %q", c.Ordering)
	}
	return c, nil
}

// backoff is the wait after the given failed attempt (1-based).
func (c Config) backoff(attempt int) time.Duration {
	return c.RetryDelay << (attempt - 1)
}

type State string

const (
	StateUninitialized State = "uninitialized"
	StateSubscribing   State = "subscribing"
	StateJoined        State = "joined"
	StatePublishing    State = "publishing"
	StateRetrying      State = "retrying"
	StateUnsubscribing State = "unsubscribing"
)

type DropReason string

const (
	DropQueueOverflow DropReason = "queue_overflow"
	DropRoomClosed    DropReason = "room_closed"
	DropHubClosed     DropReason = "hub_closed"
)

// Observer receives hub lifecycle notifications. Calls are synchronous;
// implementations must be quick and must not call back into the hub.
type Observer interface {
	Published(roomID string, msg Message, attempts int)
	PublishFailed(roomID string, msg Message, err error)
	Dropped(roomID string, msg Message, reason DropReason)
	RoomClosed(roomID string)
}

type NopObserver struct{}

func (NopObserver) Published(string, Message, int)       {}
func (NopObserver) PublishFailed(string, Message, error) {}
func (NopObserver) Dropped(string, Message, DropReason)  {}
func (NopObserver) RoomClosed(string)                    {}

type HubStats struct {
	Rooms        int    `json:"rooms"`
	Subscribers  int    `json:"subscribers"`
	Queued       int    `json:"queued"`
	Published    uint64 `json:"published"`
	Retries      uint64 `json:"retries"`
	Failed       uint64 `json:"failed"`
	Dropped      uint64 `json:"dropped"`
	Dispatched   uint64 `json:"dispatched"`
	Duplicates   uint64 `json:"duplicates"`
	DecodeErrors uint64 `json:"decode_errors"`
}
