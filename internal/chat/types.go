package chat

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chatcore/internal/audit"
	"chatcore/internal/broadcast"
	"chatcore/internal/cache"
	"chatcore/internal/ratelimit"
)

var (
	ErrNotFound     = errors.New("chat: not found")
	ErrClosed       = errors.New("chat: orchestrator closed")
	ErrRoomMismatch = errors.New("chat: message room does not match target room")
	ErrConflict     = errors.New("chat: message id already used by another sender")
)

// Admission actions. Each selects the limiter of the same name; unknown
// actions fall back to ActionAPI.
const (
	ActionMessage  = "message"
	ActionTyping   = "typing"
	ActionUpload   = "upload"
	ActionPresence = "presence"
	ActionAPI      = "api"
)

// RequestContext identifies the caller of one inbound action.
type RequestContext struct {
	Action    string
	IP        string
	UserAgent string
	UserID    string
	RoomID    string
}

// Admission is the outcome of Admit. A rejected admission maps onto a 429
// response carrying the rate-limit headers.
type Admission struct {
	Allowed           bool      `json:"allowed"`
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`

	Limiter string           `json:"limiter,omitempty"`
	Key     string           `json:"key,omitempty"`
	Result  ratelimit.Result `json:"-"`
}

// WriteHeaders sets X-RateLimit-* and, on rejection, Retry-After. An
// admission with no limiter behind it writes nothing.
func (a Admission) WriteHeaders(h http.Header) {
	if a.Limiter == "" {
		return
	}
	a.Result.WriteHeaders(h)
}

type UserProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// File transfer states carried by file_progress events.
const (
	FileUploading = "uploading"
	FileComplete  = "complete"
	FileFailed    = "failed"
)

// FileMeta is the latest known state of an attachment.
type FileMeta struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	UploaderID  string    `json:"uploader_id,omitempty"`
	Name        string    `json:"name,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Progress    float64   `json:"progress"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (f FileMeta) terminal() bool { return f.Status == FileComplete || f.Status == FileFailed }

// FileProgress is the payload of a file_progress event.
type FileProgress struct {
	FileID      string  `json:"file_id"`
	Name        string  `json:"name,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	Size        int64   `json:"size,omitempty"`
	Progress    float64 `json:"progress"`
	Status      string  `json:"status,omitempty"`
}

// Caches groups the four chat caches. All fields are required.
type Caches struct {
	Messages *cache.Cache[broadcast.Message]
	Users    *cache.Cache[UserProfile]
	Files    *cache.Cache[FileMeta]
	Unread   *cache.Cache[int]
}

type namedCache interface {
	Name() string
	Stats() cache.Stats
	InvalidateByTags(tags ...string) int
	Start(ctx context.Context) error
	Close() error
}

func (c Caches) all() []namedCache {
	return []namedCache{c.Messages, c.Users, c.Files, c.Unread}
}

func (c Caches) valid() bool {
	return c.Messages != nil && c.Users != nil && c.Files != nil && c.Unread != nil
}

// Observer receives typed notifications from one orchestrator. Calls happen
// on delivery goroutines and must not block.
type Observer interface {
	Delivered(roomID string, msg broadcast.Message, attempts int)
	DeliveryFailed(roomID string, msg broadcast.Message, err error)
	AdmissionRejected(req RequestContext, adm Admission)
	RoomClosed(roomID string)
}

type NopObserver struct{}

func (NopObserver) Delivered(string, broadcast.Message, int)       {}
func (NopObserver) DeliveryFailed(string, broadcast.Message, error) {}
func (NopObserver) AdmissionRejected(RequestContext, Admission)     {}
func (NopObserver) RoomClosed(string)                               {}

type Stats struct {
	Caches   map[string]cache.Stats `json:"caches"`
	Hub      broadcast.HubStats     `json:"hub"`
	Audit    audit.Stats            `json:"audit"`
	InFlight int64                  `json:"in_flight"`
}

func roomTag(id string) string { return "room:" + id }
func userTag(id string) string { return "user:" + id }
func fileTag(id string) string { return "file:" + id }

func messageKey(roomID, id string) string { return roomID + "/" + id }
func unreadKey(roomID, userID string) string {
	return roomID + "/" + userID
}
