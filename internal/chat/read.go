package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chatcore/internal/broadcast"
	"chatcore/internal/cache"
	"chatcore/internal/storage"
	"chatcore/pkg/logx"
)

// source describes where a cache miss is filled from.
type source[T any] struct {
	cache *cache.Cache[T]
	kind  string
	tags  func(T) []string
}

// readThrough serves key from the cache and falls back to the store on a
// miss. Concurrent misses for one key share a single fetch. A stale hit is
// returned as is and refreshed in the background.
func readThrough[T any](ctx context.Context, o *Orchestrator, src source[T], key string) (T, error) {
	span := trace.SpanFromContext(ctx)
	if v, meta, ok := src.cache.Lookup(key); ok {
		span.SetAttributes(attribute.Bool("chat.cache_hit", true), attribute.Bool("chat.cache_stale", meta.Stale))
		if meta.Stale {
			o.refresh(func(ctx context.Context) {
				if _, err := fill(ctx, o, src, key); err != nil && !errors.Is(err, ErrNotFound) {
					o.log.Warn("background refresh failed", logx.String("kind", src.kind), logx.String("key", key), logx.Err(err))
				}
			})
		}
		return v, nil
	}
	span.SetAttributes(attribute.Bool("chat.cache_hit", false))
	return fill(ctx, o, src, key)
}

func fill[T any](ctx context.Context, o *Orchestrator, src source[T], key string) (T, error) {
	var zero T
	if o.store == nil {
		return zero, ErrNotFound
	}
	v, err, _ := o.group.Do(src.kind+"\x00"+key, func() (any, error) {
		data, err := o.store.GetRecord(ctx, src.kind, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load %s %s: %w", src.kind, key, err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", src.kind, key, err)
		}
		var opts []cache.SetOption
		if src.tags != nil {
			opts = append(opts, cache.WithTags(src.tags(v)...))
		}
		if err := src.cache.Set(key, v, opts...); err != nil {
			o.log.Warn("loaded value not cached", logx.String("kind", src.kind), logx.String("key", key), logx.Err(err))
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// refresh runs fn on the orchestrator's supervisor unless it is closing.
func (o *Orchestrator) refresh(fn func(ctx context.Context)) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	o.sup.Go0("chat.refresh", fn)
}

func (o *Orchestrator) messages() source[broadcast.Message] {
	return source[broadcast.Message]{
		cache: o.caches.Messages,
		kind:  storage.KindMessage,
		tags: func(m broadcast.Message) []string {
			tags := []string{roomTag(m.RoomID)}
			if m.SenderID != "" {
				tags = append(tags, userTag(m.SenderID))
			}
			return tags
		},
	}
}

func (o *Orchestrator) users() source[UserProfile] {
	return source[UserProfile]{
		cache: o.caches.Users,
		kind:  storage.KindUser,
		tags:  func(u UserProfile) []string { return []string{userTag(u.ID)} },
	}
}

func (o *Orchestrator) files() source[FileMeta] {
	return source[FileMeta]{
		cache: o.caches.Files,
		kind:  storage.KindFile,
		tags: func(f FileMeta) []string {
			tags := []string{roomTag(f.RoomID), fileTag(f.ID)}
			if f.UploaderID != "" {
				tags = append(tags, userTag(f.UploaderID))
			}
			return tags
		},
	}
}

// ReadMessage returns one message of roomID.
func (o *Orchestrator) ReadMessage(ctx context.Context, roomID, messageID string) (broadcast.Message, error) {
	ctx, span := tracer.Start(ctx, "chat.read_message", trace.WithAttributes(
		attribute.String("chat.room", roomID), attribute.String("chat.message", messageID)))
	defer span.End()
	m, err := readThrough(ctx, o, o.messages(), messageKey(roomID, messageID))
	if err != nil {
		return broadcast.Message{}, err
	}
	return m.Clone(), nil
}

func (o *Orchestrator) ReadUser(ctx context.Context, userID string) (UserProfile, error) {
	ctx, span := tracer.Start(ctx, "chat.read_user", trace.WithAttributes(attribute.String("chat.user", userID)))
	defer span.End()
	return readThrough(ctx, o, o.users(), userID)
}

func (o *Orchestrator) ReadFile(ctx context.Context, fileID string) (FileMeta, error) {
	ctx, span := tracer.Start(ctx, "chat.read_file", trace.WithAttributes(attribute.String("chat.file", fileID)))
	defer span.End()
	return readThrough(ctx, o, o.files(), fileID)
}

// PutUser writes a profile through to the store and the user cache.
func (o *Orchestrator) PutUser(ctx context.Context, u UserProfile) (UserProfile, error) {
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return u, errors.New("chat: user id is required")
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = o.clock().UTC()
	}
	if o.store != nil {
		if err := o.putRecord(ctx, storage.KindUser, u.ID, u); err != nil {
			return u, fmt.Errorf("persist user: %w", err)
		}
	}
	if err := o.caches.Users.Set(u.ID, u, cache.WithTags(userTag(u.ID))); err != nil {
		o.log.Warn("profile not cached", logx.User(u.ID), logx.Err(err))
	}
	return u, nil
}

// Unread returns userID's unread message count in roomID.
func (o *Orchestrator) Unread(roomID, userID string) int {
	n, _ := o.caches.Unread.Get(unreadKey(roomID, userID))
	return max(0, n)
}

// MarkRead resets userID's unread count in roomID and returns the count it
// replaced.
func (o *Orchestrator) MarkRead(roomID, userID string) int {
	key := unreadKey(roomID, userID)
	n, _ := o.caches.Unread.Get(key)
	o.caches.Unread.Delete(key)
	return max(0, n)
}
