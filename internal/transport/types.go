// Package transport defines the pub/sub contract the broadcast hub runs on.
// Implementations live in subpackages (memory, redis).
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport: closed")

// Handler receives one raw payload. Calls for one subscription are
// sequential and in publish order.
type Handler func(payload []byte)

// Subscription is a live channel subscription.
type Subscription interface {
	Close() error
}

type Transport interface {
	// Publish sends payload to every subscriber of channel. A nil error
	// means the transport accepted the message, not that anyone read it.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers h for channel. The subscription is active when
	// Subscribe returns.
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
	Close() error
}

// RoomChannel is the channel name used for a chat room.
func RoomChannel(roomID string) string { return "chat:room:" + roomID }
