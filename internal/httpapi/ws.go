package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"chatcore/internal/broadcast"
	"chatcore/internal/chat"
	"chatcore/pkg/logx"
)

const wsWriteTimeout = 5 * time.Second

// frame is one server-to-client WebSocket message.
type frame struct {
	Type              string             `json:"type"`
	Message           *broadcast.Message `json:"message,omitempty"`
	Error             *apiError          `json:"error,omitempty"`
	RetryAfterSeconds int                `json:"retry_after_seconds,omitempty"`
}

// inbound is one client-to-server WebSocket message.
type inbound struct {
	ID      string          `json:"id,omitempty"`
	Kind    broadcast.Kind  `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var inboundActions = map[broadcast.Kind]string{
	broadcast.KindMessage:      chat.ActionMessage,
	broadcast.KindTyping:       chat.ActionTyping,
	broadcast.KindFileProgress: chat.ActionUpload,
}

func errorFrame(code, msg string) frame {
	return frame{Type: "error", Error: &apiError{Code: code, Message: msg}}
}

// serveWS subscribes the caller to the room and relays events both ways
// until either side goes away.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+HeaderUserID+" header or user_id query")
		return
	}
	roomID := chi.URLParam(r, "roomID")
	name := strings.TrimSpace(r.Header.Get(HeaderUserName))
	if name == "" {
		name = strings.TrimSpace(r.URL.Query().Get("user_name"))
	}

	s.ws.Add(1)
	defer s.ws.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.log.Debug("websocket accept failed", logx.String("room", roomID), logx.Err(err))
		return
	}
	log := s.log.With(logx.Room(roomID), logx.User(uid))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan frame, s.cfg.SendBuffer)
	var overflow atomic.Bool
	push := func(f frame) {
		if ctx.Err() != nil {
			return
		}
		select {
		case send <- f:
		default:
			if overflow.CompareAndSwap(false, true) {
				log.Warn("websocket send buffer full, closing")
			}
			cancel()
		}
	}
	event := func(m broadcast.Message) { push(frame{Type: "event", Message: &m}) }

	sub, err := s.chat.Subscribe(ctx, roomID, uid, broadcast.Handlers{
		OnMessage:      event,
		OnFileProgress: event,
		OnTyping: func(m broadcast.Message) {
			if m.SenderID != uid {
				event(m)
			}
		},
	})
	if err != nil {
		log.Warn("websocket subscribe failed", logx.Err(err))
		_ = conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	s.metrics.WebSocketClients(1)
	log.Debug("websocket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-send:
				wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
				err := wsjson.Write(wctx, conn, f)
				wcancel()
				if err != nil {
					log.Debug("websocket write failed", logx.Err(err))
					cancel()
					return
				}
			}
		}
	}()

	s.presence(ctx, roomID, uid, name, "online")
	s.readLoop(ctx, r, conn, push, log)

	cancel()
	<-writerDone
	ictx, icancel := context.WithTimeout(context.WithoutCancel(ctx), wsWriteTimeout)
	s.presence(ictx, roomID, uid, name, "offline")
	if err := s.chat.Unsubscribe(ictx, sub); err != nil {
		log.Debug("websocket unsubscribe failed", logx.Err(err))
	}
	icancel()
	s.metrics.WebSocketClients(-1)

	if overflow.Load() {
		_ = conn.Close(websocket.StatusPolicyViolation, "send buffer full")
	} else {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	log.Debug("websocket disconnected")
}

func (s *Server) readLoop(ctx context.Context, r *http.Request, conn *websocket.Conn, push func(frame), log logx.Logger) {
	roomID := chi.URLParam(r, "roomID")
	for {
		// wsjson.Read closes the connection on a bad frame; decode here so
		// a malformed frame only earns an error reply.
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("websocket read failed", logx.Err(err))
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			push(errorFrame("bad_request", "invalid JSON frame"))
			continue
		}

		action, ok := inboundActions[in.Kind]
		if !ok {
			push(errorFrame("invalid_message", "kind must be message, typing or file_progress"))
			continue
		}
		adm := s.chat.Admit(ctx, requestContext(r, action))
		if !adm.Allowed {
			f := errorFrame("rate_limit_exceeded", "too many "+adm.Limiter+" requests, retry later")
			f.RetryAfterSeconds = adm.RetryAfterSeconds
			push(f)
			continue
		}

		msg := broadcast.Message{
			ID:         in.ID,
			Kind:       in.Kind,
			SenderID:   userID(r),
			SenderName: strings.TrimSpace(r.Header.Get(HeaderUserName)),
			Payload:    in.Payload,
		}
		if _, err := s.chat.Deliver(ctx, roomID, msg); err != nil {
			switch {
			case errors.Is(err, broadcast.ErrInvalidMessage), errors.Is(err, chat.ErrRoomMismatch):
				push(errorFrame("invalid_message", err.Error()))
			case errors.Is(err, chat.ErrConflict):
				push(errorFrame("conflict", err.Error()))
			case errors.Is(err, chat.ErrClosed):
				return
			default:
				log.Warn("websocket deliver failed", logx.Err(err))
				push(errorFrame("internal", "delivery failed"))
			}
		}
	}
}

func (s *Server) presence(ctx context.Context, roomID, uid, name, status string) {
	payload, _ := json.Marshal(map[string]string{"status": status})
	_, err := s.chat.Deliver(ctx, roomID, broadcast.Message{
		Kind:       broadcast.KindPresence,
		SenderID:   uid,
		SenderName: name,
		Payload:    payload,
	})
	if err != nil && !errors.Is(err, chat.ErrClosed) {
		s.log.Debug("presence not delivered", logx.Room(roomID), logx.User(uid), logx.String("status", status), logx.Err(err))
	}
}
