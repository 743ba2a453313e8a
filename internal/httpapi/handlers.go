package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chatcore/internal/broadcast"
	"chatcore/internal/chat"
	"chatcore/pkg/logx"
)

const maxBody = 64 << 10

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error             apiError `json:"error"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: msg}})
}

func writeRateLimited(w http.ResponseWriter, adm chat.Admission) {
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error: apiError{
			Code:    "rate_limit_exceeded",
			Message: "too many " + adm.Limiter + " requests, retry later",
		},
		RetryAfterSeconds: adm.RetryAfterSeconds,
	})
}

// writeChatError maps orchestrator errors onto status codes.
func (s *Server) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, broadcast.ErrInvalidMessage), errors.Is(err, chat.ErrRoomMismatch):
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
	case errors.Is(err, chat.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, chat.ErrClosed), errors.Is(err, broadcast.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down")
	default:
		s.log.Error("request failed",
			logx.String("path", r.URL.Path), logx.String("request_id", middleware.GetReqID(r.Context())), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	st := s.chat.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"rooms":       st.Hub.Rooms,
		"subscribers": st.Hub.Subscribers,
	})
}

// messageRequest is the body of POST /messages.
type messageRequest struct {
	ID      string          `json:"id,omitempty"`
	Kind    broadcast.Kind  `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Kind != "" && req.Kind != broadcast.KindMessage && req.Kind != broadcast.KindSystem {
		writeError(w, http.StatusBadRequest, "invalid_message", "kind must be message or system")
		return
	}
	s.deliver(w, r, broadcast.Message{ID: req.ID, Kind: req.Kind, Payload: req.Payload})
}

func (s *Server) postTyping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Typing *bool `json:"typing"`
	}
	if !decode(w, r, &body) {
		return
	}
	typing := body.Typing == nil || *body.Typing
	payload, _ := json.Marshal(map[string]bool{"typing": typing})
	s.deliver(w, r, broadcast.Message{Kind: broadcast.KindTyping, Payload: payload})
}

func (s *Server) postFileProgress(w http.ResponseWriter, r *http.Request) {
	var fp chat.FileProgress
	if !decode(w, r, &fp) {
		return
	}
	fp.FileID = chi.URLParam(r, "fileID")
	payload, err := json.Marshal(fp)
	if err != nil {
		s.writeChatError(w, r, err)
		return
	}
	s.deliver(w, r, broadcast.Message{Kind: broadcast.KindFileProgress, Payload: payload})
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request, msg broadcast.Message) {
	msg.SenderID = userID(r)
	msg.SenderName = strings.TrimSpace(r.Header.Get(HeaderUserName))
	sent, err := s.chat.Deliver(r.Context(), chi.URLParam(r, "roomID"), msg)
	if err != nil {
		s.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sent)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.chat.ReadMessage(r.Context(), chi.URLParam(r, "roomID"), chi.URLParam(r, "messageID"))
	if err != nil {
		s.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) getUnread(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id": roomID,
		"unread":  s.chat.Unread(roomID, userID(r)),
	})
}

func (s *Server) postRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id": roomID,
		"cleared": s.chat.MarkRead(roomID, userID(r)),
	})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.chat.ReadUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// putUser lets a caller maintain their own profile.
func (s *Server) putUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if caller := userID(r); caller != id {
		writeError(w, http.StatusForbidden, "forbidden", "profiles can only be updated by their owner")
		return
	}
	var u chat.UserProfile
	if !decode(w, r, &u) {
		return
	}
	u.ID = id
	u, err := s.chat.PutUser(r.Context(), u)
	if err != nil {
		s.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.chat.ReadFile(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		s.writeChatError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.chat.Stats())
}
