package httpapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatcore/internal/chat"
	"chatcore/pkg/logx"
)

var tracer = otel.Tracer("chatcore/internal/httpapi")

// observe opens a span per request and records latency by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracer.Start(r.Context(), "http.request", trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
			attribute.String("http.request_id", middleware.GetReqID(r.Context())),
		))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		r = r.WithContext(ctx)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int("http.response_size", ww.BytesWritten()),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		s.metrics.HTTPRequest(route, r.Method, status, time.Since(start))
	})
}

// routePattern returns the matched chi pattern so metrics stay low
// cardinality; unmatched requests collapse into one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// admit runs the chat admission check for action and answers 429 on
// rejection. Rate-limit headers are set either way.
func (s *Server) admit(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := requestContext(r, action)
			adm := s.chat.Admit(r.Context(), req)
			adm.WriteHeaders(w.Header())
			if !adm.Allowed {
				s.log.Debug("rate limited",
					logx.String("action", action), logx.String("key", adm.Key),
					logx.Int("retry_after", adm.RetryAfterSeconds))
				writeRateLimited(w, adm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+HeaderUserID+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestContext(r *http.Request, action string) chat.RequestContext {
	return chat.RequestContext{
		Action:    action,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		UserID:    userID(r),
		RoomID:    chi.URLParam(r, "roomID"),
	}
}

// userID reads the caller from the identity header. Browsers cannot set
// headers on a WebSocket handshake, so the query string is accepted there.
func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); id != "" {
		return id
	}
	if isWebSocket(r) {
		return strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	return ""
}

func isWebSocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// clientIP strips the port RemoteAddr carries unless RealIP replaced it.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
