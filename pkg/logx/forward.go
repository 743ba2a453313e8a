package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	forwardMaxText  = 3500
	forwardMaxValue = 600
	forwardTimeout  = 10 * time.Second
)

type forwardItem struct {
	level Level
	text  string
}

func (s *Service) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.fwdQueue:
			s.mu.Lock()
			fwd := s.forwarder
			s.mu.Unlock()
			if fwd == nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, forwardTimeout)
			if err := fwd.Forward(sendCtx, it.level, it.text); err != nil {
				fmt.Fprintf(Stderr(), "logx: forward failed: %v\n", err)
			}
			cancel()
		}
	}
}

// forwardWriter is the zerolog sink feeding the forward queue. It never blocks
// the logging call site: over-rate and over-capacity records are dropped.
type forwardWriter struct{ svc *Service }

func (w *forwardWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *forwardWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	fwd := s.forwarder
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if fwd == nil || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	text := renderRecord(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case s.fwdQueue <- forwardItem{level: level, text: text}:
	default:
	}
	return len(p), nil
}

// renderRecord turns one zerolog JSON line into a short plain-text alert.
func renderRecord(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), forwardMaxText)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(clip(fmt.Sprint(m[k]), forwardMaxValue))
	}
	return clip(b.String(), forwardMaxText)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
