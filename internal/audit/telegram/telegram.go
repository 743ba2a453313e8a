// Package telegram forwards audit events and log alerts to an operations
// chat through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"chatcore/internal/audit"
	"chatcore/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	MinSeverity audit.Severity
	// Timeout bounds each Bot API call.
	Timeout time.Duration
}

// sender is the part of *tele.Bot the sink uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Sink struct {
	bot      sender
	chat     *tele.Chat
	threadID int
	min      audit.Severity
}

// New builds a send-only bot; no updates are polled.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newSink(b, cfg), nil
}

func newSink(b sender, cfg Config) *Sink {
	floor := cfg.MinSeverity
	if floor.Rank() == 0 {
		floor = audit.SeverityHigh
	}
	return &Sink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID, min: floor}
}

// Write sends events at or above the configured severity.
func (s *Sink) Write(ctx context.Context, e audit.Event) error {
	if !e.Severity.AtLeast(s.min) {
		return nil
	}
	return s.send(ctx, formatEvent(e))
}

// Forward implements logx.Forwarder.
func (s *Sink) Forward(ctx context.Context, level logx.Level, text string) error {
	head := "<b>" + html.EscapeString(strings.ToUpper(level.String())) + "</b>\n"
	return s.send(ctx, head+"<pre>"+html.EscapeString(clip(text, textLimit-64))+"</pre>")
}

func (s *Sink) send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              s.threadID,
	})
	return err
}

func formatEvent(e audit.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b> [%s]\n", icon(e.Severity), html.EscapeString(e.Action), html.EscapeString(string(e.Severity)))
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: <code>%s</code>\n", k, html.EscapeString(v))
		}
	}
	line("user", e.UserID)
	line("room", e.RoomID)
	line("ip", e.IPAddress)
	line("agent", e.UserAgent)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line(k, fmt.Sprint(e.Details[k]))
		}
	}
	line("at", e.At.UTC().Format(time.RFC3339))
	return clip(b.String(), textLimit)
}

func icon(s audit.Severity) string {
	switch s {
	case audit.SeverityCritical:
		return "🚨"
	case audit.SeverityHigh:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func clip(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}
