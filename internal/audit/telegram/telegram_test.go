package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"chatcore/internal/audit"
	"chatcore/pkg/logx"
)

type fakeBot struct {
	to   []tele.Recipient
	text []string
	opts []*tele.SendOptions
	err  error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.to = append(f.to, to)
	f.text = append(f.text, what.(string))
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			f.opts = append(f.opts, so)
		}
	}
	return &tele.Message{ID: len(f.text)}, nil
}

func TestWriteFiltersBySeverity(t *testing.T) {
	bot := &fakeBot{}
	s := newSink(bot, Config{ChatID: -100, ThreadID: 7, MinSeverity: audit.SeverityCritical})

	_ = s.Write(context.Background(), audit.Event{Action: "rate_limit.exceeded", Severity: audit.SeverityHigh})
	if len(bot.text) != 0 {
		t.Fatalf("high event forwarded below threshold")
	}
	err := s.Write(context.Background(), audit.Event{
		Action:   "rate_limit.critical",
		Severity: audit.SeverityCritical,
		UserID:   "<u1>",
		At:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Details:  map[string]any{"violations": 51, "limiter": "message"},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(bot.text) != 1 {
		t.Fatalf("sent=%d", len(bot.text))
	}
	msg := bot.text[0]
	for _, want := range []string{"rate_limit.critical", "&lt;u1&gt;", "violations: <code>51</code>", "2026-03-01T12:00:00Z"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	if strings.Index(msg, "limiter") > strings.Index(msg, "violations") {
		t.Fatalf("details not sorted: %q", msg)
	}
	if bot.to[0].Recipient() != "-100" || bot.opts[0].ThreadID != 7 || bot.opts[0].ParseMode != tele.ModeHTML {
		t.Fatalf("to=%v opts=%+v", bot.to[0], bot.opts[0])
	}
}

func TestDefaultMinSeverityIsHigh(t *testing.T) {
	bot := &fakeBot{}
	s := newSink(bot, Config{ChatID: 1})
	_ = s.Write(context.Background(), audit.Event{Severity: audit.SeverityMedium})
	_ = s.Write(context.Background(), audit.Event{Severity: audit.SeverityHigh})
	if len(bot.text) != 1 {
		t.Fatalf("sent=%d want 1", len(bot.text))
	}
}

func TestForwardEscapesAndClips(t *testing.T) {
	bot := &fakeBot{}
	s := newSink(bot, Config{ChatID: 1})
	long := "<" + strings.Repeat("x", 5000)
	if err := s.Forward(context.Background(), logx.LevelError, long); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	msg := bot.text[0]
	if !strings.HasPrefix(msg, "<b>ERROR</b>") || !strings.Contains(msg, "&lt;xxx") {
		t.Fatalf("msg prefix=%q", msg[:40])
	}
	if n := len([]rune(msg)); n > textLimit+64 {
		t.Fatalf("message not clipped: %d runes", n)
	}
}

func TestSendErrorsPropagate(t *testing.T) {
	s := newSink(&fakeBot{err: errors.New("429")}, Config{ChatID: 1})
	if err := s.Write(context.Background(), audit.Event{Severity: audit.SeverityCritical}); err == nil {
		t.Fatalf("error swallowed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Forward(ctx, logx.LevelWarn, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{ChatID: 1}); err == nil {
		t.Fatalf("empty token accepted")
	}
	if _, err := New(Config{Token: "123:abc"}); err == nil {
		t.Fatalf("missing chat id accepted")
	}
}
