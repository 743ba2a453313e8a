package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  addr: ":9090"
rate_limits:
  message:
    window: 60s
    max_requests: 30
    burst_limit: 10
    burst_window: 10s
    adaptive:
      enabled: true
      low_trust: 40
caches:
  messages:
    ttl: 2m
    max_memory: 1MB
broadcast:
  retry_delay: 50ms
maintenance:
  limiter_sweep: "@every 30s"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAMLAppliesDefaults(t *testing.T) {
	m := NewManager(writeFile(t, "chatcore.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("http.addr=%q", cfg.HTTP.Addr)
	}
	if got := cfg.RateLimits[LimitMessage]; got.MaxRequests != 30 || got.Adaptive == nil || got.Adaptive.LowTrust != 40 {
		t.Fatalf("message limiter=%+v", got)
	}
	if _, ok := cfg.RateLimits[LimitTyping]; !ok {
		t.Fatalf("typing preset missing")
	}
	if got := cfg.Caches[CacheMessages]; got.TTL != "2m" || got.MaxSize != 5000 {
		t.Fatalf("messages cache=%+v", got)
	}
	if cfg.Broadcast.MaxRetries != 3 || cfg.Broadcast.QueueSize != 100 || cfg.Broadcast.Ordering != "best_effort" {
		t.Fatalf("broadcast defaults=%+v", cfg.Broadcast)
	}
	if m.Get() != cfg {
		t.Fatalf("Load should commit the snapshot")
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := NewManager(writeFile(t, "c.json", `{"logging":{"level":"info"},"bogus":1}`)).Parse()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v want ErrInvalidConfig", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Transport.Driver = "carrier-pigeon"
	cfg.Broadcast.RetryDelay = "soon"
	cfg.Maintenance.StatsLog = "every tuesday"

	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"transport.driver", "broadcast.retry_delay", "maintenance.stats_log"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvRedisPassword, "s3cret")
	t.Setenv(EnvTelegramChat, "-100123")
	cfg := Default()
	ApplyEnv(cfg)
	if cfg.Transport.Redis.Password != "s3cret" || cfg.Audit.Telegram.ChatID != -100123 {
		t.Fatalf("env not applied: %+v %+v", cfg.Transport.Redis, cfg.Audit.Telegram)
	}
}

func TestLoadEnvMissingFileIsFine(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{"": 0, "512": 512, "10KB": 10 << 10, "1.5MB": 3 << 19, "2gb": 2 << 30}
	for in, want := range cases {
		got, err := ParseByteSize("x", in)
		if err != nil || got != want {
			t.Fatalf("ParseByteSize(%q)=%d,%v want %d", in, got, err, want)
		}
	}
	if _, err := ParseByteSize("x", "lots"); err == nil {
		t.Fatalf("expected error for garbage size")
	}
}

func TestSummarizeChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Broadcast.RetryDelay = "2s"
	b.RateLimits[LimitTyping] = RateLimitConfig{Window: "30s", MaxRequests: 5}
	b.Transport.Redis.Password = "x"

	sections, _ := SummarizeChange(a, b)
	got := strings.Join(sections, ",")
	if got != "transport,rate_limits,broadcast" {
		t.Fatalf("sections=%q", got)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	path := writeFile(t, "chatcore.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleYAML, "retry_delay: 50ms", "retry_delay: 75ms", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Broadcast.RetryDelay != "75ms" {
			t.Fatalf("retry_delay=%q", cfg.Broadcast.RetryDelay)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload published")
	}
}
