package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"chatcore/internal/broadcast"
	"chatcore/internal/config"
	"chatcore/internal/httpapi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Console = false
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Storage = config.StorageConfig{
		Driver:          "file",
		Path:            filepath.Join(t.TempDir(), "chat.db"),
		PersistMessages: true,
	}
	cfg.Audit.Enabled = true
	return cfg
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestStartServeStop(t *testing.T) {
	a, err := NewFromConfig(context.Background(), nil, testConfig(t))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopApp(t, a)
	base := "http://" + a.Addr()

	req, _ := http.NewRequest(http.MethodPost, base+"/v1/rooms/consult-1/messages",
		bytes.NewReader([]byte(`{"payload":{"text":"blood pressure is 120/80"}}`)))
	req.Header.Set(httpapi.HeaderUserID, "dr-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var sent broadcast.Message
	_ = json.NewDecoder(resp.Body).Decode(&sent)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || sent.ID == "" {
		t.Fatalf("status=%d sent=%+v", resp.StatusCode, sent)
	}

	// Drop the cached copy so the read goes to storage.
	a.Chat().InvalidateRoom("consult-1")
	resp, err = http.Get(base + "/v1/rooms/consult-1/messages/" + sent.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("persisted message status=%d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	for _, want := range []string{
		`chatcore_admissions_total{action="message",result="allowed"} 1`,
		`chatcore_cache_entries{cache="messages"}`,
		`chatcore_ratelimit_keys{limiter="message"}`,
		"chatcore_broadcast_rooms",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
	http.DefaultClient.CloseIdleConnections()
}

func TestApplyReconfiguresLiveComponents(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewFromConfig(context.Background(), nil, cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopApp(t, a)

	next := testConfig(t)
	next.Storage = cfg.Storage
	next.RateLimits[config.LimitMessage] = config.RateLimitConfig{Window: "30s", MaxRequests: 5}
	next.RateLimits["triage"] = config.RateLimitConfig{Window: "1m", MaxRequests: 2}
	next.Caches[config.CacheMessages] = config.CacheConfig{TTL: "1m", MaxSize: 10}
	next.Broadcast.Ordering = "strict"
	next.Maintenance.StatsLog = "@every 1h"
	config.Normalize(next)

	a.Apply(context.Background(), cfg, next)

	if got := a.Chat().Limiters().Get(config.LimitMessage).Config(); got.MaxRequests != 5 || got.Window != 30*time.Second {
		t.Fatalf("message limiter=%+v", got)
	}
	if a.Chat().Limiters().Get("triage") == nil {
		t.Fatalf("new limiter not created")
	}
	if !a.registered["triage"] {
		t.Fatalf("new limiter not exported to metrics")
	}
	if got := a.Chat().Hub().Config().Ordering; got != broadcast.OrderingStrict {
		t.Fatalf("ordering=%q", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Caches[config.CacheUsers] = config.CacheConfig{MaxMemory: "plenty"}
	if _, err := NewFromConfig(context.Background(), nil, cfg); err == nil {
		t.Fatalf("bad cache size accepted")
	}

	cfg = testConfig(t)
	cfg.Audit.Telegram.MinSeverity = "apocalyptic"
	if _, err := NewFromConfig(context.Background(), nil, cfg); err == nil {
		t.Fatalf("bad severity accepted")
	}
}

func TestBindFailureIsReturned(t *testing.T) {
	first, err := NewFromConfig(context.Background(), nil, testConfig(t))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopApp(t, first)

	cfg := testConfig(t)
	cfg.HTTP.Addr = first.Addr()
	second, err := NewFromConfig(context.Background(), nil, cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	defer stopApp(t, second)
	if err := second.Start(context.Background()); err == nil {
		t.Fatalf("second listener on %s started", cfg.HTTP.Addr)
	}
}

func TestConfigFileReload(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a file watch reload")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "chatcore.yaml")
	write := func(maxRequests string) {
		body := `
logging:
  level: info
http:
  addr: "127.0.0.1:0"
rate_limits:
  typing:
    window: 60s
    max_requests: ` + maxRequests + `
`
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("7")

	a, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopApp(t, a)

	time.Sleep(100 * time.Millisecond)
	write("9")

	deadline := time.Now().Add(5 * time.Second)
	for a.Chat().Limiters().Get(config.LimitTyping).Config().MaxRequests != 9 {
		if time.Now().After(deadline) {
			t.Fatalf("reload never applied")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("supervisor error: %v", err)
	}
}
