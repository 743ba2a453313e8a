package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"chatcore/internal/broadcast"
	"chatcore/internal/cache"
)

func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if !matches(metric, labels) {
				continue
			}
			switch {
			case metric.Counter != nil:
				return metric.GetCounter().GetValue()
			case metric.Gauge != nil:
				return metric.GetGauge().GetValue()
			case metric.Histogram != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	for k, v := range labels {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestRecorders(t *testing.T) {
	m := New()
	m.Admission("message", true)
	m.Admission("message", false)
	m.Admission("message", false)
	m.Escalation("message", "high")
	m.Published(3)
	m.PublishFailed()
	m.Dropped(broadcast.DropQueueOverflow)
	m.RoomClosed()
	m.Audit("written")
	m.JobRun("limiter_sweep", nil)
	m.JobRun("limiter_sweep", errors.New("x"))
	m.WebSocketClients(2)
	m.WebSocketClients(-1)
	m.HTTPRequest("/v1/rooms/{roomID}/messages", "POST", 202, 5*time.Millisecond)

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"chatcore_admissions_total", map[string]string{"action": "message", "result": "rejected"}, 2},
		{"chatcore_admissions_total", map[string]string{"action": "message", "result": "allowed"}, 1},
		{"chatcore_escalations_total", map[string]string{"severity": "high"}, 1},
		{"chatcore_publishes_total", map[string]string{"result": "delivered"}, 1},
		{"chatcore_publishes_total", map[string]string{"result": "failed"}, 1},
		{"chatcore_publish_attempts", nil, 1},
		{"chatcore_retry_queue_drops_total", map[string]string{"reason": "queue_overflow"}, 1},
		{"chatcore_rooms_closed_total", nil, 1},
		{"chatcore_audit_events_total", map[string]string{"result": "written"}, 1},
		{"chatcore_maintenance_runs_total", map[string]string{"job": "limiter_sweep", "result": "error"}, 1},
		{"chatcore_websocket_clients", nil, 1},
		{"chatcore_http_request_duration_seconds", map[string]string{"status": "202"}, 1},
	}
	for _, c := range checks {
		if got := value(t, m, c.name, c.labels); got != c.want {
			t.Errorf("%s%v=%v want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestCacheAndHubGauges(t *testing.T) {
	m := New()
	stats := cache.Stats{Size: 7, MemoryUsage: 1024, Hits: 3, Misses: 1, HitRate: 0.75}
	m.RegisterCache("messages", func() cache.Stats { return stats })
	m.RegisterHub(func() broadcast.HubStats { return broadcast.HubStats{Rooms: 2, Subscribers: 5, Queued: 1} })
	m.RegisterLimiter("message", func() int { return 42 })

	if got := value(t, m, "chatcore_cache_entries", map[string]string{"cache": "messages"}); got != 7 {
		t.Fatalf("entries=%v", got)
	}
	stats.Size = 9
	if got := value(t, m, "chatcore_cache_entries", map[string]string{"cache": "messages"}); got != 9 {
		t.Fatalf("gauge not read at scrape time: %v", got)
	}
	if got := value(t, m, "chatcore_cache_hit_ratio", nil); got != 0.75 {
		t.Fatalf("hit ratio=%v", got)
	}
	if got := value(t, m, "chatcore_broadcast_subscribers", nil); got != 5 {
		t.Fatalf("subscribers=%v", got)
	}
	if got := value(t, m, "chatcore_ratelimit_keys", map[string]string{"limiter": "message"}); got != 42 {
		t.Fatalf("keys=%v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Admission("message", true)
	m.Published(1)
	m.RegisterCache("x", func() cache.Stats { return cache.Stats{} })
	m.HTTPRequest("/", "GET", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Fatalf("nil metrics returned a registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.Admission("typing", true)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `chatcore_admissions_total{action="typing",result="allowed"} 1`) {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
