// Package metrics exposes chat core counters to Prometheus.
//
// Every recording method is safe on a nil *Metrics, so components can take
// one optionally.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatcore/internal/broadcast"
	"chatcore/internal/cache"
)

const namespace = "chatcore"

type Metrics struct {
	reg *prometheus.Registry

	admissions  *prometheus.CounterVec
	escalations *prometheus.CounterVec
	publishes   *prometheus.CounterVec
	attempts    prometheus.Histogram
	drops       *prometheus.CounterVec
	audit       *prometheus.CounterVec
	roomsClosed prometheus.Counter
	jobs        *prometheus.CounterVec
	wsClients   prometheus.Gauge
	httpReqs    *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admissions_total",
			Help: "Rate limiter decisions by action and result.",
		}, []string{"action", "result"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_total",
			Help: "Rate limit violations that crossed an audit threshold.",
		}, []string{"action", "severity"}),
		publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publishes_total",
			Help: "Room publishes by final result.",
		}, []string{"result"}),
		attempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "publish_attempts",
			Help:    "Transport attempts needed per delivered message.",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_queue_drops_total",
			Help: "Messages dropped from room retry queues.",
		}, []string{"reason"}),
		audit: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_events_total",
			Help: "Audit events by pipeline outcome.",
		}, []string{"result"}),
		roomsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rooms_closed_total",
			Help: "Rooms torn down after their last subscriber left or went idle.",
		}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "maintenance_runs_total",
			Help: "Scheduled maintenance job runs.",
		}, []string{"job", "result"}),
		wsClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "websocket_clients",
			Help: "Connected WebSocket subscribers.",
		}),
		httpReqs: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Admission(action string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.admissions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) Escalation(action, severity string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(action, severity).Inc()
}

func (m *Metrics) Published(attempts int) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues("delivered").Inc()
	m.attempts.Observe(float64(attempts))
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues("failed").Inc()
}

func (m *Metrics) Dropped(reason broadcast.DropReason) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.roomsClosed.Inc()
}

func (m *Metrics) Audit(result string) {
	if m == nil {
		return
	}
	m.audit.WithLabelValues(result).Inc()
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobs.WithLabelValues(job, result).Inc()
}

func (m *Metrics) WebSocketClients(delta int) {
	if m == nil {
		return
	}
	m.wsClients.Add(float64(delta))
}

// RegisterCache exports a cache's counters, read at scrape time.
func (m *Metrics) RegisterCache(name string, stats func() cache.Stats) {
	if m == nil || stats == nil {
		return
	}
	labels := prometheus.Labels{"cache": name}
	gauge := func(metric, help string, fn func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: metric, Help: help, ConstLabels: labels,
		}, func() float64 { return fn(stats()) })
	}
	counter := func(metric, help string, fn func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: metric, Help: help, ConstLabels: labels,
		}, func() float64 { return fn(stats()) })
	}
	m.reg.MustRegister(
		gauge("entries", "Live entries.", func(s cache.Stats) float64 { return float64(s.Size) }),
		gauge("memory_bytes", "Estimated memory held by entries.", func(s cache.Stats) float64 { return float64(s.MemoryUsage) }),
		gauge("hit_ratio", "Hits over lookups since start.", func(s cache.Stats) float64 { return s.HitRate }),
		counter("hits_total", "Cache hits.", func(s cache.Stats) float64 { return float64(s.Hits) }),
		counter("misses_total", "Cache misses.", func(s cache.Stats) float64 { return float64(s.Misses) }),
		counter("evictions_total", "Entries evicted for size or memory.", func(s cache.Stats) float64 { return float64(s.Evictions) }),
		counter("expirations_total", "Entries removed at TTL.", func(s cache.Stats) float64 { return float64(s.Expirations) }),
	)
}

// RegisterHub exports live room and queue gauges.
func (m *Metrics) RegisterHub(stats func() broadcast.HubStats) {
	if m == nil || stats == nil {
		return
	}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "rooms", Help: "Live rooms.",
		}, func() float64 { return float64(stats().Rooms) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "subscribers", Help: "Local room subscriptions.",
		}, func() float64 { return float64(stats().Subscribers) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "queued", Help: "Messages waiting in retry queues.",
		}, func() float64 { return float64(stats().Queued) }),
	)
}

// RegisterLimiter exports the number of tracked keys of a limiter.
func (m *Metrics) RegisterLimiter(name string, keys func() int) {
	if m == nil || keys == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "ratelimit", Name: "keys",
		Help:        "Keys tracked by the limiter.",
		ConstLabels: prometheus.Labels{"limiter": name},
	}, func() float64 { return float64(keys()) }))
}

func (m *Metrics) HTTPRequest(route, method string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpReqs.WithLabelValues(route, method, strconv.Itoa(status)).Observe(took.Seconds())
}
