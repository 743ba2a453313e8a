package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Limiter and cache names the service always wires.
const (
	LimitMessage  = "message"
	LimitTyping   = "typing"
	LimitUpload   = "upload"
	LimitPresence = "presence"
	LimitAPI      = "api"

	CacheMessages = "messages"
	CacheUsers    = "users"
	CacheFiles    = "files"
	CacheUnread   = "unread"
)

// DefaultRateLimits returns the preset limiter table.
func DefaultRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		LimitMessage:  {Window: "60s", MaxRequests: 30, BurstLimit: 10, BurstWindow: "10s"},
		LimitTyping:   {Window: "60s", MaxRequests: 120, BurstLimit: 20, BurstWindow: "10s"},
		LimitUpload:   {Window: "60s", MaxRequests: 10, BurstLimit: 3, BurstWindow: "10s"},
		LimitPresence: {Window: "60s", MaxRequests: 60, BurstLimit: 10, BurstWindow: "10s"},
		LimitAPI:      {Window: "60s", MaxRequests: 100, BurstLimit: 20, BurstWindow: "10s"},
	}
}

// DefaultCaches returns the budgets of the four chat caches.
func DefaultCaches() map[string]CacheConfig {
	return map[string]CacheConfig{
		CacheMessages: {TTL: "10m", MaxSize: 5000, MaxMemory: "50MB", StaleTime: "1m", GCInterval: "1m"},
		CacheUsers:    {TTL: "30m", MaxSize: 2000, MaxMemory: "8MB", StaleTime: "5m", GCInterval: "1m"},
		CacheFiles:    {TTL: "15m", MaxSize: 1000, MaxMemory: "8MB", StaleTime: "1m", GCInterval: "1m", CompressionThreshold: "16KB"},
		CacheUnread:   {TTL: "24h", MaxSize: 20000, MaxMemory: "4MB", GCInterval: "5m"},
	}
}

// Default returns a complete single-process configuration.
func Default() *Config {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Transport: TransportConfig{Driver: "memory"},
		Storage:   StorageConfig{Driver: "none"},
	}
	Normalize(cfg)
	return cfg
}

// Normalize fills zero fields with defaults in place. Preset limiters and
// caches missing from the file are added; configured ones are merged field
// by field over the preset.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.SendBuffer <= 0 {
		cfg.HTTP.SendBuffer = 64
	}
	if cfg.Transport.Driver == "" {
		cfg.Transport.Driver = "memory"
	}
	if cfg.Transport.SubscriberBuffer <= 0 {
		cfg.Transport.SubscriberBuffer = 256
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "none"
	}

	limits := DefaultRateLimits()
	for name, rl := range cfg.RateLimits {
		limits[name] = mergeRateLimit(limits[name], rl)
	}
	cfg.RateLimits = limits

	caches := DefaultCaches()
	for name, cc := range cfg.Caches {
		caches[name] = mergeCache(caches[name], cc)
	}
	cfg.Caches = caches

	b := &cfg.Broadcast
	if b.MaxRetries <= 0 {
		b.MaxRetries = 3
	}
	if b.RetryDelay == "" {
		b.RetryDelay = "1s"
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 100
	}
	if b.Ordering == "" {
		b.Ordering = "best_effort"
	}
	if b.RoomIdleTimeout == "" {
		b.RoomIdleTimeout = "10m"
	}
	if b.DedupWindow <= 0 {
		b.DedupWindow = 256
	}

	a := &cfg.Audit
	if a.Workers <= 0 {
		a.Workers = 2
	}
	if a.QueueSize <= 0 {
		a.QueueSize = 512
	}
	if a.RatePerSec <= 0 {
		a.RatePerSec = 20
	}
	if a.RetryMax <= 0 {
		a.RetryMax = 3
	}
	if a.Telegram.MinSeverity == "" {
		a.Telegram.MinSeverity = "high"
	}

	m := &cfg.Maintenance
	if m.LimiterSweep == "" {
		m.LimiterSweep = "@every 1m"
	}
	if m.RoomSweep == "" {
		m.RoomSweep = "@every 5m"
	}
	if m.StatsLog == "" {
		m.StatsLog = "@every 10m"
	}
}

func mergeRateLimit(base, over RateLimitConfig) RateLimitConfig {
	if over.Window != "" {
		base.Window = over.Window
	}
	if over.MaxRequests > 0 {
		base.MaxRequests = over.MaxRequests
		if over.BurstLimit <= 0 {
			base.BurstLimit = 0
		}
	}
	if over.BurstLimit > 0 {
		base.BurstLimit = over.BurstLimit
	}
	if over.BurstWindow != "" {
		base.BurstWindow = over.BurstWindow
	}
	if over.AuditThreshold > 0 {
		base.AuditThreshold = over.AuditThreshold
	}
	if over.CriticalThreshold > 0 {
		base.CriticalThreshold = over.CriticalThreshold
	}
	if over.Adaptive != nil {
		base.Adaptive = over.Adaptive
	}
	return base
}

func mergeCache(base, over CacheConfig) CacheConfig {
	if over.TTL != "" {
		base.TTL = over.TTL
	}
	if over.MaxSize > 0 {
		base.MaxSize = over.MaxSize
	}
	if over.MaxMemory != "" {
		base.MaxMemory = over.MaxMemory
	}
	if over.StaleTime != "" {
		base.StaleTime = over.StaleTime
	}
	if over.GCInterval != "" {
		base.GCInterval = over.GCInterval
	}
	if over.CompressionThreshold != "" {
		base.CompressionThreshold = over.CompressionThreshold
	}
	return base
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks every duration, size, driver and schedule. All problems
// are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	size := func(path, raw string) {
		if _, err := ParseByteSize(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)
	dur("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	dur("transport.redis.dial_timeout", cfg.Transport.Redis.DialTimeout)
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("broadcast.retry_delay", cfg.Broadcast.RetryDelay)
	dur("broadcast.room_idle_timeout", cfg.Broadcast.RoomIdleTimeout)
	dur("audit.retry_base", cfg.Audit.RetryBase)
	dur("audit.retry_max_delay", cfg.Audit.RetryMaxGap)
	dur("audit.dedup_window", cfg.Audit.DedupWindow)

	switch cfg.Transport.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(cfg.Transport.Redis.Addr) == "" {
			errs = append(errs, errors.New("transport.redis.addr: required for redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver))
	}
	switch cfg.Storage.Driver {
	case "none":
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for %s driver", cfg.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	switch cfg.Broadcast.Ordering {
	case "best_effort", "strict":
	default:
		errs = append(errs, fmt.Errorf("broadcast.ordering: unknown mode %q", cfg.Broadcast.Ordering))
	}

	for _, name := range sortedKeys(cfg.RateLimits) {
		rl := cfg.RateLimits[name]
		p := "rate_limits." + name
		w, err := ParseDurationField(p+".window", rl.Window)
		if err != nil {
			errs = append(errs, err)
		} else if w <= 0 {
			errs = append(errs, fmt.Errorf("%s.window: must be > 0", p))
		}
		dur(p+".burst_window", rl.BurstWindow)
		if rl.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("%s.max_requests: must be > 0", p))
		}
		if rl.Adaptive != nil {
			dur(p+".adaptive.history", rl.Adaptive.History)
			if rl.Adaptive.LowTrust < 0 || rl.Adaptive.HighTrust > 100 ||
				(rl.Adaptive.HighTrust > 0 && rl.Adaptive.LowTrust > rl.Adaptive.HighTrust) {
				errs = append(errs, fmt.Errorf("%s.adaptive: trust thresholds must satisfy 0 <= low <= high <= 100", p))
			}
		}
	}
	for _, name := range sortedKeys(cfg.Caches) {
		cc := cfg.Caches[name]
		p := "caches." + name
		dur(p+".ttl", cc.TTL)
		dur(p+".stale_time", cc.StaleTime)
		dur(p+".gc_interval", cc.GCInterval)
		size(p+".max_memory", cc.MaxMemory)
		size(p+".compression_threshold", cc.CompressionThreshold)
	}

	if cfg.Maintenance.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Maintenance.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
		}
	}
	for path, spec := range map[string]string{
		"maintenance.limiter_sweep": cfg.Maintenance.LimiterSweep,
		"maintenance.room_sweep":    cfg.Maintenance.RoomSweep,
		"maintenance.stats_log":     cfg.Maintenance.StatsLog,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid schedule %q: %w", path, spec, err))
		}
	}

	if cfg.Audit.Telegram.Enabled {
		if strings.TrimSpace(cfg.Audit.Telegram.Token) == "" {
			errs = append(errs, errors.New("audit.telegram.token: required when enabled"))
		}
		if cfg.Audit.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("audit.telegram.chat_id: required when enabled"))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
