package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatcore/internal/audit"
	"chatcore/internal/broadcast"
	"chatcore/internal/cache"
	"chatcore/internal/config"
	"chatcore/internal/httpapi"
	"chatcore/internal/maintenance"
	"chatcore/internal/ratelimit"
	"chatcore/internal/storage"
	"chatcore/internal/transport/redis"
	"chatcore/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    cfg.Logging.Forward.Enabled && cfg.Audit.Telegram.Enabled,
			MinLevel:   cfg.Logging.Forward.MinLevel,
			RatePerSec: cfg.Logging.Forward.RatePerSec,
		},
	}
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	shutdown, err := config.ParseDurationField("http.shutdown_timeout", h.ShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            h.Addr,
		ReadTimeout:     read,
		WriteTimeout:    write,
		IdleTimeout:     idle,
		ShutdownTimeout: shutdown,
		Pprof:           h.Pprof,
		OriginPatterns:  h.OriginPatterns,
		SendBuffer:      h.SendBuffer,
	}, nil
}

func mapRedis(cfg *config.Config) (redis.Config, error) {
	r := cfg.Transport.Redis
	dial, err := config.ParseDurationField("transport.redis.dial_timeout", r.DialTimeout)
	if err != nil {
		return redis.Config{}, err
	}
	return redis.Config{
		Addr:        r.Addr,
		Password:    r.Password,
		DB:          r.DB,
		DialTimeout: dial,
		Buffer:      cfg.Transport.SubscriberBuffer,
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapRateLimits(cfg *config.Config) (map[string]ratelimit.Config, error) {
	out := make(map[string]ratelimit.Config, len(cfg.RateLimits))
	var errs []error
	for name, rl := range cfg.RateLimits {
		p := "rate_limits." + name
		window, err := config.ParseDurationField(p+".window", rl.Window)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		burstWindow, err := config.ParseDurationField(p+".burst_window", rl.BurstWindow)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rc := ratelimit.Config{
			Window:            window,
			MaxRequests:       rl.MaxRequests,
			BurstLimit:        rl.BurstLimit,
			BurstWindow:       burstWindow,
			AuditThreshold:    rl.AuditThreshold,
			CriticalThreshold: rl.CriticalThreshold,
		}
		if a := rl.Adaptive; a != nil && a.Enabled {
			ac, err := mapAdaptive(p, a)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			rc.Adaptive = ac
		}
		out[name] = rc
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// mapAdaptive overlays configured knobs on the default adaptive profile.
func mapAdaptive(path string, a *config.AdaptiveConfig) (ratelimit.AdaptiveConfig, error) {
	ac := ratelimit.DefaultAdaptive()
	ac.Enabled = true
	history, err := config.ParseDurationField(path+".adaptive.history", a.History)
	if err != nil {
		return ac, err
	}
	if history > 0 {
		ac.History = history
	}
	if a.LowTrust > 0 {
		ac.LowTrust = a.LowTrust
	}
	if a.HighTrust > 0 {
		ac.HighTrust = a.HighTrust
	}
	if a.LowMaxFactor > 0 {
		ac.LowMaxFactor = a.LowMaxFactor
	}
	if a.LowBurstFactor > 0 {
		ac.LowBurstFactor = a.LowBurstFactor
	}
	if a.HighMaxFactor > 0 {
		ac.HighMaxFactor = a.HighMaxFactor
	}
	if a.HighBurstFactor > 0 {
		ac.HighBurstFactor = a.HighBurstFactor
	}
	for sev, pts := range a.Points {
		s := ratelimit.ParseSeverity(sev, "")
		if s == "" {
			return ac, fmt.Errorf("%s.adaptive.points: unknown severity %q", path, sev)
		}
		ac.Points[s] = pts
	}
	return ac, nil
}

// cacheOptions maps the named cache section. Callers fill the typed hooks.
func cacheOptions[T any](cfg *config.Config, name string, log logx.Logger) (cache.Options[T], error) {
	cc := cfg.Caches[name]
	p := "caches." + name
	var errs []error
	dur := func(field, raw string) time.Duration {
		d, err := config.ParseDurationField(p+"."+field, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	size := func(field, raw string) int64 {
		n, err := config.ParseByteSize(p+"."+field, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}
	opts := cache.Options[T]{
		Name:                 name,
		TTL:                  dur("ttl", cc.TTL),
		MaxSize:              cc.MaxSize,
		MaxMemory:            size("max_memory", cc.MaxMemory),
		StaleTime:            dur("stale_time", cc.StaleTime),
		GCInterval:           dur("gc_interval", cc.GCInterval),
		CompressionThreshold: size("compression_threshold", cc.CompressionThreshold),
		Logger:               log.With(logx.String("cache", name)),
	}
	return opts, errors.Join(errs...)
}

func mapBroadcast(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	delay, err := config.ParseDurationField("broadcast.retry_delay", b.RetryDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	idle, err := config.ParseDurationField("broadcast.room_idle_timeout", b.RoomIdleTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		MaxRetries:      b.MaxRetries,
		RetryDelay:      delay,
		QueueSize:       b.QueueSize,
		Ordering:        broadcast.Ordering(b.Ordering),
		RoomIdleTimeout: idle,
		DedupWindow:     b.DedupWindow,
	}, nil
}

func mapAudit(cfg *config.Config) (audit.Config, error) {
	a := cfg.Audit
	base, err := config.ParseDurationField("audit.retry_base", a.RetryBase)
	if err != nil {
		return audit.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("audit.retry_max_delay", a.RetryMaxGap)
	if err != nil {
		return audit.Config{}, err
	}
	dedup, err := config.ParseDurationField("audit.dedup_window", a.DedupWindow)
	if err != nil {
		return audit.Config{}, err
	}
	return audit.Config{
		Enabled:       a.Enabled,
		Workers:       a.Workers,
		QueueSize:     a.QueueSize,
		RatePerSec:    a.RatePerSec,
		RetryMax:      a.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
	}, nil
}

func mapMaintenance(cfg *config.Config) (maintenance.Config, maintenance.Specs) {
	m := cfg.Maintenance
	return maintenance.Config{Timezone: m.Timezone}, maintenance.Specs{
		LimiterSweep: m.LimiterSweep,
		RoomSweep:    m.RoomSweep,
		StatsLog:     m.StatsLog,
	}
}

// validate runs every mapping once; a reload that cannot be mapped is
// rejected before it is committed.
func validate(cfg *config.Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapHTTP(cfg)
	collect(err)
	_, err = mapRedis(cfg)
	collect(err)
	_, err = mapStorage(cfg)
	collect(err)
	_, err = mapRateLimits(cfg)
	collect(err)
	_, err = mapBroadcast(cfg)
	collect(err)
	_, err = mapAudit(cfg)
	collect(err)
	for _, name := range []string{config.CacheMessages, config.CacheUsers, config.CacheFiles, config.CacheUnread} {
		_, err = cacheOptions[struct{}](cfg, name, logx.Nop())
		collect(err)
	}
	if sev := cfg.Audit.Telegram.MinSeverity; sev != "" {
		if _, ok := audit.ParseSeverity(sev); !ok {
			collect(fmt.Errorf("audit.telegram.min_severity: unknown severity %q", sev))
		}
	}
	return errors.Join(errs...)
}

// Check reports every problem in cfg without opening anything.
func Check(cfg *config.Config) error {
	return errors.Join(config.Validate(cfg), validate(cfg))
}
