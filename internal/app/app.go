// Package app wires the chat core from a config file and owns its
// lifecycle: startup order, hot reload and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"chatcore/internal/audit"
	"chatcore/internal/audit/telegram"
	"chatcore/internal/broadcast"
	"chatcore/internal/cache"
	"chatcore/internal/chat"
	"chatcore/internal/config"
	"chatcore/internal/httpapi"
	"chatcore/internal/maintenance"
	"chatcore/internal/metrics"
	"chatcore/internal/ratelimit"
	rtsup "chatcore/internal/runtime/supervisor"
	"chatcore/internal/storage"
	"chatcore/internal/transport"
	"chatcore/internal/transport/memory"
	"chatcore/internal/transport/redis"
	"chatcore/pkg/logx"
)

// Sections that cannot be swapped on a running process.
var restartSections = []string{"http", "transport", "storage"}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	metrics   *metrics.Metrics
	store     storage.Store
	transport transport.Transport
	audit     *audit.Emitter
	limiters  *ratelimit.Registry
	chat      *chat.Orchestrator
	sched     *maintenance.Scheduler
	http      *httpapi.Server

	lmu        sync.Mutex
	registered map[string]bool // limiters exported to metrics

	releaseOnce sync.Once
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return NewFromConfig(ctx, cfgm, cfg)
}

// NewFromConfig builds the app from an already loaded config. cfgm may
// be nil, which disables hot reload.
func NewFromConfig(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (_ *App, err error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logs, log := logx.New(mapLogging(cfg))
	a := &App{
		cfgm:       cfgm,
		log:        log.With(logx.String("comp", "app")),
		logs:       logs,
		metrics:    metrics.New(),
		registered: map[string]bool{},
	}
	// Release whatever was opened if a later step fails.
	defer func() {
		if err != nil {
			a.release(context.Background())
		}
	}()

	if err := a.openStore(ctx, cfg, log); err != nil {
		return nil, err
	}
	if err := a.openTransport(ctx, cfg, log); err != nil {
		return nil, err
	}
	if err := a.buildAudit(cfg, log); err != nil {
		return nil, err
	}

	limits, err := mapRateLimits(cfg)
	if err != nil {
		return nil, err
	}
	a.limiters, err = ratelimit.NewRegistry(limits)
	if err != nil {
		return nil, err
	}
	caches, err := buildCaches(cfg, log)
	if err != nil {
		return nil, err
	}
	bc, err := mapBroadcast(cfg)
	if err != nil {
		return nil, err
	}
	// Publishes outlive the caller's cancellation; Stop drains them.
	a.chat, err = chat.New(context.WithoutCancel(ctx), chat.Options{
		Limiters:        a.limiters,
		Transport:       a.transport,
		Broadcast:       bc,
		Caches:          caches,
		Store:           a.store,
		PersistMessages: cfg.Storage.PersistMessages,
		Audit:           a.audit,
		Metrics:         a.metrics,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}

	a.metrics.RegisterHub(a.chat.Hub().Stats)
	for _, c := range []interface {
		Name() string
		Stats() cache.Stats
	}{caches.Messages, caches.Users, caches.Files, caches.Unread} {
		a.metrics.RegisterCache(c.Name(), c.Stats)
	}
	a.registerLimiters()

	mc, specs := mapMaintenance(cfg)
	a.sched = maintenance.New(mc, log, a.metrics)
	for _, j := range maintenance.Jobs(specs, a.chat, log.With(logx.String("comp", "maintenance")), nil) {
		if err := a.sched.Add(j); err != nil {
			return nil, err
		}
	}

	hc, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}
	a.http = httpapi.New(hc, a.chat, a.metrics, log)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = st
	if st != nil {
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.Bool("persist_messages", cfg.Storage.PersistMessages))
	}
	return nil
}

func (a *App) openTransport(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	switch cfg.Transport.Driver {
	case "redis":
		rc, err := mapRedis(cfg)
		if err != nil {
			return err
		}
		tr, err := redis.New(ctx, rc, log.With(logx.String("comp", "transport")))
		if err != nil {
			return fmt.Errorf("redis transport: %w", err)
		}
		a.transport = tr
	default:
		a.transport = memory.New(cfg.Transport.SubscriberBuffer, log.With(logx.String("comp", "transport")))
	}
	a.log.Info("transport ready", logx.String("driver", cfg.Transport.Driver))
	return nil
}

// buildAudit assembles the sink chain: log always, store when enabled,
// Telegram above the configured severity. The Telegram sink doubles as the
// log forwarder.
func (a *App) buildAudit(cfg *config.Config, log logx.Logger) error {
	ac, err := mapAudit(cfg)
	if err != nil {
		return err
	}
	sinks := []audit.Sink{audit.LogSink{Log: log.With(logx.String("comp", "audit"))}}
	if a.store != nil {
		sinks = append(sinks, audit.StoreSink{Store: a.store})
	}
	if tc := cfg.Audit.Telegram; tc.Enabled {
		floor, _ := audit.ParseSeverity(tc.MinSeverity)
		tg, err := telegram.New(telegram.Config{
			Token:       tc.Token,
			ChatID:      tc.ChatID,
			ThreadID:    tc.ThreadID,
			MinSeverity: floor,
		})
		if err != nil {
			return fmt.Errorf("audit telegram: %w", err)
		}
		a.logs.SetForwarder(tg)
		sinks = append(sinks, audit.MinSeverity(floor, tg))
	}
	a.audit = audit.NewEmitter(ac, audit.Multi(sinks...), log,
		audit.WithResultHook(func(_ audit.Event, result string) { a.metrics.Audit(result) }))
	return nil
}

func buildCaches(cfg *config.Config, log logx.Logger) (chat.Caches, error) {
	var errs []error
	mo, err := cacheOptions[broadcast.Message](cfg, config.CacheMessages, log)
	errs = append(errs, err)
	uo, err := cacheOptions[chat.UserProfile](cfg, config.CacheUsers, log)
	errs = append(errs, err)
	fo, err := cacheOptions[chat.FileMeta](cfg, config.CacheFiles, log)
	errs = append(errs, err)
	ro, err := cacheOptions[int](cfg, config.CacheUnread, log)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return chat.Caches{}, err
	}
	return chat.Caches{
		Messages: cache.New(mo),
		Users:    cache.New(uo),
		Files:    cache.New(fo),
		Unread:   cache.New(ro),
	}, nil
}

// registerLimiters exports limiters not yet known to metrics.
func (a *App) registerLimiters() {
	a.lmu.Lock()
	defer a.lmu.Unlock()
	for _, name := range a.limiters.Names() {
		if a.registered[name] {
			continue
		}
		a.registered[name] = true
		a.metrics.RegisterLimiter(name, a.limiters.Get(name).Len)
	}
}

func (a *App) Chat() *chat.Orchestrator { return a.chat }

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the components in dependency order: audit, chat, maintenance,
// then the HTTP listener. A bind failure is returned directly.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.audit.Start(run)
	if err := a.chat.Start(run); err != nil {
		return err
	}
	a.sched.Start(run)
	// Requests are drained by Stop, not cut off by cancellation.
	if err := a.http.Start(context.WithoutCancel(run)); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("chatcore started", logx.String("addr", a.http.Addr()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest snapshot matters.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.Apply(ctx, last, cfg)
			last = cfg
		}
	}
}

// Apply pushes a committed config into the running components. Sections
// that need a restart are reported and left alone.
func (a *App) Apply(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if prev != nil && prev.Audit.Telegram != cfg.Audit.Telegram {
		a.log.Warn("audit.telegram changed; restart required for it to take effect")
	}

	a.logs.Apply(mapLogging(cfg))

	if limits, err := mapRateLimits(cfg); err != nil {
		a.log.Warn("invalid rate_limits; keeping previous", logx.Err(err))
	} else if err := a.limiters.Apply(limits); err != nil {
		a.log.Warn("rate limits not applied", logx.Err(err))
	} else {
		a.registerLimiters()
	}

	if err := a.applyCaches(cfg); err != nil {
		a.log.Warn("invalid caches; keeping previous", logx.Err(err))
	}

	if bc, err := mapBroadcast(cfg); err != nil {
		a.log.Warn("invalid broadcast; keeping previous", logx.Err(err))
	} else if err := a.chat.Hub().Apply(bc); err != nil {
		a.log.Warn("broadcast not applied", logx.Err(err))
	}

	if ac, err := mapAudit(cfg); err != nil {
		a.log.Warn("invalid audit; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.audit.Enabled()
		a.audit.Apply(ac)
		switch {
		case !wasEnabled && ac.Enabled:
			a.audit.Start(ctx)
		case wasEnabled && !ac.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.audit.Stop(stopCtx)
			cancel()
		}
	}

	mc, specs := mapMaintenance(cfg)
	a.sched.Apply(mc)
	for _, j := range maintenance.Jobs(specs, a.chat, a.log.With(logx.String("comp", "maintenance")), nil) {
		if err := a.sched.Add(j); err != nil {
			a.log.Warn("maintenance job not rescheduled", logx.String("job", j.Name), logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyCaches(cfg *config.Config) error {
	caches := a.chat.Caches()
	mo, err1 := cacheOptions[broadcast.Message](cfg, config.CacheMessages, a.log)
	uo, err2 := cacheOptions[chat.UserProfile](cfg, config.CacheUsers, a.log)
	fo, err3 := cacheOptions[chat.FileMeta](cfg, config.CacheFiles, a.log)
	ro, err4 := cacheOptions[int](cfg, config.CacheUnread, a.log)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return err
	}
	caches.Messages.Apply(mo)
	caches.Users.Apply(uo)
	caches.Files.Apply(fo)
	caches.Unread.Apply(ro)
	return nil
}

// Stop shuts down in reverse start order. Each step is bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.release(ctx)
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := rtsup.Safe("stop."+name, func() error { return fn(stepCtx) }); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("http", 10*time.Second, a.http.Stop)
	step("maintenance", 2*time.Second, a.sched.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	a.release(ctx)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// release closes what New opened: chat, audit, transport, store. Only the
// first call does anything.
func (a *App) release(ctx context.Context) {
	a.releaseOnce.Do(func() { a.releaseAll(ctx) })
}

func (a *App) releaseAll(ctx context.Context) {
	if a.chat != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.chat.Close(cctx); err != nil {
			a.log.Warn("chat close", logx.Err(err))
		}
		cancel()
	}
	if a.audit != nil {
		actx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.audit.Stop(actx)
		cancel()
	}
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.log.Warn("transport close", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}
	if a.sup == nil && a.logs != nil {
		_ = a.logs.Close()
	}
}
