package maintenance

import (
	"context"
	"time"

	"chatcore/internal/chat"
	"chatcore/pkg/logx"
)

// Names of the built-in jobs.
const (
	JobLimiterSweep = "limiter_sweep"
	JobRoomSweep    = "room_sweep"
	JobStatsLog     = "stats_log"
)

// Specs holds the cron specs of the built-in jobs.
type Specs struct {
	LimiterSweep string
	RoomSweep    string
	StatsLog     string
}

// Jobs returns the built-in jobs over o.
func Jobs(specs Specs, o *chat.Orchestrator, log logx.Logger, clock func() time.Time) []Job {
	if clock == nil {
		clock = time.Now
	}
	return []Job{
		{
			Name: JobLimiterSweep, Spec: specs.LimiterSweep, Timeout: 30 * time.Second,
			Run: func(context.Context) error {
				removed := o.Limiters().Sweep(clock())
				total := 0
				for _, n := range removed {
					total += n
				}
				if total > 0 {
					log.Debug("limiter entries swept", logx.Int("removed", total), logx.Any("by_limiter", removed))
				}
				return nil
			},
		},
		{
			Name: JobRoomSweep, Spec: specs.RoomSweep, Timeout: 30 * time.Second,
			Run: func(context.Context) error {
				if n := o.Hub().SweepIdle(clock()); n > 0 {
					log.Info("idle rooms closed", logx.Int("rooms", n))
				}
				return nil
			},
		},
		{
			Name: JobStatsLog, Spec: specs.StatsLog,
			Run: func(context.Context) error {
				st := o.Stats()
				fields := []logx.Field{
					logx.Int("rooms", st.Hub.Rooms),
					logx.Int("subscribers", st.Hub.Subscribers),
					logx.Int("queued", st.Hub.Queued),
					logx.Uint64("published", st.Hub.Published),
					logx.Uint64("failed", st.Hub.Failed),
					logx.Int64("in_flight", st.InFlight),
				}
				for name, cs := range st.Caches {
					fields = append(fields, logx.Any("cache_"+name, map[string]any{
						"size": cs.Size, "bytes": cs.MemoryUsage, "hit_rate": cs.HitRate,
					}))
				}
				log.Info("chat stats", fields...)
				return nil
			},
		},
	}
}
