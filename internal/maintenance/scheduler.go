// Package maintenance runs the periodic housekeeping of the chat core on a
// cron schedule: limiter sweeps, idle room teardown and stats logging.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chatcore/internal/metrics"
	rtsup "chatcore/internal/runtime/supervisor"
	"chatcore/pkg/logx"
)

var ErrUnknownJob = errors.New("maintenance: unknown job")

// Job is one named periodic task. An empty Spec disables it.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Config struct {
	// Timezone is an IANA name; empty means Local.
	Timezone string
}

// Entry describes a scheduled job.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type Scheduler struct {
	mu sync.Mutex

	log     logx.Logger
	metrics *metrics.Metrics
	cfg     Config
	parser  cron.Parser

	jobs    []Job
	ids     map[string]cron.EntryID
	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		log:     log.With(logx.String("comp", "maintenance")),
		metrics: m,
		cfg:     cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ids:    map[string]cron.EntryID{},
	}
}

// Validate parses spec with the scheduler's parser.
func (s *Scheduler) Validate(spec string) error {
	_, err := s.parser.Parse(strings.TrimSpace(spec))
	return err
}

// Add registers job, replacing any job of the same name. A running
// scheduler picks it up immediately.
func (s *Scheduler) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	job.Spec = strings.TrimSpace(job.Spec)
	if job.Name == "" || job.Run == nil {
		return errors.New("maintenance: job needs a name and a func")
	}
	if job.Spec != "" {
		if err := s.Validate(job.Spec); err != nil {
			return fmt.Errorf("maintenance: job %s: bad spec %q: %w", job.Name, job.Spec, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i := range s.jobs {
		if s.jobs[i].Name == job.Name {
			s.jobs[i] = job
			replaced = true
			break
		}
	}
	if !replaced {
		s.jobs = append(s.jobs, job)
	}
	if s.running {
		s.unscheduleLocked(job.Name)
		s.scheduleLocked(job)
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.running = true
	s.log.Info("scheduler started", logx.String("tz", s.c.Location().String()), logx.Int("jobs", len(s.ids)))
}

func (s *Scheduler) startLocked() {
	clog := cronLogger{s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.location()),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	s.ids = map[string]cron.EntryID{}
	for _, j := range s.jobs {
		s.scheduleLocked(j)
	}
	s.c.Start()
}

// Stop stops the cron loop and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps the timezone; a running scheduler is rebuilt in place.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if !s.running || old == strings.TrimSpace(cfg.Timezone) {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.c.Location().String()))
}

// RunNow runs the named job on the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			j := s.jobs[i]
			job = &j
			break
		}
	}
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, *job)
}

// Entries lists scheduled jobs by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	specs := make(map[string]string, len(s.jobs))
	for _, j := range s.jobs {
		specs[j.Name] = j.Spec
	}
	out := make([]Entry, 0, len(s.ids))
	for name, id := range s.ids {
		e := s.c.Entry(id)
		out = append(out, Entry{Name: name, Spec: specs[name], Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) scheduleLocked(j Job) {
	if j.Spec == "" {
		return
	}
	ctx := s.runCtx
	id, err := s.c.AddFunc(j.Spec, func() { _ = s.run(ctx, j) })
	if err != nil {
		s.log.Error("job not scheduled", logx.String("job", j.Name), logx.Err(err))
		return
	}
	s.ids[j.Name] = id
}

func (s *Scheduler) unscheduleLocked(name string) {
	if id, ok := s.ids[name]; ok {
		s.c.Remove(id)
		delete(s.ids, name)
	}
}

func (s *Scheduler) run(ctx context.Context, j Job) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := rtsup.Safe("maintenance."+j.Name, func() error { return j.Run(ctx) })
	s.metrics.JobRun(j.Name, err)
	if err != nil {
		s.log.Warn("job failed", logx.String("job", j.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("job done", logx.String("job", j.Name), logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Scheduler) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger. Cron's own info lines are debug
// noise here.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kv(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kv(keysAndValues), logx.Err(err))...)
}

func kv(pairs []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, ok := pairs[i].(string)
		if !ok {
			k = fmt.Sprint(pairs[i])
		}
		out = append(out, logx.Any(k, pairs[i+1]))
	}
	return out
}
