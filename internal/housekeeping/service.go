// Package housekeeping runs host maintenance jobs on cron schedules:
// pruning old incidents and logging a periodic driver status line.
package housekeeping

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"mudclock/internal/driver"
	"mudclock/internal/storage"
	"mudclock/pkg/logx"
)

const (
	JobPruneIncidents = "prune_incidents"
	JobStatusLog      = "status_log"

	DefaultIncidentRetention = 7 * 24 * time.Hour

	jobTimeout = 30 * time.Second
)

type Config struct {
	Enabled  bool
	Timezone string

	PruneIncidents    string
	IncidentRetention time.Duration
	StatusLog         string
}

type Deps struct {
	Store    storage.Store
	Snapshot func(ctx context.Context) (driver.Snapshot, error)
	Clock    func() time.Time
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	c    *cron.Cron
	jobs []string
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "housekeeping"))}
}

// Validate checks schedules and timezone without starting anything.
func (c Config) Validate() error {
	for name, spec := range map[string]string{JobPruneIncidents: c.PruneIncidents, JobStatusLog: c.StatusLog} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		p, err := ParseSchedule(spec)
		if err != nil {
			return fmt.Errorf("housekeeping.%s: %w", name, err)
		}
		if _, err := p.Schedule(); err != nil {
			return fmt.Errorf("housekeeping.%s: %w", name, err)
		}
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("housekeeping.timezone: %w", err)
		}
	}
	return nil
}

// Jobs returns the names of the registered jobs.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobs...)
}

// Start registers the configured jobs and starts cron. It is a no-op when
// disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	cur := s.cfg
	if err := cur.Validate(); err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cur.Timezone); tz != "" {
		loc, _ = time.LoadLocation(tz)
	}

	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	var jobs []string
	add := func(name, spec string, fn func(ctx context.Context) error) {
		if strings.TrimSpace(spec) == "" {
			return
		}
		p, _ := ParseSchedule(spec)
		sched, _ := p.Schedule()
		c.Schedule(sched, cron.FuncJob(func() { s.run(ctx, name, fn) }))
		jobs = append(jobs, name)
	}
	if s.deps.Store != nil {
		add(JobPruneIncidents, cur.PruneIncidents, func(ctx context.Context) error {
			_, err := s.PruneIncidents(ctx)
			return err
		})
	}
	if s.deps.Snapshot != nil {
		add(JobStatusLog, cur.StatusLog, s.LogStatus)
	}

	c.Start()
	s.c = c
	s.jobs = jobs
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", len(jobs)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.jobs = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Apply swaps the config and re-registers jobs if the service is running.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
		s.jobs = nil
	}
	if !cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) run(ctx context.Context, name string, fn func(ctx context.Context) error) {
	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panic", logx.String("job", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if err := fn(jctx); err != nil {
		s.log.Warn("job failed", logx.String("job", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	s.log.Debug("job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
}

// PruneIncidents deletes incidents older than the retention window.
func (s *Service) PruneIncidents(ctx context.Context) (int64, error) {
	if s.deps.Store == nil {
		return 0, storage.ErrDisabled
	}
	s.mu.Lock()
	keep := s.cfg.IncidentRetention
	s.mu.Unlock()
	if keep <= 0 {
		keep = DefaultIncidentRetention
	}
	cutoff := s.deps.Clock().Add(-keep)
	n, err := s.deps.Store.PruneIncidents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("incidents pruned", logx.Int64("removed", n), logx.Time("before", cutoff))
	}
	return n, nil
}

// LogStatus logs one human-readable line describing the driver.
func (s *Service) LogStatus(ctx context.Context) error {
	if s.deps.Snapshot == nil {
		return nil
	}
	snap, err := s.deps.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.log.Info("driver status", logx.String("summary", StatusLine(snap, s.deps.Clock())))
	return nil
}

// StatusLine renders snap for humans.
func StatusLine(snap driver.Snapshot, now time.Time) string {
	var b strings.Builder
	b.WriteString(snap.State)
	fmt.Fprintf(&b, ", %s call-outs pending", humanize.Comma(int64(len(snap.CallOuts))))
	if len(snap.CallOuts) > 0 {
		next := snap.CallOuts[0].FireAt
		for _, c := range snap.CallOuts[1:] {
			if c.FireAt.Before(next) {
				next = c.FireAt
			}
		}
		fmt.Fprintf(&b, " (next %s)", humanize.RelTime(next, now, "ago", "from now"))
	}
	fmt.Fprintf(&b, ", %s heartbeats", humanize.Comma(int64(len(snap.Heartbeats))))
	fmt.Fprintf(&b, ", %s resets", humanize.Comma(int64(snap.Resets)))
	fmt.Fprintf(&b, ", %s episodes (%s failed, %s aborted)",
		humanize.Comma(int64(snap.Counters.Episodes)),
		humanize.Comma(int64(snap.Counters.Failed)),
		humanize.Comma(int64(snap.Counters.Aborted)),
	)
	return b.String()
}
