// Package schedule runs registered queries at their recurrence, and
// replays historical occurrences on demand (backfill).
package schedule

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/amalloy/turntable/internal/period"
	"github.com/amalloy/turntable/pkg/logx"
)

type Config struct {
	// Timezone is an IANA TZ name, e.g. "Asia/Jakarta". Empty means Local.
	Timezone string
	// DefaultPeriod is substituted when a query is registered with an
	// empty period. It must be non-empty for such registrations to be
	// accepted.
	DefaultPeriod period.Spec
}

// Handle cancels one scheduled query. After Cancel returns, no further
// fires happen; an execution already dispatched is not interrupted.
type Handle struct {
	cancelled atomic.Bool
	remove    func()
}

func (h *Handle) Cancel() {
	if h == nil || h.cancelled.Swap(true) {
		return
	}
	if h.remove != nil {
		h.remove()
	}
}

// Service owns the process-wide cron instance. Each registered query gets
// its own entry; cron dispatches every fire on its own goroutine, so
// queries never block each other.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	loc *time.Location

	c       *cron.Cron
	runCtx  context.Context
	stopRun context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.runCtx, s.stopRun = context.WithCancel(ctx)
	s.c = cron.New(cron.WithLocation(loc))
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()))
}

// Stop halts future fires and waits for in-flight jobs to return (bounded
// by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.stopRun
	s.c = nil
	s.stopRun = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Schedule registers job to fire at every occurrence of spec. An empty
// spec falls back to the configured default period; registering with no
// period and no default is an error rather than an implied "run once".
func (s *Service) Schedule(name string, spec period.Spec, job func(ctx context.Context, at time.Time)) (*Handle, error) {
	if spec.IsZero() {
		spec = s.cfg.DefaultPeriod
	}
	if spec.IsZero() {
		return nil, errors.New("schedule: empty period and no default period configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil, errors.New("schedule: scheduler not started")
	}

	h := &Handle{}
	runCtx := s.runCtx
	entry := s.c.Schedule(spec.Schedule(), cron.FuncJob(func() {
		// Guard here too: cron's removal is processed on its run loop, so
		// a fire can already be dispatched when Cancel returns.
		if h.cancelled.Load() {
			return
		}
		job(runCtx, time.Now())
	}))
	c := s.c
	h.remove = func() { c.Remove(entry) }

	s.log.Debug("schedule registered",
		logx.String("query", name),
		logx.String("period", spec.String()),
		logx.Time("next", spec.Next(time.Now())),
	)
	return h, nil
}

func (s *Service) loadLocationLocked() *time.Location {
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
