// Package scheduler drives the workflow tick, the SLA check and the daily triggers on timers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/backoffice-engine/internal/observability"
)

// ErrRunInProgress is returned when a job is already running here or in another process.
var ErrRunInProgress = errors.New("run already in progress")

// Job names, also used as lock keys and metric labels.
const (
	JobWorkflow     = "workflow"
	JobSLA          = "sla"
	JobBirthday     = "birthday"
	JobReEngagement = "re_engagement"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Locker grants exclusive runs across processes.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, ok bool, err error)
}

// RunMarker remembers the calendar dates a daily job already ran on.
type RunMarker interface {
	MarkIfFirst(ctx context.Context, job, date string) (bool, error)
}

// Config holds the timer cadences.
type Config struct {
	WorkflowInterval   time.Duration
	SLAInterval        time.Duration
	DailyCheckInterval time.Duration
	DailyWindow        time.Duration
	Location           *time.Location
}

func (c Config) withDefaults() Config {
	if c.WorkflowInterval <= 0 {
		c.WorkflowInterval = 5 * time.Minute
	}
	if c.SLAInterval <= 0 {
		c.SLAInterval = 15 * time.Minute
	}
	if c.DailyCheckInterval <= 0 {
		c.DailyCheckInterval = time.Minute
	}
	if c.DailyWindow <= 0 {
		c.DailyWindow = 5 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Dependencies bundles the scheduled work and its coordination.
type Dependencies struct {
	Workflow Job
	SLA      Job
	// Locker is optional; without it only the in-process guard applies.
	Locker  Locker
	Marker  RunMarker
	Metrics *observability.Metrics
	Logger  *zap.Logger
	Clock   func() time.Time
}

const (
	stateIdle int32 = iota
	stateRunning
)

// guard is an idle/running switch for one job.
type guard struct {
	state atomic.Int32
}

func (g *guard) tryStart() bool { return g.state.CompareAndSwap(stateIdle, stateRunning) }
func (g *guard) done()          { g.state.Store(stateIdle) }

type dailyJob struct {
	name  string
	gate  *DailyGate
	run   Job
	guard guard
}

// Scheduler owns the timer loops.
type Scheduler struct {
	cfg     Config
	locker  Locker
	marker  RunMarker
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	workflow      Job
	sla           Job
	workflowGuard guard
	slaGuard      guard
	daily         []*dailyJob

	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped scheduler.
func New(cfg Config, deps Dependencies) *Scheduler {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		locker:   deps.Locker,
		marker:   deps.Marker,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		now:      deps.Clock,
		workflow: deps.Workflow,
		sla:      deps.SLA,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.marker == nil {
		s.marker = NewMemoryRunMarker()
	}
	return s
}

// AddDaily registers a job that runs once per day inside the window after expr fires.
// Jobs must be added before Start.
func (s *Scheduler) AddDaily(name, expr string, run Job) error {
	gate, err := NewDailyGate(expr, s.cfg.DailyWindow, s.cfg.Location)
	if err != nil {
		return fmt.Errorf("daily job %s: %w", name, err)
	}
	s.daily = append(s.daily, &dailyJob{name: name, gate: gate, run: run})
	return nil
}

// Start launches the loops. The workflow tick and the SLA check also run once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.workflow != nil {
		s.loop(ctx, s.cfg.WorkflowInterval, true, func(ctx context.Context) { _ = s.RunWorkflowOnce(ctx) })
	}
	if s.sla != nil {
		s.loop(ctx, s.cfg.SLAInterval, true, func(ctx context.Context) { _ = s.RunSLAOnce(ctx) })
	}
	if len(s.daily) > 0 {
		s.loop(ctx, s.cfg.DailyCheckInterval, true, s.RunDailyOnce)
	}

	s.logger.Info("scheduler started",
		zap.Duration("workflow_interval", s.cfg.WorkflowInterval),
		zap.Duration("sla_interval", s.cfg.SLAInterval),
		zap.Int("daily_jobs", len(s.daily)))
	return nil
}

// Stop cancels the loops and waits for running jobs to return.
func (s *Scheduler) Stop() {
	if !s.state.CompareAndSwap(stateRunning, stateIdle) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if immediate {
			fn(ctx)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// RunWorkflowOnce runs the workflow tick unless one is already running.
func (s *Scheduler) RunWorkflowOnce(ctx context.Context) error {
	if s.workflow == nil {
		return errors.New("workflow job not configured")
	}
	return s.run(ctx, JobWorkflow, &s.workflowGuard, s.workflow)
}

// RunSLAOnce runs the SLA check unless one is already running.
func (s *Scheduler) RunSLAOnce(ctx context.Context) error {
	if s.sla == nil {
		return errors.New("sla job not configured")
	}
	return s.run(ctx, JobSLA, &s.slaGuard, s.sla)
}

// RunDailyOnce fires every daily job whose gate is open and that has not run for that date.
func (s *Scheduler) RunDailyOnce(ctx context.Context) {
	now := s.now()
	for _, job := range s.daily {
		date, open := job.gate.Open(now)
		if !open {
			continue
		}
		first, err := s.marker.MarkIfFirst(ctx, job.name, date)
		if err != nil {
			s.logger.Error("record daily run", zap.String("job", job.name), zap.String("date", date), zap.Error(err))
			continue
		}
		if !first {
			continue
		}
		s.logger.Info("daily job due", zap.String("job", job.name), zap.String("date", date))
		_ = s.run(ctx, job.name, &job.guard, job.run)
	}
}

func (s *Scheduler) run(ctx context.Context, name string, g *guard, job Job) error {
	log := s.logger.With(zap.String("job", name))
	if !g.tryStart() {
		log.Warn("previous run still executing, skipping")
		s.metrics.RecordRun(name, "skipped", 0)
		return ErrRunInProgress
	}
	defer g.done()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, name)
		switch {
		case err != nil:
			log.Warn("distributed lock unavailable, running with local guard only", zap.Error(err))
		case !ok:
			log.Debug("job running in another process, skipping")
			s.metrics.RecordRun(name, "skipped", 0)
			return ErrRunInProgress
		default:
			defer func() {
				if err := unlock(context.WithoutCancel(ctx)); err != nil {
					log.Warn("release distributed lock", zap.Error(err))
				}
			}()
		}
	}

	start := time.Now()
	err := job(ctx)
	elapsed := time.Since(start)
	if err != nil {
		log.Error("scheduled job failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		s.metrics.RecordRun(name, "error", elapsed)
		return err
	}
	log.Debug("scheduled job finished", zap.Duration("elapsed", elapsed))
	s.metrics.RecordRun(name, "ok", elapsed)
	return nil
}
