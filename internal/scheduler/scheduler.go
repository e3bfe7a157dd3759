// Package scheduler runs the engine's background jobs on interval and
// time-of-day triggers, one run per job at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/uarflow/internal/metrics"
	"github.com/lalithlochan/uarflow/internal/observ"
)

var (
	ErrJobBusy    = errors.New("job is already running")
	ErrUnknownJob = errors.New("unknown job")
)

// JobFunc is one unit of scheduled work. logger is scoped to the run.
type JobFunc func(ctx context.Context, logger *zap.Logger) error

// Locker is a cross-process lock keyed by job name.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, name, token string) error
}

type Config struct {
	LockTTL time.Duration
}

type trigger interface {
	next(after time.Time) time.Time
}

type every time.Duration

func (e every) next(after time.Time) time.Time {
	return after.Add(time.Duration(e))
}

type dailyAt struct {
	hour, minute int
	loc          *time.Location
}

func (d dailyAt) next(after time.Time) time.Time {
	local := after.In(d.loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !t.After(local) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

type job struct {
	name    string
	trigger trigger
	fn      JobFunc
	running atomic.Bool
}

type Scheduler struct {
	mu     sync.RWMutex
	jobs   map[string]*job
	order  []string
	locker Locker
	config Config
	logger *zap.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// New builds a scheduler. locker may be nil, leaving only the in-process
// guard.
func New(locker Locker, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Scheduler{
		jobs:   make(map[string]*job),
		locker: locker,
		config: cfg,
		logger: logger.Named("scheduler"),
		now:    time.Now,
	}
}

// Every registers fn to run every interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) {
	s.register(name, every(interval), fn)
}

// DailyAt registers fn to run once a day at hhmm ("15:04") in loc.
func (s *Scheduler) DailyAt(name, hhmm string, loc *time.Location, fn JobFunc) error {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return fmt.Errorf("invalid time of day %q: %w", hhmm, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	s.register(name, dailyAt{hour: t.Hour(), minute: t.Minute(), loc: loc}, fn)
	return nil
}

func (s *Scheduler) register(name string, t trigger, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; !ok {
		s.order = append(s.order, name)
	}
	s.jobs[name] = &job{name: name, trigger: t, fn: fn}
}

// Jobs lists registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Start runs every job on its trigger until ctx is cancelled, then waits for
// in-flight runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	jobs := make([]*job, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	s.mu.RUnlock()

	var loops sync.WaitGroup
	for _, j := range jobs {
		j := j
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.loop(ctx, j)
		}()
	}

	s.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))
	loops.Wait()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	for {
		now := s.now()
		timer := time.NewTimer(j.trigger.next(now).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.run(ctx, j, j.fn); errors.Is(err, ErrJobBusy) {
				s.logger.Debug("job still running, tick skipped", zap.String("job", j.name))
			}
		}()
	}
}

// RunNow runs a registered job synchronously and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.run(ctx, j, j.fn)
}

// Exclusive runs fn under the guards of the named job, so fn never overlaps
// a scheduled run of that job.
func (s *Scheduler) Exclusive(ctx context.Context, name string, fn JobFunc) error {
	j, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.run(ctx, j, fn)
}

func (s *Scheduler) lookup(name string) (*job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return j, nil
}

func (s *Scheduler) run(ctx context.Context, j *job, fn JobFunc) error {
	if !j.running.CompareAndSwap(false, true) {
		metrics.RecordJobRun(j.name, "skipped", 0)
		return ErrJobBusy
	}
	defer j.running.Store(false)

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, j.name, s.config.LockTTL)
		switch {
		case err != nil:
			s.logger.Warn("job lock unavailable, continuing with in-process guard",
				zap.String("job", j.name),
				zap.Error(err),
			)
		case !ok:
			metrics.RecordJobRun(j.name, "skipped", 0)
			return ErrJobBusy
		default:
			defer s.unlock(j.name, token)
		}
	}

	runID := uuid.NewString()
	logger := observ.ForJob(s.logger, j.name, runID)

	start := s.now()
	logger.Debug("job started")
	err := call(ctx, fn, logger)
	elapsed := s.now().Sub(start)

	if err != nil {
		metrics.RecordJobRun(j.name, "error", elapsed)
		logger.Error("job failed", zap.Error(err), zap.Duration("duration", elapsed))
		return err
	}

	metrics.RecordJobRun(j.name, "success", elapsed)
	logger.Debug("job completed", zap.Duration("duration", elapsed))
	return nil
}

// unlock runs on its own deadline; the run context may already be done.
func (s *Scheduler) unlock(name, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.locker.Unlock(ctx, name, token); err != nil {
		s.logger.Warn("failed to release job lock", zap.String("job", name), zap.Error(err))
	}
}

func call(ctx context.Context, fn JobFunc, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			logger.Error("job panic recovered", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return fn(ctx, logger)
}
