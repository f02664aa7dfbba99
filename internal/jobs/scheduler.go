package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorhill/cronexpr"
)

// Scheduler fires jobs on cron schedules. It checks once per tick (a minute
// by default); a job whose previous run is still going is skipped rather
// than stacked.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time
	tick   time.Duration

	mu   sync.Mutex
	jobs []*scheduledJob
	wg   sync.WaitGroup
}

type scheduledJob struct {
	name    string
	expr    *cronexpr.Expression
	run     func(context.Context) error
	next    time.Time
	running atomic.Bool
}

// NewScheduler creates an empty scheduler. A nil now uses time.Now.
func NewScheduler(logger *slog.Logger, now func() time.Time) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{logger: logger, now: now, tick: time.Minute}
}

// Add registers run under a cron spec.
func (s *Scheduler) Add(name, spec string, run func(context.Context) error) error {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return fmt.Errorf("jobs: schedule %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &scheduledJob{name: name, expr: expr, run: run, next: expr.Next(s.now())})
	return nil
}

// Next returns the next fire time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j.next, true
		}
	}
	return time.Time{}, false
}

// Run blocks, firing due jobs until ctx is cancelled, then waits for running
// jobs to return.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue starts every job whose next fire time has passed and advances its
// schedule. Missed intervals collapse into one run.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		j.next = j.expr.Next(now)
		if !j.running.CompareAndSwap(false, true) {
			s.logger.Warn("jobs: previous run still in progress, skipping", "job", j.name)
			continue
		}
		s.wg.Add(1)
		go func(j *scheduledJob) {
			defer s.wg.Done()
			defer j.running.Store(false)
			start := time.Now()
			s.logger.Info("jobs: scheduled run starting", "job", j.name)
			if err := j.run(ctx); err != nil {
				s.logger.Error("jobs: scheduled run failed", "job", j.name, "error", err)
				return
			}
			s.logger.Info("jobs: scheduled run finished", "job", j.name,
				"duration_ms", time.Since(start).Milliseconds())
		}(j)
	}
}
