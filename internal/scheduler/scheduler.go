// Package scheduler runs the worker's periodic jobs.
//
// Each job has its own ticker goroutine. A tick starts the job's run in a
// separate goroutine and returns to the ticker at once, so a slow run never
// blocks the loop. Jobs coalesce: a tick that fires while the previous run is
// still executing is dropped and counted, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/distlock"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
)

// Job is one periodic task.
type Job struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context) error

	// RunOnStart fires the first run immediately instead of after one Period.
	RunOnStart bool
	// LockTTL is the lease on the cross-replica lock. The lock is renewed
	// while the run lasts, so the TTL only bounds how long a crashed replica
	// keeps the others out. Zero uses DefaultLockTTL, or 2x Period when that
	// is shorter.
	LockTTL time.Duration
}

// DefaultLockTTL is the longest default job lease.
const DefaultLockTTL = time.Minute

// JobStats is a snapshot of one job's counters.
type JobStats struct {
	Name    string `json:"name"`
	Runs    int64  `json:"runs"`
	Failed  int64  `json:"failed"`
	Dropped int64  `json:"dropped"`
	Skipped int64  `json:"skipped"`
	Running bool   `json:"running"`
}

type job struct {
	Job
	running atomic.Bool
	runs    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
	skipped atomic.Int64
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	locks distlock.Factory
	log   *logger.Logger

	mu      sync.Mutex
	jobs    []*job
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	runs    sync.WaitGroup
	started bool
}

// New creates a scheduler. With a non-nil lock factory every run also takes
// a distributed lock named after the job, so only one replica runs it.
func New(locks distlock.Factory) *Scheduler {
	return &Scheduler{
		locks: locks,
		log:   logger.With("component", "scheduler"),
	}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return apperr.Validation("job needs a name and a run function")
	}
	if j.Period <= 0 {
		return apperr.Validation("job %s: period must be positive", j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %s: scheduler already started", j.Name)
	}
	for _, existing := range s.jobs {
		if existing.Name == j.Name {
			return apperr.Validation("job %s already registered", j.Name)
		}
	}
	if j.LockTTL <= 0 {
		j.LockTTL = min(2*j.Period, DefaultLockTTL)
	}
	s.jobs = append(s.jobs, &job{Job: j})
	return nil
}

// Start launches every job loop and returns. Runs receive a context derived
// from ctx that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.log.Info("job scheduled", "job", j.Name, "period", j.Period.String())
		s.loops.Add(1)
		go s.loop(ctx, j)
	}
}

// Stop cancels the loops and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.loops.Wait()
	s.runs.Wait()
	s.log.Info("scheduler stopped")
}

// Stats returns a snapshot of every job's counters in registration order.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStats{
			Name:    j.Name,
			Runs:    j.runs.Load(),
			Failed:  j.failed.Load(),
			Dropped: j.dropped.Load(),
			Skipped: j.skipped.Load(),
			Running: j.running.Load(),
		})
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.loops.Done()

	if j.RunOnStart {
		s.fire(ctx, j)
	}
	ticker := time.NewTicker(j.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, j)
		}
	}
}

// fire starts a run unless the previous one is still going.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		n := j.dropped.Add(1)
		s.log.Warn("tick dropped, previous run still executing", "job", j.Name, "dropped_total", n)
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer j.running.Store(false)
		s.run(ctx, j)
	}()
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			j.failed.Add(1)
			s.log.Error("job panicked", "job", j.Name, "panic", fmt.Sprint(r))
		}
	}()

	ran := true
	var err error
	if s.locks != nil {
		ran, err = distlock.WithLease(ctx, s.locks("scheduler:"+j.Name, j.LockTTL), j.LockTTL, j.Run)
	} else {
		err = j.Run(ctx)
	}

	switch {
	case !ran && err == nil:
		j.skipped.Add(1)
		s.log.Debug("job held by another replica", "job", j.Name)
	case err != nil && errors.Is(err, context.Canceled):
		s.log.Info("job run cancelled", "job", j.Name)
	case err != nil:
		j.failed.Add(1)
		level := s.log.Warn
		if errors.Is(err, apperr.ErrFatal) {
			level = s.log.Error
		}
		level("job run failed", "job", j.Name, "error", err.Error(), "elapsed", time.Since(start).String())
	default:
		j.runs.Add(1)
		s.log.Debug("job run finished", "job", j.Name, "elapsed", time.Since(start).String())
	}
}
