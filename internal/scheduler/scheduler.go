package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// JobFunc is one periodic unit of work. now is the dispatch time.
type JobFunc func(ctx context.Context, now time.Time)

type job struct {
	name  string
	every time.Duration
	fn    JobFunc

	running atomic.Bool
	lastRun time.Time
	runs    atomic.Int64
	skips   atomic.Int64
}

// Scheduler dispatches registered jobs on their intervals. A job that
// is still running when its next tick arrives is skipped, never
// stacked.
type Scheduler struct {
	mu   sync.Mutex
	jobs []*job

	resolution time.Duration
	wg         sync.WaitGroup
}

// New creates a Scheduler ticking at the given resolution.
func New(resolution time.Duration) *Scheduler {
	if resolution <= 0 {
		resolution = 50 * time.Millisecond
	}
	return &Scheduler{resolution: resolution}
}

// Add registers a job. Call before Run.
func (s *Scheduler) Add(name string, every time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, every: every, fn: fn})
}

// Run dispatches until ctx is cancelled, then waits for in-flight
// jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick dispatches every due job. Exposed so tests can drive the clock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !j.lastRun.IsZero() && now.Sub(j.lastRun) < j.every {
			continue
		}
		j.lastRun = now
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		if !j.running.CompareAndSwap(false, true) {
			j.skips.Add(1)
			log.Warn().Str("job", j.name).Msg("scheduler: previous run still active, skipping")
			continue
		}

		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			defer j.running.Store(false)
			j.fn(ctx, now)
			j.runs.Add(1)
		}(j)
	}
}

// JobStats reports one job's dispatch counters.
type JobStats struct {
	Name    string    `json:"name"`
	Runs    int64     `json:"runs"`
	Skips   int64     `json:"skips"`
	LastRun time.Time `json:"last_run"`
}

func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStats{
			Name:    j.name,
			Runs:    j.runs.Load(),
			Skips:   j.skips.Load(),
			LastRun: j.lastRun,
		})
	}
	return out
}
