// Package scheduler is the cooperative job runner hosting every periodic
// task in the process. Jobs share nothing except the store and the config;
// the runner owns their goroutines and stops them all by cancelling one
// context.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JobFunc is one tick of a periodic job.
type JobFunc func(ctx context.Context) error

// Job is a named periodic task. Immediate jobs fire once right after
// Start before settling into their interval. AtMidnight jobs ignore
// Interval and run once per day at local midnight.
type Job struct {
	Name       string
	Interval   time.Duration
	Immediate  bool
	AtMidnight bool
	Run        JobFunc
}

// Scheduler runs registered jobs until its context is cancelled.
type Scheduler struct {
	log  *slog.Logger
	jobs []Job
	wg   sync.WaitGroup

	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// New builds a scheduler and registers its metrics on reg. A nil registry
// skips metric registration, which the tests use.
func New(log *slog.Logger, reg prometheus.Registerer) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		log: log,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_job_runs_total",
			Help: "Completed runs per scheduler job.",
		}, []string{"job"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_job_failures_total",
			Help: "Failed runs per scheduler job.",
		}, []string{"job"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_job_duration_seconds",
			Help:    "Run duration per scheduler job.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(s.runs, s.failures, s.durations)
	}
	return s
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(j Job) {
	s.jobs = append(s.jobs, j)
}

// Start launches every registered job and returns. Each job loops on its
// own ticker until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("scheduler starting", "jobs", len(s.jobs))
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

// Wait blocks until every job loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()

	if j.Immediate {
		s.runOnce(ctx, j)
	}

	if j.AtMidnight {
		s.midnightLoop(ctx, j)
		return
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) midnightLoop(ctx context.Context, j Job) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := j.Run(ctx)
	elapsed := time.Since(start)

	s.runs.WithLabelValues(j.Name).Inc()
	s.durations.WithLabelValues(j.Name).Observe(elapsed.Seconds())
	if err != nil {
		s.failures.WithLabelValues(j.Name).Inc()
		if ctx.Err() == nil {
			s.log.Error("job failed", "job", j.Name, "duration", elapsed, "error", err)
		}
		return
	}
	s.log.Debug("job completed", "job", j.Name, "duration", elapsed)
}
