// Package scheduler runs periodic refresh jobs on a cron and lets callers
// trigger a job out of band.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/presale/service/metrics"
	"github.com/robfig/cron/v3"
)

// Func is the body of a scheduled job. Each run gets its own timeout.
type Func func(ctx context.Context) error

// Scheduler wraps a cron instance. A job never overlaps with itself: a tick
// or trigger that arrives while the previous run is in progress is skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Job is a handle to a registered job.
type Job struct {
	name  string
	id    cron.EntryID
	sched *Scheduler
}

// New creates a Scheduler. If m is nil, no metrics will be recorded.
func New(m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		metrics: m,
	}
}

// Every registers fn to run on a fixed interval. Intervals are rounded to whole seconds.
func (s *Scheduler) Every(name string, interval, timeout time.Duration, fn Func) (*Job, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("job %s: interval must be at least 1s, got %v", name, interval)
	}
	if timeout <= 0 {
		timeout = interval
	}

	id, err := s.cron.AddJob(fmt.Sprintf("@every %s", interval), cron.FuncJob(func() {
		s.run(name, timeout, fn)
	}))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}

	s.logger.Info("scheduled job registered", "job", name, "interval", interval)
	return &Job{name: name, id: id, sched: s}, nil
}

func (s *Scheduler) run(name string, timeout time.Duration, fn Func) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.metrics != nil {
		defer metrics.Timer(time.Now(), func(d float64) {
			s.metrics.RecordScheduledJob(name, d)
		})()
	}

	if err := fn(ctx); err != nil {
		s.logger.WarnContext(ctx, "scheduled job failed", "job", name, "error", err)
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and returns a context that is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Trigger runs the job now, in the background, unless it is already running.
func (j *Job) Trigger() {
	entry := j.sched.cron.Entry(j.id)
	if entry.WrappedJob == nil {
		j.sched.logger.Warn("trigger for unknown job", "job", j.name)
		return
	}
	go entry.WrappedJob.Run()
}

// Name returns the job name.
func (j *Job) Name() string {
	return j.name
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
