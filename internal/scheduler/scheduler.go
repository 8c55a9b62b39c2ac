// Package scheduler runs the periodic maintenance sweeps on cron schedules.
//
// Every job runs with panic recovery and is skipped when its previous run
// is still in progress. Jobs receive a context that is cancelled by
// [Scheduler.Stop].
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by [Scheduler.RunNow] for unregistered names.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Job is one periodic task.
type Job struct {
	// Name identifies the job in logs and RunNow.
	Name string

	// Spec is a standard five-field cron expression or a descriptor such as
	// "@every 30s".
	Spec string

	// Run performs one sweep.
	Run func(ctx context.Context) error
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cron   *cron.Cron
	logger slogLogger

	mu     sync.Mutex
	jobs   map[string]cron.Job
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle Scheduler.
func New() *Scheduler {
	logger := slogLogger{l: slog.Default().With("component", "scheduler")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(logger)),
		logger: logger,
		jobs:   make(map[string]cron.Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers j. An empty Spec leaves the job disabled but still
// available to RunNow.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("scheduler: job %q registered twice", j.Name)
	}

	// Scheduled and manual runs share one chain, so they never overlap.
	run := cron.NewChain(cron.Recover(s.logger), cron.SkipIfStillRunning(s.logger)).
		Then(cron.FuncJob(func() { s.execute(j) }))
	if j.Spec != "" {
		if _, err := s.cron.AddJob(j.Spec, run); err != nil {
			return fmt.Errorf("scheduler: job %q: parse %q: %w", j.Name, j.Spec, err)
		}
	}
	s.jobs[j.Name] = run
	return nil
}

func (s *Scheduler) execute(j Job) {
	start := time.Now()
	if err := j.Run(s.ctx); err != nil {
		if s.ctx.Err() == nil {
			slog.Warn("scheduled job failed", "job", j.Name, "err", err, "duration", time.Since(start))
		}
		return
	}
	slog.Debug("scheduled job done", "job", j.Name, "duration", time.Since(start))
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// RunNow executes the named job synchronously, outside its schedule. It
// returns immediately when the job is already running.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	job.Run()
	return nil
}

// Stop halts the schedule, cancels running jobs' context and waits for them
// to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// slogLogger bridges cron's logr-style logger onto slog.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Info(msg string, keysAndValues ...any) {
	s.l.Debug("cron: "+msg, keysAndValues...)
}

func (s slogLogger) Error(err error, msg string, keysAndValues ...any) {
	s.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
