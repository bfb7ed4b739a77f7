// Package jobs runs the ledger's periodic maintenance on cron schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultJobTimeout = 10 * time.Minute

// Names of the maintenance jobs. Scheduled and on-demand runs of the same work share one lease.
const (
	SweepExpired     = "sweep-expired"
	ProcessReferrals = "process-referrals"
	AutomationBonus  = "automation-bonus"
)

var (
	// ErrInvalidJob reports a job without a name, schedule or body.
	ErrInvalidJob = errors.New("invalid job")
	// ErrJobRunning reports a run refused because another holder owns the job's lease.
	ErrJobRunning = errors.New("job already running")
)

// Job is one scheduled maintenance task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Observer receives the outcome of every job run.
type Observer interface {
	ObserveJob(name string, duration time.Duration, err error)
}

// Config tunes a Scheduler.
type Config struct {
	// Timeout bounds a single job run. The lease lives as long as the timeout.
	Timeout time.Duration
}

// Scheduler runs jobs on cron schedules, each guarded by a lease and skipped while a previous run is active.
type Scheduler struct {
	cron     *cron.Cron
	lease    Lease
	logger   *zap.Logger
	observer Observer
	timeout  time.Duration

	mu       sync.Mutex
	jobs     map[string]Job
	stopOnce sync.Once
}

// New builds a Scheduler. A nil lease falls back to an in-process lease.
func New(config Config, lease Lease, observer Observer, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lease == nil {
		lease = NewLocalLease()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
			cron.WithLocation(time.UTC),
		),
		lease:    lease,
		logger:   logger,
		observer: observer,
		timeout:  timeout,
		jobs:     make(map[string]Job),
	}
}

// Register adds a job. Names must be unique.
func (scheduler *Scheduler) Register(job Job) error {
	name := strings.TrimSpace(job.Name)
	if name == "" || strings.TrimSpace(job.Schedule) == "" || job.Run == nil {
		return fmt.Errorf("%w: name, schedule and body are required", ErrInvalidJob)
	}
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if _, exists := scheduler.jobs[name]; exists {
		return fmt.Errorf("%w: duplicate job %q", ErrInvalidJob, name)
	}
	job.Name = name
	if _, err := scheduler.cron.AddFunc(job.Schedule, func() {
		_ = scheduler.RunNow(context.Background(), name)
	}); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidJob, name, err)
	}
	scheduler.jobs[name] = job
	return nil
}

// Start begins firing schedules until ctx is done or Stop is called.
func (scheduler *Scheduler) Start(ctx context.Context) {
	scheduler.cron.Start()
	scheduler.logger.Info("scheduler started", zap.Int("jobs", len(scheduler.jobs)))
	go func() {
		<-ctx.Done()
		scheduler.Stop()
	}()
}

// Stop waits for running jobs to finish. Safe to call more than once.
func (scheduler *Scheduler) Stop() {
	scheduler.stopOnce.Do(func() {
		stopCtx := scheduler.cron.Stop()
		<-stopCtx.Done()
		scheduler.logger.Info("scheduler stopped")
	})
}

// RunNow runs a registered job immediately under its lease. A held lease is not an error; the run is skipped.
func (scheduler *Scheduler) RunNow(ctx context.Context, name string) error {
	scheduler.mu.Lock()
	job, ok := scheduler.jobs[name]
	scheduler.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown job %q", ErrInvalidJob, name)
	}
	err := scheduler.Exclusive(ctx, name, job.Run)
	if errors.Is(err, ErrJobRunning) {
		return nil
	}
	return err
}

// Exclusive runs fn under the named job's lease and timeout. It returns ErrJobRunning when the lease is held.
func (scheduler *Scheduler) Exclusive(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	release, acquired, err := scheduler.lease.Acquire(ctx, name, scheduler.timeout)
	if err != nil {
		scheduler.logger.Error("job lease failed", zap.String("job", name), zap.Error(err))
		return err
	}
	if !acquired {
		scheduler.logger.Info("job skipped, lease held elsewhere", zap.String("job", name))
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, scheduler.timeout)
	defer cancel()
	started := time.Now()
	runErr := fn(runCtx)
	duration := time.Since(started)
	if scheduler.observer != nil {
		scheduler.observer.ObserveJob(name, duration, runErr)
	}
	if runErr != nil {
		scheduler.logger.Error("job failed", zap.String("job", name), zap.Duration("duration", duration), zap.Error(runErr))
		return runErr
	}
	scheduler.logger.Info("job finished", zap.String("job", name), zap.Duration("duration", duration))
	return nil
}
