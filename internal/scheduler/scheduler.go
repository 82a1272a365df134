// Package scheduler triggers the engine's batch jobs on cron schedules:
// price drift, buyback expiry sweeps and bet settlement.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/buyback"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/drift"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/metrics"
	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/options"
)

// Job names, also used as lock names and metric labels.
const (
	JobDrift  = "drift"
	JobSweep  = "buyback_sweep"
	JobSettle = "bet_settle"
)

// ErrLocked is returned by the Run methods when another instance holds the
// job's lease.
var ErrLocked = errors.New("scheduler: job is running elsewhere")

// Jobs are the engines the scheduler drives.
type Jobs struct {
	Drift   *drift.Simulator
	Buyback *buyback.Engine
	Options *options.Engine
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron    *cron.Cron
	jobs    Jobs
	lock    Lock
	lockTTL time.Duration
	logger  *slog.Logger
	ctx     context.Context
}

// New creates a scheduler. A nil lock uses a LocalLock.
func New(ctx context.Context, jobs Jobs, lock Lock, lockTTL time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if lock == nil {
		lock = NewLocalLock()
	}
	cl := cronLogger{logger}
	// Seconds are optional so five-field specs keep their usual meaning.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		Cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		jobs:    jobs,
		lock:    lock,
		lockTTL: lockTTL,
		logger:  logger,
		ctx:     ctx,
	}
}

// RegisterAll registers the drift, sweep and settlement jobs. An empty
// spec leaves that job unscheduled.
func (s *Scheduler) RegisterAll(driftCron, sweepCron, settleCron string) error {
	for _, j := range []struct {
		name, spec string
		fn         func()
	}{
		{JobDrift, driftCron, func() { _, _ = s.RunDrift(s.ctx) }},
		{JobSweep, sweepCron, func() { _, _ = s.RunSweep(s.ctx) }},
		{JobSettle, settleCron, func() { _, _ = s.RunSettle(s.ctx) }},
	} {
		if j.spec == "" {
			continue
		}
		if _, err := s.Cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("register %s task: %w", j.name, err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.Cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.Cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with jobs still running")
	}
	s.logger.Info("scheduler stopped")
}

// RunDrift runs one drift batch now.
func (s *Scheduler) RunDrift(ctx context.Context) (*drift.Report, error) {
	var rep *drift.Report
	err := s.run(ctx, JobDrift, func(ctx context.Context) error {
		var err error
		rep, err = s.jobs.Drift.RunDrift(ctx)
		return err
	})
	return rep, err
}

// RunSweep closes expired buyback offers now.
func (s *Scheduler) RunSweep(ctx context.Context) (*buyback.SweepReport, error) {
	var rep *buyback.SweepReport
	err := s.run(ctx, JobSweep, func(ctx context.Context) error {
		var err error
		rep, err = s.jobs.Buyback.SweepExpired(ctx)
		return err
	})
	return rep, err
}

// RunSettle settles due bets now.
func (s *Scheduler) RunSettle(ctx context.Context) (*options.SettleReport, error) {
	var rep *options.SettleReport
	err := s.run(ctx, JobSettle, func(ctx context.Context) error {
		var err error
		rep, err = s.jobs.Options.SettlePending(ctx)
		return err
	})
	return rep, err
}

func (s *Scheduler) run(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	release, ok, err := s.lock.Acquire(ctx, job, s.lockTTL)
	if err != nil {
		metrics.SchedulerRuns.WithLabelValues(job, "lock_error").Inc()
		s.logger.Error("job lock failed", "job", job, "err", err)
		return err
	}
	if !ok {
		metrics.SchedulerRuns.WithLabelValues(job, "skipped").Inc()
		s.logger.Info("job skipped, lease held elsewhere", "job", job)
		return ErrLocked
	}
	defer release()

	start := time.Now()
	if err := fn(ctx); err != nil {
		metrics.SchedulerRuns.WithLabelValues(job, "error").Inc()
		s.logger.Error("job failed", "job", job, "duration", time.Since(start), "err", err)
		return err
	}
	metrics.SchedulerRuns.WithLabelValues(job, "ok").Inc()
	s.logger.Debug("job finished", "job", job, "duration", time.Since(start))
	return nil
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
