// Package scheduler runs the pipeline's periodic passes on cron schedules.
// Every pass is single-flight twice over: cron skips a trigger while the
// previous run is still going, and a lease keeps other daemons out.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/joseph-ayodele/listings-pipeline/internal/lease"
	"github.com/joseph-ayodele/listings-pipeline/internal/metrics"
)

const leasePrefix = "listings:"

// Task is one scheduled pass.
type Task struct {
	Name string // builder, tracker, sweeper
	Spec string // cron spec or descriptor, e.g. "@every 30m"
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	cron     *cron.Cron
	parser   cron.Parser
	leaser   lease.Leaser
	leaseTTL time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Scheduler. leaseTTL bounds how long a crashed daemon can
// keep a pass locked.
func New(leaser lease.Leaser, leaseTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if leaser == nil {
		leaser = lease.NewLocalLeaser()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithParser(parser),
		// Recover sits inside SkipIfStillRunning: the skip token is only
		// handed back when the wrapped job returns normally.
		cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     c,
		parser:   parser,
		leaser:   leaser,
		leaseTTL: leaseTTL,
		metrics:  m,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add registers t. Runs use the scheduler's lifecycle context.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("scheduler: task needs a name and a run func")
	}
	sched, err := s.parser.Parse(t.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", t.Name, t.Spec, err)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.RunOnce(s.ctx, t); err != nil {
			s.logger.Error("scheduler.run.failed", "task", t.Name, "error", err)
		}
	}))
	s.logger.Info("scheduler.task.added", "task", t.Name, "spec", t.Spec, "entry_id", id,
		"next_run", sched.Next(time.Now()).Format(time.RFC3339))
	return nil
}

// RunOnce runs t under its global lease. It reports ran=false when another
// process holds the lease.
func (s *Scheduler) RunOnce(ctx context.Context, t Task) (bool, error) {
	start := time.Now()
	ran, err := lease.Run(ctx, s.leaser, leasePrefix+t.Name, s.leaseTTL, s.logger, t.Run)
	if !ran {
		if err == nil {
			s.logger.Info("scheduler.run.skipped", "task", t.Name, "reason", "lease held")
		}
		return false, err
	}
	s.metrics.ObserveRun(t.Name, start)
	s.logger.Info("scheduler.run.done", "task", t.Name, "ok", err == nil, "elapsed_ms", time.Since(start).Milliseconds())
	return true, err
}

func (s *Scheduler) Start() {
	s.logger.Info("scheduler.start", "entries", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop stops triggering new runs, cancels running ones and waits for them
// until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("scheduler.stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron."+msg, append(keysAndValues, "error", err)...)
}
