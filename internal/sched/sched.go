// Package sched runs the periodic maintenance passes: priority age boosts,
// stale worker scans, budget checks, queue metric snapshots, and journal
// retention pruning.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/triagent/conductor/internal/budget"
	"github.com/triagent/conductor/internal/pool"
	"github.com/triagent/conductor/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Default job schedules.
const (
	AgeBoostSpec       = "*/15 * * * *"
	StaleScanSpec      = "* * * * *"
	BudgetCheckSpec    = "* * * * *"
	MetricsSpec        = "*/5 * * * *"
	RetentionPruneSpec = "0 3 * * *"
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store    *store.Store
	Pool     *pool.Manager
	Governor *budget.Governor
	Logger   *slog.Logger

	// Interval is the tick resolution; defaults to 15 seconds if zero.
	Interval time.Duration

	// RetentionDays bounds the task event and heartbeat journals.
	// Defaults to 90.
	RetentionDays int

	// Per-job cron overrides (5-field). Empty falls back to the default
	// spec for that job.
	AgeBoostSpec       string
	StaleScanSpec      string
	BudgetCheckSpec    string
	MetricsSpec        string
	RetentionPruneSpec string
}

func specOrDefault(spec, fallback string) string {
	if spec == "" {
		return fallback
	}
	return spec
}

type job struct {
	name    string
	sched   cronlib.Schedule
	nextRun time.Time
	run     func(ctx context.Context) (string, error)
}

// Scheduler ticks at a fixed resolution and fires each maintenance job when
// its cron schedule comes due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	jobs     []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 90
	}

	s := &Scheduler{logger: logger, interval: interval}

	specs := []struct {
		name string
		spec string
		run  func(ctx context.Context) (string, error)
	}{
		{"age_boost", specOrDefault(cfg.AgeBoostSpec, AgeBoostSpec), func(ctx context.Context) (string, error) {
			n, err := cfg.Store.BoostAgedPriorities(ctx)
			return fmt.Sprintf("boosted=%d", n), err
		}},
		{"stale_scan", specOrDefault(cfg.StaleScanSpec, StaleScanSpec), func(ctx context.Context) (string, error) {
			n, err := cfg.Pool.ScanStale(ctx)
			return fmt.Sprintf("reclassified=%d", n), err
		}},
		{"budget_check", specOrDefault(cfg.BudgetCheckSpec, BudgetCheckSpec), func(ctx context.Context) (string, error) {
			engaged, err := cfg.Governor.Check(ctx)
			return fmt.Sprintf("kill_switch=%t", engaged), err
		}},
		{"metrics_snapshot", specOrDefault(cfg.MetricsSpec, MetricsSpec), func(ctx context.Context) (string, error) {
			snap, err := cfg.Store.SnapshotQueueMetrics(ctx)
			return fmt.Sprintf("queued=%d running=%d", snap.Queued, snap.Running), err
		}},
		{"retention_prune", specOrDefault(cfg.RetentionPruneSpec, RetentionPruneSpec), func(ctx context.Context) (string, error) {
			events, err := cfg.Store.PruneTaskEvents(ctx, retention)
			if err != nil {
				return "", err
			}
			beats, err := cfg.Store.PruneHeartbeats(ctx, retention)
			return fmt.Sprintf("events=%d heartbeats=%d", events, beats), err
		}},
	}

	now := time.Now()
	for _, spec := range specs {
		parsed, err := cronParser.Parse(spec.spec)
		if err != nil {
			return nil, fmt.Errorf("parse %s schedule %q: %w", spec.name, spec.spec, err)
		}
		s.jobs = append(s.jobs, &job{
			name:    spec.name,
			sched:   parsed,
			nextRun: parsed.Next(now),
			run:     spec.run,
		})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires every job whose schedule came due since the last pass.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}
		detail, err := j.run(ctx)
		j.nextRun = j.sched.Next(now)
		if err != nil {
			s.logger.Error("maintenance job failed", "job", j.name, "error", err)
			continue
		}
		s.logger.Info("maintenance job ran", "job", j.name, "detail", detail, "next_run_at", j.nextRun)
	}
}

// RunJob fires a single named job immediately, outside its schedule.
// Exposed for the operator CLI.
func (s *Scheduler) RunJob(ctx context.Context, name string) (string, error) {
	for _, j := range s.jobs {
		if j.name == name {
			return j.run(ctx)
		}
	}
	return "", fmt.Errorf("unknown maintenance job %q", name)
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.name)
	}
	return out
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
