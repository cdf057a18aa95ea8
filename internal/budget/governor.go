// Package budget enforces spend limits over an append-only ledger. On breach
// it engages a sticky kill switch: workers are asked to pause, given a grace
// period, and then terminated if they have not complied. The switch never
// clears itself; only an operator reset re-enables processing.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/triagent/conductor/internal/audit"
	"github.com/triagent/conductor/internal/bus"
	"github.com/triagent/conductor/internal/pool"
	"github.com/triagent/conductor/internal/store"
)

// warnFraction is the share of a limit that triggers an early warning event.
const warnFraction = 0.8

type Governor struct {
	store  *store.Store
	pool   *pool.Manager
	events *bus.Bus

	rateLimit  float64 // USD per rolling window
	rateWindow time.Duration
	dailyLimit float64 // USD per UTC day
	grace      time.Duration

	// killFn terminates a worker process. Overridable in tests.
	killFn func(pid int) error
}

func NewGovernor(st *store.Store, p *pool.Manager, events *bus.Bus, rateLimit float64, rateWindow time.Duration, dailyLimit float64, grace time.Duration) *Governor {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if rateWindow <= 0 {
		rateWindow = time.Hour
	}
	return &Governor{
		store:      st,
		pool:       p,
		events:     events,
		rateLimit:  rateLimit,
		rateWindow: rateWindow,
		dailyLimit: dailyLimit,
		grace:      grace,
		killFn: func(pid int) error {
			return syscall.Kill(pid, syscall.SIGKILL)
		},
	}
}

// SetKillFunc overrides process termination. Test hook.
func (g *Governor) SetKillFunc(f func(pid int) error) {
	g.killFn = f
}

// RecordSpend appends actual spend to the ledger.
func (g *Governor) RecordSpend(ctx context.Context, taskID, workerID string, amountUSD float64, note string) error {
	return g.store.AppendSpend(ctx, taskID, workerID, amountUSD, note)
}

// Engaged reports whether the kill switch is active.
func (g *Governor) Engaged(ctx context.Context) (bool, error) {
	state, err := g.store.KillSwitch(ctx)
	if err != nil {
		return false, err
	}
	return state.Engaged, nil
}

// Check compares current spend against both limits and enforces the kill
// switch on breach. When the switch is already engaged, enforcement re-runs
// so workers registered after the breach are also stopped; the switch itself
// is never re-evaluated against current spend.
func (g *Governor) Check(ctx context.Context) (bool, error) {
	state, err := g.store.KillSwitch(ctx)
	if err != nil {
		return false, err
	}
	if state.Engaged {
		return true, g.enforce(ctx)
	}

	windowed, err := g.store.WindowSpend(ctx, g.rateWindow)
	if err != nil {
		return false, err
	}
	daily, err := g.store.DailySpend(ctx)
	if err != nil {
		return false, err
	}

	g.warnIfNear(ctx, "spend_rate", windowed, g.rateLimit)
	g.warnIfNear(ctx, "daily_cap", daily, g.dailyLimit)

	var reason string
	var observed, limit float64
	switch {
	case g.rateLimit > 0 && windowed > g.rateLimit:
		reason, observed, limit = "spend rate exceeded", windowed, g.rateLimit
	case g.dailyLimit > 0 && daily > g.dailyLimit:
		reason, observed, limit = "daily spend cap exceeded", daily, g.dailyLimit
	default:
		return false, nil
	}

	if err := g.store.EngageKillSwitch(ctx, reason, observed, limit); err != nil {
		return false, err
	}
	slog.Error("budget: kill switch engaged", "reason", reason, "observed", observed, "limit", limit)
	audit.Record("budget_kill_switch", "budget", "",
		fmt.Sprintf("reason=%s observed=%.2f limit=%.2f", reason, observed, limit))
	if g.events != nil {
		g.events.Publish(bus.TopicBudgetKillSwitch, bus.BudgetEvent{
			Reason:   reason,
			Observed: observed,
			Limit:    limit,
		})
	}
	return true, g.enforce(ctx)
}

// warnIfNear publishes a threshold event when spend passes the warning
// fraction of a limit.
func (g *Governor) warnIfNear(ctx context.Context, name string, observed, limit float64) {
	if limit <= 0 || observed <= limit*warnFraction || observed > limit {
		return
	}
	slog.Warn("budget: approaching limit", "limit_name", name, "observed", observed, "limit", limit)
	if g.events != nil {
		g.events.Publish(bus.TopicBudgetThreshold, bus.BudgetEvent{
			Reason:   name,
			Observed: observed,
			Limit:    limit,
		})
	}
}

// enforce pauses every active worker, waits out the grace period, and kills
// any worker that did not pause.
func (g *Governor) enforce(ctx context.Context) error {
	paused, err := g.pool.PauseAll(ctx, "budget kill switch")
	if err != nil {
		return err
	}
	if paused > 0 {
		slog.Warn("budget: workers signalled to pause", "paused", paused)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.grace):
	}

	workers, err := g.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	for _, w := range workers {
		if w.Status != store.WorkerStatusActive {
			continue
		}
		// Still claiming after the grace period: hard stop.
		if err := g.killFn(w.PID); err != nil {
			slog.Error("budget: failed to kill worker", "worker_id", w.ID, "pid", w.PID, "error", err)
			continue
		}
		audit.Record("worker_killed", "budget", "", fmt.Sprintf("worker=%s pid=%d", w.ID, w.PID))

		// Mark the worker and return its tasks; the kill is ours, so the
		// tasks keep their retry budget.
		if _, err := g.store.TransitionWorker(ctx, w.ID,
			[]store.WorkerStatus{store.WorkerStatusActive}, store.WorkerStatusStale); err != nil {
			return err
		}
		if _, err := g.store.TransitionWorker(ctx, w.ID,
			[]store.WorkerStatus{store.WorkerStatusStale}, store.WorkerStatusDead); err != nil {
			return err
		}
		if _, err := g.store.RequeueWorkerTasks(ctx, w.ID); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears the kill switch. Operator action only.
func (g *Governor) Reset(ctx context.Context) error {
	if err := g.store.ResetKillSwitch(ctx); err != nil {
		return err
	}
	audit.Record("budget_kill_switch_reset", "operator", "", "")
	slog.Info("budget: kill switch reset")
	return nil
}
