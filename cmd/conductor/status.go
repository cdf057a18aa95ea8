package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/triagent/conductor/internal/breaker"
	"github.com/triagent/conductor/internal/config"
	"github.com/triagent/conductor/internal/store"
)

// runStatus reads directly from the shared store so it works whether or not
// the orchestrator process is up.
func runStatus(ctx context.Context, cfg config.Config) int {
	st, err := store.Open(cfg.DatabasePath(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	snap, err := st.SnapshotQueueMetrics(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue metrics: %v\n", err)
		return 1
	}
	fmt.Printf("queue: queued=%d running=%d review=%d escalated=%d\n",
		snap.Queued, snap.Running, snap.Review, snap.Escalated)

	workers, err := st.ListWorkers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list workers: %v\n", err)
		return 1
	}
	if len(workers) == 0 {
		fmt.Println("workers: none registered")
	}
	for _, w := range workers {
		last := "never"
		if w.LastHeartbeatAt != nil {
			last = time.Since(*w.LastHeartbeatAt).Truncate(time.Second).String() + " ago"
		}
		fmt.Printf("worker %s: status=%s pid=%d capabilities=%s heartbeat=%s\n",
			w.ID, w.Status, w.PID, w.Capabilities, last)
	}

	brk := breaker.New(cfg.Breaker.FailureThreshold, cfg.BreakerCooldown())
	brk.SetKVStore(st)
	var caps []string
	for name := range cfg.CapabilityCommands {
		caps = append(caps, name)
	}
	brk.Load(ctx, caps)
	for capability, state := range brk.Snapshot() {
		fmt.Printf("breaker %s: %s\n", capability, state)
	}

	kill, err := st.KillSwitch(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kill switch: %v\n", err)
		return 1
	}
	if kill.Engaged {
		fmt.Printf("kill-switch: ENGAGED reason=%q observed=%.2f limit=%.2f since=%s\n",
			kill.Reason, kill.Observed, kill.Limit, kill.EngagedAt.Format(time.RFC3339))
	} else {
		fmt.Println("kill-switch: disengaged")
	}
	return 0
}
