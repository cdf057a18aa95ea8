// Package pool manages worker identities: registration, claim admission with
// per-worker caps, task-type routing, pause/resume signaling, and recovery of
// work held by workers that stopped heartbeating.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/triagent/conductor/internal/audit"
	"github.com/triagent/conductor/internal/bus"
	"github.com/triagent/conductor/internal/store"
)

// Route maps a task type onto the capability that handles it and the
// processing lane it runs in.
type Route struct {
	Capability string
	Lane       string
}

// defaultRoutes is the static task-type routing table. SECURITY always goes
// to the highest-trust capability regardless of load.
var defaultRoutes = map[string]Route{
	"IMPLEMENTATION": {Capability: "claude", Lane: "impl"},
	"REVIEW":         {Capability: "codex", Lane: "review"},
	"ANALYSIS":       {Capability: "gemini", Lane: "analysis"},
	"SECURITY":       {Capability: "claude", Lane: "security"},
	"GENERAL":        {Capability: "claude", Lane: "impl"},
}

type Manager struct {
	store  *store.Store
	events *bus.Bus

	maxPerWorker   int
	shardCount     int
	staleThreshold time.Duration
	routes         map[string]Route

	mu     sync.Mutex
	shards map[string][]int
}

func NewManager(st *store.Store, events *bus.Bus, maxPerWorker, shardCount int, staleThreshold time.Duration) *Manager {
	if maxPerWorker <= 0 {
		maxPerWorker = 2
	}
	if shardCount <= 0 {
		shardCount = 4
	}
	if staleThreshold <= 0 {
		staleThreshold = 2 * time.Minute
	}
	return &Manager{
		store:          st,
		events:         events,
		maxPerWorker:   maxPerWorker,
		shardCount:     shardCount,
		staleThreshold: staleThreshold,
		routes:         defaultRoutes,
		shards:         make(map[string][]int),
	}
}

// Register adds or refreshes a worker. Re-registering an existing ID updates
// the record and resets it to ACTIVE.
func (m *Manager) Register(ctx context.Context, workerID string, pid int, capabilities string, maxTasks int) error {
	if maxTasks <= 0 {
		maxTasks = m.maxPerWorker
	}
	if err := m.store.RegisterWorker(ctx, workerID, pid, capabilities, maxTasks); err != nil {
		return err
	}
	slog.Info("pool: worker registered", "worker_id", workerID, "pid", pid, "capabilities", capabilities)
	audit.Record("worker_registered", "pool", "", fmt.Sprintf("worker=%s pid=%d", workerID, pid))
	if m.events != nil {
		m.events.Publish(bus.TopicWorkerRegistered, bus.WorkerEvent{
			WorkerID:  workerID,
			NewStatus: string(store.WorkerStatusActive),
			Reason:    "registered",
		})
	}
	return nil
}

// AssignShards pins a worker to a set of shards. Subsequent claims by that
// worker only see tasks in those shards. An empty set clears the pin.
func (m *Manager) AssignShards(workerID string, shards []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(shards) == 0 {
		delete(m.shards, workerID)
		return
	}
	m.shards[workerID] = slices.Clone(shards)
}

// Claim admits a claim attempt for the worker, bounded by its concurrency
// cap and narrowed to the task types its capabilities can serve and the
// shards it is pinned to. Returns nil when no eligible work exists or the
// worker may not claim.
func (m *Manager) Claim(ctx context.Context, workerID string) (*store.Task, error) {
	worker, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	limit := m.maxPerWorker
	var filter store.ClaimFilter
	if worker != nil {
		if worker.MaxTasks > 0 {
			limit = worker.MaxTasks
		}
		filter = m.claimFilter(worker)
	}
	return m.store.ClaimNextTaskFiltered(ctx, workerID, limit, filter)
}

// claimFilter derives the claim restriction from the worker's registered
// capabilities and shard pin. A worker advertising GENERAL, no capabilities,
// or every routed capability claims without a type restriction.
func (m *Manager) claimFilter(worker *store.Worker) store.ClaimFilter {
	var filter store.ClaimFilter
	m.mu.Lock()
	filter.Shards = slices.Clone(m.shards[worker.ID])
	m.mu.Unlock()

	caps := make(map[string]bool)
	for _, c := range strings.Split(worker.Capabilities, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps[strings.ToLower(c)] = true
		}
	}
	if len(caps) == 0 || caps["general"] {
		return filter
	}
	var types []string
	for taskType, route := range m.routes {
		if caps[route.Capability] {
			types = append(types, taskType)
		}
	}
	if len(types) == len(m.routes) {
		return filter
	}
	slices.Sort(types)
	filter.Types = types
	return filter
}

// RouteFor resolves a task type to its capability and lane. Unknown types
// take the GENERAL route.
func (m *Manager) RouteFor(taskType string) Route {
	if r, ok := m.routes[taskType]; ok {
		return r
	}
	return m.routes["GENERAL"]
}

// ShardFor deterministically assigns a task key to a shard.
func (m *Manager) ShardFor(taskKey string) int {
	return store.ShardOf(taskKey, m.shardCount)
}

// Pause asks a worker to stop claiming. The worker finishes its current task
// before idling; this only flips the claim gate.
func (m *Manager) Pause(ctx context.Context, workerID, reason string) (bool, error) {
	ok, err := m.store.TransitionWorker(ctx, workerID,
		[]store.WorkerStatus{store.WorkerStatusActive}, store.WorkerStatusPaused)
	if err != nil || !ok {
		return ok, err
	}
	audit.Record("worker_paused", "pool", "", fmt.Sprintf("worker=%s reason=%s", workerID, reason))
	if m.events != nil {
		m.events.Publish(bus.TopicWorkerPaused, bus.WorkerEvent{
			WorkerID:  workerID,
			OldStatus: string(store.WorkerStatusActive),
			NewStatus: string(store.WorkerStatusPaused),
			Reason:    reason,
		})
	}
	return true, nil
}

// Resume re-enables claiming for a paused worker.
func (m *Manager) Resume(ctx context.Context, workerID string) (bool, error) {
	ok, err := m.store.TransitionWorker(ctx, workerID,
		[]store.WorkerStatus{store.WorkerStatusPaused}, store.WorkerStatusActive)
	if err != nil || !ok {
		return ok, err
	}
	audit.Record("worker_resumed", "pool", "", "worker="+workerID)
	if m.events != nil {
		m.events.Publish(bus.TopicWorkerResumed, bus.WorkerEvent{
			WorkerID:  workerID,
			OldStatus: string(store.WorkerStatusPaused),
			NewStatus: string(store.WorkerStatusActive),
		})
	}
	return true, nil
}

// PauseAll pauses every ACTIVE worker and returns how many were paused.
func (m *Manager) PauseAll(ctx context.Context, reason string) (int, error) {
	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	var paused int
	for _, w := range workers {
		if w.Status != store.WorkerStatusActive {
			continue
		}
		ok, err := m.Pause(ctx, w.ID, reason)
		if err != nil {
			return paused, err
		}
		if ok {
			paused++
		}
	}
	return paused, nil
}

// ScanStale finds workers whose heartbeat has lapsed, classifies each as DEAD
// (process gone) or CRASHED (process alive but unresponsive), and returns
// their RUNNING tasks to the queue with retry counts untouched. Safe to run
// concurrently: the guarded transitions make a second pass a no-op.
func (m *Manager) ScanStale(ctx context.Context) (int, error) {
	stale, err := m.store.ListStaleWorkers(ctx, m.staleThreshold)
	if err != nil {
		return 0, err
	}

	var recovered int
	for _, w := range stale {
		ok, err := m.store.TransitionWorker(ctx, w.ID,
			[]store.WorkerStatus{store.WorkerStatusActive, store.WorkerStatusPaused},
			store.WorkerStatusStale)
		if err != nil {
			return recovered, err
		}
		if !ok {
			// Another pass got here first, or a heartbeat arrived.
			continue
		}

		final := store.WorkerStatusDead
		reason := "process gone"
		if processAlive(w.PID) {
			final = store.WorkerStatusCrashed
			reason = "process unresponsive"
		}
		applied, err := m.store.TransitionWorker(ctx, w.ID,
			[]store.WorkerStatus{store.WorkerStatusStale}, final)
		if err != nil {
			return recovered, err
		}
		if !applied {
			continue
		}

		requeued, err := m.store.RequeueWorkerTasks(ctx, w.ID)
		if err != nil {
			return recovered, err
		}
		recovered++

		slog.Warn("pool: stale worker recovered",
			"worker_id", w.ID,
			"final_status", final,
			"requeued_tasks", requeued,
		)
		audit.Record("worker_recovered", "pool", "",
			fmt.Sprintf("worker=%s status=%s reason=%s requeued=%d", w.ID, final, reason, requeued))
		if m.events != nil {
			m.events.Publish(bus.TopicWorkerStale, bus.WorkerEvent{
				WorkerID:  w.ID,
				OldStatus: string(w.Status),
				NewStatus: string(final),
				Reason:    reason,
			})
		}
	}
	return recovered, nil
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
