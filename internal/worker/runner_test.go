package worker_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triagent/conductor/internal/breaker"
	"github.com/triagent/conductor/internal/budget"
	"github.com/triagent/conductor/internal/consensus"
	"github.com/triagent/conductor/internal/lifecycle"
	"github.com/triagent/conductor/internal/pool"
	"github.com/triagent/conductor/internal/store"
	"github.com/triagent/conductor/internal/worker"
)

type scriptedExecutor struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	prompts   map[string][]string
}

func (s *scriptedExecutor) Execute(_ context.Context, capability, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prompts == nil {
		s.prompts = make(map[string][]string)
	}
	s.prompts[capability] = append(s.prompts[capability], prompt)
	if err, ok := s.errs[capability]; ok {
		return "", err
	}
	return s.responses[capability], nil
}

func (s *scriptedExecutor) promptCount(capability string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts[capability])
}

type fixture struct {
	store   *store.Store
	pool    *pool.Manager
	breaker *breaker.Breaker
	exec    *scriptedExecutor
	machine *lifecycle.Machine
}

func newFixture(t *testing.T, exec *scriptedExecutor, threshold int) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	engine := consensus.New(st, exec, nil, []string{"claude", "codex", "gemini"}, 2)
	return &fixture{
		store:   st,
		pool:    pool.NewManager(st, nil, 2, 4, time.Minute),
		breaker: breaker.New(threshold, time.Hour),
		exec:    exec,
		machine: lifecycle.New(st, engine),
	}
}

func newRunner(f *fixture) *worker.Runner {
	return worker.NewRunner(worker.Config{
		ID:                "w1",
		Store:             f.store,
		Pool:              f.pool,
		Breaker:           f.breaker,
		Executor:          f.exec,
		Machine:           f.machine,
		Capabilities:      "GENERAL",
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		MaxTasks:          2,
	})
}

func waitForStatus(t *testing.T, st *store.Store, taskID string, want store.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task != nil && task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := st.GetTask(context.Background(), taskID)
	t.Fatalf("task never reached %s: %+v", want, task)
}

func TestRunner_ProcessesTaskThroughReview(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{
		"claude": "implemented the thing",
		"codex":  "APPROVE",
		"gemini": "APPROVE",
	}}
	f := newFixture(t, exec, 5)
	ctx := context.Background()

	if _, _, err := f.store.EnsureTask(ctx, "t1", "IMPLEMENTATION", store.PriorityMedium, `{"goal":"x"}`, 3, 4); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := newRunner(f)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitForStatus(t, f.store, "t1", store.TaskStatusCompleted)

	// Heartbeats flowed while the loop ran.
	hb, err := f.store.LatestHeartbeat(ctx, "w1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if hb == nil {
		t.Fatal("no heartbeat recorded")
	}
}

func TestRunner_LedgersSpendForExecution(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{
		"claude": "implemented the thing",
		"codex":  "APPROVE",
		"gemini": "APPROVE",
	}}
	f := newFixture(t, exec, 5)
	ctx := context.Background()
	gov := budget.NewGovernor(f.store, f.pool, nil, 100, time.Hour, 1000, time.Minute)

	if _, _, err := f.store.EnsureTask(ctx, "t1", "IMPLEMENTATION", store.PriorityMedium, `{"goal":"x"}`, 3, 4); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := worker.NewRunner(worker.Config{
		ID:           "w1",
		Store:        f.store,
		Pool:         f.pool,
		Breaker:      f.breaker,
		Executor:     exec,
		Machine:      f.machine,
		Governor:     gov,
		Capabilities: "GENERAL",
		PollInterval: 10 * time.Millisecond,
		MaxTasks:     2,
	})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitForStatus(t, f.store, "t1", store.TaskStatusCompleted)

	// The implementation call rode a priced capability.
	spent, err := f.store.HourlySpend(ctx)
	if err != nil {
		t.Fatalf("hourly spend: %v", err)
	}
	if spent <= 0 {
		t.Fatal("execution left no spend ledger entries")
	}

	entries, err := f.store.ListSpend(ctx, 10)
	if err != nil {
		t.Fatalf("list spend: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no ledger entries")
	}
	for _, e := range entries {
		if e.TaskID != "t1" || e.WorkerID != "w1" {
			t.Fatalf("ledger entry misattributed: %+v", e)
		}
	}
}

func TestRunner_RejectionFeedbackReachesNextAttempt(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]string{
		"claude": "first cut",
		"codex":  "REJECT: handle the empty case",
		"gemini": "REJECT: handle the empty case",
	}}
	f := newFixture(t, exec, 5)
	ctx := context.Background()

	if _, _, err := f.store.EnsureTask(ctx, "t1", "IMPLEMENTATION", store.PriorityMedium, "{}", 3, 4); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := newRunner(f)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	// Wait until the implementer has been asked at least twice, then check
	// the second prompt carried the reviewers' feedback.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && exec.promptCount("claude") < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	exec.mu.Lock()
	prompts := exec.prompts["claude"]
	exec.mu.Unlock()
	if len(prompts) < 2 {
		t.Fatalf("implementer asked %d times, want at least 2", len(prompts))
	}
	second := prompts[1]
	if !strings.Contains(second, "handle the empty case") {
		t.Fatalf("second attempt missing rejection feedback: %q", second)
	}
}

func TestRunner_OpenBreakerKeepsExecutorUntouched(t *testing.T) {
	execErr := errors.New("model unavailable")
	exec := &scriptedExecutor{errs: map[string]error{"claude": execErr}}
	f := newFixture(t, exec, 1)
	ctx := context.Background()

	if _, _, err := f.store.EnsureTask(ctx, "t1", "IMPLEMENTATION", store.PriorityMedium, "{}", 3, 4); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := newRunner(f)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// One failure opens the circuit at threshold 1.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && f.breaker.Current("claude") != breaker.StateOpen {
		time.Sleep(10 * time.Millisecond)
	}
	if f.breaker.Current("claude") != breaker.StateOpen {
		t.Fatal("circuit never opened")
	}

	// Let a few more poll cycles run; the open circuit must block further
	// executor calls and the task must sit QUEUED, not FAILED.
	calls := exec.promptCount("claude")
	time.Sleep(100 * time.Millisecond)
	if got := exec.promptCount("claude"); got != calls {
		t.Fatalf("executor called %d more times while circuit open", got-calls)
	}
	r.Stop()

	task, _ := f.store.GetTask(ctx, "t1")
	if task.Status != store.TaskStatusQueued {
		t.Fatalf("task must wait in queue behind an open circuit: %+v", task)
	}
}

func TestRunner_StopReleasesClaimedWork(t *testing.T) {
	// The implementer blocks until the context is cancelled, so Stop fires
	// while the task is RUNNING.
	blocking := &blockingExecutor{started: make(chan struct{}, 1)}
	f := newFixture(t, &scriptedExecutor{}, 5)
	ctx := context.Background()

	if _, _, err := f.store.EnsureTask(ctx, "t1", "IMPLEMENTATION", store.PriorityMedium, "{}", 3, 4); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := worker.NewRunner(worker.Config{
		ID:           "w1",
		Store:        f.store,
		Pool:         f.pool,
		Breaker:      f.breaker,
		Executor:     blocking,
		Machine:      f.machine,
		Capabilities: "GENERAL",
		PollInterval: 10 * time.Millisecond,
	})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-blocking.started:
	case <-time.After(3 * time.Second):
		t.Fatal("executor never invoked")
	}
	r.Stop()

	task, _ := f.store.GetTask(ctx, "t1")
	if task.Status != store.TaskStatusQueued {
		t.Fatalf("shutdown must release claimed task: %+v", task)
	}
}

type blockingExecutor struct {
	started chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, _, _ string) (string, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return "", ctx.Err()
}


func TestRunner_HeartbeatCarriesCurrentTask(t *testing.T) {
	blocking := &blockingExecutor{started: make(chan struct{}, 1)}
	f := newFixture(t, &scriptedExecutor{}, 5)
	ctx := context.Background()

	if _, _, err := f.store.EnsureTask(ctx, "t1", "IMPLEMENTATION", store.PriorityMedium, "{}", 3, 4); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	r := worker.NewRunner(worker.Config{
		ID:                "w1",
		Store:             f.store,
		Pool:              f.pool,
		Breaker:           f.breaker,
		Executor:          blocking,
		Machine:           f.machine,
		Capabilities:      "GENERAL",
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		TaskTimeout:       2 * time.Minute,
	})
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	select {
	case <-blocking.started:
	case <-time.After(3 * time.Second):
		t.Fatal("executor never invoked")
	}

	// A beat lands while the executor is stuck on t1.
	deadline := time.Now().Add(3 * time.Second)
	for {
		hb, err := f.store.LatestHeartbeat(ctx, "w1")
		if err != nil {
			t.Fatalf("latest heartbeat: %v", err)
		}
		if hb != nil && hb.TaskID == "t1" {
			if hb.Progress != "executing" {
				t.Fatalf("unexpected progress: %+v", hb)
			}
			if hb.ExpectedTimeoutS != 120 {
				t.Fatalf("unexpected timeout budget: %+v", hb)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no heartbeat named the running task: %+v", hb)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
