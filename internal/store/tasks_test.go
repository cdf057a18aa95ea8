package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/triagent/conductor/internal/store"
)

func registerTestWorker(t *testing.T, s *store.Store, id string) {
	t.Helper()
	if err := s.RegisterWorker(context.Background(), id, 12345, "GENERAL", 2); err != nil {
		t.Fatalf("register worker %s: %v", id, err)
	}
}

func enqueueTestTask(t *testing.T, s *store.Store, id string, priority int) {
	t.Helper()
	_, inserted, err := s.EnsureTask(context.Background(), id, "GENERAL", priority, "{}", 3, 4)
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
	if !inserted {
		t.Fatalf("task %s already existed", id)
	}
}

func TestEnsureTask_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, inserted, err := s.EnsureTask(ctx, "t-dup", "GENERAL", store.PriorityMedium, `{"a":1}`, 3, 4)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if id != "t-dup" || !inserted {
		t.Fatalf("expected fresh insert, got id=%s inserted=%v", id, inserted)
	}

	_, inserted, err = s.EnsureTask(ctx, "t-dup", "GENERAL", store.PriorityCritical, `{"a":2}`, 3, 4)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if inserted {
		t.Fatal("replay of same task ID must be a no-op")
	}

	task, err := s.GetTask(ctx, "t-dup")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Priority != store.PriorityMedium || task.Payload != `{"a":1}` {
		t.Fatalf("replay mutated original task: %+v", task)
	}
}

func TestEnsureTask_GeneratesIDWhenEmpty(t *testing.T) {
	s := openTestStore(t)

	id, inserted, err := s.EnsureTask(context.Background(), "", "GENERAL", store.PriorityLow, "{}", 3, 4)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if id == "" || !inserted {
		t.Fatalf("expected generated id, got %q inserted=%v", id, inserted)
	}
}

func TestClaimNextTask_PriorityOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")

	enqueueTestTask(t, s, "t-low", store.PriorityLow)
	enqueueTestTask(t, s, "t-crit", store.PriorityCritical)
	enqueueTestTask(t, s, "t-med", store.PriorityMedium)

	want := []string{"t-crit", "t-med"}
	for _, expected := range want {
		task, err := s.ClaimNextTask(ctx, "w1", 0)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if task == nil || task.ID != expected {
			t.Fatalf("expected to claim %s, got %+v", expected, task)
		}
		if task.Status != store.TaskStatusRunning || task.WorkerID != "w1" {
			t.Fatalf("claimed task not assigned: %+v", task)
		}
		if task.ClaimedAt == nil {
			t.Fatal("claimed task missing claimed_at")
		}
	}
}

func TestClaimNextTask_EmptyQueueReturnsNil(t *testing.T) {
	s := openTestStore(t)
	registerTestWorker(t, s, "w1")

	task, err := s.ClaimNextTask(context.Background(), "w1", 0)
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil on empty queue, got %+v", task)
	}
}

func TestClaimNextTask_UnregisteredWorkerErrors(t *testing.T) {
	s := openTestStore(t)
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	if _, err := s.ClaimNextTask(context.Background(), "ghost", 0); err == nil {
		t.Fatal("expected error for unregistered worker")
	}
}

func TestClaimNextTask_PausedWorkerCannotClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	ok, err := s.TransitionWorker(ctx, "w1", []store.WorkerStatus{store.WorkerStatusActive}, store.WorkerStatusPaused)
	if err != nil || !ok {
		t.Fatalf("pause worker: ok=%v err=%v", ok, err)
	}

	task, err := s.ClaimNextTask(ctx, "w1", 0)
	if err != nil {
		t.Fatalf("claim while paused: %v", err)
	}
	if task != nil {
		t.Fatalf("paused worker claimed a task: %+v", task)
	}
}

func TestClaimNextTask_RespectsPerWorkerCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")
	for i := 0; i < 3; i++ {
		enqueueTestTask(t, s, fmt.Sprintf("t%d", i), store.PriorityMedium)
	}

	for i := 0; i < 2; i++ {
		task, err := s.ClaimNextTask(ctx, "w1", 2)
		if err != nil || task == nil {
			t.Fatalf("claim %d: task=%v err=%v", i, task, err)
		}
	}
	task, err := s.ClaimNextTask(ctx, "w1", 2)
	if err != nil {
		t.Fatalf("claim at cap: %v", err)
	}
	if task != nil {
		t.Fatalf("worker claimed past its cap: %+v", task)
	}
}

func TestClaimNextTaskFiltered_TypeAndShard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")

	if _, _, err := s.EnsureTask(ctx, "t-review", "REVIEW", store.PriorityCritical, "{}", 3, 4); err != nil {
		t.Fatalf("enqueue review: %v", err)
	}
	if _, _, err := s.EnsureTask(ctx, "t-impl", "IMPLEMENTATION", store.PriorityLow, "{}", 3, 4); err != nil {
		t.Fatalf("enqueue impl: %v", err)
	}

	// The type filter skips the higher-priority review task.
	task, err := s.ClaimNextTaskFiltered(ctx, "w1", 0, store.ClaimFilter{Types: []string{"IMPLEMENTATION"}})
	if err != nil {
		t.Fatalf("typed claim: %v", err)
	}
	if task == nil || task.ID != "t-impl" {
		t.Fatalf("typed claim took %+v, want t-impl", task)
	}

	// A shard filter that misses the remaining task claims nothing.
	remaining, _ := s.GetTask(ctx, "t-review")
	miss := store.ClaimFilter{Shards: []int{(remaining.Shard + 1) % 4}}
	task, err = s.ClaimNextTaskFiltered(ctx, "w1", 0, miss)
	if err != nil {
		t.Fatalf("sharded claim: %v", err)
	}
	if task != nil {
		t.Fatalf("claim outside shard took %+v", task)
	}

	hit := store.ClaimFilter{Shards: []int{remaining.Shard}, Types: []string{"REVIEW"}}
	task, err = s.ClaimNextTaskFiltered(ctx, "w1", 0, hit)
	if err != nil || task == nil || task.ID != "t-review" {
		t.Fatalf("matching claim: task=%+v err=%v", task, err)
	}
}

func TestClaimNextTask_ConcurrentSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueTestTask(t, s, "t-contested", store.PriorityMedium)

	const workers = 8
	for i := 0; i < workers; i++ {
		registerTestWorker(t, s, fmt.Sprintf("w%d", i))
	}

	var wg sync.WaitGroup
	claims := make(chan string, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			task, err := s.ClaimNextTask(ctx, workerID, 0)
			if err != nil {
				errs <- err
				return
			}
			if task != nil {
				claims <- workerID
			}
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()
	close(claims)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent claim error: %v", err)
	}
	var winners []string
	for w := range claims {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one claim winner, got %d (%v)", len(winners), winners)
	}

	task, err := s.GetTask(ctx, "t-contested")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusRunning || task.WorkerID != winners[0] {
		t.Fatalf("task not held by winner: %+v", task)
	}
}

func TestSubmitForReview_RequiresAssignee(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")
	registerTestWorker(t, s, "w2")
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	task, err := s.ClaimNextTask(ctx, "w1", 0)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}

	if err := s.SubmitForReview(ctx, "t1", "w2", "{}"); err == nil {
		t.Fatal("non-assignee must not submit for review")
	}
	if err := s.SubmitForReview(ctx, "t1", "w1", `{"ok":true}`); err != nil {
		t.Fatalf("assignee submit: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusReview || got.Result != `{"ok":true}` {
		t.Fatalf("unexpected task after review submit: %+v", got)
	}
}

func TestApproveThenComplete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	if _, err := s.ClaimNextTask(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.SubmitForReview(ctx, "t1", "w1", "{}"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := s.ApproveTask(ctx, "t1", "consensus_t1_1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != store.TaskStatusApproved || task.WorkerID != "" {
		t.Fatalf("approval must clear assignment: %+v", task)
	}

	if err := s.CompleteTask(ctx, "t1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, _ = s.GetTask(ctx, "t1")
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", task.Status)
	}

	// Terminal states admit no further transitions.
	if err := s.CompleteTask(ctx, "t1"); err == nil {
		t.Fatal("completing a completed task must fail")
	}
}

func TestRetryOrEscalate_Boundary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")

	_, _, err := s.EnsureTask(ctx, "t1", "GENERAL", store.PriorityMedium, "{}", 2, 4)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rejectOnce := func() {
		t.Helper()
		if _, err := s.ClaimNextTask(ctx, "w1", 0); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := s.SubmitForReview(ctx, "t1", "w1", "{}"); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if err := s.RejectTask(ctx, "t1", "s1"); err != nil {
			t.Fatalf("reject: %v", err)
		}
	}

	// Two rejections below the ceiling requeue with an incremented counter.
	for want := 1; want <= 2; want++ {
		rejectOnce()
		outcome, err := s.RetryOrEscalate(ctx, "t1")
		if err != nil {
			t.Fatalf("retry %d: %v", want, err)
		}
		if outcome != store.RetryOutcomeRequeued {
			t.Fatalf("retry %d: expected REQUEUED, got %s", want, outcome)
		}
		task, _ := s.GetTask(ctx, "t1")
		if task.Status != store.TaskStatusQueued || task.RetryCount != want {
			t.Fatalf("retry %d: unexpected task %+v", want, task)
		}
	}

	// Third rejection hits retry_count == max_retries and escalates.
	rejectOnce()
	outcome, err := s.RetryOrEscalate(ctx, "t1")
	if err != nil {
		t.Fatalf("final retry: %v", err)
	}
	if outcome != store.RetryOutcomeEscalated {
		t.Fatalf("expected ESCALATED, got %s", outcome)
	}
	task, _ := s.GetTask(ctx, "t1")
	if task.Status != store.TaskStatusEscalated {
		t.Fatalf("expected ESCALATED status, got %s", task.Status)
	}
}

func TestReleaseTask_ReturnsToQueueUnchanged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	if _, err := s.ClaimNextTask(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ReleaseTask(ctx, "t1", "w2"); err == nil {
		t.Fatal("non-owner release must fail")
	}
	if err := s.ReleaseTask(ctx, "t1", "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	task, _ := s.GetTask(ctx, "t1")
	if task.Status != store.TaskStatusQueued || task.WorkerID != "" || task.RetryCount != 0 {
		t.Fatalf("release must requeue without burning a retry: %+v", task)
	}
}

func TestRequeueWorkerTasks_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")
	enqueueTestTask(t, s, "t1", store.PriorityMedium)
	enqueueTestTask(t, s, "t2", store.PriorityMedium)

	for i := 0; i < 2; i++ {
		if task, err := s.ClaimNextTask(ctx, "w1", 0); err != nil || task == nil {
			t.Fatalf("claim %d: task=%v err=%v", i, task, err)
		}
	}

	n, err := s.RequeueWorkerTasks(ctx, "w1")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 requeued, got %d", n)
	}
	for _, id := range []string{"t1", "t2"} {
		task, _ := s.GetTask(ctx, id)
		if task.Status != store.TaskStatusQueued || task.WorkerID != "" {
			t.Fatalf("task %s not returned to queue: %+v", id, task)
		}
	}

	// Second pass finds nothing to do.
	n, err = s.RequeueWorkerTasks(ctx, "w1")
	if err != nil {
		t.Fatalf("second requeue: %v", err)
	}
	if n != 0 {
		t.Fatalf("requeue not idempotent, moved %d tasks", n)
	}
}

func TestRecoverRunningTasks_SkipsNonRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")
	enqueueTestTask(t, s, "t-running", store.PriorityMedium)
	enqueueTestTask(t, s, "t-review", store.PriorityMedium)

	for i := 0; i < 2; i++ {
		if task, err := s.ClaimNextTask(ctx, "w1", 0); err != nil || task == nil {
			t.Fatalf("claim %d: task=%v err=%v", i, task, err)
		}
	}
	if err := s.SubmitForReview(ctx, "t-review", "w1", "{}"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	n, err := s.RecoverRunningTasks(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered task, got %d", n)
	}
	running, _ := s.GetTask(ctx, "t-running")
	if running.Status != store.TaskStatusQueued {
		t.Fatalf("running task not recovered: %+v", running)
	}
	review, _ := s.GetTask(ctx, "t-review")
	if review.Status != store.TaskStatusReview {
		t.Fatalf("recovery must not touch REVIEW tasks: %+v", review)
	}
}

func TestBoostAgedPriorities_OneLevelPerPass(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueueTestTask(t, s, "t-old-low", store.PriorityLow)
	enqueueTestTask(t, s, "t-fresh-low", store.PriorityLow)

	// Backdate one task past the LOW tier threshold (4h) but short of the
	// MEDIUM threshold (8h).
	if _, err := s.DB().Exec(
		`UPDATE tasks SET created_at = datetime('now', '-5 hours') WHERE id = 't-old-low';`,
	); err != nil {
		t.Fatalf("backdate task: %v", err)
	}

	n, err := s.BoostAgedPriorities(ctx)
	if err != nil {
		t.Fatalf("boost: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 boost, got %d", n)
	}

	old, _ := s.GetTask(ctx, "t-old-low")
	if old.Priority != store.PriorityMedium || old.BoostCount != 1 {
		t.Fatalf("aged task not boosted one level: %+v", old)
	}
	fresh, _ := s.GetTask(ctx, "t-fresh-low")
	if fresh.Priority != store.PriorityLow || fresh.BoostCount != 0 {
		t.Fatalf("fresh task must not be boosted: %+v", fresh)
	}

	// A second pass must not promote again until the MEDIUM threshold ages in.
	n, err = s.BoostAgedPriorities(ctx)
	if err != nil {
		t.Fatalf("second boost: %v", err)
	}
	if n != 0 {
		t.Fatalf("boosted %d tasks on second pass, want 0", n)
	}
}

func TestTaskEvents_JournalTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	if _, err := s.ClaimNextTask(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.SubmitForReview(ctx, "t1", "w1", "{}"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	events, err := s.ListTaskEventsFrom(ctx, "t1", 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	want := []string{"task.enqueued", "task.claimed", "task.review"}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestSnapshotQueueMetrics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	registerTestWorker(t, s, "w1")
	enqueueTestTask(t, s, "t1", store.PriorityMedium)
	enqueueTestTask(t, s, "t2", store.PriorityMedium)

	if _, err := s.ClaimNextTask(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	snap, err := s.SnapshotQueueMetrics(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Queued != 1 || snap.Running != 1 || snap.Review != 0 || snap.Escalated != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	var rows int
	if err := s.DB().QueryRow("SELECT COUNT(1) FROM queue_metrics;").Scan(&rows); err != nil {
		t.Fatalf("count metrics rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected 1 metrics row, got %d", rows)
	}
}
