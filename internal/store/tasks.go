package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/triagent/conductor/internal/bus"
	"github.com/google/uuid"
)

// Age thresholds for anti-starvation priority boosts. A queued task older
// than the threshold for its tier moves up one priority level.
var boostThresholds = map[int]time.Duration{
	PriorityLow:    4 * time.Hour,
	PriorityMedium: 8 * time.Hour,
	PriorityHigh:   24 * time.Hour,
}

// EnsureTask inserts a task if it does not already exist. Re-submitting an
// existing ID is a no-op, which makes queue file replays safe.
func (s *Store) EnsureTask(ctx context.Context, id, taskType string, priority int, payload string, maxRetries, shardCount int) (string, bool, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if taskType == "" {
		taskType = "GENERAL"
	}
	if priority < PriorityCritical || priority > PriorityLow {
		priority = PriorityMedium
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if payload == "" {
		payload = "{}"
	}
	shard := ShardOf(id, shardCount)

	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ensure task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tasks (id, type, status, priority, shard, max_retries, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, taskType, TaskStatusQueued, priority, shard, maxRetries, payload)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ensure task rows affected: %w", err)
		}
		inserted = n == 1
		if inserted {
			if err := s.appendTaskEventTx(ctx, tx, id, "", TaskStatusQueued, "task.enqueued", `{"reason":"ensure_task"}`); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	return id, inserted, err
}

// SetTaskShard recomputes the routing shard for a task against the given
// shard count.
func (s *Store) SetTaskShard(ctx context.Context, taskID string, shardCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET shard = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, ShardOf(taskID, shardCount), taskID)
	if err != nil {
		return fmt.Errorf("set task shard: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ?
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?;
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// CountRunningForWorker returns how many tasks the worker holds in RUNNING.
func (s *Store) CountRunningForWorker(ctx context.Context, workerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE worker_id = ? AND status = ?;
	`, workerID, TaskStatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running for worker: %w", err)
	}
	return n, nil
}

// ClaimFilter narrows which queued tasks a worker may claim. A nil or empty
// field means no restriction on that axis.
type ClaimFilter struct {
	Shards []int
	Types  []string
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ClaimNextTask atomically claims the highest-priority queued task for the
// worker, with no shard or type restriction.
func (s *Store) ClaimNextTask(ctx context.Context, workerID string, maxPerWorker int) (*Task, error) {
	return s.ClaimNextTaskFiltered(ctx, workerID, maxPerWorker, ClaimFilter{})
}

// ClaimNextTaskFiltered atomically claims the highest-priority queued task
// matching the filter. Priority 0 wins; ties break on enqueue order. Returns
// nil when no eligible task exists, the worker is at its concurrency cap, or
// the worker is not eligible to claim.
func (s *Store) ClaimNextTaskFiltered(ctx context.Context, workerID string, maxPerWorker int, filter ClaimFilter) (*Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("claim requires a worker id")
	}
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var workerStatus string
		if err := tx.QueryRowContext(ctx, `
			SELECT status FROM workers WHERE id = ?;
		`, workerID).Scan(&workerStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("claim by unregistered worker %q", workerID)
			}
			return fmt.Errorf("read worker status: %w", err)
		}
		if workerStatus != string(WorkerStatusActive) {
			result = nil
			return nil
		}

		if maxPerWorker > 0 {
			var running int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(1) FROM tasks WHERE worker_id = ? AND status = ?;
			`, workerID, TaskStatusRunning).Scan(&running); err != nil {
				return fmt.Errorf("count running: %w", err)
			}
			if running >= maxPerWorker {
				result = nil
				return nil
			}
		}

		query := `
			SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = ?`
		args := []any{TaskStatusQueued}
		if len(filter.Shards) > 0 {
			query += ` AND shard IN (` + placeholders(len(filter.Shards)) + `)`
			for _, shard := range filter.Shards {
				args = append(args, shard)
			}
		}
		if len(filter.Types) > 0 {
			query += ` AND type IN (` + placeholders(len(filter.Types)) + `)`
			for _, taskType := range filter.Types {
				args = append(args, taskType)
			}
		}
		query += `
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1;`

		var task Task
		row := tx.QueryRowContext(ctx, query, args...)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select queued task: %w", scanErr)
		}

		ok, err := s.transitionTaskTx(ctx, tx, task.ID,
			[]TaskStatus{TaskStatusQueued}, TaskStatusRunning,
			"task.claimed", fmt.Sprintf(`{"worker_id":%q}`, workerID), nil, nil)
		if err != nil {
			return fmt.Errorf("claim task transition: %w", err)
		}
		if !ok {
			// Lost the race; treat as empty queue for this attempt.
			_ = tx.Rollback()
			result = nil
			return nil
		}
		claimedAt := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET worker_id = ?, claimed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, workerID, claimedAt, task.ID, TaskStatusRunning); err != nil {
			return fmt.Errorf("assign claimed task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = TaskStatusRunning
		task.WorkerID = workerID
		task.ClaimedAt = &claimedAt
		result = &task
		return nil
	})
	if err == nil && result != nil {
		s.publishStateChange(result.ID, workerID, TaskStatusQueued, TaskStatusRunning)
	}
	return result, err
}

// SubmitForReview moves a running task into review. Only the assigned worker
// may submit.
func (s *Store) SubmitForReview(ctx context.Context, taskID, workerID, result string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var assigned sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT worker_id FROM tasks WHERE id = ? AND status = ?;
	`, taskID, TaskStatusRunning).Scan(&assigned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("read task assignee: %w", err)
	}
	if !assigned.Valid || assigned.String != workerID {
		return sql.ErrNoRows
	}

	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusRunning}, TaskStatusReview,
		"task.review", fmt.Sprintf(`{"worker_id":%q}`, workerID), &result, nil)
	if err != nil {
		return fmt.Errorf("review transition: %w", err)
	}
	if !ok {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review tx: %w", err)
	}
	s.publishStateChange(taskID, workerID, TaskStatusRunning, TaskStatusReview)
	return nil
}

// ApproveTask records a passing consensus outcome.
func (s *Store) ApproveTask(ctx context.Context, taskID, sessionID string) error {
	return s.reviewOutcome(ctx, taskID, sessionID, TaskStatusApproved, "task.approved")
}

// RejectTask records a failing consensus outcome.
func (s *Store) RejectTask(ctx context.Context, taskID, sessionID string) error {
	return s.reviewOutcome(ctx, taskID, sessionID, TaskStatusRejected, "task.rejected")
}

// EscalateReview parks an inconclusive review for a human.
func (s *Store) EscalateReview(ctx context.Context, taskID, sessionID string) error {
	err := s.reviewOutcome(ctx, taskID, sessionID, TaskStatusEscalated, "task.escalated")
	if err == nil && s.bus != nil {
		s.bus.Publish(bus.TopicTaskEscalated, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(TaskStatusReview),
			NewStatus: string(TaskStatusEscalated),
		})
	}
	return err
}

func (s *Store) reviewOutcome(ctx context.Context, taskID, sessionID string, to TaskStatus, eventType string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review outcome tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusReview}, to,
		eventType, fmt.Sprintf(`{"session_id":%q}`, sessionID), nil, nil)
	if err != nil {
		return fmt.Errorf("review outcome transition: %w", err)
	}
	if !ok {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET worker_id = NULL, claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, taskID, to); err != nil {
		return fmt.Errorf("clear assignment on review outcome: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review outcome tx: %w", err)
	}
	s.publishStateChange(taskID, "", TaskStatusReview, to)
	return nil
}

// CompleteTask finalizes an approved task.
func (s *Store) CompleteTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusApproved}, TaskStatusCompleted,
		"task.completed", `{"reason":"approved_finalized"}`, nil, nil)
	if err != nil {
		return fmt.Errorf("complete transition: %w", err)
	}
	if !ok {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(TaskStatusApproved),
			NewStatus: string(TaskStatusCompleted),
		})
	}
	return nil
}

// FailTask marks a running task as fatally failed.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	ok, err := s.transitionTaskTx(ctx, tx, taskID,
		[]TaskStatus{TaskStatusRunning}, TaskStatusFailed,
		"task.failed", fmt.Sprintf(`{"error":%q}`, errMsg), nil, &errMsg)
	if err != nil {
		return fmt.Errorf("fail transition: %w", err)
	}
	if !ok {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET worker_id = NULL, claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, taskID, TaskStatusFailed); err != nil {
		return fmt.Errorf("clear assignment on fail: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(TaskStatusRunning),
			NewStatus: string(TaskStatusFailed),
		})
	}
	return nil
}

// RetryOutcome reports what RetryOrEscalate decided for a rejected task.
type RetryOutcome string

const (
	RetryOutcomeRequeued  RetryOutcome = "REQUEUED"
	RetryOutcomeEscalated RetryOutcome = "ESCALATED"
)

// RetryOrEscalate requeues a rejected task with an incremented retry count,
// or escalates it once the ceiling is reached. The decision and the counter
// bump commit atomically.
func (s *Store) RetryOrEscalate(ctx context.Context, taskID string) (RetryOutcome, error) {
	var outcome RetryOutcome
	var retryCount, maxRetries int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT status, retry_count, max_retries FROM tasks WHERE id = ?;
		`, taskID).Scan(&status, &retryCount, &maxRetries); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select task for retry: %w", err)
		}
		if status != TaskStatusRejected {
			return sql.ErrNoRows
		}
		if maxRetries <= 0 {
			maxRetries = defaultMaxRetries
		}

		if retryCount >= maxRetries {
			ok, err := s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{TaskStatusRejected}, TaskStatusEscalated,
				"task.escalated",
				fmt.Sprintf(`{"reason":"retry_ceiling","retry_count":%d,"max_retries":%d}`, retryCount, maxRetries),
				nil, nil)
			if err != nil {
				return fmt.Errorf("escalate transition: %w", err)
			}
			if !ok {
				return sql.ErrNoRows
			}
			outcome = RetryOutcomeEscalated
			return tx.Commit()
		}

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusRejected}, TaskStatusQueued,
			"task.requeued",
			fmt.Sprintf(`{"reason":"retry","retry_count":%d,"max_retries":%d}`, retryCount+1, maxRetries),
			nil, nil)
		if err != nil {
			return fmt.Errorf("retry transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET retry_count = retry_count + 1, worker_id = NULL, claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusQueued); err != nil {
			return fmt.Errorf("bump retry count: %w", err)
		}
		outcome = RetryOutcomeRequeued
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		switch outcome {
		case RetryOutcomeRequeued:
			s.bus.Publish(bus.TopicTaskRetrying, bus.TaskRetryEvent{
				TaskID:     taskID,
				RetryCount: retryCount + 1,
				MaxRetries: maxRetries,
			})
		case RetryOutcomeEscalated:
			s.bus.Publish(bus.TopicTaskEscalated, bus.TaskStateChangedEvent{
				TaskID:    taskID,
				OldStatus: string(TaskStatusRejected),
				NewStatus: string(TaskStatusEscalated),
			})
		}
	}
	return outcome, nil
}

// ReleaseTask returns a RUNNING task to the queue with its retry count
// untouched. Used for graceful worker shutdown and for backing out of a claim
// the worker cannot serve.
func (s *Store) ReleaseTask(ctx context.Context, taskID, workerID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var assigned sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT worker_id FROM tasks WHERE id = ? AND status = ?;
		`, taskID, TaskStatusRunning).Scan(&assigned); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("read task for release: %w", err)
		}
		if !assigned.Valid || assigned.String != workerID {
			return sql.ErrNoRows
		}

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusRunning}, TaskStatusQueued,
			"task.released", fmt.Sprintf(`{"worker_id":%q}`, workerID), nil, nil)
		if err != nil {
			return fmt.Errorf("release transition: %w", err)
		}
		if !ok {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET worker_id = NULL, claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusQueued); err != nil {
			return fmt.Errorf("clear assignment on release: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishStateChange(taskID, workerID, TaskStatusRunning, TaskStatusQueued)
	return nil
}

// RequeueWorkerTasks returns every RUNNING task held by the given worker to
// the queue. Used when a worker goes stale or dies. Idempotent: tasks already
// moved on are skipped by the guarded transition.
func (s *Store) RequeueWorkerTasks(ctx context.Context, workerID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks WHERE worker_id = ? AND status = ?;
	`, workerID, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query worker tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan worker task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate worker tasks: %w", err)
	}

	var requeued int64
	for _, id := range ids {
		ok, err := s.transitionTaskTx(ctx, tx, id,
			[]TaskStatus{TaskStatusRunning}, TaskStatusQueued,
			"task.requeued", fmt.Sprintf(`{"reason":"worker_lost","worker_id":%q}`, workerID), nil, nil)
		if err != nil {
			return 0, fmt.Errorf("requeue transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET worker_id = NULL, claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, TaskStatusQueued); err != nil {
			return 0, fmt.Errorf("clear assignment on requeue: %w", err)
		}
		requeued++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue tx: %w", err)
	}
	return requeued, nil
}

// RecoverRunningTasks requeues every RUNNING task regardless of owner. Run at
// startup after a crash; safe to repeat.
func (s *Store) RecoverRunningTasks(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ?;
	`, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query recoverable tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan recoverable task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate recoverable tasks: %w", err)
	}

	var recovered int64
	for _, id := range ids {
		ok, err := s.transitionTaskTx(ctx, tx, id,
			[]TaskStatus{TaskStatusRunning}, TaskStatusQueued,
			"task.recovered", `{"reason":"startup_recovery"}`, nil, nil)
		if err != nil {
			return 0, fmt.Errorf("recover transition: %w", err)
		}
		if ok {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET worker_id = NULL, claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, id, TaskStatusQueued); err != nil {
				return 0, fmt.Errorf("clear assignment on recovery: %w", err)
			}
			recovered++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return recovered, nil
}

// BoostAgedPriorities promotes queued tasks that have waited past their
// tier's age threshold, one level per pass. Prevents starvation of low
// priority work under sustained high-priority load.
func (s *Store) BoostAgedPriorities(ctx context.Context) (int64, error) {
	var boosted int64
	// Promote highest tiers first so a single task moves at most one level
	// per pass.
	for _, priority := range []int{PriorityHigh, PriorityMedium, PriorityLow} {
		threshold := boostThresholds[priority]
		cutoff := time.Now().UTC().Add(-threshold).Format("2006-01-02 15:04:05")
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET priority = priority - 1,
				boost_count = boost_count + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE status = ? AND priority = ? AND created_at < datetime(?);
		`, TaskStatusQueued, priority, cutoff)
		if err != nil {
			return boosted, fmt.Errorf("boost priority %d: %w", priority, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return boosted, fmt.Errorf("boost rows affected: %w", err)
		}
		boosted += n
	}
	return boosted, nil
}

// QueueSnapshot summarizes the queue for the metrics table.
type QueueSnapshot struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Review    int `json:"review"`
	Escalated int `json:"escalated"`
}

// SnapshotQueueMetrics records current per-status counts.
func (s *Store) SnapshotQueueMetrics(ctx context.Context) (QueueSnapshot, error) {
	var snap QueueSnapshot
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM tasks GROUP BY status;
	`)
	if err != nil {
		return snap, fmt.Errorf("snapshot counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return snap, fmt.Errorf("scan snapshot row: %w", err)
		}
		switch status {
		case TaskStatusQueued:
			snap.Queued = n
		case TaskStatusRunning:
			snap.Running = n
		case TaskStatusReview:
			snap.Review = n
		case TaskStatusEscalated:
			snap.Escalated = n
		}
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("snapshot rows: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_metrics (queued, running, review, escalated)
		VALUES (?, ?, ?, ?);
	`, snap.Queued, snap.Running, snap.Review, snap.Escalated); err != nil {
		return snap, fmt.Errorf("insert queue metrics: %w", err)
	}
	return snap, nil
}

// ListTaskEventsFrom pages through the task event journal.
func (s *Store) ListTaskEventsFrom(ctx context.Context, taskID string, fromEventID int64, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(trace_id, ''), state_from, state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			event     TaskEvent
			stateFrom sql.NullString
		)
		if err := rows.Scan(
			&event.EventID,
			&event.TaskID,
			&event.EventType,
			&event.TraceID,
			&stateFrom,
			&event.StateTo,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = TaskStatus(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// PruneTaskEvents deletes journal rows older than the retention window.
func (s *Store) PruneTaskEvents(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02 15:04:05")
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_events WHERE created_at < datetime(?);
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune task events: %w", err)
	}
	return res.RowsAffected()
}
