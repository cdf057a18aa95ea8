package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

type WorkerStatus string

const (
	WorkerStatusActive  WorkerStatus = "ACTIVE"
	WorkerStatusPaused  WorkerStatus = "PAUSED"
	WorkerStatusStale   WorkerStatus = "STALE"
	WorkerStatusDead    WorkerStatus = "DEAD"
	WorkerStatusCrashed WorkerStatus = "CRASHED"
)

var workerTransitions = map[WorkerStatus]map[WorkerStatus]struct{}{
	WorkerStatusActive: {
		WorkerStatusPaused: {},
		WorkerStatusStale:  {},
	},
	WorkerStatusPaused: {
		WorkerStatusActive: {},
		WorkerStatusStale:  {},
	},
	WorkerStatusStale: {
		WorkerStatusActive:  {}, // Heartbeat resumed before recovery ran.
		WorkerStatusDead:    {},
		WorkerStatusCrashed: {},
	},
	// DEAD and CRASHED clear on re-registration only.
	WorkerStatusDead: {
		WorkerStatusActive: {},
	},
	WorkerStatusCrashed: {
		WorkerStatusActive: {},
	},
}

type Worker struct {
	ID              string       `json:"id"`
	PID             int          `json:"pid"`
	Status          WorkerStatus `json:"status"`
	Capabilities    string       `json:"capabilities"`
	MaxTasks        int          `json:"max_tasks"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastHeartbeatAt *time.Time   `json:"last_heartbeat_at,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type HeartbeatRecord struct {
	ID               int64     `json:"id"`
	WorkerID         string    `json:"worker_id"`
	ActiveTasks      int       `json:"active_tasks"`
	RSSKB            int64     `json:"rss_kb"`
	TaskID           string    `json:"task_id,omitempty"`
	Progress         string    `json:"progress,omitempty"`
	ExpectedTimeoutS int64     `json:"expected_timeout_s,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// HeartbeatSample is what a worker reports on each beat. TaskID is empty when
// the worker is idle; ExpectedTimeout is the execution budget of the task it
// is currently running.
type HeartbeatSample struct {
	ActiveTasks     int
	RSSKB           int64
	TaskID          string
	Progress        string
	ExpectedTimeout time.Duration
}

// RegisterWorker upserts a worker. Re-registration resets the status to
// ACTIVE regardless of how the previous incarnation ended. Liveness comes
// from heartbeats alone: registration never stamps last_heartbeat_at, so a
// worker that registers and then goes silent still reads as stale.
func (s *Store) RegisterWorker(ctx context.Context, id string, pid int, capabilities string, maxTasks int) error {
	if id == "" {
		return fmt.Errorf("register requires a worker id")
	}
	if maxTasks <= 0 {
		maxTasks = 2
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workers (id, pid, status, capabilities, max_tasks, registered_at, last_heartbeat_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, NULL, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				pid = excluded.pid,
				status = excluded.status,
				capabilities = excluded.capabilities,
				max_tasks = excluded.max_tasks,
				last_heartbeat_at = NULL,
				updated_at = CURRENT_TIMESTAMP;
		`, id, pid, WorkerStatusActive, capabilities, maxTasks)
		return err
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

func scanWorker(scanFn func(dest ...any) error, w *Worker) error {
	var lastHB sql.NullTime
	if err := scanFn(
		&w.ID,
		&w.PID,
		&w.Status,
		&w.Capabilities,
		&w.MaxTasks,
		&w.RegisteredAt,
		&lastHB,
		&w.UpdatedAt,
	); err != nil {
		return err
	}
	if lastHB.Valid {
		t := lastHB.Time
		w.LastHeartbeatAt = &t
	}
	return nil
}

const workerColumns = `
	id, pid, status, capabilities, max_tasks, registered_at, last_heartbeat_at, updated_at`

func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	var w Worker
	err := scanWorker(s.db.QueryRowContext(ctx, `
		SELECT `+workerColumns+` FROM workers WHERE id = ?;
	`, id).Scan, &w)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return &w, nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+` FROM workers ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		var w Worker
		if err := scanWorker(rows.Scan, &w); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker rows: %w", err)
	}
	return out, nil
}

// TransitionWorker applies a guarded worker status change. Returns false when
// the worker is gone, not in an allowed source state, or lost a concurrent
// update race.
func (s *Store) TransitionWorker(ctx context.Context, id string, allowedFrom []WorkerStatus, to WorkerStatus) (bool, error) {
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin worker transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current WorkerStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT status FROM workers WHERE id = ?;
		`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				applied = false
				return nil
			}
			return fmt.Errorf("select worker for transition: %w", err)
		}
		if !slices.Contains(allowedFrom, current) {
			applied = false
			return nil
		}
		next, ok := workerTransitions[current]
		if !ok {
			applied = false
			return nil
		}
		if _, ok := next[to]; !ok {
			return fmt.Errorf("illegal worker transition %s -> %s", current, to)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE workers SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, id, current)
		if err != nil {
			return fmt.Errorf("update worker transition: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("worker transition rows affected: %w", err)
		}
		applied = n == 1
		if !applied {
			return nil
		}
		return tx.Commit()
	})
	return applied, err
}

// RecordHeartbeat appends a heartbeat sample and refreshes the worker's
// liveness timestamp. A heartbeat from a STALE worker restores it to ACTIVE.
func (s *Store) RecordHeartbeat(ctx context.Context, workerID string, sample HeartbeatSample) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin heartbeat tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE workers
			SET last_heartbeat_at = CURRENT_TIMESTAMP,
				status = CASE WHEN status = ? THEN ? ELSE status END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, WorkerStatusStale, WorkerStatusActive, workerID)
		if err != nil {
			return fmt.Errorf("refresh worker liveness: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("heartbeat rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("heartbeat from unknown worker %q", workerID)
		}
		var taskID any
		if sample.TaskID != "" {
			taskID = sample.TaskID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO worker_heartbeats (worker_id, active_tasks, rss_kb, task_id, progress, expected_timeout_s)
			VALUES (?, ?, ?, ?, ?, ?);
		`, workerID, sample.ActiveTasks, sample.RSSKB, taskID, sample.Progress,
			int64(sample.ExpectedTimeout/time.Second)); err != nil {
			return fmt.Errorf("insert heartbeat: %w", err)
		}
		return tx.Commit()
	})
	return err
}

// LatestHeartbeat returns the most recent heartbeat sample for a worker, or
// nil when none exists.
func (s *Store) LatestHeartbeat(ctx context.Context, workerID string) (*HeartbeatRecord, error) {
	var hb HeartbeatRecord
	var taskID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, worker_id, active_tasks, rss_kb, task_id, progress, expected_timeout_s, created_at
		FROM worker_heartbeats
		WHERE worker_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, workerID).Scan(&hb.ID, &hb.WorkerID, &hb.ActiveTasks, &hb.RSSKB,
		&taskID, &hb.Progress, &hb.ExpectedTimeoutS, &hb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest heartbeat: %w", err)
	}
	hb.TaskID = taskID.String
	return &hb, nil
}

// ListStaleWorkers returns ACTIVE or PAUSED workers holding at least one
// RUNNING task whose last heartbeat is older than the threshold. Idle
// workers are never stale: with no task assigned there is nothing to
// recover, and the next claim attempt proves liveness on its own.
func (s *Store) ListStaleWorkers(ctx context.Context, threshold time.Duration) ([]Worker, error) {
	cutoff := time.Now().UTC().Add(-threshold).Format("2006-01-02 15:04:05")
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+`
		FROM workers
		WHERE status IN (?, ?)
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < datetime(?))
		  AND EXISTS (
			SELECT 1 FROM tasks
			WHERE tasks.worker_id = workers.id AND tasks.status = ?
		  )
		ORDER BY id ASC;
	`, WorkerStatusActive, WorkerStatusPaused, cutoff, TaskStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list stale workers: %w", err)
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		var w Worker
		if err := scanWorker(rows.Scan, &w); err != nil {
			return nil, fmt.Errorf("scan stale worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale worker rows: %w", err)
	}
	return out, nil
}

// PruneHeartbeats trims heartbeat samples older than the retention window.
func (s *Store) PruneHeartbeats(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02 15:04:05")
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM worker_heartbeats WHERE created_at < datetime(?);
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune heartbeats: %w", err)
	}
	return res.RowsAffected()
}
