package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/triagent/conductor/internal/bus"
	"github.com/triagent/conductor/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "cd-v1-2026-08-20-orchestration-core"

	// v2 adds worker_heartbeats.rss_kb and tasks.boost_count.
	schemaVersionV2  = 2
	schemaChecksumV2 = "cd-v2-2026-08-28-heartbeat-boost"

	// v3 adds the current-task columns to worker_heartbeats.
	schemaVersionV3  = 3
	schemaChecksumV3 = "cd-v3-2026-08-31-heartbeat-task"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3

	defaultMaxRetries = 3
)

// schemaChecksums maps each ledgered version to its expected checksum. A
// mismatch means the database was migrated by an incompatible build.
var schemaChecksums = map[int]string{
	schemaVersionV1: schemaChecksumV1,
	schemaVersionV2: schemaChecksumV2,
	schemaVersionV3: schemaChecksumV3,
}

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusReview    TaskStatus = "REVIEW"
	TaskStatusApproved  TaskStatus = "APPROVED"
	TaskStatusRejected  TaskStatus = "REJECTED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusEscalated TaskStatus = "ESCALATED"
)

// Task priorities. Lower value wins the queue.
const (
	PriorityCritical = 0
	PriorityHigh     = 1
	PriorityMedium   = 2
	PriorityLow      = 3
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusRunning:   {},
		TaskStatusEscalated: {},
	},
	TaskStatusRunning: {
		TaskStatusReview: {},
		TaskStatusFailed: {},
		TaskStatusQueued: {}, // Crash recovery requeue.
	},
	TaskStatusReview: {
		TaskStatusApproved:  {},
		TaskStatusRejected:  {},
		TaskStatusEscalated: {}, // Inconclusive consensus.
	},
	TaskStatusApproved: {
		TaskStatusCompleted: {},
	},
	TaskStatusRejected: {
		TaskStatusQueued:    {}, // Retry below ceiling.
		TaskStatusEscalated: {},
	},
}

type Task struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Priority   int        `json:"priority"`
	Status     TaskStatus `json:"status"`
	Shard      int        `json:"shard"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	BoostCount int        `json:"boost_count"`
	WorkerID   string     `json:"worker_id,omitempty"`
	Payload    string     `json:"payload"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Terminal reports whether the task can never change state again.
func (t TaskStatus) Terminal() bool {
	switch t {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusEscalated:
		return true
	}
	return false
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	TraceID   string     `json:"trace_id,omitempty"`
	StateFrom TaskStatus `json:"state_from"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor", "conductor.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	// Verify every ledger row already present before touching the schema.
	for version := schemaVersionV1; version <= maxVersion; version++ {
		var existingChecksum string
		err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, version).Scan(&existingChecksum)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksums[version] {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", version, existingChecksum, schemaChecksums[version])
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL DEFAULT 'GENERAL',
			status TEXT NOT NULL CHECK(status IN ('QUEUED', 'RUNNING', 'REVIEW', 'APPROVED', 'REJECTED', 'COMPLETED', 'FAILED', 'ESCALATED')),
			priority INTEGER NOT NULL DEFAULT 2 CHECK(priority BETWEEN 0 AND 3),
			shard INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			worker_id TEXT,
			payload JSON NOT NULL,
			result JSON,
			error TEXT,
			claimed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			pid INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK(status IN ('ACTIVE', 'PAUSED', 'STALE', 'DEAD', 'CRASHED')),
			capabilities TEXT NOT NULL DEFAULT '',
			max_tasks INTEGER NOT NULL DEFAULT 2,
			registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_heartbeat_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL REFERENCES workers(id),
			active_tasks INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS consensus_sessions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			implementer TEXT NOT NULL,
			min_approvals INTEGER NOT NULL DEFAULT 2,
			outcome TEXT NOT NULL DEFAULT 'PENDING' CHECK(outcome IN ('PENDING', 'PASS', 'FAIL', 'INCONCLUSIVE')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS consensus_votes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES consensus_sessions(id),
			voter TEXT NOT NULL,
			vote TEXT NOT NULL CHECK(vote IN ('APPROVE', 'REJECT', 'ABSTAIN', 'TIMEOUT', 'ERROR')),
			rationale TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, voter)
		);`,
		`CREATE TABLE IF NOT EXISTS budget_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT,
			worker_id TEXT,
			amount_usd REAL NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS queue_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queued INTEGER NOT NULL DEFAULT 0,
			running INTEGER NOT NULL DEFAULT 0,
			review INTEGER NOT NULL DEFAULT 0,
			escalated INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			actor TEXT,
			action TEXT NOT NULL,
			task_id TEXT,
			detail TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v2 backfills for v1 databases. SQLite rejects duplicate columns, so
	// tolerate that error on replay.
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE tasks ADD COLUMN boost_count INTEGER NOT NULL DEFAULT 0;`, desc: "tasks.boost_count"},
		{stmt: `ALTER TABLE worker_heartbeats ADD COLUMN rss_kb INTEGER NOT NULL DEFAULT 0;`, desc: "worker_heartbeats.rss_kb"},
		// v3: what the worker was doing when it beat. task_id stays NULL for
		// idle beats; expected_timeout_s is the worker's own execution budget
		// so the recovery pass can tell slow from stuck.
		{stmt: `ALTER TABLE worker_heartbeats ADD COLUMN task_id TEXT;`, desc: "worker_heartbeats.task_id"},
		{stmt: `ALTER TABLE worker_heartbeats ADD COLUMN progress TEXT NOT NULL DEFAULT '';`, desc: "worker_heartbeats.progress"},
		{stmt: `ALTER TABLE worker_heartbeats ADD COLUMN expected_timeout_s INTEGER NOT NULL DEFAULT 0;`, desc: "worker_heartbeats.expected_timeout_s"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_heartbeats_worker ON worker_heartbeats(worker_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_task ON consensus_sessions(task_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_time ON budget_ledger(created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	// Record one ledger row per version so the migration history of a fresh
	// database matches one that walked through the upgrades.
	for version := schemaVersionV1; version <= schemaVersionLatest; version++ {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, version, schemaChecksums[version]); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var claimedAt sql.NullTime
	var workerID sql.NullString
	if err := scanFn(
		&task.ID,
		&task.Type,
		&task.Status,
		&task.Priority,
		&task.Shard,
		&task.RetryCount,
		&task.MaxRetries,
		&task.BoostCount,
		&workerID,
		&task.Payload,
		&task.Result,
		&task.Error,
		&claimedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	} else {
		task.ClaimedAt = nil
	}
	if workerID.Valid {
		task.WorkerID = workerID.String
	}
	return nil
}

const taskColumns = `
	id, type, status, priority, shard, retry_count, max_retries, boost_count,
	worker_id, payload, COALESCE(result, ''), COALESCE(error, ''),
	claimed_at, created_at, updated_at`

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = taskID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx applies a guarded state transition. The conditional UPDATE
// on the observed status makes concurrent claims race-safe: the loser sees
// zero rows affected and treats it as a benign no-op.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
	result *string,
	errMsg *string,
) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error = CASE WHEN ? THEN ? ELSE error END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) publishStateChange(taskID, workerID string, from, to TaskStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		WorkerID:  workerID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// ShardOf maps a task ID onto a routing shard.
func ShardOf(taskID string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(taskID))
	return int(h.Sum64() % uint64(shardCount))
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %q: %w", key, err)
	}
	return val.String, nil
}

func (s *Store) KVDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}
