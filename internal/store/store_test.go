package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/triagent/conductor/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "conductor.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{
		"schema_migrations", "tasks", "task_events", "workers",
		"worker_heartbeats", "consensus_sessions", "consensus_votes",
		"budget_ledger", "queue_metrics", "kv_store", "audit_log",
	}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksums(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	rows, err := db.Query("SELECT version, checksum FROM schema_migrations ORDER BY version ASC;")
	if err != nil {
		t.Fatalf("select migrations: %v", err)
	}
	defer rows.Close()

	type migration struct {
		version  int
		checksum string
	}
	var got []migration
	for rows.Next() {
		var m migration
		if err := rows.Scan(&m.version, &m.checksum); err != nil {
			t.Fatalf("scan migration: %v", err)
		}
		got = append(got, m)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("migration rows: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 migration rows, got %d", len(got))
	}
	for i, m := range got {
		if m.version != i+1 {
			t.Fatalf("migration %d has version %d", i, m.version)
		}
		if m.checksum == "" {
			t.Fatalf("migration version %d missing checksum", m.version)
		}
	}
}

func TestStore_OpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.db")

	first, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, _, err := first.EnsureTask(context.Background(), "t-reopen", "GENERAL", store.PriorityMedium, "{}", 3, 4); err != nil {
		t.Fatalf("ensure task: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close first: %v", err)
	}

	second, err := store.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	task, err := second.GetTask(context.Background(), "t-reopen")
	if err != nil {
		t.Fatalf("get task after reopen: %v", err)
	}
	if task == nil || task.Status != store.TaskStatusQueued {
		t.Fatalf("expected queued task to survive reopen, got %+v", task)
	}
}

func TestKVStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.KVSet(ctx, "breaker:build", `{"state":"OPEN"}`); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	got, err := s.KVGet(ctx, "breaker:build")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if got != `{"state":"OPEN"}` {
		t.Fatalf("unexpected kv value %q", got)
	}

	if err := s.KVSet(ctx, "breaker:build", `{"state":"CLOSED"}`); err != nil {
		t.Fatalf("kv overwrite: %v", err)
	}
	got, err = s.KVGet(ctx, "breaker:build")
	if err != nil {
		t.Fatalf("kv get after overwrite: %v", err)
	}
	if got != `{"state":"CLOSED"}` {
		t.Fatalf("overwrite not applied, got %q", got)
	}

	if err := s.KVDelete(ctx, "breaker:build"); err != nil {
		t.Fatalf("kv delete: %v", err)
	}
	got, err = s.KVGet(ctx, "breaker:build")
	if err != nil {
		t.Fatalf("kv get after delete: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty value after delete, got %q", got)
	}
}

func TestShardOf_StableAndBounded(t *testing.T) {
	const shards = 4
	first := store.ShardOf("task-abc", shards)
	for i := 0; i < 10; i++ {
		if got := store.ShardOf("task-abc", shards); got != first {
			t.Fatalf("shard not stable: %d vs %d", got, first)
		}
	}
	ids := []string{"a", "b", "c", "task-1", "task-2", "3d1f0a", ""}
	for _, id := range ids {
		got := store.ShardOf(id, shards)
		if got < 0 || got >= shards {
			t.Fatalf("shard %d out of range for id %q", got, id)
		}
	}
}
