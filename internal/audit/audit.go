package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triagent/conductor/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	TaskID    string `json:"task_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu             sync.Mutex
	file           *os.File
	db             *sql.DB
	escalatedCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// EscalatedCount returns the total number of escalation records since startup.
func EscalatedCount() int64 {
	return escalatedCount.Load()
}

// Record appends an audit entry to the JSONL trail and the audit_log table.
// Actions cover task lifecycle decisions, consensus outcomes, breaker trips,
// and budget enforcement.
func Record(action, actor, taskID, detail string) {
	if action == "task_escalated" {
		escalatedCount.Add(1)
	}

	// Redact secrets before persistence.
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	// Write to JSONL file.
	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Action:    action,
			Actor:     actor,
			TaskID:    taskID,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	// Write to audit_log table.
	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, actor, action, task_id, detail)
			VALUES (?, ?, ?, ?, ?);
		`, "", actor, action, taskID, detail)
	}
}
