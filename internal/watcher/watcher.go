// Package watcher bridges a file-based inbox into the task store. Dropping a
// JSON file into the queue directory enqueues a task; replaying the same file
// never creates a duplicate.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/triagent/conductor/internal/store"
)

// taskFileSchema validates inbox files before they touch the store.
const taskFileSchema = `{
	"type": "object",
	"required": ["id", "type"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"priority": {"type": "integer", "minimum": 0, "maximum": 3},
		"max_retries": {"type": "integer", "minimum": 1},
		"payload": {"type": "object"}
	}
}`

type taskFile struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	Payload    json.RawMessage `json:"payload"`
}

type Watcher struct {
	dir        string
	store      *store.Store
	schema     *jsonschema.Schema
	logger     *slog.Logger
	shardCount int
	maxRetries int
}

func New(dir string, st *store.Store, shardCount, maxRetries int, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskFileSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal task schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("task.json")
	if err != nil {
		return nil, fmt.Errorf("compile task schema: %w", err)
	}
	return &Watcher{
		dir:        dir,
		store:      st,
		schema:     schema,
		logger:     logger,
		shardCount: shardCount,
		maxRetries: maxRetries,
	}, nil
}

// Rescan processes every pending inbox file. Safe to call repeatedly.
func (w *Watcher) Rescan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read queue dir: %w", err)
	}

	var enqueued int
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		inserted, err := w.processFile(ctx, filepath.Join(w.dir, ent.Name()))
		if err != nil {
			w.logger.Warn("queue watcher: file skipped", "file", ent.Name(), "error", err)
			continue
		}
		if inserted {
			enqueued++
		}
	}
	return enqueued, nil
}

// Start watches the queue directory until the context ends. An initial rescan
// picks up files dropped while the watcher was down.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch queue dir: %w", err)
	}

	if n, err := w.Rescan(ctx); err != nil {
		w.logger.Warn("queue watcher: initial rescan failed", "error", err)
	} else if n > 0 {
		w.logger.Info("queue watcher: backlog enqueued", "tasks", n)
	}

	go func() {
		defer func() { _ = fsw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".json" {
					continue
				}
				if _, err := w.processFile(ctx, ev.Name); err != nil {
					w.logger.Warn("queue watcher: file skipped", "file", filepath.Base(ev.Name), "error", err)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("queue watcher error", "error", err)
			}
		}
	}()
	w.logger.Info("queue watcher started", "dir", w.dir)
	return nil
}

// processFile validates and enqueues one inbox file. Reports whether a new
// task row was created.
func (w *Watcher) processFile(ctx context.Context, path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		// Writer still flushing; the Write event will come again.
		return false, nil
	}

	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return false, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := w.schema.Validate(instance); err != nil {
		return false, fmt.Errorf("schema validation: %w", err)
	}

	var tf taskFile
	if err := json.Unmarshal(raw, &tf); err != nil {
		return false, err
	}
	payload := "{}"
	if len(tf.Payload) > 0 {
		payload = string(tf.Payload)
	}
	maxRetries := tf.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.maxRetries
	}

	id, inserted, err := w.store.EnsureTask(ctx, tf.ID, tf.Type, tf.Priority, payload, maxRetries, w.shardCount)
	if err != nil {
		return false, err
	}
	if inserted {
		w.logger.Info("queue watcher: task enqueued", "task_id", id, "type", tf.Type, "priority", tf.Priority)
	}
	return inserted, nil
}
