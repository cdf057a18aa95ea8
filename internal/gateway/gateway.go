// Package gateway exposes the supervisor WebSocket endpoint. External
// supervisors speak the inter-agent envelope over a single connection:
// assigns enqueue tasks, approve/reject drive the review lifecycle, control
// messages pause and resume the pool.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/triagent/conductor/internal/budget"
	"github.com/triagent/conductor/internal/bus"
	"github.com/triagent/conductor/internal/lifecycle"
	"github.com/triagent/conductor/internal/pool"
	"github.com/triagent/conductor/internal/store"
)

// Recognized envelope types.
const (
	MsgTaskAssign    = "TASK_ASSIGN"
	MsgTaskApprove   = "TASK_APPROVE"
	MsgTaskReject    = "TASK_REJECT"
	MsgHeartbeat     = "HEARTBEAT"
	MsgControlPause  = "CONTROL_PAUSE"
	MsgControlResume = "CONTROL_RESUME"

	// Gateway-originated replies and pushes.
	MsgAck   = "ACK"
	MsgError = "ERROR"
	MsgEvent = "EVENT"
)

const gatewaySource = "conductor"

// Envelope is the wire format shared with external supervisors.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Target    string          `json:"target,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
}

type Config struct {
	Store    *store.Store
	Pool     *pool.Manager
	Machine  *lifecycle.Machine
	Governor *budget.Governor
	Bus      *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// Defaults applied to TASK_ASSIGN envelopes that omit them.
	ShardCount int
	MaxRetries int
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func New(cfg Config) *Server {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Server{
		cfg:     cfg,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/tasks/", s.handleAPITaskByID)
	mux.HandleFunc("/api/workers", s.handleAPIWorkers)
	mux.HandleFunc("/api/budget", s.handleAPIBudget)
	return mux
}

// Start launches the bus forwarder that pushes EVENT envelopes to every
// connected supervisor. Returns immediately; the forwarder stops with ctx.
func (s *Server) Start(ctx context.Context) {
	if s.cfg.Bus == nil {
		return
	}
	sub := s.cfg.Bus.Subscribe("")
	go func() {
		defer s.cfg.Bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				payload, err := json.Marshal(map[string]any{"topic": ev.Topic, "event": ev.Payload})
				if err != nil {
					continue
				}
				s.broadcast(Envelope{
					ID:        uuid.NewString(),
					Type:      MsgEvent,
					Source:    gatewaySource,
					Timestamp: time.Now().UTC(),
					Payload:   payload,
				})
			}
		}
	}()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	slog.Info("ws: supervisor connected")
	defer func() {
		s.removeClient(c)
		slog.Info("ws: supervisor disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var env Envelope
		if err := wsjson.Read(r.Context(), conn, &env); err != nil {
			slog.Error("ws: read error, closing", "error", err)
			return
		}
		slog.Info("ws: envelope", "type", env.Type, "id", env.ID, "trace_id", env.TraceID)
		resp := s.handleEnvelope(r.Context(), env)
		if err := c.write(r.Context(), resp); err != nil {
			slog.Error("ws: write response error", "type", env.Type, "error", err)
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleEnvelope(ctx context.Context, env Envelope) Envelope {
	var result map[string]any
	var err error

	switch env.Type {
	case MsgTaskAssign:
		result, err = s.handleAssign(ctx, env)
	case MsgTaskApprove:
		result, err = s.handleApprove(ctx, env)
	case MsgTaskReject:
		result, err = s.handleReject(ctx, env)
	case MsgHeartbeat:
		result, err = s.handleHeartbeat(ctx, env)
	case MsgControlPause:
		result, err = s.handlePause(ctx, env)
	case MsgControlResume:
		result, err = s.handleResume(ctx, env)
	default:
		err = fmt.Errorf("unrecognized envelope type %q", env.Type)
	}

	if err != nil {
		return s.reply(env, MsgError, map[string]any{"error": err.Error()})
	}
	return s.reply(env, MsgAck, result)
}

func (s *Server) reply(req Envelope, msgType string, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["in_reply_to"] = req.ID
	raw, _ := json.Marshal(payload)
	return Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Source:    gatewaySource,
		Target:    req.Source,
		Timestamp: time.Now().UTC(),
		TaskID:    req.TaskID,
		Payload:   raw,
		TraceID:   req.TraceID,
	}
}

type assignPayload struct {
	Type       string          `json:"type"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	Task       json.RawMessage `json:"task"`
}

func (s *Server) handleAssign(ctx context.Context, env Envelope) (map[string]any, error) {
	var p assignPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid TASK_ASSIGN payload: %w", err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("TASK_ASSIGN requires a task type")
	}
	if p.Priority < 0 || p.Priority > 3 {
		return nil, fmt.Errorf("priority %d out of range", p.Priority)
	}
	body := "{}"
	if len(p.Task) > 0 {
		body = string(p.Task)
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	id, inserted, err := s.cfg.Store.EnsureTask(ctx, env.TaskID, p.Type, p.Priority, body, maxRetries, s.cfg.ShardCount)
	if err != nil {
		return nil, err
	}
	slog.Info("ws: task assigned", "task_id", id, "type", p.Type, "inserted", inserted, "trace_id", env.TraceID)
	return map[string]any{"task_id": id, "enqueued": inserted}, nil
}

// handleApprove is the supervisor override for a task stuck in review: it
// bypasses consensus and completes the task directly.
func (s *Server) handleApprove(ctx context.Context, env Envelope) (map[string]any, error) {
	if env.TaskID == "" {
		return nil, fmt.Errorf("TASK_APPROVE requires task_id")
	}
	sessionID := ""
	if sess, err := s.cfg.Store.LatestSessionForTask(ctx, env.TaskID); err == nil && sess != nil {
		sessionID = sess.ID
	}
	if err := s.cfg.Store.ApproveTask(ctx, env.TaskID, sessionID); err != nil {
		return nil, err
	}
	if err := s.cfg.Store.CompleteTask(ctx, env.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": env.TaskID, "status": string(store.TaskStatusCompleted)}, nil
}

func (s *Server) handleReject(ctx context.Context, env Envelope) (map[string]any, error) {
	if env.TaskID == "" {
		return nil, fmt.Errorf("TASK_REJECT requires task_id")
	}
	sessionID := ""
	if sess, err := s.cfg.Store.LatestSessionForTask(ctx, env.TaskID); err == nil && sess != nil {
		sessionID = sess.ID
	}
	if err := s.cfg.Store.RejectTask(ctx, env.TaskID, sessionID); err != nil {
		return nil, err
	}
	outcome, err := s.cfg.Store.RetryOrEscalate(ctx, env.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": env.TaskID, "outcome": string(outcome)}, nil
}

type heartbeatPayload struct {
	ActiveTasks      int    `json:"active_tasks"`
	RSSKB            int64  `json:"rss_kb"`
	TaskID           string `json:"task_id,omitempty"`
	Progress         string `json:"progress,omitempty"`
	ExpectedTimeoutS int64  `json:"expected_timeout_s,omitempty"`
}

func (s *Server) handleHeartbeat(ctx context.Context, env Envelope) (map[string]any, error) {
	if env.Source == "" {
		return nil, fmt.Errorf("HEARTBEAT requires a source worker id")
	}
	var p heartbeatPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT payload: %w", err)
		}
	}
	sample := store.HeartbeatSample{
		ActiveTasks:     p.ActiveTasks,
		RSSKB:           p.RSSKB,
		TaskID:          p.TaskID,
		Progress:        p.Progress,
		ExpectedTimeout: time.Duration(p.ExpectedTimeoutS) * time.Second,
	}
	if err := s.cfg.Store.RecordHeartbeat(ctx, env.Source, sample); err != nil {
		return nil, err
	}
	return map[string]any{"worker_id": env.Source}, nil
}

func (s *Server) handlePause(ctx context.Context, env Envelope) (map[string]any, error) {
	reason := "supervisor pause"
	if env.Target == "" || env.Target == "*" {
		n, err := s.cfg.Pool.PauseAll(ctx, reason)
		if err != nil {
			return nil, err
		}
		return map[string]any{"paused": n}, nil
	}
	applied, err := s.cfg.Pool.Pause(ctx, env.Target, reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{"worker_id": env.Target, "applied": applied}, nil
}

func (s *Server) handleResume(ctx context.Context, env Envelope) (map[string]any, error) {
	if env.Target != "" && env.Target != "*" {
		applied, err := s.cfg.Pool.Resume(ctx, env.Target)
		if err != nil {
			return nil, err
		}
		return map[string]any{"worker_id": env.Target, "applied": applied}, nil
	}
	workers, err := s.cfg.Store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	resumed := 0
	for _, w := range workers {
		if w.Status != store.WorkerStatusPaused {
			continue
		}
		applied, err := s.cfg.Pool.Resume(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if applied {
			resumed++
		}
	}
	return map[string]any{"resumed": resumed}, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	snap, err := s.cfg.Store.SnapshotQueueMetrics(ctx)
	if err != nil {
		dbOK = false
	}
	killEngaged := false
	if s.cfg.Governor != nil {
		if engaged, err := s.cfg.Governor.Engaged(ctx); err == nil {
			killEngaged = engaged
		}
	}
	payload := map[string]any{
		"healthy":       dbOK,
		"db_ok":         dbOK,
		"queued_tasks":  snap.Queued,
		"running_tasks": snap.Running,
		"kill_switch":   killEngaged,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	status := store.TaskStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.TaskStatusQueued
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.cfg.Store.ListTasksByStatus(r.Context(), status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tasks": tasks})
}

// handleAPITaskByID serves a single task with its event journal and latest
// consensus ballots, the audit view for escalated work.
func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	events, err := s.cfg.Store.ListTaskEventsFrom(r.Context(), taskID, 0, 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var votes []store.ConsensusVote
	if sess, err := s.cfg.Store.LatestSessionForTask(r.Context(), taskID); err == nil && sess != nil {
		votes, _ = s.cfg.Store.ListVotes(r.Context(), sess.ID)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"task": task, "events": events, "votes": votes})
}

func (s *Server) handleAPIWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	workers, err := s.cfg.Store.ListWorkers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"workers": workers})
}

// handleAPIBudget reports spend windows and the kill-switch, which stays
// discoverable here even after the triggering spend ages out.
func (s *Server) handleAPIBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	hourly, err := s.cfg.Store.HourlySpend(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	daily, err := s.cfg.Store.DailySpend(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	kill, err := s.cfg.Store.KillSwitch(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"hourly_spend_usd": hourly,
		"daily_spend_usd":  daily,
		"kill_switch":      kill,
	})
}

func (s *Server) broadcast(env Envelope) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if err := c.write(context.Background(), env); err != nil {
			slog.Error("ws: broadcast write error", "type", env.Type, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}
