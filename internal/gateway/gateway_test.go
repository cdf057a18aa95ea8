package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/triagent/conductor/internal/gateway"
	"github.com/triagent/conductor/internal/pool"
	"github.com/triagent/conductor/internal/store"
)

const testAuthToken = "gateway-test-token"

type fixture struct {
	store *store.Store
	addr  string
}

func startGateway(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p := pool.NewManager(st, nil, 2, 4, 2*time.Minute)
	srv := gateway.New(gateway.Config{
		Store:     st,
		Pool:      p,
		AuthToken: testAuthToken,
	})

	httpSrv := &http.Server{Handler: srv.Handler()}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = httpSrv.Serve(ln) }()
	t.Cleanup(func() {
		_ = httpSrv.Shutdown(context.Background())
		_ = ln.Close()
	})
	return &fixture{store: st, addr: ln.Addr().String()}
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", addr), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + testAuthToken},
		},
	})
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, env gateway.Envelope) gateway.Envelope {
	t.Helper()
	if err := wsjson.Write(context.Background(), conn, env); err != nil {
		t.Fatalf("write %s: %v", env.Type, err)
	}
	var resp gateway.Envelope
	if err := wsjson.Read(context.Background(), conn, &resp); err != nil {
		t.Fatalf("read %s response: %v", env.Type, err)
	}
	return resp
}

func decodePayload(t *testing.T, env gateway.Envelope) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return m
}

func TestGateway_TaskAssignEnqueues(t *testing.T) {
	fx := startGateway(t)
	conn := dialWS(t, fx.addr)

	resp := roundTrip(t, conn, gateway.Envelope{
		ID:        "m-1",
		Type:      gateway.MsgTaskAssign,
		Source:    "supervisor",
		Timestamp: time.Now().UTC(),
		TaskID:    "t-assigned",
		Payload:   json.RawMessage(`{"type":"IMPLEMENTATION","priority":1,"task":{"goal":"ship it"}}`),
		TraceID:   "trace-42",
	})
	if resp.Type != gateway.MsgAck {
		t.Fatalf("response type = %s, want ACK", resp.Type)
	}
	if resp.TraceID != "trace-42" {
		t.Fatalf("trace_id = %q, want propagated", resp.TraceID)
	}
	payload := decodePayload(t, resp)
	if payload["task_id"] != "t-assigned" || payload["enqueued"] != true {
		t.Fatalf("unexpected ack payload: %v", payload)
	}

	task, err := fx.store.GetTask(context.Background(), "t-assigned")
	if err != nil || task == nil {
		t.Fatalf("task not stored: %v", err)
	}
	if task.Status != store.TaskStatusQueued {
		t.Fatalf("status = %s, want QUEUED", task.Status)
	}

	// Replaying the same assignment must not enqueue twice.
	resp = roundTrip(t, conn, gateway.Envelope{
		ID:      "m-2",
		Type:    gateway.MsgTaskAssign,
		Source:  "supervisor",
		TaskID:  "t-assigned",
		Payload: json.RawMessage(`{"type":"IMPLEMENTATION","priority":1}`),
	})
	if decodePayload(t, resp)["enqueued"] != false {
		t.Fatal("replayed assignment reported as newly enqueued")
	}
}

func TestGateway_UnknownTypeReturnsError(t *testing.T) {
	fx := startGateway(t)
	conn := dialWS(t, fx.addr)

	resp := roundTrip(t, conn, gateway.Envelope{
		ID:     "m-1",
		Type:   "SHRUG",
		Source: "supervisor",
	})
	if resp.Type != gateway.MsgError {
		t.Fatalf("response type = %s, want ERROR", resp.Type)
	}
}

func TestGateway_ApproveCompletesReviewTask(t *testing.T) {
	fx := startGateway(t)
	conn := dialWS(t, fx.addr)
	ctx := context.Background()

	seedReviewTask(t, fx.store, "t-review", "w-1")

	resp := roundTrip(t, conn, gateway.Envelope{
		ID:     "m-1",
		Type:   gateway.MsgTaskApprove,
		Source: "supervisor",
		TaskID: "t-review",
	})
	if resp.Type != gateway.MsgAck {
		t.Fatalf("response type = %s, payload %s", resp.Type, resp.Payload)
	}
	task, err := fx.store.GetTask(ctx, "t-review")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", task.Status)
	}
}

func TestGateway_RejectRequeuesWithRetry(t *testing.T) {
	fx := startGateway(t)
	conn := dialWS(t, fx.addr)
	ctx := context.Background()

	seedReviewTask(t, fx.store, "t-reject", "w-1")

	resp := roundTrip(t, conn, gateway.Envelope{
		ID:     "m-1",
		Type:   gateway.MsgTaskReject,
		Source: "supervisor",
		TaskID: "t-reject",
	})
	if resp.Type != gateway.MsgAck {
		t.Fatalf("response type = %s, payload %s", resp.Type, resp.Payload)
	}
	if got := decodePayload(t, resp)["outcome"]; got != string(store.RetryOutcomeRequeued) {
		t.Fatalf("outcome = %v, want REQUEUED", got)
	}
	task, err := fx.store.GetTask(ctx, "t-reject")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskStatusQueued || task.RetryCount != 1 {
		t.Fatalf("status = %s retry = %d, want QUEUED/1", task.Status, task.RetryCount)
	}
}

func TestGateway_HeartbeatRecordsForSourceWorker(t *testing.T) {
	fx := startGateway(t)
	conn := dialWS(t, fx.addr)
	ctx := context.Background()

	if err := fx.store.RegisterWorker(ctx, "w-remote", 4242, "GENERAL", 2); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	resp := roundTrip(t, conn, gateway.Envelope{
		ID:      "m-1",
		Type:    gateway.MsgHeartbeat,
		Source:  "w-remote",
		Payload: json.RawMessage(`{"active_tasks":1,"rss_kb":2048,"task_id":"t-remote","progress":"executing","expected_timeout_s":300}`),
	})
	if resp.Type != gateway.MsgAck {
		t.Fatalf("response type = %s, payload %s", resp.Type, resp.Payload)
	}
	hb, err := fx.store.LatestHeartbeat(ctx, "w-remote")
	if err != nil || hb == nil {
		t.Fatalf("heartbeat not recorded: %v", err)
	}
	if hb.ActiveTasks != 1 || hb.RSSKB != 2048 {
		t.Fatalf("heartbeat = %+v", hb)
	}
	if hb.TaskID != "t-remote" || hb.Progress != "executing" || hb.ExpectedTimeoutS != 300 {
		t.Fatalf("heartbeat lost task context: %+v", hb)
	}
}

func TestGateway_ControlPauseResumeAll(t *testing.T) {
	fx := startGateway(t)
	conn := dialWS(t, fx.addr)
	ctx := context.Background()

	for _, id := range []string{"w-a", "w-b"} {
		if err := fx.store.RegisterWorker(ctx, id, 100, "GENERAL", 2); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	resp := roundTrip(t, conn, gateway.Envelope{
		ID:     "m-1",
		Type:   gateway.MsgControlPause,
		Source: "supervisor",
		Target: "*",
	})
	if resp.Type != gateway.MsgAck {
		t.Fatalf("pause response type = %s", resp.Type)
	}
	if got := decodePayload(t, resp)["paused"]; got != float64(2) {
		t.Fatalf("paused = %v, want 2", got)
	}
	w, err := fx.store.GetWorker(ctx, "w-a")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != store.WorkerStatusPaused {
		t.Fatalf("status = %s, want PAUSED", w.Status)
	}

	resp = roundTrip(t, conn, gateway.Envelope{
		ID:     "m-2",
		Type:   gateway.MsgControlResume,
		Source: "supervisor",
		Target: "*",
	})
	if got := decodePayload(t, resp)["resumed"]; got != float64(2) {
		t.Fatalf("resumed = %v, want 2", got)
	}
	w, err = fx.store.GetWorker(ctx, "w-b")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != store.WorkerStatusActive {
		t.Fatalf("status = %s, want ACTIVE", w.Status)
	}
}

func TestGateway_WSRejectsMissingToken(t *testing.T) {
	fx := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", fx.addr), nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGateway_BudgetEndpointReportsKillSwitch(t *testing.T) {
	fx := startGateway(t)
	ctx := context.Background()

	if err := fx.store.AppendSpend(ctx, "", "", 3.5, "seed"); err != nil {
		t.Fatalf("append spend: %v", err)
	}
	if err := fx.store.EngageKillSwitch(ctx, "manual test", 3.5, 1.0); err != nil {
		t.Fatalf("engage kill switch: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/budget", fx.addr), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		HourlySpendUSD float64 `json:"hourly_spend_usd"`
		KillSwitch     struct {
			Engaged bool   `json:"engaged"`
			Reason  string `json:"reason"`
		} `json:"kill_switch"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.HourlySpendUSD != 3.5 {
		t.Fatalf("hourly = %v, want 3.5", body.HourlySpendUSD)
	}
	if !body.KillSwitch.Engaged || body.KillSwitch.Reason != "manual test" {
		t.Fatalf("kill switch = %+v", body.KillSwitch)
	}
}

// seedReviewTask walks a task to REVIEW through the normal claim path.
func seedReviewTask(t *testing.T, st *store.Store, taskID, workerID string) {
	t.Helper()
	ctx := context.Background()
	if err := st.RegisterWorker(ctx, workerID, 999, "GENERAL", 4); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if _, _, err := st.EnsureTask(ctx, taskID, "GENERAL", 1, "{}", 3, 4); err != nil {
		t.Fatalf("ensure task: %v", err)
	}
	claimed, err := st.ClaimNextTask(ctx, workerID, 4)
	if err != nil || claimed == nil || claimed.ID != taskID {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}
	if err := st.SubmitForReview(ctx, taskID, workerID, "result"); err != nil {
		t.Fatalf("submit for review: %v", err)
	}
}
