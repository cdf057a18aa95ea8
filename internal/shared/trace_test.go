package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc-123")
	if got := TraceID(ctx); got != "abc-123" {
		t.Fatalf("expected abc-123, got %q", got)
	}
}

func TestWorkerID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := WorkerID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithWorkerID(ctx, "worker-7")
	if got := WorkerID(ctx); got != "worker-7" {
		t.Fatalf("expected worker-7, got %q", got)
	}

	// Overwrite.
	ctx = WithWorkerID(ctx, "worker-9")
	if got := WorkerID(ctx); got != "worker-9" {
		t.Fatalf("expected worker-9, got %q", got)
	}
}

func TestTaskAndSessionID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithSessionID(ctx, "consensus_task-1_123")
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("expected task-1, got %q", got)
	}
	if got := SessionID(ctx); got != "consensus_task-1_123" {
		t.Fatalf("expected session id, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected unique trace ids")
	}
}
