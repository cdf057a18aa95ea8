//go:build ignore

// sigkill_chaos is a standalone chaos test that verifies the orchestrator's
// crash recovery guarantees. It builds the conductor binary, starts the
// serve process, inserts tasks directly into the shared SQLite file, claims
// one into RUNNING, SIGKILLs the process, restarts it, and verifies that:
//   - The database is not corrupted (opens and queries cleanly)
//   - The previously RUNNING task is requeued by the recovery scan
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/triagent/conductor/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()

	// 1. Build the conductor binary.
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "conductor")

	fmt.Println("BUILD conductor binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/conductor")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	// 2. Create a temp CONDUCTOR_HOME with minimal config.
	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	addr := pickFreeAddr()
	configYAML := fmt.Sprintf("bind_addr: %q\nauth_token: chaos-test-token\n", addr)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	serveEnv := append(os.Environ(), "CONDUCTOR_HOME="+home)

	// 3. Start the orchestrator.
	fmt.Println("START serve (first run)...")
	serve := exec.Command(binPath, "serve")
	serve.Env = serveEnv
	serve.Stdout = os.Stdout
	serve.Stderr = os.Stderr
	if err := serve.Start(); err != nil {
		return fmt.Errorf("start serve: %w", err)
	}

	// 4. Wait for healthy.
	fmt.Println("WAIT for /healthz...")
	if err := waitHealthy(addr, 10*time.Second); err != nil {
		_ = serve.Process.Kill()
		_ = serve.Wait()
		return fmt.Errorf("serve not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	// 5. Insert tasks via the shared SQLite file and claim one to RUNNING,
	// the way a worker process would.
	dbPath := filepath.Join(home, "conductor.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		_ = serve.Process.Kill()
		_ = serve.Wait()
		return fmt.Errorf("open store: %w", err)
	}
	fail := func(format string, args ...any) error {
		st.Close()
		_ = serve.Process.Kill()
		_ = serve.Wait()
		return fmt.Errorf(format, args...)
	}

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("chaos-%d", i)
		if _, _, err := st.EnsureTask(ctx, id, "IMPLEMENTATION", 2, fmt.Sprintf(`{"goal":"chaos-task-%d"}`, i), 3, 4); err != nil {
			return fail("enqueue task %d: %w", i, err)
		}
		fmt.Printf("CREATED task %s\n", id)
	}

	if err := st.RegisterWorker(ctx, "chaos-worker", os.Getpid(), "GENERAL", 2); err != nil {
		return fail("register worker: %w", err)
	}
	task, err := st.ClaimNextTask(ctx, "chaos-worker", 2)
	if err != nil || task == nil {
		return fail("claim task: %w (task=%v)", err, task)
	}
	fmt.Printf("RUNNING task %s (worker=%s)\n", task.ID, task.WorkerID)
	runningTaskID := task.ID
	st.Close()

	// 6. SIGKILL the orchestrator.
	fmt.Println("SIGKILL serve...")
	if err := serve.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = serve.Wait()
	fmt.Println("SERVE killed")

	// Brief pause to ensure port is released.
	time.Sleep(500 * time.Millisecond)

	// 7. Restart; the startup recovery scan must requeue orphaned work.
	fmt.Println("RESTART serve (second run)...")
	serve2 := exec.Command(binPath, "serve")
	serve2.Env = serveEnv
	serve2.Stdout = os.Stdout
	serve2.Stderr = os.Stderr
	if err := serve2.Start(); err != nil {
		return fmt.Errorf("restart serve: %w", err)
	}
	defer func() {
		_ = serve2.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = serve2.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = serve2.Process.Kill()
			_ = serve2.Wait()
		}
	}()

	if err := waitHealthy(addr, 10*time.Second); err != nil {
		return fmt.Errorf("restarted serve not healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")

	// 8. Verify DB integrity and task recovery.
	st2, err := store.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	defer st2.Close()

	recovered, err := st2.GetTask(ctx, runningTaskID)
	if err != nil {
		return fmt.Errorf("get recovered task: %w", err)
	}
	if recovered == nil {
		return fmt.Errorf("task %s vanished after recovery", runningTaskID)
	}
	fmt.Printf("RECOVERED task %s status=%s\n", recovered.ID, recovered.Status)
	if recovered.Status != store.TaskStatusQueued {
		return fmt.Errorf("expected task %s to be QUEUED after recovery, got %s", runningTaskID, recovered.Status)
	}

	var integrityResult string
	if err := st2.DB().QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&integrityResult); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("INTEGRITY_CHECK=%s\n", integrityResult)
	if integrityResult != "ok" {
		return fmt.Errorf("DB integrity check failed: %s", integrityResult)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func pickFreeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pick free addr: %v\n", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHealthy(addr string, timeout time.Duration) error {
	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("healthz at %s not OK after %v", addr, timeout)
}
