//go:build ignore

// claim_race hammers the atomic claim path from many concurrent store
// handles, the way separate worker processes share one SQLite file, and
// verifies that every task is claimed exactly once.
//
// Usage:
//
//	go run ./tools/verify/claim_race/ [-workers 8] [-tasks 50]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/triagent/conductor/internal/store"
)

func main() {
	workers := flag.Int("workers", 8, "number of concurrent claimers")
	tasks := flag.Int("tasks", 50, "number of tasks to enqueue")
	flag.Parse()

	if err := run(*workers, *tasks); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (claim_race)")
}

func run(workers, tasks int) error {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "claim-race-*")
	if err != nil {
		return fmt.Errorf("mktemp: %w", err)
	}
	defer os.RemoveAll(dir)
	dbPath := filepath.Join(dir, "conductor.db")

	seed, err := store.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("open seed store: %w", err)
	}
	for i := 0; i < tasks; i++ {
		id := fmt.Sprintf("race-%d", i)
		if _, _, err := seed.EnsureTask(ctx, id, "IMPLEMENTATION", 2, "{}", 3, 4); err != nil {
			seed.Close()
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
	}
	for i := 0; i < workers; i++ {
		wid := fmt.Sprintf("racer-%d", i)
		if err := seed.RegisterWorker(ctx, wid, os.Getpid(), "GENERAL", tasks); err != nil {
			seed.Close()
			return fmt.Errorf("register %s: %w", wid, err)
		}
	}
	seed.Close()
	fmt.Printf("SEEDED tasks=%d workers=%d\n", tasks, workers)

	// One store handle per goroutine so each claimer holds its own
	// connection, as separate processes would.
	var (
		mu     sync.Mutex
		owners = make(map[string]string)
		dupes  []string
	)
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wid := fmt.Sprintf("racer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := store.Open(dbPath, nil)
			if err != nil {
				errs <- fmt.Errorf("open store for %s: %w", wid, err)
				return
			}
			defer st.Close()
			for {
				task, err := st.ClaimNextTask(ctx, wid, tasks)
				if err != nil {
					errs <- fmt.Errorf("%s claim: %w", wid, err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, taken := owners[task.ID]; taken {
					dupes = append(dupes, fmt.Sprintf("%s claimed by %s and %s", task.ID, prev, wid))
				}
				owners[task.ID] = wid
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	if len(dupes) > 0 {
		return fmt.Errorf("double claims detected: %v", dupes)
	}
	if len(owners) != tasks {
		return fmt.Errorf("claimed %d of %d tasks", len(owners), tasks)
	}
	fmt.Printf("CLAIMED %d tasks, no double claims\n", len(owners))

	// Every claimed task must sit in RUNNING with its claiming worker.
	check, err := store.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("reopen for verification: %w", err)
	}
	defer check.Close()
	for id, wid := range owners {
		task, err := check.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("get %s: %w", id, err)
		}
		if task == nil || task.Status != store.TaskStatusRunning || task.WorkerID != wid {
			return fmt.Errorf("task %s inconsistent after claim: %+v", id, task)
		}
	}
	fmt.Println("ALL CHECKS PASSED")
	return nil
}
