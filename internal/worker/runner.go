// Package worker implements the worker process control loop:
// poll, claim, execute, report. One runner per process; correctness across
// processes relies on the store's atomic claim, not on shared locks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/triagent/conductor/internal/breaker"
	"github.com/triagent/conductor/internal/budget"
	"github.com/triagent/conductor/internal/executor"
	"github.com/triagent/conductor/internal/lifecycle"
	"github.com/triagent/conductor/internal/pool"
	"github.com/triagent/conductor/internal/pricing"
	"github.com/triagent/conductor/internal/store"
)

// Config holds the dependencies for one worker runner.
type Config struct {
	ID           string
	Store        *store.Store
	Pool         *pool.Manager
	Breaker      *breaker.Breaker
	Executor     executor.Executor
	Machine      *lifecycle.Machine
	Governor     *budget.Governor // optional; spend goes unledgered without it
	Logger       *slog.Logger
	Capabilities string
	Shards       []int // optional shard pin; empty claims from every shard

	PollInterval      time.Duration // sleep between empty claim attempts; default 5s
	HeartbeatInterval time.Duration // default 30s
	TaskTimeout       time.Duration // execution budget reported in heartbeats; default 5m
	MaxTasks          int
}

type Runner struct {
	id           string
	store        *store.Store
	pool         *pool.Manager
	breaker      *breaker.Breaker
	exec         executor.Executor
	machine      *lifecycle.Machine
	governor     *budget.Governor
	logger       *slog.Logger
	capabilities string
	shards       []int

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	taskTimeout       time.Duration
	maxTasks          int

	// What the claim loop is working on right now, for heartbeat reporting.
	curMu       sync.Mutex
	curTask     string
	curProgress string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 30 * time.Second
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Runner{
		id:                cfg.ID,
		store:             cfg.Store,
		pool:              cfg.Pool,
		breaker:           cfg.Breaker,
		exec:              cfg.Executor,
		machine:           cfg.Machine,
		governor:          cfg.Governor,
		logger:            logger.With("worker_id", cfg.ID),
		capabilities:      cfg.Capabilities,
		shards:            cfg.Shards,
		pollInterval:      poll,
		heartbeatInterval: hb,
		taskTimeout:       timeout,
		maxTasks:          cfg.MaxTasks,
	}
}

// Start registers the worker and launches the heartbeat and claim loops.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.pool.Register(ctx, r.id, os.Getpid(), r.capabilities, r.maxTasks); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.pool.AssignShards(r.id, r.shards)

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go r.heartbeatLoop(ctx)
	go r.claimLoop(ctx)
	r.logger.Info("worker started", "poll_interval", r.pollInterval)
	return nil
}

// Stop cancels the loops, waits for the current task to finish, and releases
// anything still claimed back to the queue.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	released, err := r.store.RequeueWorkerTasks(ctx, r.id)
	if err != nil {
		r.logger.Error("worker shutdown release failed", "error", err)
	} else if released > 0 {
		r.logger.Info("worker released claimed tasks on shutdown", "released", released)
	}
	r.logger.Info("worker stopped")
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Runner) beat(ctx context.Context) {
	active, err := r.store.CountRunningForWorker(ctx, r.id)
	if err != nil {
		r.logger.Error("heartbeat count failed", "error", err)
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.curMu.Lock()
	sample := store.HeartbeatSample{
		ActiveTasks:     active,
		RSSKB:           int64(mem.Sys / 1024),
		TaskID:          r.curTask,
		Progress:        r.curProgress,
		ExpectedTimeout: r.taskTimeout,
	}
	r.curMu.Unlock()
	if err := r.store.RecordHeartbeat(ctx, r.id, sample); err != nil {
		r.logger.Error("heartbeat write failed", "error", err)
	}
}

// setCurrent records what the claim loop is doing for the next beat.
func (r *Runner) setCurrent(taskID, progress string) {
	r.curMu.Lock()
	r.curTask = taskID
	r.curProgress = progress
	r.curMu.Unlock()
}

func (r *Runner) claimLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := r.pool.Claim(ctx, r.id)
		if err != nil {
			r.logger.Error("claim failed", "error", err)
			r.sleep(ctx, r.pollInterval)
			continue
		}
		if task == nil {
			// Queue empty, worker paused, or cap reached.
			r.sleep(ctx, r.pollInterval)
			continue
		}
		r.process(ctx, task)
	}
}

// process runs one claimed task through execution and review.
func (r *Runner) process(ctx context.Context, task *store.Task) {
	route := r.pool.RouteFor(task.Type)
	logger := r.logger.With("task_id", task.ID, "capability", route.Capability)

	r.setCurrent(task.ID, "executing")
	defer r.setCurrent("", "")

	if !r.breaker.Allow(route.Capability) {
		// Fail fast without touching the executor; the task waits its turn.
		logger.Warn("capability circuit open, releasing task")
		if err := r.store.ReleaseTask(ctx, task.ID, r.id); err != nil {
			logger.Error("release on open circuit failed", "error", err)
		}
		r.sleep(ctx, r.pollInterval)
		return
	}

	prompt, err := r.buildPrompt(ctx, task)
	if err != nil {
		logger.Error("prompt build failed", "error", err)
		_ = r.store.ReleaseTask(ctx, task.ID, r.id)
		return
	}

	output, err := r.exec.Execute(ctx, route.Capability, prompt)
	if err != nil {
		r.breaker.RecordFailure(route.Capability)
		if errors.Is(err, executor.ErrUnknownCapability) {
			logger.Error("task routed to unconfigured capability", "error", err)
			if failErr := r.store.FailTask(ctx, task.ID, err.Error()); failErr != nil {
				logger.Error("fail transition failed", "error", failErr)
			}
			return
		}
		// Transient executor failure: the task goes back to the queue with its
		// retry budget intact, and the breaker decides whether the capability
		// keeps getting called.
		logger.Warn("execution failed, releasing task", "error", err)
		if relErr := r.store.ReleaseTask(ctx, task.ID, r.id); relErr != nil {
			logger.Error("release after failure failed", "error", relErr)
		}
		r.sleep(ctx, r.pollInterval)
		return
	}
	r.breaker.RecordSuccess(route.Capability)
	r.ledgerSpend(ctx, task.ID, route.Capability, prompt, output)

	if err := r.store.SubmitForReview(ctx, task.ID, r.id, output); err != nil {
		logger.Error("review submit failed", "error", err)
		return
	}
	logger.Info("task submitted for review")

	if r.machine != nil {
		r.setCurrent(task.ID, "reviewing")
		outcome, err := r.machine.Review(ctx, task.ID, route.Capability)
		if err != nil {
			logger.Error("review failed", "error", err)
			return
		}
		logger.Info("review decided", "outcome", outcome)
	}
}

// ledgerSpend estimates and records the cost of one capability invocation.
// A failed write never blocks the task; the next governor check will still
// see earlier entries.
func (r *Runner) ledgerSpend(ctx context.Context, taskID, capability, prompt, output string) {
	if r.governor == nil {
		return
	}
	cost := pricing.EstimateText(capability, prompt, output)
	if cost <= 0 {
		return
	}
	if err := r.governor.RecordSpend(ctx, taskID, r.id, cost, capability); err != nil {
		r.logger.Error("spend ledger write failed", "task_id", taskID, "error", err)
	}
}

// buildPrompt renders the task payload, appending rejection feedback from a
// previous attempt when present.
func (r *Runner) buildPrompt(ctx context.Context, task *store.Task) (string, error) {
	prompt := fmt.Sprintf("Task %s (%s, attempt %d):\n%s", task.ID, task.Type, task.RetryCount+1, task.Payload)
	if r.machine == nil {
		return prompt, nil
	}
	feedback, err := r.machine.AttemptFeedback(ctx, task.ID)
	if err != nil {
		return "", err
	}
	if feedback != "" {
		prompt += "\n\nFeedback from the previous review:\n" + feedback
	}
	return prompt, nil
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
