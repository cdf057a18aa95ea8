package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/triagent/conductor/internal/audit"
	"github.com/triagent/conductor/internal/breaker"
	"github.com/triagent/conductor/internal/budget"
	"github.com/triagent/conductor/internal/bus"
	"github.com/triagent/conductor/internal/config"
	"github.com/triagent/conductor/internal/consensus"
	"github.com/triagent/conductor/internal/executor"
	"github.com/triagent/conductor/internal/gateway"
	"github.com/triagent/conductor/internal/lifecycle"
	otelPkg "github.com/triagent/conductor/internal/otel"
	"github.com/triagent/conductor/internal/pool"
	"github.com/triagent/conductor/internal/sched"
	"github.com/triagent/conductor/internal/store"
	"github.com/triagent/conductor/internal/telemetry"
	"github.com/triagent/conductor/internal/watcher"
	"github.com/triagent/conductor/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER MODE:
  %s serve                    Run the orchestrator: gateway, queue watcher,
                              maintenance scheduler

WORKER MODE:
  %s worker -id <worker-id>   Run one worker process against the shared store
                              Flags: -capabilities <list>, -shards <list>, -max-tasks <n>

SUBCOMMANDS:
  %s enqueue <type> [options] Enqueue a task
                              Options: -id <task-id>, -priority <0-3>,
                              -payload <json>
  %s status                   Show queue, worker, and breaker status
  %s budget [reset]           Show spend windows; 'reset' clears an engaged
                              kill-switch
  %s maintain <job>           Run one maintenance job immediately
  %s doctor [-json]           Diagnose the local environment

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CONDUCTOR_HOME          Data directory (default: ~/.conductor)
  CONDUCTOR_AUTH_TOKEN    Supervisor gateway bearer token
  CONDUCTOR_BUDGET_RATE_LIMIT / CONDUCTOR_BUDGET_DAILY_LIMIT
                          Spend ceilings in USD

EXAMPLES:
  Orchestrator:           %s serve
  Worker:                 %s worker -id w-1 -capabilities claude
  Enqueue:                %s enqueue IMPLEMENTATION -priority 1
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if cfg.NeedsGenesis {
		cfg, err = writeGenesisConfig(cfg)
		if err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "serve":
		os.Exit(runServe(ctx, cfg, logger))
	case "worker":
		os.Exit(runWorker(ctx, cfg, logger, args[1:]))
	case "enqueue":
		os.Exit(runEnqueue(ctx, cfg, args[1:]))
	case "status":
		os.Exit(runStatus(ctx, cfg))
	case "budget":
		os.Exit(runBudget(ctx, cfg, args[1:]))
	case "maintain":
		os.Exit(runMaintain(ctx, cfg, logger, args[1:]))
	case "doctor":
		os.Exit(runDoctor(ctx, cfg, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// runServe hosts the shared side of the system: store recovery, supervisor
// gateway, queue watcher, and the maintenance scheduler. Workers run as
// separate processes against the same database file.
func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.OTelEnabled,
		Exporter: cfg.OTelExporter,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	st, err := store.Open(cfg.DatabasePath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	recovered, err := st.RecoverRunningTasks(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", recovered)

	poolMgr := pool.NewManager(st, eventBus,
		cfg.Pool.MaxConcurrentTasksPerWorker, cfg.Pool.ShardCount,
		cfg.StaleHeartbeatThreshold())

	exec := executor.NewCLIExecutor(capabilityCommands(cfg), cfg.VoteTimeout())
	engine := consensus.New(st, exec, eventBus, cfg.Consensus.Voters, cfg.Consensus.MinApprovals)
	machine := lifecycle.New(st, engine)
	governor := budget.NewGovernor(st, poolMgr, eventBus,
		cfg.Budget.RateLimitUSD, cfg.RateWindow(), cfg.Budget.DailyLimit, cfg.GracePeriod())

	scheduler, err := sched.NewScheduler(sched.Config{
		Store:           st,
		Pool:            poolMgr,
		Governor:        governor,
		Logger:          logger,
		RetentionDays:   cfg.RetentionDaysTask,
		AgeBoostSpec:    cfg.AgeBoostSpec,
		StaleScanSpec:   cfg.StaleScanSpec,
		BudgetCheckSpec: cfg.BudgetCheckSpec,
		MetricsSpec:     cfg.MetricsSnapSpec,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHED_INIT", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	cfgWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range cfgWatcher.Events() {
				reloaded, loadErr := config.LoadFrom(cfg.HomeDir)
				if loadErr != nil {
					logger.Error("config reload failed", "error", loadErr)
					continue
				}
				// Most knobs need a restart; surface the drift so operators
				// know the running fingerprint no longer matches disk.
				logger.Info("config changed on disk",
					"fingerprint", reloaded.Fingerprint(),
					"running_fingerprint", cfg.Fingerprint())
			}
		}()
	}

	qw, err := watcher.New(cfg.QueueDir, st, cfg.Pool.ShardCount, cfg.MaxRetriesPerTask, logger)
	if err != nil {
		fatalStartup(logger, "E_WATCHER_INIT", err)
	}
	if err := qw.Start(ctx); err != nil {
		fatalStartup(logger, "E_WATCHER_START", err)
	}

	srv := gateway.New(gateway.Config{
		Store:        st,
		Pool:         poolMgr,
		Machine:      machine,
		Governor:     governor,
		Bus:          eventBus,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
		ShardCount:   cfg.Pool.ShardCount,
		MaxRetries:   cfg.MaxRetriesPerTask,
	})
	srv.Start(ctx)

	httpSrv := &http.Server{Handler: srv.Handler()}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_LISTEN", err)
	}
	go func() {
		if serveErr := httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("gateway serve error", "error", serveErr)
		}
	}()
	logger.Info("conductor serving", "addr", cfg.BindAddr, "version", Version,
		"config_fingerprint", cfg.Fingerprint())

	<-ctx.Done()
	logger.Info("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return 0
}

func runWorker(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	id := fs.String("id", "", "worker id (required)")
	capabilities := fs.String("capabilities", "claude,codex,gemini", "comma-separated capabilities this worker serves")
	shardsFlag := fs.String("shards", "", "comma-separated shard numbers to claim from (empty claims all)")
	maxTasks := fs.Int("max-tasks", cfg.Pool.MaxConcurrentTasksPerWorker, "max concurrent RUNNING tasks")
	review := fs.Bool("review", true, "run consensus review inline after execution")
	_ = fs.Parse(args)
	if *id == "" {
		fmt.Fprintln(os.Stderr, "worker: -id is required")
		return 2
	}
	shards, err := parseShards(*shardsFlag, cfg.Pool.ShardCount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 2
	}

	eventBus := bus.New()
	st, err := store.Open(cfg.DatabasePath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())

	poolMgr := pool.NewManager(st, eventBus,
		cfg.Pool.MaxConcurrentTasksPerWorker, cfg.Pool.ShardCount,
		cfg.StaleHeartbeatThreshold())

	capNames := strings.Split(*capabilities, ",")
	brk := breaker.New(cfg.Breaker.FailureThreshold, cfg.BreakerCooldown())
	brk.SetKVStore(st)
	brk.SetBus(eventBus)
	brk.Load(ctx, capNames)

	exec := executor.NewCLIExecutor(capabilityCommands(cfg), cfg.ExecTimeout())

	var machine *lifecycle.Machine
	if *review {
		engine := consensus.New(st, exec, eventBus, cfg.Consensus.Voters, cfg.Consensus.MinApprovals)
		engine.SetBreaker(brk)
		machine = lifecycle.New(st, engine)
	}

	governor := budget.NewGovernor(st, poolMgr, eventBus,
		cfg.Budget.RateLimitUSD, cfg.RateWindow(), cfg.Budget.DailyLimit, cfg.GracePeriod())

	runner := worker.NewRunner(worker.Config{
		ID:                *id,
		Store:             st,
		Pool:              poolMgr,
		Breaker:           brk,
		Executor:          exec,
		Machine:           machine,
		Governor:          governor,
		Logger:            logger,
		Capabilities:      *capabilities,
		Shards:            shards,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		TaskTimeout:       cfg.ExecTimeout(),
		MaxTasks:          *maxTasks,
	})
	if err := runner.Start(ctx); err != nil {
		fatalStartup(logger, "E_WORKER_START", err)
	}

	<-ctx.Done()
	logger.Info("worker shutdown requested", "worker_id", *id)
	runner.Stop()
	return 0
}

func runEnqueue(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	id := fs.String("id", "", "task id (generated when empty)")
	priority := fs.Int("priority", 2, "priority 0 (critical) to 3 (low)")
	payload := fs.String("payload", "{}", "task payload JSON")
	maxRetries := fs.Int("max-retries", cfg.MaxRetriesPerTask, "retry ceiling before escalation")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "enqueue: task type required (e.g. IMPLEMENTATION, REVIEW, SECURITY)")
		return 2
	}
	taskType := fs.Arg(0)

	st, err := store.Open(cfg.DatabasePath(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	taskID, inserted, err := st.EnsureTask(ctx, *id, taskType, *priority, *payload, *maxRetries, cfg.Pool.ShardCount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}
	if inserted {
		fmt.Printf("enqueued %s (type=%s priority=%d)\n", taskID, taskType, *priority)
	} else {
		fmt.Printf("task %s already exists\n", taskID)
	}
	return 0
}

func runMaintain(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "maintain: job name required (age_boost, stale_scan, budget_check, metrics_snapshot, retention_prune)")
		return 2
	}
	eventBus := bus.New()
	st, err := store.Open(cfg.DatabasePath(), eventBus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()
	audit.SetDB(st.DB())

	poolMgr := pool.NewManager(st, eventBus,
		cfg.Pool.MaxConcurrentTasksPerWorker, cfg.Pool.ShardCount,
		cfg.StaleHeartbeatThreshold())
	governor := budget.NewGovernor(st, poolMgr, eventBus,
		cfg.Budget.RateLimitUSD, cfg.RateWindow(), cfg.Budget.DailyLimit, cfg.GracePeriod())
	scheduler, err := sched.NewScheduler(sched.Config{
		Store:         st,
		Pool:          poolMgr,
		Governor:      governor,
		Logger:        logger,
		RetentionDays: cfg.RetentionDaysTask,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "maintain: %v\n", err)
		return 1
	}
	detail, err := scheduler.RunJob(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "maintain %s: %v\n", args[0], err)
		return 1
	}
	fmt.Printf("%s: %s\n", args[0], detail)
	return 0
}

// parseShards parses a comma-separated shard list and bounds-checks it
// against the configured shard count.
func parseShards(s string, shardCount int) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid shard %q", part)
		}
		if n < 0 || n >= shardCount {
			return nil, fmt.Errorf("shard %d out of range [0,%d)", n, shardCount)
		}
		out = append(out, n)
	}
	return out, nil
}

func capabilityCommands(cfg config.Config) map[string]executor.Command {
	out := make(map[string]executor.Command, len(cfg.CapabilityCommands))
	for name, argv := range cfg.CapabilityCommands {
		if len(argv) == 0 {
			continue
		}
		out[name] = executor.Command{Path: argv[0], Args: argv[1:]}
	}
	return out
}

// writeGenesisConfig persists a default config.yaml with a generated gateway
// token, then reloads.
func writeGenesisConfig(cfg config.Config) (config.Config, error) {
	cfg.AuthToken = uuid.NewString()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("marshal config: %w", err)
	}
	path := config.ConfigPath(cfg.HomeDir)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return cfg, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return config.LoadFrom(cfg.HomeDir)
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}
