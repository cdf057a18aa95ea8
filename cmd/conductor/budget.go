package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/triagent/conductor/internal/audit"
	"github.com/triagent/conductor/internal/budget"
	"github.com/triagent/conductor/internal/config"
	"github.com/triagent/conductor/internal/pool"
	"github.com/triagent/conductor/internal/store"
)

func runBudget(ctx context.Context, cfg config.Config, args []string) int {
	st, err := store.Open(cfg.DatabasePath(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()
	audit.SetDB(st.DB())

	if len(args) > 0 && args[0] == "reset" {
		poolMgr := pool.NewManager(st, nil,
			cfg.Pool.MaxConcurrentTasksPerWorker, cfg.Pool.ShardCount,
			cfg.StaleHeartbeatThreshold())
		governor := budget.NewGovernor(st, poolMgr, nil,
			cfg.Budget.RateLimitUSD, cfg.RateWindow(), cfg.Budget.DailyLimit, cfg.GracePeriod())
		if err := governor.Reset(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "budget reset: %v\n", err)
			return 1
		}
		fmt.Println("kill-switch reset; workers may be resumed")
		return 0
	}

	windowed, err := st.HourlySpend(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hourly spend: %v\n", err)
		return 1
	}
	daily, err := st.DailySpend(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daily spend: %v\n", err)
		return 1
	}
	fmt.Printf("spend: window=$%.2f over %dm (limit $%.2f) daily=$%.2f (limit $%.2f)\n",
		windowed, cfg.Budget.RateWindowMinutes, cfg.Budget.RateLimitUSD, daily, cfg.Budget.DailyLimit)

	kill, err := st.KillSwitch(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kill switch: %v\n", err)
		return 1
	}
	if kill.Engaged {
		fmt.Printf("kill-switch: ENGAGED reason=%q observed=%.2f limit=%.2f since=%s\n",
			kill.Reason, kill.Observed, kill.Limit, kill.EngagedAt.Format(time.RFC3339))
	} else if kill.ClearedAt != nil {
		fmt.Printf("kill-switch: disengaged (last breach %q cleared %s)\n",
			kill.Reason, kill.ClearedAt.Format(time.RFC3339))
	} else {
		fmt.Println("kill-switch: disengaged")
	}

	entries, err := st.ListSpend(ctx, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list spend: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Printf("  %s  $%.4f  task=%s worker=%s  %s\n",
			e.CreatedAt.Format(time.RFC3339), e.AmountUSD, orDash(e.TaskID), orDash(e.WorkerID), e.Note)
	}
	return 0
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
