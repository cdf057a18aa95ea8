// Package doctor runs environment diagnostics for the conductor CLI. Checks
// are deliberately read-mostly: a diagnosis must be safe to run next to a
// live orchestrator.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/triagent/conductor/internal/config"
	"github.com/triagent/conductor/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. WARN and SKIP do not count as
// failures.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkQueueDir,
		checkCapabilities,
		checkBudget,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	st, err := store.Open(cfg.DatabasePath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer st.Close()

	// Open migrates the schema; a probe read proves the tables answer.
	if _, err := st.KVGet(ctx, "doctor:probe"); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkQueueDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Queue Inbox", Status: "SKIP", Message: "Config missing"}
	}

	info, err := os.Stat(cfg.QueueDir)
	if os.IsNotExist(err) {
		// The watcher creates it on serve; absence before first run is normal.
		return CheckResult{
			Name:    "Queue Inbox",
			Status:  "WARN",
			Message: fmt.Sprintf("%s does not exist yet", cfg.QueueDir),
			Detail:  "Created automatically on first `conductor serve`",
		}
	}
	if err != nil {
		return CheckResult{Name: "Queue Inbox", Status: "FAIL", Message: fmt.Sprintf("Stat failed: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Queue Inbox", Status: "FAIL", Message: fmt.Sprintf("%s is not a directory", cfg.QueueDir)}
	}

	testFile := filepath.Join(cfg.QueueDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Queue Inbox", Status: "FAIL", Message: fmt.Sprintf("Inbox unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Queue Inbox", Status: "PASS", Message: fmt.Sprintf("%s writable", cfg.QueueDir)}
}

// checkCapabilities verifies each configured capability CLI resolves on PATH.
// A missing binary means every task routed to that capability will fail fast.
func checkCapabilities(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.CapabilityCommands) == 0 {
		return CheckResult{Name: "Capabilities", Status: "SKIP", Message: "No capabilities configured"}
	}

	names := make([]string, 0, len(cfg.CapabilityCommands))
	for name := range cfg.CapabilityCommands {
		names = append(names, name)
	}
	sort.Strings(names)

	var details []string
	status := "PASS"
	missing := 0
	for _, name := range names {
		cmd := cfg.CapabilityCommands[name]
		if len(cmd) == 0 || cmd[0] == "" {
			details = append(details, fmt.Sprintf("%s: no command configured", name))
			status = "WARN"
			continue
		}
		if _, err := exec.LookPath(cmd[0]); err != nil {
			details = append(details, fmt.Sprintf("%s: %s not found on PATH", name, cmd[0]))
			missing++
			continue
		}
		details = append(details, fmt.Sprintf("%s: %s ok", name, cmd[0]))
	}
	if missing == len(names) && missing > 0 {
		status = "FAIL"
	} else if missing > 0 {
		status = "WARN"
	}

	return CheckResult{
		Name:    "Capabilities",
		Status:  status,
		Message: fmt.Sprintf("%d of %d capability CLIs resolved", len(names)-missing, len(names)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkBudget(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Budget", Status: "SKIP", Message: "Config missing"}
	}

	st, err := store.Open(cfg.DatabasePath(), nil)
	if err != nil {
		return CheckResult{Name: "Budget", Status: "SKIP", Message: "Database unavailable"}
	}
	defer st.Close()

	ks, err := st.KillSwitch(ctx)
	if err != nil {
		return CheckResult{Name: "Budget", Status: "FAIL", Message: fmt.Sprintf("Kill switch read failed: %v", err)}
	}
	if ks.Engaged {
		return CheckResult{
			Name:    "Budget",
			Status:  "FAIL",
			Message: fmt.Sprintf("Kill switch engaged: %s", ks.Reason),
			Detail:  fmt.Sprintf("observed=%.2f limit=%.2f since=%s; run `conductor budget reset` after review", ks.Observed, ks.Limit, ks.EngagedAt.Format(time.RFC3339)),
		}
	}

	windowed, err := st.WindowSpend(ctx, cfg.RateWindow())
	if err != nil {
		return CheckResult{Name: "Budget", Status: "FAIL", Message: fmt.Sprintf("Ledger read failed: %v", err)}
	}
	return CheckResult{
		Name:    "Budget",
		Status:  "PASS",
		Message: fmt.Sprintf("Kill switch disengaged, %dm spend $%.2f of $%.2f", cfg.Budget.RateWindowMinutes, windowed, cfg.Budget.RateLimitUSD),
	}
}
