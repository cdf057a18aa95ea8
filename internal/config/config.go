package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig holds worker pool and heartbeat settings.
type PoolConfig struct {
	// MaxConcurrentTasksPerWorker caps how many tasks a single worker may
	// hold in RUNNING at once.
	MaxConcurrentTasksPerWorker int `yaml:"max_concurrent_tasks_per_worker"`

	// ShardCount is the number of routing shards tasks are hashed into.
	ShardCount int `yaml:"shard_count"`

	// StaleHeartbeatSeconds is how long a worker may go without a heartbeat
	// before it is considered stale.
	StaleHeartbeatSeconds int `yaml:"stale_heartbeat_seconds"`

	// HeartbeatIntervalSeconds is how often workers emit heartbeats.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
}

// ConsensusConfig holds multi-voter review settings.
type ConsensusConfig struct {
	// MinApprovals is the approval threshold M. A session passes once M
	// distinct voters approve.
	MinApprovals int `yaml:"min_approvals"`

	// Voters names the reviewer identities eligible to vote.
	Voters []string `yaml:"voters"`

	// VoteTimeoutSeconds bounds how long a single voter invocation may run.
	VoteTimeoutSeconds int `yaml:"vote_timeout_seconds"`
}

// BreakerConfig holds per-capability circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens a breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// CooldownSeconds is how long an open breaker waits before allowing a
	// half-open probe.
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// BudgetConfig holds spend governor settings.
type BudgetConfig struct {
	// RateLimitUSD is the rolling spend ceiling in USD, measured over
	// RateWindowMinutes.
	RateLimitUSD float64 `yaml:"rate_limit_usd"`

	// RateWindowMinutes is the rolling window the rate limit covers.
	RateWindowMinutes int `yaml:"rate_window_minutes"`

	// DailyLimit is the cumulative daily spend ceiling in USD.
	DailyLimit float64 `yaml:"daily_limit"`

	// GraceSeconds is how long workers get to pause cooperatively before
	// the governor hard-kills them.
	GraceSeconds int `yaml:"grace_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken authorizes supervisor gateway connections. An empty token
	// leaves the gateway locked.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists Origin headers accepted for cross-origin WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// CapabilityCommands maps a capability name to the CLI invoked for it.
	// The first element is the binary, the rest are arguments; the prompt
	// arrives on stdin.
	CapabilityCommands map[string][]string `yaml:"capability_commands"`

	// ExecTimeoutSeconds bounds a single capability invocation.
	ExecTimeoutSeconds int `yaml:"exec_timeout_seconds"`

	// MaxRetriesPerTask is the retry ceiling before a rejected task escalates.
	MaxRetriesPerTask int `yaml:"max_retries_per_task"`

	// QueueDir is the drop directory the queue watcher observes for task files.
	QueueDir string `yaml:"queue_dir"`

	Pool      PoolConfig      `yaml:"pool"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Budget    BudgetConfig    `yaml:"budget"`

	// Maintenance cron specs (5-field). Empty keeps the built-in schedule.
	AgeBoostSpec      string `yaml:"age_boost_spec"`
	StaleScanSpec     string `yaml:"stale_scan_spec"`
	BudgetCheckSpec   string `yaml:"budget_check_spec"`
	MetricsSnapSpec   string `yaml:"metrics_snapshot_spec"`
	RetentionDaysTask int    `yaml:"retention_task_events_days"`

	// OTel exporter config. Disabled by default.
	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelExporter string `yaml:"otel_exporter"`

	NeedsGenesis bool `yaml:"-"`
}

// DatabasePath returns the SQLite file path within the home directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.HomeDir, "conductor.db")
}

// StaleHeartbeatThreshold returns the stale cutoff as a duration.
func (c Config) StaleHeartbeatThreshold() time.Duration {
	return time.Duration(c.Pool.StaleHeartbeatSeconds) * time.Second
}

// HeartbeatInterval returns the worker heartbeat period.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Pool.HeartbeatIntervalSeconds) * time.Second
}

// BreakerCooldown returns the breaker cooldown as a duration.
func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Breaker.CooldownSeconds) * time.Second
}

// VoteTimeout returns the per-voter invocation timeout.
func (c Config) VoteTimeout() time.Duration {
	return time.Duration(c.Consensus.VoteTimeoutSeconds) * time.Second
}

// ExecTimeout returns the per-invocation executor budget.
func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSeconds) * time.Second
}

// RateWindow returns the rolling window the spend-rate limit covers.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.Budget.RateWindowMinutes) * time.Minute
}

// GracePeriod returns the budget governor's cooperative pause window.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Budget.GraceSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|retries=%d|cap=%d|shards=%d|stale=%d|approvals=%d|voters=%v|breaker=%d/%d|budget=%.2f/%dm/%.2f",
		c.BindAddr, c.LogLevel, c.MaxRetriesPerTask,
		c.Pool.MaxConcurrentTasksPerWorker, c.Pool.ShardCount, c.Pool.StaleHeartbeatSeconds,
		c.Consensus.MinApprovals, c.Consensus.Voters,
		c.Breaker.FailureThreshold, c.Breaker.CooldownSeconds,
		c.Budget.RateLimitUSD, c.Budget.RateWindowMinutes, c.Budget.DailyLimit)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:          "127.0.0.1:18790",
		LogLevel:          "info",
		MaxRetriesPerTask: 3,
		Pool: PoolConfig{
			MaxConcurrentTasksPerWorker: 2,
			ShardCount:                  4,
			StaleHeartbeatSeconds:       120,
			HeartbeatIntervalSeconds:    30,
		},
		Consensus: ConsensusConfig{
			MinApprovals:       2,
			Voters:             []string{"claude", "codex", "gemini"},
			VoteTimeoutSeconds: 300,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CooldownSeconds:  300,
		},
		Budget: BudgetConfig{
			RateLimitUSD:      10.0,
			RateWindowMinutes: 60,
			DailyLimit:        100.0,
			GraceSeconds:      30,
		},
		CapabilityCommands: map[string][]string{
			"claude": {"claude", "-p"},
			"codex":  {"codex", "exec"},
			"gemini": {"gemini", "-p"},
		},
		ExecTimeoutSeconds: 300,
		AgeBoostSpec:       "*/15 * * * *",
		StaleScanSpec:      "* * * * *",
		BudgetCheckSpec:    "* * * * *",
		MetricsSnapSpec:    "*/5 * * * *",
		RetentionDaysTask:  90,
		OTelExporter:       "stdout",
	}
}

func HomeDir() string {
	if override := os.Getenv("CONDUCTOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads the config rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create conductor home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxRetriesPerTask <= 0 {
		cfg.MaxRetriesPerTask = 3
	}
	if strings.TrimSpace(cfg.QueueDir) == "" {
		cfg.QueueDir = filepath.Join(cfg.HomeDir, "queue")
	}
	if cfg.Pool.MaxConcurrentTasksPerWorker <= 0 {
		cfg.Pool.MaxConcurrentTasksPerWorker = 2
	}
	if cfg.Pool.ShardCount <= 0 {
		cfg.Pool.ShardCount = 4
	}
	if cfg.Pool.StaleHeartbeatSeconds <= 0 {
		cfg.Pool.StaleHeartbeatSeconds = 120
	}
	if cfg.Pool.HeartbeatIntervalSeconds <= 0 {
		cfg.Pool.HeartbeatIntervalSeconds = 30
	}
	if cfg.Consensus.MinApprovals <= 0 {
		cfg.Consensus.MinApprovals = 2
	}
	if len(cfg.Consensus.Voters) == 0 {
		cfg.Consensus.Voters = []string{"claude", "codex", "gemini"}
	}
	if cfg.Consensus.VoteTimeoutSeconds <= 0 {
		cfg.Consensus.VoteTimeoutSeconds = 300
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.CooldownSeconds <= 0 {
		cfg.Breaker.CooldownSeconds = 300
	}
	if cfg.Budget.RateLimitUSD <= 0 {
		cfg.Budget.RateLimitUSD = 10.0
	}
	if cfg.Budget.RateWindowMinutes <= 0 {
		cfg.Budget.RateWindowMinutes = 60
	}
	if cfg.Budget.DailyLimit <= 0 {
		cfg.Budget.DailyLimit = 100.0
	}
	if cfg.Budget.GraceSeconds <= 0 {
		cfg.Budget.GraceSeconds = 30
	}
	if cfg.OTelExporter == "" {
		cfg.OTelExporter = "stdout"
	}
	if cfg.ExecTimeoutSeconds <= 0 {
		cfg.ExecTimeoutSeconds = 300
	}
	if len(cfg.CapabilityCommands) == 0 {
		cfg.CapabilityCommands = map[string][]string{
			"claude": {"claude", "-p"},
			"codex":  {"codex", "exec"},
			"gemini": {"gemini", "-p"},
		}
	}
}

// validate rejects configurations the engine cannot run safely with.
func validate(cfg *Config) error {
	if cfg.Consensus.MinApprovals > len(cfg.Consensus.Voters) {
		return fmt.Errorf("min_approvals (%d) exceeds voter count (%d)",
			cfg.Consensus.MinApprovals, len(cfg.Consensus.Voters))
	}
	if cfg.Pool.HeartbeatIntervalSeconds >= cfg.Pool.StaleHeartbeatSeconds {
		return fmt.Errorf("heartbeat_interval_seconds (%d) must be below stale_heartbeat_seconds (%d)",
			cfg.Pool.HeartbeatIntervalSeconds, cfg.Pool.StaleHeartbeatSeconds)
	}
	if cfg.Budget.RateLimitUSD > cfg.Budget.DailyLimit {
		return fmt.Errorf("rate_limit_usd (%.2f) exceeds daily_limit (%.2f)",
			cfg.Budget.RateLimitUSD, cfg.Budget.DailyLimit)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONDUCTOR_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONDUCTOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONDUCTOR_QUEUE_DIR"); raw != "" {
		cfg.QueueDir = raw
	}
	if raw := os.Getenv("CONDUCTOR_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if v, ok := envInt("MAX_CONCURRENT_TASKS_PER_WORKER"); ok {
		cfg.Pool.MaxConcurrentTasksPerWorker = v
	}
	if v, ok := envInt("SHARD_COUNT"); ok {
		cfg.Pool.ShardCount = v
	}
	if v, ok := envInt("STALE_HEARTBEAT_SECONDS"); ok {
		cfg.Pool.StaleHeartbeatSeconds = v
	}
	if v, ok := envInt("MIN_APPROVALS"); ok {
		cfg.Consensus.MinApprovals = v
	}
	if v, ok := envInt("BREAKER_FAILURE_THRESHOLD"); ok {
		cfg.Breaker.FailureThreshold = v
	}
	if v, ok := envInt("BREAKER_COOLDOWN_SECONDS"); ok {
		cfg.Breaker.CooldownSeconds = v
	}
	if v, ok := envFloat("BUDGET_RATE_LIMIT"); ok {
		cfg.Budget.RateLimitUSD = v
	}
	if v, ok := envInt("BUDGET_RATE_WINDOW_MINUTES"); ok {
		cfg.Budget.RateWindowMinutes = v
	}
	if v, ok := envFloat("BUDGET_DAILY_LIMIT"); ok {
		cfg.Budget.DailyLimit = v
	}
	if v, ok := envInt("MAX_RETRIES_PER_TASK"); ok {
		cfg.MaxRetriesPerTask = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv("CONDUCTOR_" + name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(name string) (float64, bool) {
	raw := os.Getenv("CONDUCTOR_" + name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
