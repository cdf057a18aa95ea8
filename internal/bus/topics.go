package bus

// Worker event topics.
const (
	TopicWorkerRegistered = "worker.registered"
	TopicWorkerStale      = "worker.stale"
	TopicWorkerPaused     = "worker.paused"
	TopicWorkerResumed    = "worker.resumed"
)

// Consensus event topics.
const (
	TopicConsensusOpened  = "consensus.opened"
	TopicConsensusDecided = "consensus.decided"
)

// Breaker and budget event topics.
const (
	TopicBreakerStateChanged = "breaker.state_changed"
	TopicBudgetThreshold     = "budget.threshold"
	TopicBudgetKillSwitch    = "budget.kill_switch"
)

// WorkerEvent is published when a worker registers, goes stale, or changes
// pause state.
type WorkerEvent struct {
	WorkerID  string // Worker ID
	OldStatus string // Previous status, empty on registration
	NewStatus string // New status
	Reason    string // Optional reason (e.g. stale heartbeat detail)
}

// ConsensusEvent is published when a consensus session opens or reaches a
// decision.
type ConsensusEvent struct {
	SessionID string // Consensus session ID
	TaskID    string // Task under review
	Outcome   string // PENDING on open; PASS/FAIL/INCONCLUSIVE on decision
}

// BreakerEvent is published when a capability breaker transitions.
type BreakerEvent struct {
	Capability string // Capability the breaker guards
	OldState   string // Previous breaker state
	NewState   string // New breaker state
}

// BudgetEvent is published on budget threshold crossings and kill-switch
// engagement.
type BudgetEvent struct {
	Reason   string  // "rate_limit" or "daily_limit"
	Observed float64 // Observed spend value that triggered the event
	Limit    float64 // Configured limit
}
