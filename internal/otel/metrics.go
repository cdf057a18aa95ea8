package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all conductor metric instruments.
type Metrics struct {
	ClaimDuration     metric.Float64Histogram
	ExecDuration      metric.Float64Histogram
	TasksClaimed      metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksEscalated    metric.Int64Counter
	ClaimConflicts    metric.Int64Counter
	ConsensusSessions metric.Int64Counter
	BreakerOpens      metric.Int64Counter
	BreakerRejects    metric.Int64Counter
	SpendUSD          metric.Float64Counter
	ActiveWorkers     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ClaimDuration, err = meter.Float64Histogram("conductor.claim.duration",
		metric.WithDescription("Task claim attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecDuration, err = meter.Float64Histogram("conductor.exec.duration",
		metric.WithDescription("Capability executor invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("conductor.tasks.claimed",
		metric.WithDescription("Tasks atomically claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("conductor.tasks.completed",
		metric.WithDescription("Tasks that reached COMPLETED"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEscalated, err = meter.Int64Counter("conductor.tasks.escalated",
		metric.WithDescription("Tasks parked for human intervention"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("conductor.claim.conflicts",
		metric.WithDescription("Benign claim races lost to another worker"),
	)
	if err != nil {
		return nil, err
	}

	m.ConsensusSessions, err = meter.Int64Counter("conductor.consensus.sessions",
		metric.WithDescription("Review sessions opened"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerOpens, err = meter.Int64Counter("conductor.breaker.opens",
		metric.WithDescription("Circuit breaker transitions to OPEN"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerRejects, err = meter.Int64Counter("conductor.breaker.rejects",
		metric.WithDescription("Calls rejected by an open circuit"),
	)
	if err != nil {
		return nil, err
	}

	m.SpendUSD, err = meter.Float64Counter("conductor.budget.spend_usd",
		metric.WithDescription("Ledgered spend in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("conductor.workers.active",
		metric.WithDescription("Workers currently registered and active"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
