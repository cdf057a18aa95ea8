// Package breaker guards external capability invocations with a per-capability
// circuit breaker. Workers consult Allow before calling out and report every
// outcome back; an open circuit fails fast without touching the executor.
package breaker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/triagent/conductor/internal/bus"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// circuit tracks failure counts and trip state for a single capability.
type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool // one trial call in flight while HALF_OPEN
}

// Breaker tracks per-capability circuits. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit

	threshold int           // failures before opening (default 5)
	cooldown  time.Duration // time before allowing a trial call (default 5min)
	kv        KVStore
	events    *bus.Bus
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// SetKVStore enables persistent circuit state across restarts.
func (b *Breaker) SetKVStore(kv KVStore) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv = kv
}

// SetBus enables state-change event publication.
func (b *Breaker) SetBus(events *bus.Bus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = events
}

func (b *Breaker) circuitFor(capability string) *circuit {
	c, ok := b.circuits[capability]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[capability] = c
	}
	return c
}

// Allow reports whether a call to the capability may proceed. While OPEN it
// returns false until the cooldown elapses, then admits exactly one trial
// call in HALF_OPEN; further callers are rejected until that trial reports.
// With a KV store attached the decision reads the shared row first, so a
// trip recorded by one process gates every process on the same database.
func (b *Breaker) Allow(capability string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(capability)
	b.refresh(capability, c)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(c.openedAt) < b.cooldown {
			return false
		}
		b.setState(capability, c, StateHalfOpen)
		c.probing = true
		// Restart the clock so sibling processes, which read this row as
		// OPEN, wait out a fresh cooldown instead of racing the trial.
		c.openedAt = time.Now().UTC()
		b.persist(capability, c)
		return true
	case StateHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return false
}

// RecordSuccess reports a successful invocation. A success while HALF_OPEN
// closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess(capability string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(capability)
	c.failures = 0
	c.probing = false
	// No refresh here: a success verdict stands regardless of what another
	// process wrote in the meantime.
	if c.state != StateClosed {
		b.setState(capability, c, StateClosed)
		slog.Info("breaker: circuit closed after successful trial", "capability", capability)
	}
	b.persist(capability, c)
}

// RecordFailure reports a failed invocation. Reaching the threshold opens the
// circuit; any failure while HALF_OPEN reopens it and restarts the cooldown.
func (b *Breaker) RecordFailure(capability string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitFor(capability)
	b.refresh(capability, c)
	c.failures++
	c.probing = false
	switch {
	case c.state == StateHalfOpen:
		c.openedAt = time.Now().UTC()
		b.setState(capability, c, StateOpen)
		slog.Warn("breaker: trial call failed, circuit reopened", "capability", capability)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = time.Now().UTC()
		b.setState(capability, c, StateOpen)
		slog.Warn("breaker: circuit opened", "capability", capability, "failures", c.failures)
	}
	b.persist(capability, c)
}

// Current returns the capability's state without admitting a call.
func (b *Breaker) Current(capability string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitFor(capability)
	b.refresh(capability, c)
	return c.state
}

// refresh overlays the persisted row onto the in-memory circuit so every
// process sharing the database sees the same trips. Must be called with b.mu
// held. Skipped while this process has a trial call in flight: the prober's
// verdict overrides whatever another process wrote meanwhile. A persisted
// HALF_OPEN belongs to some other process's probe and reads as OPEN here.
func (b *Breaker) refresh(capability string, c *circuit) {
	if b.kv == nil {
		return
	}
	if c.state == StateHalfOpen && c.probing {
		return
	}
	val, err := b.kv.KVGet(context.Background(), "cb:"+capability)
	if err != nil || val == "" {
		return
	}
	var state persistedState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return
	}
	c.failures = state.Failures
	c.openedAt = state.OpenedAt
	target := state.State
	if target == StateHalfOpen {
		target = StateOpen
	}
	b.setState(capability, c, target)
	c.probing = false
}

// Snapshot returns the state of every known capability.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.circuits))
	for capability, c := range b.circuits {
		out[capability] = c.state
	}
	return out
}

// setState transitions the circuit and publishes the change. Must be called
// with b.mu held.
func (b *Breaker) setState(capability string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if b.events != nil {
		b.events.Publish(bus.TopicBreakerStateChanged, bus.BreakerEvent{
			Capability: capability,
			OldState:   string(from),
			NewState:   string(to),
		})
	}
}

type persistedState struct {
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at"`
}

// persist saves a single circuit's state. Must be called with b.mu held.
func (b *Breaker) persist(capability string, c *circuit) {
	if b.kv == nil {
		return
	}
	data, err := json.Marshal(persistedState{
		State:    c.state,
		Failures: c.failures,
		OpenedAt: c.openedAt,
	})
	if err != nil {
		return
	}
	_ = b.kv.KVSet(context.Background(), "cb:"+capability, string(data))
}

// Load restores circuit state for the given capabilities from the KV store.
// An in-flight trial never survives a restart: HALF_OPEN loads as OPEN so the
// next Allow re-admits a fresh probe after the cooldown.
func (b *Breaker) Load(ctx context.Context, capabilities []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kv == nil {
		return
	}
	for _, capability := range capabilities {
		val, err := b.kv.KVGet(ctx, "cb:"+capability)
		if err != nil || val == "" {
			continue
		}
		var state persistedState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		c := b.circuitFor(capability)
		c.failures = state.Failures
		c.openedAt = state.OpenedAt
		c.state = state.State
		if c.state == StateHalfOpen {
			c.state = StateOpen
		}
		c.probing = false
	}
}
