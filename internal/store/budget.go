package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const killSwitchKey = "budget:kill_switch"

type LedgerEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
	AmountUSD float64   `json:"amount_usd"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KillSwitchState is the persisted record of a kill-switch engagement. The
// record outlives the engagement: an operator reset flips Engaged off and
// stamps ClearedAt, keeping the last breach auditable.
type KillSwitchState struct {
	Engaged   bool       `json:"engaged"`
	Reason    string     `json:"reason"`
	Observed  float64    `json:"observed"`
	Limit     float64    `json:"limit"`
	EngagedAt time.Time  `json:"engaged_at"`
	ClearedAt *time.Time `json:"cleared_at,omitempty"`
}

// AppendSpend records a spend amount against the ledger. The ledger is
// append-only; corrections are new entries, never updates.
func (s *Store) AppendSpend(ctx context.Context, taskID, workerID string, amountUSD float64, note string) error {
	if amountUSD < 0 {
		return fmt.Errorf("spend amount must be non-negative, got %f", amountUSD)
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO budget_ledger (task_id, worker_id, amount_usd, note)
			VALUES (NULLIF(?, ''), NULLIF(?, ''), ?, ?);
		`, taskID, workerID, amountUSD, note)
		return err
	})
	if err != nil {
		return fmt.Errorf("append spend: %w", err)
	}
	return nil
}

// SpendSince sums ledger entries created at or after the cutoff.
func (s *Store) SpendSince(ctx context.Context, cutoff time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(amount_usd) FROM budget_ledger WHERE created_at >= datetime(?);
	`, cutoff.UTC().Format("2006-01-02 15:04:05")).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("spend since: %w", err)
	}
	return total.Float64, nil
}

// WindowSpend returns spend over the trailing window. A non-positive
// window falls back to one hour.
func (s *Store) WindowSpend(ctx context.Context, window time.Duration) (float64, error) {
	if window <= 0 {
		window = time.Hour
	}
	return s.SpendSince(ctx, time.Now().UTC().Add(-window))
}

// HourlySpend returns spend over the trailing hour.
func (s *Store) HourlySpend(ctx context.Context) (float64, error) {
	return s.WindowSpend(ctx, time.Hour)
}

// DailySpend returns cumulative spend since UTC midnight.
func (s *Store) DailySpend(ctx context.Context) (float64, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return s.SpendSince(ctx, midnight)
}

// ListSpend pages recent ledger entries, newest first.
func (s *Store) ListSpend(ctx context.Context, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(task_id, ''), COALESCE(worker_id, ''), amount_usd, note, created_at
		FROM budget_ledger
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list spend: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.WorkerID, &e.AmountUSD, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger rows: %w", err)
	}
	return out, nil
}

// EngageKillSwitch persists the kill-switch state. Once engaged it survives
// restarts and is never cleared automatically.
func (s *Store) EngageKillSwitch(ctx context.Context, reason string, observed, limit float64) error {
	state := KillSwitchState{
		Engaged:   true,
		Reason:    reason,
		Observed:  observed,
		Limit:     limit,
		EngagedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal kill switch state: %w", err)
	}
	return s.KVSet(ctx, killSwitchKey, string(raw))
}

// KillSwitch returns the persisted kill-switch state, or a zero state when
// never engaged.
func (s *Store) KillSwitch(ctx context.Context) (KillSwitchState, error) {
	raw, err := s.KVGet(ctx, killSwitchKey)
	if err != nil {
		return KillSwitchState{}, err
	}
	if raw == "" {
		return KillSwitchState{}, nil
	}
	var state KillSwitchState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return KillSwitchState{}, fmt.Errorf("unmarshal kill switch state: %w", err)
	}
	return state, nil
}

// ResetKillSwitch disengages the kill switch, keeping the breach record
// with a cleared_at stamp. Exposed for the operator CLI only; nothing in
// the engine calls this.
func (s *Store) ResetKillSwitch(ctx context.Context) error {
	state, err := s.KillSwitch(ctx)
	if err != nil {
		return err
	}
	if !state.Engaged {
		return errors.New("kill switch is not engaged")
	}
	now := time.Now().UTC()
	state.Engaged = false
	state.ClearedAt = &now
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal kill switch state: %w", err)
	}
	return s.KVSet(ctx, killSwitchKey, string(raw))
}
