package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type VoteValue string

const (
	VoteApprove VoteValue = "APPROVE"
	VoteReject  VoteValue = "REJECT"
	VoteAbstain VoteValue = "ABSTAIN"
	VoteTimeout VoteValue = "TIMEOUT"
	VoteError   VoteValue = "ERROR"
)

type ConsensusOutcome string

const (
	OutcomePending      ConsensusOutcome = "PENDING"
	OutcomePass         ConsensusOutcome = "PASS"
	OutcomeFail         ConsensusOutcome = "FAIL"
	OutcomeInconclusive ConsensusOutcome = "INCONCLUSIVE"
)

type ConsensusSession struct {
	ID           string           `json:"id"`
	TaskID       string           `json:"task_id"`
	Implementer  string           `json:"implementer"`
	MinApprovals int              `json:"min_approvals"`
	Outcome      ConsensusOutcome `json:"outcome"`
	CreatedAt    time.Time        `json:"created_at"`
	DecidedAt    *time.Time       `json:"decided_at,omitempty"`
}

type ConsensusVote struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Voter     string    `json:"voter"`
	Vote      VoteValue `json:"vote"`
	Rationale string    `json:"rationale"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrImplementerVote is returned when the task's implementer tries to vote
// on its own work.
var ErrImplementerVote = errors.New("implementer cannot vote on own work")

// ErrDuplicateVote is returned when a voter submits twice in one session.
var ErrDuplicateVote = errors.New("voter already voted in this session")

// CreateConsensusSession opens a review session for a task. The session ID
// embeds the task and open time so reruns produce distinct sessions.
func (s *Store) CreateConsensusSession(ctx context.Context, taskID, implementer string, minApprovals int) (*ConsensusSession, error) {
	if minApprovals <= 0 {
		minApprovals = 2
	}
	id := fmt.Sprintf("consensus_%s_%d", taskID, time.Now().UTC().UnixNano())
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO consensus_sessions (id, task_id, implementer, min_approvals, outcome, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, id, taskID, implementer, minApprovals, OutcomePending)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create consensus session: %w", err)
	}
	return s.GetConsensusSession(ctx, id)
}

func (s *Store) GetConsensusSession(ctx context.Context, sessionID string) (*ConsensusSession, error) {
	var sess ConsensusSession
	var decidedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, implementer, min_approvals, outcome, created_at, decided_at
		FROM consensus_sessions
		WHERE id = ?;
	`, sessionID).Scan(&sess.ID, &sess.TaskID, &sess.Implementer, &sess.MinApprovals, &sess.Outcome, &sess.CreatedAt, &decidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consensus session: %w", err)
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		sess.DecidedAt = &t
	}
	return &sess, nil
}

// LatestSessionForTask returns the most recently opened session for a task.
func (s *Store) LatestSessionForTask(ctx context.Context, taskID string) (*ConsensusSession, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM consensus_sessions
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, taskID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest session for task: %w", err)
	}
	return s.GetConsensusSession(ctx, id)
}

// RecordVote stores a voter's ballot. The implementer is barred from voting,
// and each voter gets exactly one ballot per session.
func (s *Store) RecordVote(ctx context.Context, sessionID, voter string, vote VoteValue, rationale string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin vote tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var implementer string
		var outcome ConsensusOutcome
		if err := tx.QueryRowContext(ctx, `
			SELECT implementer, outcome FROM consensus_sessions WHERE id = ?;
		`, sessionID).Scan(&implementer, &outcome); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("vote on unknown session %q", sessionID)
			}
			return fmt.Errorf("read session for vote: %w", err)
		}
		if voter == implementer {
			return ErrImplementerVote
		}
		if outcome != OutcomePending {
			return fmt.Errorf("vote on decided session %q (outcome %s)", sessionID, outcome)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO consensus_votes (session_id, voter, vote, rationale)
			VALUES (?, ?, ?, ?);
		`, sessionID, voter, vote, rationale); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateVote
			}
			return fmt.Errorf("insert vote: %w", err)
		}
		return tx.Commit()
	})
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ListVotes returns all ballots for a session in arrival order.
func (s *Store) ListVotes(ctx context.Context, sessionID string) ([]ConsensusVote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, voter, vote, rationale, created_at
		FROM consensus_votes
		WHERE session_id = ?
		ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var out []ConsensusVote
	for rows.Next() {
		var v ConsensusVote
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Voter, &v.Vote, &v.Rationale, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vote rows: %w", err)
	}
	return out, nil
}

// SetSessionOutcome records a decision on a pending session. Once decided, a
// session never changes.
func (s *Store) SetSessionOutcome(ctx context.Context, sessionID string, outcome ConsensusOutcome) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE consensus_sessions
		SET outcome = ?, decided_at = CURRENT_TIMESTAMP
		WHERE id = ? AND outcome = ?;
	`, outcome, sessionID, OutcomePending)
	if err != nil {
		return false, fmt.Errorf("set session outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("outcome rows affected: %w", err)
	}
	return n == 1, nil
}
