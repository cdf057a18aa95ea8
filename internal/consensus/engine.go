// Package consensus collects votes on completed work from capabilities that
// did not implement it, and computes the session outcome.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/triagent/conductor/internal/audit"
	"github.com/triagent/conductor/internal/breaker"
	"github.com/triagent/conductor/internal/bus"
	"github.com/triagent/conductor/internal/executor"
	"github.com/triagent/conductor/internal/store"
)

// Engine drives verification sessions: one ballot per eligible voter, then a
// decision over the recorded votes.
type Engine struct {
	store        *store.Store
	exec         executor.Executor
	events       *bus.Bus
	brk          *breaker.Breaker
	voters       []string
	minApprovals int

	// Task types whose review requires every eligible voter to approve.
	unanimityTypes map[string]bool
}

func New(st *store.Store, exec executor.Executor, events *bus.Bus, voters []string, minApprovals int) *Engine {
	if minApprovals <= 0 {
		minApprovals = 2
	}
	return &Engine{
		store:          st,
		exec:           exec,
		events:         events,
		voters:         voters,
		minApprovals:   minApprovals,
		unanimityTypes: map[string]bool{"SECURITY": true},
	}
}

// SetBreaker guards voter invocations with the capability circuit breaker.
// Without one, every eligible voter is always invoked.
func (e *Engine) SetBreaker(b *breaker.Breaker) {
	e.brk = b
}

// RequireUnanimity marks a task type as needing approval from every eligible
// voter instead of the majority threshold.
func (e *Engine) RequireUnanimity(taskType string) {
	e.unanimityTypes[strings.ToUpper(taskType)] = true
}

// eligibleVoters returns the voters allowed to ballot for the implementer's
// work.
func (e *Engine) eligibleVoters(implementer string) []string {
	out := make([]string, 0, len(e.voters))
	for _, v := range e.voters {
		if v != implementer {
			out = append(out, v)
		}
	}
	return out
}

// threshold returns the approvals (and rejections) needed to decide a session
// for the given task type.
func (e *Engine) threshold(taskType string, eligible int) int {
	if e.unanimityTypes[strings.ToUpper(taskType)] {
		return eligible
	}
	m := e.minApprovals
	if m > eligible {
		m = eligible
	}
	return m
}

// ParseVote maps a free-form voter response onto a ballot value by keyword.
func ParseVote(response string) store.VoteValue {
	lower := strings.ToLower(response)
	for _, word := range []string{"approve", "approved", "pass", "lgtm"} {
		if strings.Contains(lower, word) {
			return store.VoteApprove
		}
	}
	for _, word := range []string{"reject", "rejected", "fail", "block"} {
		if strings.Contains(lower, word) {
			return store.VoteReject
		}
	}
	if strings.Contains(lower, "timeout") {
		return store.VoteTimeout
	}
	if strings.Contains(lower, "error") {
		return store.VoteError
	}
	return store.VoteAbstain
}

// Verify opens a session for the task, collects one ballot from every
// eligible voter, and evaluates the result. Returns the session ID and the
// decided outcome.
func (e *Engine) Verify(ctx context.Context, task *store.Task, implementer string) (string, store.ConsensusOutcome, error) {
	eligible := e.eligibleVoters(implementer)
	if len(eligible) == 0 {
		return "", "", fmt.Errorf("no eligible voters for implementer %q", implementer)
	}

	sess, err := e.store.CreateConsensusSession(ctx, task.ID, implementer, e.threshold(task.Type, len(eligible)))
	if err != nil {
		return "", "", err
	}
	slog.Info("consensus: session opened",
		"session_id", sess.ID,
		"task_id", task.ID,
		"implementer", implementer,
		"voters", len(eligible),
	)
	if e.events != nil {
		e.events.Publish(bus.TopicConsensusOpened, bus.ConsensusEvent{
			SessionID: sess.ID,
			TaskID:    task.ID,
			Outcome:   string(store.OutcomePending),
		})
	}

	prompt := fmt.Sprintf(
		"Verify the implementation for task %s.\nResult:\n%s\n\nCheck for correctness, security issues, edge cases.\nReply with APPROVE or REJECT followed by your findings.",
		task.ID, task.Result,
	)

	for _, voter := range eligible {
		vote, rationale := e.collectBallot(ctx, voter, prompt)
		if err := e.store.RecordVote(ctx, sess.ID, voter, vote, rationale); err != nil {
			return sess.ID, "", fmt.Errorf("record vote from %s: %w", voter, err)
		}
		slog.Info("consensus: ballot recorded", "session_id", sess.ID, "voter", voter, "vote", vote)
	}

	outcome, err := e.Evaluate(ctx, sess.ID, task.Type)
	if err != nil {
		return sess.ID, "", err
	}
	return sess.ID, outcome, nil
}

// collectBallot invokes one voter and maps the response, or the failure, onto
// a ballot value.
func (e *Engine) collectBallot(ctx context.Context, voter, prompt string) (store.VoteValue, string) {
	if e.brk != nil && !e.brk.Allow(voter) {
		slog.Warn("consensus: voter circuit open, skipping", "voter", voter)
		return store.VoteError, fmt.Sprintf("capability %s circuit open", voter)
	}

	started := time.Now()
	response, err := e.exec.Execute(ctx, voter, prompt)
	elapsed := time.Since(started)

	if err != nil {
		if e.brk != nil {
			e.brk.RecordFailure(voter)
		}
		var timeoutErr *executor.TimeoutError
		if errors.As(err, &timeoutErr) {
			slog.Warn("consensus: voter timed out", "voter", voter, "elapsed", elapsed)
			return store.VoteTimeout, timeoutErr.Error()
		}
		slog.Warn("consensus: voter failed", "voter", voter, "error", err)
		return store.VoteError, truncate(err.Error(), 500)
	}
	if e.brk != nil {
		e.brk.RecordSuccess(voter)
	}
	return ParseVote(response), truncate(response, 500)
}

// Evaluate computes the outcome from the recorded votes. A decided outcome is
// persisted on the session; PENDING leaves the session open for late ballots.
func (e *Engine) Evaluate(ctx context.Context, sessionID, taskType string) (store.ConsensusOutcome, error) {
	sess, err := e.store.GetConsensusSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", fmt.Errorf("evaluate unknown session %q", sessionID)
	}
	if sess.Outcome != store.OutcomePending {
		return sess.Outcome, nil
	}

	votes, err := e.store.ListVotes(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var approvals, rejections int
	for _, v := range votes {
		switch v.Vote {
		case store.VoteApprove:
			approvals++
		case store.VoteReject:
			rejections++
		}
	}

	eligible := len(e.eligibleVoters(sess.Implementer))
	m := e.threshold(taskType, eligible)

	var outcome store.ConsensusOutcome
	switch {
	case approvals >= m:
		outcome = store.OutcomePass
	case rejections >= m:
		outcome = store.OutcomeFail
	case len(votes) >= eligible:
		// Every voter responded and neither threshold was met. This never
		// coerces to PASS or FAIL; it parks the task for a human.
		outcome = store.OutcomeInconclusive
	default:
		return store.OutcomePending, nil
	}

	ok, err := e.store.SetSessionOutcome(ctx, sessionID, outcome)
	if err != nil {
		return "", err
	}
	if !ok {
		// Lost a concurrent evaluate race; report what was decided.
		decided, err := e.store.GetConsensusSession(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return decided.Outcome, nil
	}

	slog.Info("consensus: session decided",
		"session_id", sessionID,
		"outcome", outcome,
		"approvals", approvals,
		"rejections", rejections,
		"threshold", m,
	)
	audit.Record("consensus_evaluated", "consensus", sess.TaskID,
		fmt.Sprintf("session=%s outcome=%s approvals=%d rejections=%d", sessionID, outcome, approvals, rejections))
	if e.events != nil {
		e.events.Publish(bus.TopicConsensusDecided, bus.ConsensusEvent{
			SessionID: sessionID,
			TaskID:    sess.TaskID,
			Outcome:   string(outcome),
		})
	}
	return outcome, nil
}

// RejectionFeedback joins the reject rationales for attaching to a retry.
func (e *Engine) RejectionFeedback(ctx context.Context, sessionID string) (string, error) {
	votes, err := e.store.ListVotes(ctx, sessionID)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, v := range votes {
		if v.Vote == store.VoteReject && v.Rationale != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", v.Voter, v.Rationale))
		}
	}
	return strings.Join(parts, "\n"), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
