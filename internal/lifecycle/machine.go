// Package lifecycle ties consensus decisions to task state: approvals
// complete, rejections retry within budget, and anything unresolvable parks
// for a human.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/triagent/conductor/internal/audit"
	"github.com/triagent/conductor/internal/consensus"
	"github.com/triagent/conductor/internal/store"
)

// feedbackKeyPrefix keys rejection feedback for the next attempt.
const feedbackKeyPrefix = "feedback:"

type Machine struct {
	store  *store.Store
	engine *consensus.Engine
}

func New(st *store.Store, engine *consensus.Engine) *Machine {
	return &Machine{store: st, engine: engine}
}

// Review runs consensus over a task in REVIEW and applies the decision.
func (m *Machine) Review(ctx context.Context, taskID, implementer string) (store.ConsensusOutcome, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", fmt.Errorf("review unknown task %q", taskID)
	}
	if task.Status != store.TaskStatusReview {
		return "", fmt.Errorf("task %s is %s, not REVIEW", taskID, task.Status)
	}

	sessionID, outcome, err := m.engine.Verify(ctx, task, implementer)
	if err != nil {
		return "", err
	}
	if err := m.ApplyOutcome(ctx, taskID, sessionID, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// ApplyOutcome moves the task according to a decided consensus outcome.
// PENDING leaves the task in REVIEW for a later evaluation pass.
func (m *Machine) ApplyOutcome(ctx context.Context, taskID, sessionID string, outcome store.ConsensusOutcome) error {
	switch outcome {
	case store.OutcomePending:
		return nil

	case store.OutcomePass:
		if err := m.store.ApproveTask(ctx, taskID, sessionID); err != nil {
			return fmt.Errorf("approve task %s: %w", taskID, err)
		}
		if err := m.store.CompleteTask(ctx, taskID); err != nil {
			return fmt.Errorf("complete task %s: %w", taskID, err)
		}
		_ = m.store.KVDelete(ctx, feedbackKeyPrefix+taskID)
		audit.Record("task_completed", "lifecycle", taskID, "session="+sessionID)
		return nil

	case store.OutcomeFail:
		if err := m.store.RejectTask(ctx, taskID, sessionID); err != nil {
			return fmt.Errorf("reject task %s: %w", taskID, err)
		}
		feedback, err := m.engine.RejectionFeedback(ctx, sessionID)
		if err != nil {
			return err
		}
		if feedback != "" {
			if err := m.store.KVSet(ctx, feedbackKeyPrefix+taskID, feedback); err != nil {
				return err
			}
		}
		decision, err := m.store.RetryOrEscalate(ctx, taskID)
		if err != nil {
			return fmt.Errorf("retry or escalate task %s: %w", taskID, err)
		}
		if decision == store.RetryOutcomeEscalated {
			audit.Record("task_escalated", "lifecycle", taskID, "retry ceiling reached, session="+sessionID)
		} else {
			audit.Record("task_requeued", "lifecycle", taskID, "rejected with feedback, session="+sessionID)
		}
		slog.Info("lifecycle: rejection applied", "task_id", taskID, "decision", decision)
		return nil

	case store.OutcomeInconclusive:
		if err := m.store.EscalateReview(ctx, taskID, sessionID); err != nil {
			return fmt.Errorf("escalate task %s: %w", taskID, err)
		}
		audit.Record("task_escalated", "lifecycle", taskID, "inconclusive consensus, session="+sessionID)
		return nil
	}
	return fmt.Errorf("unknown consensus outcome %q", outcome)
}

// AttemptFeedback returns rejection feedback stored for the task's next
// attempt, or empty when none exists.
func (m *Machine) AttemptFeedback(ctx context.Context, taskID string) (string, error) {
	return m.store.KVGet(ctx, feedbackKeyPrefix+taskID)
}
