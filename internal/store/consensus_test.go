package store_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/triagent/conductor/internal/store"
)

func TestCreateConsensusSession_DistinctPerRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	first, err := s.CreateConsensusSession(ctx, "t1", "claude", 2)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	second, err := s.CreateConsensusSession(ctx, "t1", "claude", 2)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("re-review produced duplicate session id %s", first.ID)
	}
	if !strings.HasPrefix(first.ID, "consensus_t1_") {
		t.Fatalf("unexpected session id %q", first.ID)
	}
	if first.Outcome != store.OutcomePending {
		t.Fatalf("new session must open PENDING, got %s", first.Outcome)
	}

	latest, err := s.LatestSessionForTask(ctx, "t1")
	if err != nil {
		t.Fatalf("latest session: %v", err)
	}
	if latest == nil || latest.ID != second.ID {
		t.Fatalf("expected latest session %s, got %+v", second.ID, latest)
	}
}

func TestRecordVote_RejectsImplementer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	sess, err := s.CreateConsensusSession(ctx, "t1", "claude", 2)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	err = s.RecordVote(ctx, sess.ID, "claude", store.VoteApprove, "lgtm")
	if !errors.Is(err, store.ErrImplementerVote) {
		t.Fatalf("expected ErrImplementerVote, got %v", err)
	}

	votes, err := s.ListVotes(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list votes: %v", err)
	}
	if len(votes) != 0 {
		t.Fatalf("implementer ballot was stored: %+v", votes)
	}
}

func TestRecordVote_RejectsDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	sess, err := s.CreateConsensusSession(ctx, "t1", "claude", 2)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.RecordVote(ctx, sess.ID, "codex", store.VoteApprove, "ok"); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	err = s.RecordVote(ctx, sess.ID, "codex", store.VoteReject, "changed my mind")
	if !errors.Is(err, store.ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}

	votes, _ := s.ListVotes(ctx, sess.ID)
	if len(votes) != 1 || votes[0].Vote != store.VoteApprove {
		t.Fatalf("original ballot mutated: %+v", votes)
	}
}

func TestRecordVote_SameVoterAcrossSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	first, err := s.CreateConsensusSession(ctx, "t1", "claude", 2)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	second, err := s.CreateConsensusSession(ctx, "t1", "claude", 2)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}

	if err := s.RecordVote(ctx, first.ID, "codex", store.VoteReject, ""); err != nil {
		t.Fatalf("vote on first session: %v", err)
	}
	if err := s.RecordVote(ctx, second.ID, "codex", store.VoteApprove, ""); err != nil {
		t.Fatalf("vote on second session: %v", err)
	}
}

func TestRecordVote_DecidedSessionClosed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	sess, err := s.CreateConsensusSession(ctx, "t1", "claude", 1)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	ok, err := s.SetSessionOutcome(ctx, sess.ID, store.OutcomePass)
	if err != nil || !ok {
		t.Fatalf("set outcome: ok=%v err=%v", ok, err)
	}

	if err := s.RecordVote(ctx, sess.ID, "gemini", store.VoteApprove, "late"); err == nil {
		t.Fatal("vote on decided session must fail")
	}
}

func TestSetSessionOutcome_DecideOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	enqueueTestTask(t, s, "t1", store.PriorityMedium)

	sess, err := s.CreateConsensusSession(ctx, "t1", "claude", 2)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	ok, err := s.SetSessionOutcome(ctx, sess.ID, store.OutcomeFail)
	if err != nil || !ok {
		t.Fatalf("first decision: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetSessionOutcome(ctx, sess.ID, store.OutcomePass)
	if err != nil {
		t.Fatalf("second decision: %v", err)
	}
	if ok {
		t.Fatal("decided session must not flip outcome")
	}

	got, err := s.GetConsensusSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Outcome != store.OutcomeFail {
		t.Fatalf("outcome flipped to %s", got.Outcome)
	}
	if got.DecidedAt == nil {
		t.Fatal("decided session missing decided_at")
	}
}
