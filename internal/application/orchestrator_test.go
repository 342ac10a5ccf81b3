package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_ApprovedExecutionDeploys(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	e := h.start(t)
	assert.Equal(t, domain.ExecutionRunning, e.Status)
	require.Len(t, e.Stages, 1)
	assert.Equal(t, domain.StageSource, e.Stages[0].Stage)

	require.Equal(t, 1, h.notifier.Count())
	ev := h.notifier.Events[0]
	token := h.pendingToken(t, e.ID)
	assert.Equal(t, token, ev.Token)
	assert.Equal(t, "https://github.com/octo/app/commit/abc123", ev.ReferenceLink)
	assert.Equal(t, 0, h.deployer.Count())

	out, err := h.callbacks.Handle(context.Background(), callback(token, "alice", domain.DecisionApprove))
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, out.Request.Status)

	done := h.waitStatus(t, e.ID, domain.ExecutionSucceeded)
	require.Len(t, done.Stages, 3)
	assert.Equal(t, domain.OutcomeSucceeded, done.Stages[1].Outcome)
	assert.Contains(t, done.Stages[1].Message, "alice")
	assert.Equal(t, "deployed abc123", done.Stages[2].Message)
	assert.Equal(t, 1, h.deployer.Count())
	assert.Equal(t, 0, h.orch.PendingTimers())
}

func TestOrchestrator_ConcurrentDecisionsOneWinner(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	e := h.start(t)
	token := h.pendingToken(t, e.ID)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, cb := range []domain.Callback{
		callback(token, "bob", domain.DecisionApprove),
		callback(token, "carol", domain.DecisionReject),
	} {
		wg.Add(1)
		go func(i int, cb domain.Callback) {
			defer wg.Done()
			_, errs[i] = h.callbacks.Handle(context.Background(), cb)
		}(i, cb)
	}
	wg.Wait()

	var winner int
	switch {
	case errs[0] == nil:
		winner = 0
		require.ErrorIs(t, errs[1], domain.ErrConflict)
	case errs[1] == nil:
		winner = 1
		require.ErrorIs(t, errs[0], domain.ErrConflict)
	default:
		t.Fatalf("no winner: %v, %v", errs[0], errs[1])
	}

	ds, err := h.registry.Decisions(context.Background(), token)
	require.NoError(t, err)
	require.Len(t, ds, 1)

	if winner == 0 {
		h.waitStatus(t, e.ID, domain.ExecutionSucceeded)
		assert.Equal(t, 1, h.deployer.Count())
	} else {
		h.waitStatus(t, e.ID, domain.ExecutionRejected)
		assert.Equal(t, 0, h.deployer.Count())
	}
}

func TestOrchestrator_RejectedNeverDeploys(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	e := h.start(t)
	token := h.pendingToken(t, e.ID)

	_, err := h.callbacks.Handle(context.Background(), callback(token, "alice", domain.DecisionReject))
	require.NoError(t, err)

	done := h.waitStatus(t, e.ID, domain.ExecutionRejected)
	assert.Contains(t, done.Reason, "alice")
	require.Len(t, done.Stages, 2)
	assert.Equal(t, domain.OutcomeRejected, done.Stages[1].Outcome)

	// Re-entry after the terminal state does nothing.
	require.NoError(t, h.orch.Advance(context.Background(), e.ID))
	assert.Equal(t, 0, h.deployer.Count())
}

func TestOrchestrator_TimeoutFailsExecution(t *testing.T) {
	h := newHarness(t, withTimeout(30*time.Millisecond))
	h.run(t)

	e := h.start(t)
	token := h.pendingToken(t, e.ID)

	done := h.waitStatus(t, e.ID, domain.ExecutionFailed)
	assert.Equal(t, domain.ErrTimeout.Error(), done.Reason)

	req, err := h.registry.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, req.Status)

	_, err = h.callbacks.Handle(context.Background(), callback(token, "alice", domain.DecisionApprove))
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, domain.ApprovalExpired, ce.Status)
	assert.Equal(t, 0, h.deployer.Count())
}

func TestOrchestrator_AdvanceIsIdempotentWhileSuspended(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.orch.Advance(context.Background(), e.ID))
	}

	assert.Equal(t, 1, h.notifier.Count())
	assert.Equal(t, 1, h.orch.PendingTimers())
	ps, err := h.registry.ListPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, ps, 1)
}

func TestOrchestrator_RecoverRearmsWithoutRenotifying(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)

	restarted := NewOrchestrator(nil, Deps{
		Executions: h.execs,
		Registry:   h.registry,
		Notifier:   h.notifier,
		Deployer:   h.deployer,
	}, Options{Pipeline: "pipeline-dev"})

	require.NoError(t, restarted.Recover(context.Background()))
	assert.Equal(t, 1, restarted.PendingTimers())
	assert.Equal(t, 1, h.notifier.Count())

	got, err := h.execs.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, got.Status)
}

func TestOrchestrator_UndeliverableNotificationFails(t *testing.T) {
	h := newHarness(t)
	h.notifier.Err = errors.New("slack down")

	e := h.start(t)
	assert.Equal(t, domain.ExecutionFailed, e.Status)
	assert.Equal(t, domain.ErrDelivery.Error(), e.Reason)
	assert.Equal(t, 3, h.notifier.Called)

	req, found, err := h.registry.FindByExecution(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.ApprovalCancelled, req.Status)
	assert.Equal(t, 0, h.orch.PendingTimers())
}

func TestOrchestrator_TransientNotificationRetried(t *testing.T) {
	h := newHarness(t)
	h.notifier.Err = errors.New("flaky")
	h.notifier.FailTimes = 1

	e := h.start(t)
	assert.Equal(t, domain.ExecutionRunning, e.Status)
	assert.Equal(t, 1, h.notifier.Count())
	h.pendingToken(t, e.ID)
}

func TestOrchestrator_SourceFailureStopsBeforeApproval(t *testing.T) {
	h := newHarness(t)

	e, err := h.orch.Start(context.Background(), domain.Trigger{Owner: "octo", Repo: "app"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, e.Status)
	assert.Contains(t, e.Reason, "commit is required")
	assert.Equal(t, 0, h.notifier.Count())
}

func TestOrchestrator_CancelPendingApproval(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)
	token := h.pendingToken(t, e.ID)

	got, err := h.orch.Cancel(context.Background(), e.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, got.Status)
	assert.Equal(t, "cancelled by dave", got.Reason)
	assert.Equal(t, 0, h.orch.PendingTimers())

	req, err := h.registry.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalCancelled, req.Status)

	_, err = h.callbacks.Handle(context.Background(), callback(token, "alice", domain.DecisionApprove))
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = h.orch.Cancel(context.Background(), e.ID, "dave")
	assert.NoError(t, err)
}

func TestOrchestrator_CancelFinishedExecutionConflicts(t *testing.T) {
	h := newHarness(t)
	e, err := h.orch.Start(context.Background(), domain.Trigger{Owner: "octo", Repo: "app"})
	require.NoError(t, err)

	_, err = h.orch.Cancel(context.Background(), e.ID, "")
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = h.orch.Cancel(context.Background(), "missing", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrchestrator_CancelDuringDeploy(t *testing.T) {
	h := newHarness(t)
	h.deployer.Block = make(chan struct{})
	h.run(t)

	e := h.start(t)
	token := h.pendingToken(t, e.ID)
	_, err := h.callbacks.Handle(context.Background(), callback(token, "alice", domain.DecisionApprove))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.deployer.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	got, err := h.orch.Cancel(context.Background(), e.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, got.Status)
	require.Len(t, got.Stages, 3)
	assert.Equal(t, domain.OutcomeCancelled, got.Stages[2].Outcome)
}

func TestOrchestrator_HistoryRecordsEverySave(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	assert.GreaterOrEqual(t, len(h.history.Records), 2)
	assert.Equal(t, domain.ExecutionRunning, h.history.Records[len(h.history.Records)-1].Status)
}

func TestSweeper_ExpiresOverdueApprovals(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	e := h.start(t)
	token := h.pendingToken(t, e.ID)

	s := NewSweeper(nil, h.registry, h.orch, time.Hour)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.waitStatus(t, e.ID, domain.ExecutionFailed)
	req, err := h.registry.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExpired, req.Status)

	n, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCallback_PublishesAfterRequestContextEnds(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 20; i++ {
		e := h.start(t)
		token := h.pendingToken(t, e.ID)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := h.callbacks.Handle(ctx, callback(token, "alice", domain.DecisionApprove))
		require.NoError(t, err)

		select {
		case ev := <-h.orch.Bus().Events():
			assert.Equal(t, e.ID, ev.ExecutionID)
			assert.Equal(t, domain.ApprovalApproved, ev.Status)
		default:
			t.Fatalf("round %d: resolution event dropped", i)
		}
	}
}

func TestSweeper_ResumesResolvedExecution(t *testing.T) {
	h := newHarness(t)

	e := h.start(t)
	token := h.pendingToken(t, e.ID)

	// Resolved behind the orchestrator's back: no event on the bus.
	_, err := h.registry.Resolve(context.Background(), token, domain.ApprovalDecision{
		Actor: "alice", Decision: domain.DecisionApprove,
	})
	require.NoError(t, err)

	got, err := h.execs.Get(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionRunning, got.Status)

	s := NewSweeper(nil, h.registry, h.orch, time.Hour)
	s.tick(context.Background())

	got, err = h.execs.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSucceeded, got.Status)
	assert.Equal(t, 1, h.deployer.Count())

	n, err := h.orch.ResumeResolved(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, h.deployer.Count())
}

func TestOrchestrator_StartOutlivesCallerContext(t *testing.T) {
	n := &ctxNotifier{}
	h := newHarness(t, withNotifier(n))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := h.orch.Start(ctx, domain.Trigger{Owner: "octo", Repo: "app", Commit: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, e.Status)
	assert.Empty(t, e.Reason)
	assert.Equal(t, 1, n.Count())
	h.pendingToken(t, e.ID)
}

func TestOrchestrator_SubmitAdvancesInBackground(t *testing.T) {
	n := &ctxNotifier{}
	h := newHarness(t, withNotifier(n))

	ctx, cancel := context.WithCancel(context.Background())
	e, err := h.orch.Submit(ctx, domain.Trigger{Owner: "octo", Repo: "app", Commit: "abc123"})
	cancel()
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, e.Status)

	h.orch.Wait()
	assert.Equal(t, 1, n.Count())
	h.pendingToken(t, e.ID)
}

func TestOrchestrator_ReentryNotifiesUndeliveredRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, h.execs.Save(ctx, domain.PipelineExecution{
		ID:       "e1",
		Pipeline: "pipeline-dev",
		Trigger:  domain.Trigger{Owner: "octo", Repo: "app", Branch: "master", Commit: "abc123"},
		Stages:   []domain.StageResult{{Stage: domain.StageSource, Outcome: domain.OutcomeSucceeded, StartedAt: now, FinishedAt: now}},
		Status:   domain.ExecutionRunning,
	}))
	// Stored just before a crash, never delivered.
	require.NoError(t, h.registry.Create(ctx, domain.ApprovalRequest{
		Token:       "t1",
		ExecutionID: "e1",
		Pipeline:    "pipeline-dev",
		Status:      domain.ApprovalPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}))

	require.NoError(t, h.orch.Advance(ctx, "e1"))
	require.Equal(t, 1, h.notifier.Count())
	assert.Equal(t, "t1", h.notifier.Events[0].Token)

	req, err := h.registry.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, req.NotifiedAt)

	require.NoError(t, h.orch.Advance(ctx, "e1"))
	assert.Equal(t, 1, h.notifier.Count())
}
