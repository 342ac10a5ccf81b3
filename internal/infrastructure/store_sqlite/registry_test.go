package store_sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/davarch/approval-gate/internal/domain"
	"github.com/davarch/approval-gate/internal/infrastructure/registrytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "gate.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRegistry(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) domain.ApprovalRegistry { return NewRegistry(openTest(t)) })
}

func TestRegistry_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gate.db")

	db, err := Open(ctx, path, 0)
	require.NoError(t, err)
	r := NewRegistry(db)
	require.NoError(t, r.Create(ctx, domain.ApprovalRequest{Token: "t1", ExecutionID: "e1", Pipeline: "p"}))
	_, err = r.Resolve(ctx, "t1", domain.ApprovalDecision{Actor: "alice", Decision: domain.DecisionApprove})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, path, 0)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	got, err := NewRegistry(db).Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, got.Status)

	_, err = NewRegistry(db).Resolve(ctx, "t1", domain.ApprovalDecision{Actor: "bob", Decision: domain.DecisionReject})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestExecutions_SaveGetListRunning(t *testing.T) {
	ctx := context.Background()
	s := NewExecutions(openTest(t))

	e := domain.PipelineExecution{
		ID:       "e1",
		Pipeline: "pipeline-dev",
		Trigger:  domain.Trigger{Owner: "octo", Repo: "app", Branch: "master", Commit: "abc"},
		Status:   domain.ExecutionRunning,
		Stages:   []domain.StageResult{{Stage: domain.StageSource, Outcome: domain.OutcomeSucceeded}},
	}
	require.NoError(t, s.Save(ctx, e))
	require.NoError(t, s.Save(ctx, domain.PipelineExecution{ID: "e2", Status: domain.ExecutionSucceeded}))

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e.Trigger, got.Trigger)
	assert.Len(t, got.Stages, 1)

	running, err := s.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "e1", running[0].ID)

	e.Status = domain.ExecutionFailed
	e.Reason = "approval timed out"
	require.NoError(t, s.Save(ctx, e))
	running, err = s.ListRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
