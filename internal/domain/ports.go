package domain

import (
	"context"
	"time"
)

// ApprovalRegistry owns approval requests. Every status change is a
// compare-and-swap from pending; losers get a *ConflictError.
type ApprovalRegistry interface {
	Create(ctx context.Context, r ApprovalRequest) error
	Get(ctx context.Context, token string) (ApprovalRequest, error)
	FindByExecution(ctx context.Context, executionID string) (ApprovalRequest, bool, error)
	Resolve(ctx context.Context, token string, d ApprovalDecision) (ApprovalRequest, error)
	Expire(ctx context.Context, token string) (ApprovalRequest, error)
	Cancel(ctx context.Context, token string) (ApprovalRequest, error)
	Decisions(ctx context.Context, token string) ([]ApprovalDecision, error)
	ListPending(ctx context.Context) ([]ApprovalRequest, error)
	// MarkNotified records that the prompt for token was delivered.
	MarkNotified(ctx context.Context, token string, at time.Time) error
}

type ExecutionStore interface {
	Save(ctx context.Context, e PipelineExecution) error
	Get(ctx context.Context, id string) (PipelineExecution, error)
	ListRunning(ctx context.Context) ([]PipelineExecution, error)
}

type Notifier interface {
	Notify(ctx context.Context, ev NotificationEvent) error
}

type SourceVerifier interface {
	VerifyCommit(ctx context.Context, t Trigger) error
}

type Deployer interface {
	Deploy(ctx context.Context, e PipelineExecution) (output string, err error)
}

type ApproverDirectory interface {
	IsApprover(ctx context.Context, actor string) (bool, error)
}

type HistorySink interface {
	Record(ctx context.Context, e PipelineExecution) error
}
