package application

import (
	"context"
	"errors"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
	"go.uber.org/zap"
)

type Outcome struct {
	Request  domain.ApprovalRequest
	Decision domain.ApprovalDecision
}

// CallbackHandler resolves pending approvals from operator callbacks. The
// lookup and authority checks give early, descriptive answers; correctness
// under concurrent callbacks comes from the registry's compare-and-swap.
type CallbackHandler struct {
	log       *zap.Logger
	registry  domain.ApprovalRegistry
	approvers domain.ApproverDirectory
	notifier  domain.Notifier
	bus       *Bus
	metrics   Metrics
	retry     RetryPolicy
	now       func() time.Time
}

func NewCallbackHandler(l *zap.Logger, registry domain.ApprovalRegistry, approvers domain.ApproverDirectory, notifier domain.Notifier, bus *Bus, m Metrics) *CallbackHandler {
	if l == nil {
		l = zap.NewNop()
	}
	if m == nil {
		m = nopMetrics{}
	}
	return &CallbackHandler{
		log: l, registry: registry, approvers: approvers, notifier: notifier, bus: bus, metrics: m,
		retry: DefaultStoreRetry(),
		now:   time.Now,
	}
}

func (h *CallbackHandler) Handle(ctx context.Context, cb domain.Callback) (Outcome, error) {
	if err := cb.Validate(); err != nil {
		h.metrics.CallbackRejected("invalid")
		return Outcome{}, err
	}

	req, err := h.registry.Get(ctx, cb.Token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.metrics.CallbackRejected("not_found")
		}
		return Outcome{}, err
	}

	if !req.Pending() {
		h.metrics.CallbackRejected("conflict")
		return Outcome{Request: req}, h.conflict(ctx, req)
	}

	ok, err := h.approvers.IsApprover(ctx, cb.Actor)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		h.metrics.CallbackRejected("forbidden")
		h.log.Warn("callback from non-approver",
			zap.String("actor", cb.Actor),
			zap.String("token", cb.Token),
		)
		h.repost(ctx, req)
		return Outcome{Request: req}, &domain.ForbiddenError{Actor: cb.Actor}
	}

	d := domain.ApprovalDecision{
		Token:     cb.Token,
		Actor:     cb.Actor,
		Decision:  cb.Decision,
		Comment:   cb.Comment,
		DecidedAt: h.now().UTC(),
	}
	var resolved domain.ApprovalRequest
	err = h.retry.retryStore(ctx, func() error {
		var rerr error
		resolved, rerr = h.registry.Resolve(ctx, cb.Token, d)
		return rerr
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			h.metrics.CallbackRejected("conflict")
		}
		return Outcome{Request: resolved}, err
	}

	h.metrics.ApprovalResolved(resolved.Status)
	h.log.Info("approval resolved",
		zap.String("execution", resolved.ExecutionID),
		zap.String("token", resolved.Token),
		zap.String("actor", cb.Actor),
		zap.String("decision", cb.Decision.String()),
	)

	// The decision is committed; the event must outlive the inbound request.
	if err := h.bus.Publish(context.WithoutCancel(ctx), domain.ResolutionEvent{
		ExecutionID: resolved.ExecutionID,
		Token:       resolved.Token,
		Status:      resolved.Status,
		Actor:       cb.Actor,
	}); err != nil {
		h.log.Warn("resolution event not published", zap.String("token", resolved.Token), zap.Error(err))
	}
	return Outcome{Request: resolved, Decision: d}, nil
}

func (h *CallbackHandler) conflict(ctx context.Context, req domain.ApprovalRequest) error {
	ce := &domain.ConflictError{Token: req.Token, Status: req.Status}
	if ds, err := h.registry.Decisions(ctx, req.Token); err == nil && len(ds) > 0 {
		prior := ds[len(ds)-1]
		ce.Prior = &prior
	}
	return ce
}

// repost puts the prompt back in the channel so an approver can still act
// after someone without authority clicked it.
func (h *CallbackHandler) repost(ctx context.Context, req domain.ApprovalRequest) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, NotificationFor(req)); err != nil {
		h.log.Warn("repost approval prompt failed", zap.String("token", req.Token), zap.Error(err))
	}
}
