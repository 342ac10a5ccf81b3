package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/davarch/approval-gate/internal/application"

type Deps struct {
	Executions domain.ExecutionStore
	Registry   domain.ApprovalRegistry
	Notifier   domain.Notifier
	Deployer   domain.Deployer
	Source     domain.SourceVerifier
	History    domain.HistorySink
	Bus        *Bus
	Metrics    Metrics
}

type Options struct {
	Pipeline        string
	ApprovalTimeout time.Duration
	NotifyRetry     RetryPolicy
	StoreRetry      RetryPolicy

	// Owner, Repo and Branch fill in whatever a trigger leaves empty.
	Owner  string
	Repo   string
	Branch string

	Now   func() time.Time
	NewID func() string
}

// Orchestrator drives executions through Source, Approval and Deploy. It
// never blocks on a human: entering Approval arms a timer and returns, and
// the execution is advanced again when a resolution event arrives.
type Orchestrator struct {
	log  *zap.Logger
	deps Deps
	opts Options

	locks  *keyedMutex
	tracer trace.Tracer

	mu        sync.Mutex
	timers    map[string]*time.Timer
	deploys   map[string]context.CancelFunc
	cancelled map[string]bool
	wg        sync.WaitGroup

	background sync.WaitGroup
}

func NewOrchestrator(l *zap.Logger, deps Deps, opts Options) *Orchestrator {
	if l == nil {
		l = zap.NewNop()
	}
	if deps.Bus == nil {
		deps.Bus = NewBus(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = time.Hour
	}
	opts.NotifyRetry = opts.NotifyRetry.withDefaults(DefaultNotifyRetry())
	opts.StoreRetry = opts.StoreRetry.withDefaults(DefaultStoreRetry())
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Orchestrator{
		log:       l,
		deps:      deps,
		opts:      opts,
		locks:     newKeyedMutex(),
		tracer:    otel.Tracer(tracerName),
		timers:    make(map[string]*time.Timer),
		deploys:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}
}

func (o *Orchestrator) Bus() *Bus { return o.deps.Bus }

// Start records a new execution for trigger and advances it until it either
// suspends at the approval gate or terminates. The stages run on a context
// detached from ctx, so a caller that goes away cannot fail the run.
func (o *Orchestrator) Start(ctx context.Context, t domain.Trigger) (domain.PipelineExecution, error) {
	e, err := o.create(ctx, t)
	if err != nil {
		return domain.PipelineExecution{}, err
	}
	if err := o.Advance(context.WithoutCancel(ctx), e.ID); err != nil {
		return e, err
	}
	return o.deps.Executions.Get(context.WithoutCancel(ctx), e.ID)
}

// Submit records a new execution and advances it in the background. The
// returned execution is the freshly stored RUNNING record.
func (o *Orchestrator) Submit(ctx context.Context, t domain.Trigger) (domain.PipelineExecution, error) {
	e, err := o.create(ctx, t)
	if err != nil {
		return domain.PipelineExecution{}, err
	}

	actx := context.WithoutCancel(ctx)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		if err := o.Advance(actx, e.ID); err != nil {
			o.log.Warn("advance failed", zap.String("execution", e.ID), zap.Error(err))
		}
	}()
	return e, nil
}

// Wait blocks until executions handed to Submit are done advancing.
func (o *Orchestrator) Wait() { o.background.Wait() }

func (o *Orchestrator) create(ctx context.Context, t domain.Trigger) (domain.PipelineExecution, error) {
	if t.Owner == "" {
		t.Owner = o.opts.Owner
	}
	if t.Repo == "" {
		t.Repo = o.opts.Repo
	}
	if t.Branch == "" {
		t.Branch = o.opts.Branch
	}
	now := o.opts.Now().UTC()
	e := domain.PipelineExecution{
		ID:        o.opts.NewID(),
		Pipeline:  o.opts.Pipeline,
		Trigger:   t,
		Status:    domain.ExecutionRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.save(ctx, &e); err != nil {
		return domain.PipelineExecution{}, fmt.Errorf("save execution: %w", err)
	}
	o.log.Info("execution started",
		zap.String("execution", e.ID),
		zap.String("repo", t.Owner+"/"+t.Repo),
		zap.String("commit", t.Commit),
	)
	return e, nil
}

// Advance runs the next stages of an execution. It is safe to call any number
// of times: terminal executions are left alone and a pending approval is
// reused rather than recreated.
func (o *Orchestrator) Advance(ctx context.Context, id string) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	e, err := o.deps.Executions.Get(ctx, id)
	if err != nil {
		return err
	}

	for !e.Status.Terminal() {
		stage, ok := e.NextStage()
		if !ok {
			return o.finish(ctx, &e, domain.ExecutionSucceeded, "")
		}

		suspended, err := o.runStage(ctx, &e, stage)
		if err != nil {
			return err
		}
		if suspended {
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, e *domain.PipelineExecution, stage domain.Stage) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "stage."+strings.ToLower(string(stage)),
		trace.WithAttributes(
			attribute.String("execution.id", e.ID),
			attribute.String("pipeline", e.Pipeline),
		))
	defer span.End()

	var (
		suspended bool
		err       error
	)
	switch stage {
	case domain.StageSource:
		err = o.runSource(ctx, e)
	case domain.StageApproval:
		suspended, err = o.runApproval(ctx, e)
	case domain.StageDeploy:
		err = o.runDeploy(ctx, e)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("execution.status", string(e.Status)), attribute.Bool("suspended", suspended))
	return suspended, err
}

func (o *Orchestrator) runSource(ctx context.Context, e *domain.PipelineExecution) error {
	started := o.opts.Now().UTC()
	t := e.Trigger

	var verr error
	switch {
	case strings.TrimSpace(t.Owner) == "" || strings.TrimSpace(t.Repo) == "":
		verr = &domain.ValidationError{Field: "trigger", Reason: "repository owner and name are required"}
	case strings.TrimSpace(t.Commit) == "":
		verr = &domain.ValidationError{Field: "trigger", Reason: "commit is required"}
	case o.deps.Source != nil:
		verr = o.deps.Source.VerifyCommit(ctx, t)
	}

	if verr != nil {
		o.appendStage(e, domain.StageSource, domain.OutcomeFailed, verr.Error(), started)
		return o.finish(ctx, e, domain.ExecutionFailed, "source: "+verr.Error())
	}

	o.appendStage(e, domain.StageSource, domain.OutcomeSucceeded, "commit "+t.Commit+" on "+t.Branch, started)
	return o.save(ctx, e)
}

func (o *Orchestrator) runApproval(ctx context.Context, e *domain.PipelineExecution) (bool, error) {
	req, found, err := o.deps.Registry.FindByExecution(ctx, e.ID)
	if err != nil {
		return false, err
	}

	if !found {
		now := o.opts.Now().UTC()
		req = domain.ApprovalRequest{
			Token:         o.opts.NewID(),
			ExecutionID:   e.ID,
			Pipeline:      e.Pipeline,
			ReferenceLink: e.ReferenceLink(),
			Status:        domain.ApprovalPending,
			CreatedAt:     now,
			ExpiresAt:     now.Add(o.opts.ApprovalTimeout),
		}
		err := o.opts.StoreRetry.retryStore(ctx, func() error {
			return o.deps.Registry.Create(ctx, req)
		})
		switch {
		case errors.Is(err, domain.ErrPendingExists):
			if req, _, err = o.deps.Registry.FindByExecution(ctx, e.ID); err != nil {
				return false, err
			}
		case err != nil:
			return false, fmt.Errorf("create approval: %w", err)
		default:
			o.deps.Metrics.ApprovalRequested(e.Pipeline)
			o.log.Info("approval requested",
				zap.String("execution", e.ID),
				zap.String("token", req.Token),
				zap.Time("expires_at", req.ExpiresAt),
			)
		}
	}

	// A request created right before a crash may never have reached the
	// channel; only a recorded delivery is skipped on re-entry.
	if req.Pending() && req.NotifiedAt == nil {
		if derr := o.deliver(ctx, req); derr != nil {
			return o.deliveryFailed(ctx, e, req, derr)
		}
		at := o.opts.Now().UTC()
		if err := o.deps.Registry.MarkNotified(ctx, req.Token, at); err != nil {
			o.log.Warn("mark notified failed", zap.String("token", req.Token), zap.Error(err))
		}
		req.NotifiedAt = &at
	}

	if req.Pending() {
		o.armTimer(req)
		return true, nil
	}
	return o.applyResolution(ctx, e, req)
}

// deliveryFailed cancels the request nobody was told about and fails the
// execution. If the request was resolved in the meantime the resolution wins.
func (o *Orchestrator) deliveryFailed(ctx context.Context, e *domain.PipelineExecution, req domain.ApprovalRequest, derr error) (bool, error) {
	o.deps.Metrics.NotificationFailed()
	o.log.Error("approval notification undeliverable",
		zap.String("execution", e.ID),
		zap.String("token", req.Token),
		zap.Error(derr),
	)

	cur, err := o.deps.Registry.Cancel(ctx, req.Token)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return false, err
	}
	if err != nil {
		return o.applyResolution(ctx, e, cur)
	}

	o.appendStage(e, domain.StageApproval, domain.OutcomeFailed, derr.Error(), req.CreatedAt)
	return false, o.finish(ctx, e, domain.ExecutionFailed, domain.ErrDelivery.Error())
}

func (o *Orchestrator) applyResolution(ctx context.Context, e *domain.PipelineExecution, req domain.ApprovalRequest) (bool, error) {
	o.dropTimer(req.Token)

	actor := ""
	if ds, err := o.deps.Registry.Decisions(ctx, req.Token); err == nil && len(ds) > 0 {
		last := ds[len(ds)-1]
		actor = last.Actor
		if last.Comment != "" {
			actor += " (" + last.Comment + ")"
		}
	}

	switch req.Status {
	case domain.ApprovalApproved:
		o.appendStage(e, domain.StageApproval, domain.OutcomeSucceeded, "approved by "+actor, req.CreatedAt)
		return false, o.save(ctx, e)
	case domain.ApprovalRejected:
		o.appendStage(e, domain.StageApproval, domain.OutcomeRejected, "rejected by "+actor, req.CreatedAt)
		return false, o.finish(ctx, e, domain.ExecutionRejected, "rejected by "+actor)
	case domain.ApprovalExpired:
		terr := &domain.TimeoutError{Token: req.Token, Window: req.ExpiresAt.Sub(req.CreatedAt)}
		o.appendStage(e, domain.StageApproval, domain.OutcomeFailed, terr.Error(), req.CreatedAt)
		return false, o.finish(ctx, e, domain.ExecutionFailed, domain.ErrTimeout.Error())
	case domain.ApprovalCancelled:
		o.appendStage(e, domain.StageApproval, domain.OutcomeCancelled, "approval cancelled", req.CreatedAt)
		return false, o.finish(ctx, e, domain.ExecutionCancelled, "cancelled")
	default:
		return false, fmt.Errorf("approval %s has unexpected status %q", req.Token, req.Status)
	}
}

func (o *Orchestrator) runDeploy(ctx context.Context, e *domain.PipelineExecution) error {
	started := o.opts.Now().UTC()

	dctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.deploys[e.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.deploys, e.ID)
		delete(o.cancelled, e.ID)
		o.mu.Unlock()
		cancel()
	}()

	o.log.Info("deploy started", zap.String("execution", e.ID), zap.String("commit", e.Trigger.Commit))
	out, err := o.deps.Deployer.Deploy(dctx, *e)

	o.mu.Lock()
	cancelled := o.cancelled[e.ID]
	o.mu.Unlock()

	switch {
	case err != nil && cancelled:
		o.appendStage(e, domain.StageDeploy, domain.OutcomeCancelled, "deploy cancelled", started)
		return o.finish(ctx, e, domain.ExecutionCancelled, "cancelled during deploy")
	case err != nil:
		o.appendStage(e, domain.StageDeploy, domain.OutcomeFailed, err.Error(), started)
		return o.finish(ctx, e, domain.ExecutionFailed, "deploy: "+err.Error())
	}

	o.appendStage(e, domain.StageDeploy, domain.OutcomeSucceeded, lastLine(out), started)
	return o.finish(ctx, e, domain.ExecutionSucceeded, "")
}

// Cancel stops a running execution. A pending approval is resolved to
// cancelled so nothing stays suspended on it.
func (o *Orchestrator) Cancel(ctx context.Context, id, actor string) (domain.PipelineExecution, error) {
	o.mu.Lock()
	if stop, ok := o.deploys[id]; ok {
		o.cancelled[id] = true
		stop()
	}
	o.mu.Unlock()

	unlock := o.locks.Lock(id)
	defer unlock()

	e, err := o.deps.Executions.Get(ctx, id)
	if err != nil {
		return domain.PipelineExecution{}, err
	}
	if e.Status == domain.ExecutionCancelled {
		return e, nil
	}
	if e.Status.Terminal() {
		return e, fmt.Errorf("%w: execution %s is %s", domain.ErrConflict, id, e.Status)
	}

	if req, found, err := o.deps.Registry.FindByExecution(ctx, id); err != nil {
		return e, err
	} else if found && req.Pending() {
		if _, err := o.deps.Registry.Cancel(ctx, req.Token); err != nil && !errors.Is(err, domain.ErrConflict) {
			return e, err
		}
		o.dropTimer(req.Token)
		o.deps.Metrics.ApprovalResolved(domain.ApprovalCancelled)
	}

	if actor == "" {
		actor = "operator"
	}
	if stage, ok := e.NextStage(); ok {
		o.appendStage(&e, stage, domain.OutcomeCancelled, "cancelled by "+actor, o.opts.Now().UTC())
	}
	if err := o.finish(ctx, &e, domain.ExecutionCancelled, "cancelled by "+actor); err != nil {
		return e, err
	}
	return e, nil
}

// Recover re-advances every running execution, re-arming approval timers that
// were lost with the previous process.
func (o *Orchestrator) Recover(ctx context.Context) error {
	running, err := o.deps.Executions.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, e := range running {
		if err := o.Advance(ctx, e.ID); err != nil {
			o.log.Warn("recover failed", zap.String("execution", e.ID), zap.Error(err))
		}
	}
	o.log.Info("recovered executions", zap.Int("running", len(running)))
	return nil
}

// ResumeResolved advances running executions parked at the approval gate
// whose request already left the pending state. It picks up resolutions whose
// event never reached Run.
func (o *Orchestrator) ResumeResolved(ctx context.Context) (int, error) {
	running, err := o.deps.Executions.ListRunning(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range running {
		if stage, ok := e.NextStage(); !ok || stage != domain.StageApproval {
			continue
		}
		req, found, err := o.deps.Registry.FindByExecution(ctx, e.ID)
		if err != nil {
			return n, err
		}
		if !found || req.Pending() {
			continue
		}
		if err := o.Advance(ctx, e.ID); err != nil {
			o.log.Warn("resume failed", zap.String("execution", e.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// Run consumes resolution events until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	defer o.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.deps.Bus.Events():
			o.dropTimer(ev.Token)
			o.wg.Add(1)
			go func(ev domain.ResolutionEvent) {
				defer o.wg.Done()
				if err := o.Advance(ctx, ev.ExecutionID); err != nil {
					o.log.Warn("advance failed",
						zap.String("execution", ev.ExecutionID),
						zap.String("token", ev.Token),
						zap.Error(err),
					)
				}
			}(ev)
		}
	}
}

// Expire moves an overdue pending request to expired. Losing the race to a
// decision is not an error: the winner already published its event.
func (o *Orchestrator) Expire(ctx context.Context, token string) error {
	o.dropTimer(token)

	req, err := o.deps.Registry.Expire(ctx, token)
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	terr := &domain.TimeoutError{Token: token, Window: req.ExpiresAt.Sub(req.CreatedAt)}
	o.log.Warn("approval expired",
		zap.String("execution", req.ExecutionID),
		zap.String("token", token),
		zap.Error(terr),
	)
	o.deps.Metrics.ApprovalResolved(domain.ApprovalExpired)
	return o.deps.Bus.Publish(context.WithoutCancel(ctx), domain.ResolutionEvent{
		ExecutionID: req.ExecutionID,
		Token:       token,
		Status:      domain.ApprovalExpired,
	})
}

func (o *Orchestrator) deliver(ctx context.Context, req domain.ApprovalRequest) error {
	ev := NotificationFor(req)
	attempts, err := o.opts.NotifyRetry.retry(ctx, func() error {
		return o.deps.Notifier.Notify(ctx, ev)
	})
	if err != nil {
		return &domain.DeliveryError{Attempts: attempts, Err: err}
	}
	return nil
}

func (o *Orchestrator) armTimer(req domain.ApprovalRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.timers[req.Token]; ok {
		return
	}
	wait := req.ExpiresAt.Sub(o.opts.Now())
	if wait < 0 {
		wait = 0
	}
	token := req.Token
	o.timers[token] = time.AfterFunc(wait, func() {
		if err := o.Expire(context.Background(), token); err != nil {
			o.log.Warn("expire failed", zap.String("token", token), zap.Error(err))
		}
	})
}

func (o *Orchestrator) dropTimer(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[token]; ok {
		t.Stop()
		delete(o.timers, token)
	}
}

// PendingTimers reports how many approval timers are armed.
func (o *Orchestrator) PendingTimers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.timers)
}

func (o *Orchestrator) appendStage(e *domain.PipelineExecution, stage domain.Stage, outcome domain.StageOutcome, msg string, started time.Time) {
	e.Stages = append(e.Stages, domain.StageResult{
		Stage:      stage,
		Outcome:    outcome,
		Message:    msg,
		StartedAt:  started,
		FinishedAt: o.opts.Now().UTC(),
	})
}

func (o *Orchestrator) finish(ctx context.Context, e *domain.PipelineExecution, status domain.ExecutionStatus, reason string) error {
	e.Status = status
	e.Reason = reason
	if err := o.save(ctx, e); err != nil {
		return err
	}
	o.deps.Metrics.ExecutionFinished(status)
	o.log.Info("execution finished",
		zap.String("execution", e.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)
	return nil
}

func (o *Orchestrator) save(ctx context.Context, e *domain.PipelineExecution) error {
	e.UpdatedAt = o.opts.Now().UTC()
	if err := o.opts.StoreRetry.retryStore(ctx, func() error {
		return o.deps.Executions.Save(ctx, *e)
	}); err != nil {
		return err
	}
	if o.deps.History != nil {
		if err := o.deps.History.Record(ctx, *e); err != nil {
			o.log.Warn("history write failed", zap.String("execution", e.ID), zap.Error(err))
		}
	}
	return nil
}

// NotificationFor builds the chat notification for a pending request.
func NotificationFor(req domain.ApprovalRequest) domain.NotificationEvent {
	return domain.NotificationEvent{
		ExecutionID:   req.ExecutionID,
		Token:         req.Token,
		Pipeline:      req.Pipeline,
		ReferenceLink: req.ReferenceLink,
		ApproveAction: domain.EncodeAction(domain.DecisionApprove, req.Token, req.Pipeline),
		RejectAction:  domain.EncodeAction(domain.DecisionReject, req.Token, req.Pipeline),
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "deployed"
	}
	return s
}
