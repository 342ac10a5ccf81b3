package application

import (
	"context"
	"testing"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
	"github.com/davarch/approval-gate/internal/infrastructure/store_memory"
	"github.com/stretchr/testify/require"
)

type harness struct {
	orch      *Orchestrator
	callbacks *CallbackHandler
	registry  *store_memory.Registry
	execs     *store_memory.Executions
	notifier  *domain.MockNotifier
	deployer  *domain.MockDeployer
	approvers *domain.MockApprovers
	history   *domain.MockHistory
}

type harnessOption func(*Deps, *Options)

func withTimeout(d time.Duration) harnessOption {
	return func(_ *Deps, o *Options) { o.ApprovalTimeout = d }
}

func withNotifier(n domain.Notifier) harnessOption {
	return func(d *Deps, _ *Options) { d.Notifier = n }
}

// ctxNotifier fails like a real HTTP client once its context is done.
type ctxNotifier struct {
	domain.MockNotifier
}

func (n *ctxNotifier) Notify(ctx context.Context, ev domain.NotificationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.MockNotifier.Notify(ctx, ev)
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		registry:  store_memory.NewRegistry(),
		execs:     store_memory.NewExecutions(),
		notifier:  &domain.MockNotifier{},
		deployer:  &domain.MockDeployer{Output: "deployed abc123"},
		approvers: &domain.MockApprovers{Allowed: map[string]bool{"alice": true, "bob": true, "carol": true}},
		history:   &domain.MockHistory{},
	}
	bus := NewBus(0)
	deps := Deps{
		Executions: h.execs,
		Registry:   h.registry,
		Notifier:   h.notifier,
		Deployer:   h.deployer,
		Source:     &domain.MockSource{},
		History:    h.history,
		Bus:        bus,
	}
	fast := RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 2}
	o := Options{
		Pipeline:        "pipeline-dev",
		Branch:          "master",
		ApprovalTimeout: time.Hour,
		NotifyRetry:     fast,
		StoreRetry:      fast,
	}
	for _, fn := range opts {
		fn(&deps, &o)
	}

	h.orch = NewOrchestrator(nil, deps, o)
	h.callbacks = NewCallbackHandler(nil, h.registry, h.approvers, h.notifier, bus, nil)
	return h
}

// run starts the resolution loop for the lifetime of the test.
func (h *harness) run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.orch.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) start(t *testing.T) domain.PipelineExecution {
	t.Helper()
	e, err := h.orch.Start(context.Background(), domain.Trigger{Owner: "octo", Repo: "app", Commit: "abc123"})
	require.NoError(t, err)
	return e
}

func (h *harness) pendingToken(t *testing.T, executionID string) string {
	t.Helper()
	req, found, err := h.registry.FindByExecution(context.Background(), executionID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.ApprovalPending, req.Status)
	return req.Token
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.ExecutionStatus) domain.PipelineExecution {
	t.Helper()
	var last domain.PipelineExecution
	require.Eventually(t, func() bool {
		e, err := h.execs.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = e
		return e.Status == want
	}, 2*time.Second, 5*time.Millisecond, "execution never reached %s", want)
	return last
}

func callback(token, actor string, d domain.Decision) domain.Callback {
	return domain.Callback{Token: token, Actor: actor, Decision: d}
}
