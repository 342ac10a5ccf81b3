package domain

import (
	"context"
	"sync"
)

type MockNotifier struct {
	mu     sync.Mutex
	Events []NotificationEvent
	Err    error
	// FailTimes makes the first N calls fail with Err; 0 means every call fails when Err is set.
	FailTimes int
	Called    int
}

func (n *MockNotifier) Notify(ctx context.Context, ev NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Called++
	if n.Err != nil && (n.FailTimes == 0 || n.Called <= n.FailTimes) {
		return n.Err
	}
	n.Events = append(n.Events, ev)
	return nil
}

func (n *MockNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Events)
}

type MockSource struct {
	Err    error
	Called int
}

func (s *MockSource) VerifyCommit(ctx context.Context, t Trigger) error {
	s.Called++
	return s.Err
}

type MockDeployer struct {
	mu       sync.Mutex
	Deployed []string
	Output   string
	Err      error
	// Block, when set, holds every deploy until it is closed or ctx ends.
	Block chan struct{}
}

func (d *MockDeployer) Deploy(ctx context.Context, e PipelineExecution) (string, error) {
	d.mu.Lock()
	d.Deployed = append(d.Deployed, e.ID)
	block := d.Block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return d.Output, d.Err
}

func (d *MockDeployer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Deployed)
}

type MockApprovers struct {
	Allowed map[string]bool
	Err     error
}

func (a *MockApprovers) IsApprover(ctx context.Context, actor string) (bool, error) {
	if a.Err != nil {
		return false, a.Err
	}
	return a.Allowed[actor], nil
}

type MockHistory struct {
	mu      sync.Mutex
	Records []PipelineExecution
	Err     error
}

func (h *MockHistory) Record(ctx context.Context, e PipelineExecution) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return h.Err
	}
	h.Records = append(h.Records, e)
	return nil
}
