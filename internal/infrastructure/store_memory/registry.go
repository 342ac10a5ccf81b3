package store_memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
)

type entry struct {
	req       domain.ApprovalRequest
	decisions []domain.ApprovalDecision
}

// Registry is an in-process approval registry. A single mutex serializes
// every transition, which gives the per-token compare-and-swap for free.
type Registry struct {
	mu      sync.Mutex
	byToken map[string]*entry
	byExec  map[string][]string
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byToken: make(map[string]*entry),
		byExec:  make(map[string][]string),
		now:     time.Now,
	}
}

func (r *Registry) Create(_ context.Context, req domain.ApprovalRequest) error {
	req.Token = strings.TrimSpace(req.Token)
	req.ExecutionID = strings.TrimSpace(req.ExecutionID)
	if req.Token == "" {
		return &domain.ValidationError{Field: "token", Reason: "empty"}
	}
	if req.ExecutionID == "" {
		return &domain.ValidationError{Field: "execution_id", Reason: "empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byToken[req.Token]; ok {
		return &domain.ValidationError{Field: "token", Reason: "duplicate token " + req.Token}
	}
	for _, t := range r.byExec[req.ExecutionID] {
		if r.byToken[t].req.Pending() {
			return fmt.Errorf("%w: %s", domain.ErrPendingExists, req.ExecutionID)
		}
	}

	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.now().UTC()
	}
	req.Status = domain.ApprovalPending
	req.ResolvedAt = nil
	req.NotifiedAt = nil

	r.byToken[req.Token] = &entry{req: req}
	r.byExec[req.ExecutionID] = append(r.byExec[req.ExecutionID], req.Token)
	return nil
}

func (r *Registry) Get(_ context.Context, token string) (domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byToken[strings.TrimSpace(token)]
	if !ok {
		return domain.ApprovalRequest{}, &domain.NotFoundError{Kind: "approval", ID: token}
	}
	return copyRequest(e.req), nil
}

func (r *Registry) FindByExecution(_ context.Context, executionID string) (domain.ApprovalRequest, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens := r.byExec[executionID]
	if len(tokens) == 0 {
		return domain.ApprovalRequest{}, false, nil
	}
	return copyRequest(r.byToken[tokens[len(tokens)-1]].req), true, nil
}

func (r *Registry) Resolve(_ context.Context, token string, d domain.ApprovalDecision) (domain.ApprovalRequest, error) {
	to, err := d.Decision.Status()
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	d.Token = token
	if d.DecidedAt.IsZero() {
		d.DecidedAt = r.now().UTC()
	}
	return r.transition(token, to, &d)
}

func (r *Registry) Expire(_ context.Context, token string) (domain.ApprovalRequest, error) {
	return r.transition(token, domain.ApprovalExpired, nil)
}

func (r *Registry) Cancel(_ context.Context, token string) (domain.ApprovalRequest, error) {
	return r.transition(token, domain.ApprovalCancelled, nil)
}

func (r *Registry) Decisions(_ context.Context, token string) ([]domain.ApprovalDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byToken[token]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "approval", ID: token}
	}
	out := make([]domain.ApprovalDecision, len(e.decisions))
	copy(out, e.decisions)
	return out, nil
}

func (r *Registry) ListPending(_ context.Context) ([]domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.ApprovalRequest
	for _, e := range r.byToken {
		if e.req.Pending() {
			out = append(out, copyRequest(e.req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Registry) MarkNotified(_ context.Context, token string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byToken[token]
	if !ok {
		return &domain.NotFoundError{Kind: "approval", ID: token}
	}
	at = at.UTC()
	e.req.NotifiedAt = &at
	return nil
}

func (r *Registry) transition(token string, to domain.ApprovalStatus, d *domain.ApprovalDecision) (domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byToken[token]
	if !ok {
		return domain.ApprovalRequest{}, &domain.NotFoundError{Kind: "approval", ID: token}
	}
	if !e.req.Pending() {
		ce := &domain.ConflictError{Token: token, Status: e.req.Status}
		if n := len(e.decisions); n > 0 {
			prior := e.decisions[n-1]
			ce.Prior = &prior
		}
		return copyRequest(e.req), ce
	}

	now := r.now().UTC()
	e.req.Status = to
	e.req.ResolvedAt = &now
	if d != nil {
		e.decisions = append(e.decisions, *d)
	}
	return copyRequest(e.req), nil
}

func copyRequest(r domain.ApprovalRequest) domain.ApprovalRequest {
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		r.ResolvedAt = &t
	}
	if r.NotifiedAt != nil {
		t := *r.NotifiedAt
		r.NotifiedAt = &t
	}
	return r
}
