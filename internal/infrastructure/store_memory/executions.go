package store_memory

import (
	"context"
	"sort"
	"sync"

	"github.com/davarch/approval-gate/internal/domain"
)

type Executions struct {
	mu   sync.RWMutex
	byID map[string]domain.PipelineExecution
}

func NewExecutions() *Executions {
	return &Executions{byID: make(map[string]domain.PipelineExecution)}
}

func (s *Executions) Save(_ context.Context, e domain.PipelineExecution) error {
	if e.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "empty"}
	}
	stages := make([]domain.StageResult, len(e.Stages))
	copy(stages, e.Stages)
	e.Stages = stages

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[e.ID] = e
	return nil
}

func (s *Executions) Get(_ context.Context, id string) (domain.PipelineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return domain.PipelineExecution{}, &domain.NotFoundError{Kind: "execution", ID: id}
	}
	stages := make([]domain.StageResult, len(e.Stages))
	copy(stages, e.Stages)
	e.Stages = stages
	return e, nil
}

func (s *Executions) ListRunning(_ context.Context) ([]domain.PipelineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.PipelineExecution
	for _, e := range s.byID {
		if e.Status == domain.ExecutionRunning {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
