package application

import (
	"context"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
	"go.uber.org/zap"
)

// Sweeper periodically expires pending approvals whose deadline passed and
// resumes executions whose approval was resolved without the orchestrator
// hearing about it. It backs up the in-process timers and the event bus,
// neither of which survives a restart.
type Sweeper struct {
	log      *zap.Logger
	registry domain.ApprovalRegistry
	orch     *Orchestrator
	every    time.Duration
	now      func() time.Time
}

func NewSweeper(l *zap.Logger, registry domain.ApprovalRegistry, orch *Orchestrator, every time.Duration) *Sweeper {
	if l == nil {
		l = zap.NewNop()
	}
	if every <= 0 {
		every = time.Minute
	}
	return &Sweeper{log: l, registry: registry, orch: orch, every: every, now: time.Now}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.every)
	defer t.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if n, err := s.SweepOnce(ctx); err != nil {
		s.log.Warn("sweep failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("expired overdue approvals", zap.Int("count", n))
	}

	if n, err := s.orch.ResumeResolved(ctx); err != nil {
		s.log.Warn("resume failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("resumed resolved executions", zap.Int("count", n))
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	pending, err := s.registry.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	n := 0
	for _, r := range pending {
		if r.ExpiresAt.After(now) {
			continue
		}
		if err := s.orch.Expire(ctx, r.Token); err != nil {
			s.log.Warn("expire failed",
				zap.String("execution", r.ExecutionID),
				zap.String("token", r.Token),
				zap.Error(err),
			)
			continue
		}
		n++
	}
	return n, nil
}
