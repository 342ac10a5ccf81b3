package application

import (
	"context"

	"github.com/davarch/approval-gate/internal/domain"
)

// Bus carries resolution events from whoever flips a pending approval to the
// orchestrator loop.
type Bus struct {
	ch chan domain.ResolutionEvent
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{ch: make(chan domain.ResolutionEvent, buffer)}
}

// Publish only gives up on ctx when the buffer is full.
func (b *Bus) Publish(ctx context.Context, ev domain.ResolutionEvent) error {
	select {
	case b.ch <- ev:
		return nil
	default:
	}

	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Events() <-chan domain.ResolutionEvent { return b.ch }
