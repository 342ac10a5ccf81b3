package store_memory

import (
	"testing"

	"github.com/davarch/approval-gate/internal/domain"
	"github.com/davarch/approval-gate/internal/infrastructure/registrytest"
)

func TestRegistry(t *testing.T) {
	registrytest.Run(t, func(*testing.T) domain.ApprovalRegistry { return NewRegistry() })
}
