package approvers

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Set is the group of users allowed to resolve approvals. It can be swapped
// at runtime when the config file changes.
type Set struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

func New(names []string) *Set {
	s := &Set{}
	s.Update(names)
	return s
}

func (s *Set) Update(names []string) {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = Normalize(n); n != "" {
			m[n] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = m
}

func (s *Set) IsApprover(_ context.Context, actor string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.names[Normalize(actor)]
	return ok, nil
}

func (s *Set) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Normalize folds a chat handle to the form approvers are stored in.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "@")))
}
