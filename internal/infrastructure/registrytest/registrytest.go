// Package registrytest holds behaviour every domain.ApprovalRegistry must
// share, run against each implementation from its own package tests.
package registrytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(token, exec string) domain.ApprovalRequest {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.ApprovalRequest{
		Token:         token,
		ExecutionID:   exec,
		Pipeline:      "pipeline-dev",
		ReferenceLink: "https://github.com/octo/app/commit/abc",
		Status:        domain.ApprovalPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func decision(token, actor string, d domain.Decision) domain.ApprovalDecision {
	return domain.ApprovalDecision{Token: token, Actor: actor, Decision: d, DecidedAt: time.Now().UTC()}
}

func Run(t *testing.T, newRegistry func(t *testing.T) domain.ApprovalRegistry) {
	t.Run("create and get", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		require.NoError(t, r.Create(ctx, pending("t1", "e1")))

		got, err := r.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, domain.ApprovalPending, got.Status)
		assert.Equal(t, "e1", got.ExecutionID)
		assert.Nil(t, got.ResolvedAt)

		_, err = r.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("one pending request per execution", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		require.NoError(t, r.Create(ctx, pending("t1", "e1")))
		assert.ErrorIs(t, r.Create(ctx, pending("t2", "e1")), domain.ErrPendingExists)
		assert.ErrorIs(t, r.Create(ctx, pending("t1", "e2")), domain.ErrValidation)

		_, err := r.Cancel(ctx, "t1")
		require.NoError(t, err)
		require.NoError(t, r.Create(ctx, pending("t3", "e1")))

		got, found, err := r.FindByExecution(ctx, "e1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "t3", got.Token)

		_, found, err = r.FindByExecution(ctx, "none")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("resolve is final", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, pending("t1", "e1")))

		got, err := r.Resolve(ctx, "t1", decision("t1", "alice", domain.DecisionReject))
		require.NoError(t, err)
		assert.Equal(t, domain.ApprovalRejected, got.Status)
		require.NotNil(t, got.ResolvedAt)

		_, err = r.Resolve(ctx, "t1", decision("t1", "bob", domain.DecisionApprove))
		var ce *domain.ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, domain.ApprovalRejected, ce.Status)
		require.NotNil(t, ce.Prior)
		assert.Equal(t, "alice", ce.Prior.Actor)

		_, err = r.Expire(ctx, "t1")
		assert.ErrorIs(t, err, domain.ErrConflict)
		_, err = r.Cancel(ctx, "t1")
		assert.ErrorIs(t, err, domain.ErrConflict)

		ds, err := r.Decisions(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, ds, 1)
		assert.Equal(t, domain.DecisionReject, ds[0].Decision)

		_, err = r.Resolve(ctx, "nope", decision("nope", "alice", domain.DecisionApprove))
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("expired request rejects late decisions", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, pending("t1", "e1")))

		got, err := r.Expire(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, domain.ApprovalExpired, got.Status)

		_, err = r.Resolve(ctx, "t1", decision("t1", "alice", domain.DecisionApprove))
		var ce *domain.ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, domain.ApprovalExpired, ce.Status)
		assert.Nil(t, ce.Prior)
	})

	t.Run("list pending", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, pending("t1", "e1")))
		require.NoError(t, r.Create(ctx, pending("t2", "e2")))
		_, err := r.Resolve(ctx, "t1", decision("t1", "alice", domain.DecisionApprove))
		require.NoError(t, err)

		ps, err := r.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, ps, 1)
		assert.Equal(t, "t2", ps[0].Token)
	})

	t.Run("concurrent decisions have exactly one winner", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, pending("t1", "e1")))

		const n = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				d := domain.DecisionApprove
				if i%2 == 1 {
					d = domain.DecisionReject
				}
				_, err := r.Resolve(ctx, "t1", decision("t1", "alice", d))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, domain.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, n-1, conflicts)

		ds, err := r.Decisions(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, ds, 1)
	})
	t.Run("expire and cancel race a decision with one winner", func(t *testing.T) {
		for name, flip := range map[string]func(domain.ApprovalRegistry, string) error{
			"expire": func(r domain.ApprovalRegistry, token string) error {
				_, err := r.Expire(context.Background(), token)
				return err
			},
			"cancel": func(r domain.ApprovalRegistry, token string) error {
				_, err := r.Cancel(context.Background(), token)
				return err
			},
		} {
			t.Run(name, func(t *testing.T) {
				r := newRegistry(t)
				ctx := context.Background()

				for i := 0; i < 20; i++ {
					exec := fmt.Sprintf("e%d", i)
					token := fmt.Sprintf("t%d", i)
					require.NoError(t, r.Create(ctx, pending(token, exec)))

					var (
						wg   sync.WaitGroup
						errs [2]error
					)
					wg.Add(2)
					go func() {
						defer wg.Done()
						errs[0] = flip(r, token)
					}()
					go func() {
						defer wg.Done()
						_, errs[1] = r.Resolve(ctx, token, decision(token, "alice", domain.DecisionApprove))
					}()
					wg.Wait()

					wins := 0
					for _, err := range errs {
						if err == nil {
							wins++
							continue
						}
						assert.ErrorIs(t, err, domain.ErrConflict)
					}
					require.Equal(t, 1, wins, "round %d: %v", i, errs)

					got, err := r.Get(ctx, token)
					require.NoError(t, err)
					ds, err := r.Decisions(ctx, token)
					require.NoError(t, err)
					if errs[1] == nil {
						assert.Equal(t, domain.ApprovalApproved, got.Status)
						assert.Len(t, ds, 1)
					} else {
						assert.NotEqual(t, domain.ApprovalApproved, got.Status)
						assert.Empty(t, ds)
					}
				}
			})
		}
	})

	t.Run("mark notified", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, pending("t1", "e1")))

		got, err := r.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Nil(t, got.NotifiedAt)

		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, r.MarkNotified(ctx, "t1", at))

		got, err = r.Get(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, got.NotifiedAt)
		assert.True(t, at.Equal(*got.NotifiedAt))

		got, _, err = r.FindByExecution(ctx, "e1")
		require.NoError(t, err)
		assert.NotNil(t, got.NotifiedAt)

		assert.ErrorIs(t, r.MarkNotified(ctx, "missing", at), domain.ErrNotFound)
	})
}
