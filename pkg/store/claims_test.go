package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

func TestClaimNextOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, s, "g1")

	_, err := s.CreateTaskGraph(ctx, "g1", []models.TaskDraft{
		draft("older-medium", "CD", "coder", "implementation", models.PriorityMedium),
		draft("critical", "CD", "coder", "implementation", models.PriorityCritical),
		draft("newer-medium", "CD", "coder", "implementation", models.PriorityMedium),
		draft("high", "CD", "coder", "implementation", models.PriorityHigh),
	}, testLimits())
	require.NoError(t, err)

	var order []string
	for {
		task, err := s.ClaimNext(ctx, "coder", "coder-1")
		require.NoError(t, err)
		if task == nil {
			break
		}
		order = append(order, task.Title)
	}
	require.Equal(t, []string{"critical", "high", "older-medium", "newer-medium"}, order)
}

func TestClaimNextIgnoresOtherRoles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, s, "g1")
	seedTask(t, s, "g1", "PM", "pm")

	task, err := s.ClaimNext(ctx, "coder", "coder-1")
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestClaimNextSetsClaimFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, s, "g1")
	seeded := seedTask(t, s, "g1", "CD", "coder")

	task, err := s.ClaimNext(ctx, "coder", "coder-1")
	require.NoError(t, err)
	require.Equal(t, seeded.ID, task.ID)
	require.Equal(t, models.TaskStatusInProgress, task.Status)
	require.NotNil(t, task.ClaimedBy)
	require.Equal(t, "coder-1", *task.ClaimedBy)
	require.NotNil(t, task.StartedAt)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusInProgress, got.Status)
	require.True(t, got.ClaimedByInstance("coder-1"))
}

func TestClaimNextConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, s, "g1")

	const loops = 10
	const tasks = 3
	drafts := make([]models.TaskDraft, tasks)
	for i := range drafts {
		drafts[i] = draft(fmt.Sprintf("t%d", i), "CD", "coder", "implementation", models.PriorityMedium)
	}
	_, err := s.CreateTaskGraph(ctx, "g1", drafts, testLimits())
	require.NoError(t, err)

	type claimResult struct {
		instance string
		task     *models.Task
		err      error
	}
	results := make(chan claimResult, loops)
	var wg sync.WaitGroup
	for i := 0; i < loops; i++ {
		wg.Add(1)
		go func(instance string) {
			defer wg.Done()
			task, err := s.ClaimNext(ctx, "coder", instance)
			results <- claimResult{instance: instance, task: task, err: err}
		}(fmt.Sprintf("coder-%d", i))
	}
	wg.Wait()
	close(results)

	claims := make(map[string]string)
	for r := range results {
		require.NoError(t, r.err)
		if r.task == nil {
			continue
		}
		_, taken := claims[r.task.ID]
		require.False(t, taken, "task %s claimed twice", r.task.ID)
		claims[r.task.ID] = r.instance
	}
	require.Len(t, claims, tasks, "exactly min(loops, tasks) claims must win")
	instances := make(map[string]bool)
	for _, inst := range claims {
		instances[inst] = true
	}
	require.Len(t, instances, tasks, "each winning claim belongs to a distinct instance")
}

func TestTryClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, s, "g1")
	seeded := seedTask(t, s, "g1", "CD", "coder")

	task, err := s.TryClaim(ctx, seeded.ID, "coder-1")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusInProgress, task.Status)

	_, err = s.TryClaim(ctx, seeded.ID, "coder-2")
	require.True(t, IsConflict(err), "second claim must lose, got %v", err)

	_, err = s.TryClaim(ctx, "CD-999", "coder-2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRevertTransient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, s, "g1")
	seeded := seedTask(t, s, "g1", "CD", "coder")

	_, err := s.TryClaim(ctx, seeded.ID, "coder-1")
	require.NoError(t, err)

	task, err := s.RevertTransient(ctx, seeded.ID, "coder-1", "provider timed out")
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusPending, task.Status)
	require.Nil(t, task.ClaimedBy)
	require.Nil(t, task.StartedAt)
	require.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.FailureReason)
	require.Equal(t, "provider timed out", *task.FailureReason)

	// Unclaimed rows refuse a revert.
	_, err = s.RevertTransient(ctx, seeded.ID, "coder-1", "again")
	require.True(t, IsConflict(err))

	// The retry counter accumulates across claim cycles.
	_, err = s.TryClaim(ctx, seeded.ID, "coder-2")
	require.NoError(t, err)
	task, err = s.RevertTransient(ctx, seeded.ID, "coder-2", "provider timed out")
	require.NoError(t, err)
	require.Equal(t, 2, task.RetryCount)
}

func TestResetStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, s, "g1")

	_, err := s.CreateTaskGraph(ctx, "g1", []models.TaskDraft{
		draft("a", "CD", "coder", "implementation", models.PriorityMedium),
		draft("b", "CD", "coder", "implementation", models.PriorityMedium),
	}, testLimits())
	require.NoError(t, err)

	first, err := s.ClaimNext(ctx, "coder", "coder-dead")
	require.NoError(t, err)
	second, err := s.ClaimNext(ctx, "coder", "coder-dead")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// A cutoff before both claims recovers nothing.
	stale, err := s.ResetStale(ctx, "coder-dead", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, stale)

	stale, err = s.ResetStale(ctx, "coder-dead", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 2)
	for _, task := range stale {
		require.Equal(t, models.TaskStatusPending, task.Status)
		require.Nil(t, task.ClaimedBy)
		require.Nil(t, task.StartedAt)
		require.Zero(t, task.RetryCount, "recovery must not burn the retry budget")
	}

	// Idempotent: a second pass finds nothing in progress.
	stale, err = s.ResetStale(ctx, "coder-dead", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, stale)

	// Other instances' claims stay untouched.
	third, err := s.ClaimNext(ctx, "coder", "coder-alive")
	require.NoError(t, err)
	require.NotNil(t, third)
	stale, err = s.ResetStale(ctx, "coder-dead", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, stale)
	got, err := s.GetTask(ctx, third.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusInProgress, got.Status)
}
