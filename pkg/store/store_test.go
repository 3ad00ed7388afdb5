package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, err := database.NewClient(context.Background(), filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func seedGroup(t *testing.T, s *Store, id string) string {
	t.Helper()
	err := s.CreateGroup(context.Background(), &models.TaskGroup{
		ID:        id,
		Title:     "group " + id,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func draft(name, prefix, role, taskType string, priority models.Priority) models.TaskDraft {
	return models.TaskDraft{
		LocalName:  name,
		Prefix:     prefix,
		Title:      name,
		TaskType:   taskType,
		AssignedTo: role,
		Priority:   priority,
	}
}

func testLimits() GuardrailLimits {
	return GuardrailLimits{MaxTaskDepth: 10, MaxTasksPerGroup: 100}
}

// seedTask creates one pending task and returns it.
func seedTask(t *testing.T, s *Store, groupID, prefix, role string) *models.Task {
	t.Helper()
	tasks, err := s.CreateTaskGraph(context.Background(), groupID,
		[]models.TaskDraft{draft("t", prefix, role, "implementation", models.PriorityMedium)},
		testLimits())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestGroupLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedGroup(t, s, "g1")
	g, err := s.GetGroup(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "group g1", g.Title)

	_, err = s.GetGroup(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	seedTask(t, s, "g1", "PM", "pm")
	summaries, err := s.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 1, summaries[0].TaskCount)
	require.Equal(t, 1, summaries[0].LiveCount)
	require.False(t, summaries[0].Terminal)

	live, err := s.LiveGroupIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"g1"}, live)
}

func TestDeleteArchivableGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedGroup(t, s, "done")
	done := seedTask(t, s, "done", "PM", "pm")
	claimed, err := s.ClaimNext(ctx, "pm", "pm-1")
	require.NoError(t, err)
	require.Equal(t, done.ID, claimed.ID)
	_, _, err = s.RecordCompletion(ctx, done.ID, "pm-1", &models.Result{Kind: models.ResultSuccess, Summary: "ok"})
	require.NoError(t, err)

	seedGroup(t, s, "busy")
	seedTask(t, s, "busy", "PM", "pm")

	// Nothing is old enough yet.
	n, err := s.DeleteArchivableGroups(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	// A cutoff in the future ages out the finished group but never the one
	// still holding live work.
	n, err = s.DeleteArchivableGroups(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.GetGroup(ctx, "done")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTask(ctx, done.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetGroup(ctx, "busy")
	require.NoError(t, err)
}

func TestAgentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)

	a := &models.AgentInstance{
		ID:              "coder-1",
		Role:            "coder",
		Status:          models.AgentStatusIdle,
		StartedAt:       started,
		LastHeartbeatAt: started,
	}
	require.NoError(t, s.InsertAgent(ctx, a))

	stale, err := s.StaleAgents(ctx, time.Now().Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, s.TouchAgent(ctx, "coder-1", time.Now().UTC()))
	stale, err = s.StaleAgents(ctx, time.Now().Add(-30*time.Second))
	require.NoError(t, err)
	require.Empty(t, stale)

	taskID := "CD-1"
	require.NoError(t, s.UpdateAgentStatus(ctx, "coder-1", models.AgentStatusBusy, &taskID))
	got, err := s.GetAgent(ctx, "coder-1")
	require.NoError(t, err)
	require.Equal(t, models.AgentStatusBusy, got.Status)
	require.NotNil(t, got.CurrentTaskID)
	require.Equal(t, "CD-1", *got.CurrentTaskID)

	require.NoError(t, s.MarkAgentStopped(ctx, "coder-1", time.Now().UTC()))
	got, err = s.GetAgent(ctx, "coder-1")
	require.NoError(t, err)
	require.Equal(t, models.AgentStatusStopped, got.Status)
	require.Nil(t, got.CurrentTaskID)
	require.NotNil(t, got.StoppedAt)

	// Stopped rows ignore further touches and status changes.
	require.Error(t, s.TouchAgent(ctx, "coder-1", time.Now().UTC()))
	require.Error(t, s.UpdateAgentStatus(ctx, "coder-1", models.AgentStatusIdle, nil))
}

func TestMarkAllAgentsStopped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"coder-1", "coder-2"} {
		require.NoError(t, s.InsertAgent(ctx, &models.AgentInstance{
			ID: id, Role: "coder", Status: models.AgentStatusIdle,
			StartedAt: now, LastHeartbeatAt: now,
		}))
	}
	require.NoError(t, s.MarkAgentStopped(ctx, "coder-2", now))

	n, err := s.MarkAllAgentsStopped(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	agents, err := s.ListAgents(ctx, models.AgentFilters{Status: models.AgentStatusStopped})
	require.NoError(t, err)
	require.Len(t, agents, 2)
}

func TestEventJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := s.InsertEvent(ctx, "task.created", map[string]any{"task_id": "PM-1"}, now)
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, "task.claimed", map[string]any{"task_id": "PM-1"}, now)
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, "agent.status_changed", map[string]any{"agent_id": "pm-1"}, now)
	require.NoError(t, err)

	all, err := s.ListEvents(ctx, "*", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "task.created", all[0].Topic)
	require.Equal(t, "PM-1", all[0].Payload["task_id"])

	taskOnly, err := s.ListEvents(ctx, "task.*", 0, 0)
	require.NoError(t, err)
	require.Len(t, taskOnly, 2)

	later, err := s.ListEvents(ctx, "*", first, 0)
	require.NoError(t, err)
	require.Len(t, later, 2)

	n, err := s.PruneEventsKeepMax(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	all, err = s.ListEvents(ctx, "*", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "agent.status_changed", all[0].Topic)
}

func TestPruneEventsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertEvent(ctx, "task.created", nil, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = s.InsertEvent(ctx, "task.claimed", nil, time.Now())
	require.NoError(t, err)

	n, err := s.PruneEventsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestDegradedLatchRefusesClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var hookErr error
	hooks := 0
	s.OnDegraded(func(err error) {
		hookErr = err
		hooks++
	})

	require.False(t, s.Degraded())
	fault := errors.New("disk gone")
	s.markDegraded(fault)
	s.markDegraded(fault)

	require.True(t, s.Degraded())
	require.Equal(t, 1, hooks, "hook must fire exactly once")
	require.Equal(t, fault, hookErr)

	_, err := s.ClaimNext(ctx, "coder", "coder-1")
	require.True(t, IsDurability(err))
	_, err = s.TryClaim(ctx, "CD-1", "coder-1")
	require.True(t, IsDurability(err))
}
