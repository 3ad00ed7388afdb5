package board

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/bus"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

func testConfig() *config.Config {
	roles := map[string]*config.RoleConfig{
		"pm": {
			Role:         "pm",
			DisplayName:  "Product Manager",
			Prefix:       "PM",
			Accepts:      []string{"goal", "verification"},
			Produces:     []string{"implementation"},
			RoutesTo:     []config.RouteRule{{Role: "coder", TaskTypes: []string{"implementation"}}},
			MaxInstances: 1,
		},
		"coder": {
			Role:         "coder",
			DisplayName:  "Coder",
			Prefix:       "CD",
			Accepts:      []string{"implementation"},
			Produces:     []string{"verification"},
			RoutesTo:     []config.RouteRule{{Role: "reviewer", TaskTypes: []string{"verification"}}},
			MaxInstances: 3,
		},
		"reviewer": {
			Role:         "reviewer",
			DisplayName:  "Reviewer",
			Prefix:       "RV",
			Accepts:      []string{"verification"},
			MaxInstances: 1,
		},
	}
	return &config.Config{
		Team: &config.TeamSettings{
			Name:          "test",
			EntryRole:     "pm",
			EntryTaskType: "goal",
			RoutingMode:   config.RoutingModeRestricted,
		},
		Guardrails: config.DefaultGuardrailsConfig(),
		Fleet:      config.DefaultFleetConfig(),
		Retention:  config.DefaultRetentionConfig(),
		API:        config.DefaultAPIConfig(),
		Roles:      config.NewRoleRegistry(roles),
	}
}

func newTestBoard(t *testing.T, mutate ...func(*config.Config)) (*Board, *bus.Bus) {
	t.Helper()
	client, err := database.NewClient(context.Background(), filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	eventBus := bus.New()
	t.Cleanup(eventBus.Close)
	return New(store.New(client), eventBus, cfg), eventBus
}

func seedGroup(t *testing.T, b *Board, id string) string {
	t.Helper()
	err := b.store.CreateGroup(context.Background(), &models.TaskGroup{
		ID:        id,
		Title:     "group " + id,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func createTask(t *testing.T, b *Board, groupID, role, taskType string) *models.Task {
	t.Helper()
	task, err := b.CreateTask(context.Background(), &models.CreateTaskRequest{
		GroupID:    groupID,
		Title:      "work for " + role,
		TaskType:   taskType,
		AssignedTo: role,
		Priority:   models.PriorityMedium,
	})
	require.NoError(t, err)
	return task
}

func eventTaskIDs(events []bus.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i], _ = ev.Payload["task_id"].(string)
	}
	return out
}

func TestCreateTaskValidation(t *testing.T) {
	b, _ := newTestBoard(t)
	g := seedGroup(t, b, "g1")
	ctx := context.Background()

	tests := []struct {
		name string
		req  models.CreateTaskRequest
	}{
		{
			name: "missing group",
			req:  models.CreateTaskRequest{Title: "t", TaskType: "implementation", AssignedTo: "coder", Priority: models.PriorityLow},
		},
		{
			name: "missing title",
			req:  models.CreateTaskRequest{GroupID: g, TaskType: "implementation", AssignedTo: "coder", Priority: models.PriorityLow},
		},
		{
			name: "missing task type",
			req:  models.CreateTaskRequest{GroupID: g, Title: "t", AssignedTo: "coder", Priority: models.PriorityLow},
		},
		{
			name: "invalid priority",
			req:  models.CreateTaskRequest{GroupID: g, Title: "t", TaskType: "implementation", AssignedTo: "coder", Priority: 9},
		},
		{
			name: "unknown role",
			req:  models.CreateTaskRequest{GroupID: g, Title: "t", TaskType: "implementation", AssignedTo: "ghost", Priority: models.PriorityLow},
		},
		{
			name: "role does not accept type",
			req:  models.CreateTaskRequest{GroupID: g, Title: "t", TaskType: "goal", AssignedTo: "coder", Priority: models.PriorityLow},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.CreateTask(ctx, &tt.req)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "want validation error, got %v", err)
		})
	}
}

func TestCreateTaskPublishesCreated(t *testing.T) {
	b, eventBus := newTestBoard(t)
	g := seedGroup(t, b, "g1")

	task := createTask(t, b, g, "coder", "implementation")
	assert.Equal(t, "CD-1", task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	events := eventBus.History(bus.TopicTaskCreated, 0)
	require.Len(t, events, 1)
	assert.Equal(t, "CD-1", events[0].Payload["task_id"])
	assert.Equal(t, "coder", events[0].Payload["role"])
	assert.Equal(t, "pending", events[0].Payload["status"])
}

func TestCreateTaskParentLineage(t *testing.T) {
	b, _ := newTestBoard(t)
	g := seedGroup(t, b, "g1")
	other := seedGroup(t, b, "g2")
	ctx := context.Background()

	parent := createTask(t, b, g, "pm", "goal")

	child, err := b.CreateTask(ctx, &models.CreateTaskRequest{
		GroupID:    g,
		Title:      "child",
		TaskType:   "implementation",
		AssignedTo: "coder",
		Priority:   models.PriorityHigh,
		ParentID:   &parent.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)

	// Parent from another group is refused
	_, err = b.CreateTask(ctx, &models.CreateTaskRequest{
		GroupID:    other,
		Title:      "stray",
		TaskType:   "implementation",
		AssignedTo: "coder",
		Priority:   models.PriorityLow,
		ParentID:   &parent.ID,
	})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestCreateTaskGuardrailMapping(t *testing.T) {
	b, _ := newTestBoard(t, func(cfg *config.Config) {
		cfg.Guardrails.MaxTasksPerGroup = 1
	})
	g := seedGroup(t, b, "g1")
	ctx := context.Background()

	createTask(t, b, g, "coder", "implementation")

	_, err := b.CreateTask(ctx, &models.CreateTaskRequest{
		GroupID:    g,
		Title:      "one too many",
		TaskType:   "implementation",
		AssignedTo: "coder",
		Priority:   models.PriorityLow,
	})
	require.Error(t, err)
	rule, ok := IsGuardrail(err)
	require.True(t, ok, "want guardrail error, got %v", err)
	assert.Equal(t, store.RuleGroupCap, rule)
}

func TestCreateTaskMissingDependency(t *testing.T) {
	b, _ := newTestBoard(t)
	g := seedGroup(t, b, "g1")

	_, err := b.CreateTask(context.Background(), &models.CreateTaskRequest{
		GroupID:    g,
		Title:      "needs ghost",
		TaskType:   "implementation",
		AssignedTo: "coder",
		Priority:   models.PriorityLow,
		BlockedBy:  []string{"CD-99"},
	})
	require.Error(t, err)
	rule, ok := IsGuardrail(err)
	require.True(t, ok)
	assert.Equal(t, store.RuleDependencyMissing, rule)
}

func TestCreateTaskFailedDependencyIsStateError(t *testing.T) {
	b, _ := newTestBoard(t)
	g := seedGroup(t, b, "g1")
	ctx := context.Background()

	doomed := createTask(t, b, g, "coder", "implementation")
	claimed, err := b.ClaimNext(ctx, "coder", "coder-1")
	require.NoError(t, err)
	require.Equal(t, doomed.ID, claimed.ID)
	_, err = b.FailTask(ctx, doomed.ID, "coder-1", "broken", false)
	require.NoError(t, err)

	_, err = b.CreateTask(ctx, &models.CreateTaskRequest{
		GroupID:    g,
		Title:      "depends on wreckage",
		TaskType:   "implementation",
		AssignedTo: "coder",
		Priority:   models.PriorityLow,
		BlockedBy:  []string{doomed.ID},
	})
	require.Error(t, err)
	assert.True(t, IsState(err), "want state error, got %v", err)
}

// reviewRound plays one code-then-review exchange: the coder claims and
// completes its pending task, a verification task is filed against it, and
// the reviewer claims that and rejects it back to the coder.
func reviewRound(t *testing.T, b *Board, groupID string) *store.RejectionOutcome {
	t.Helper()
	ctx := context.Background()

	work, err := b.ClaimNext(ctx, "coder", "coder-1")
	require.NoError(t, err)
	require.NotNil(t, work)
	_, err = b.CompleteTask(ctx, work.ID, "coder-1", &models.Result{Kind: models.ResultSuccess, Summary: "done"})
	require.NoError(t, err)

	_, err = b.CreateTask(ctx, &models.CreateTaskRequest{
		GroupID:    groupID,
		Title:      "review " + work.ID,
		TaskType:   "verification",
		AssignedTo: "reviewer",
		Priority:   models.PriorityMedium,
		ParentID:   &work.ID,
	})
	require.NoError(t, err)

	review, err := b.ClaimNext(ctx, "reviewer", "reviewer-1")
	require.NoError(t, err)
	require.NotNil(t, review)

	out, err := b.RejectTask(ctx, review.ID, "reviewer-1", &models.Result{
		Kind:       models.ResultReject,
		Reason:     "does not meet the bar",
		BackToRole: "coder",
	})
	require.NoError(t, err)
	return out
}

func TestRejectTaskLoopDetection(t *testing.T) {
	b, eventBus := newTestBoard(t)
	g := seedGroup(t, b, "g1")
	ctx := context.Background()

	first := createTask(t, b, g, "coder", "implementation")

	// Round one: the reviewer bounces the work, a rework task appears.
	out := reviewRound(t, b, g)
	require.Equal(t, models.TaskStatusCompleted, out.Task.Status, "the rejected review completes with its verdict")
	assert.Equal(t, 1, out.Task.RejectionCount)
	require.NotNil(t, out.Child)
	assert.Equal(t, "CD-2", out.Child.ID)
	assert.Equal(t, models.TaskStatusPending, out.Child.Status)
	assert.Equal(t, 1, out.Child.RejectionCount)
	assert.Equal(t, first.Title, out.Child.Title, "rework inherits the coder incarnation's shape")
	assert.Equal(t, "implementation", out.Child.TaskType)
	require.NotNil(t, out.Child.ParentID)
	assert.Equal(t, out.Task.ID, *out.Child.ParentID)
	assert.Equal(t, out.Task.Depth+1, out.Child.Depth)
	require.NotNil(t, out.Child.RejectionReason)
	assert.Equal(t, "does not meet the bar", *out.Child.RejectionReason)

	// Round two still survives.
	out = reviewRound(t, b, g)
	assert.Equal(t, "CD-3", out.Child.ID)
	assert.Equal(t, models.TaskStatusPending, out.Child.Status)
	assert.Equal(t, 2, out.Child.RejectionCount)

	// Round three trips the cycle limit: the child is born failed and the
	// loop stops spawning work.
	out = reviewRound(t, b, g)
	assert.Equal(t, "CD-4", out.Child.ID)
	assert.Equal(t, models.TaskStatusFailed, out.Child.Status)
	assert.Equal(t, 3, out.Child.RejectionCount)
	require.NotNil(t, out.Child.FailureReason)
	assert.Equal(t, RejectionLimitReason, *out.Child.FailureReason)

	idle, err := b.ClaimNext(ctx, "coder", "coder-1")
	require.NoError(t, err)
	assert.Nil(t, idle, "a dead-on-arrival rework task must not be claimable")

	failed := eventBus.History(bus.TopicTaskFailed, 0)
	require.Len(t, failed, 1)
	assert.Equal(t, "CD-4", failed[0].Payload["task_id"])
	assert.Equal(t, RejectionLimitReason, failed[0].Payload["reason"])
}

func TestRejectTaskBudgetExhaustedFailsTerminally(t *testing.T) {
	b, _ := newTestBoard(t)
	g := seedGroup(t, b, "g1")
	ctx := context.Background()

	createTask(t, b, g, "coder", "implementation")
	var out *store.RejectionOutcome
	for i := 0; i < 3; i++ {
		out = reviewRound(t, b, g)
	}
	require.Equal(t, models.TaskStatusFailed, out.Child.Status)
	require.Equal(t, 3, out.Child.RejectionCount)

	// An operator retry clears the failure but not the rejection ledger.
	retried, err := b.RetryTask(ctx, out.Child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, retried.Status)
	assert.Equal(t, 3, retried.RejectionCount)
	assert.Nil(t, retried.FailureReason)

	claimed, err := b.ClaimNext(ctx, "coder", "coder-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, retried.ID, claimed.ID)

	// Rejecting a task whose own budget is spent fails it outright; no
	// rework child spawns.
	final, err := b.RejectTask(ctx, claimed.ID, "coder-1", &models.Result{
		Kind:       models.ResultReject,
		Reason:     "requirements were wrong all along",
		BackToRole: "pm",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, final.Task.Status)
	assert.Equal(t, 4, final.Task.RejectionCount)
	require.NotNil(t, final.Task.FailureReason)
	assert.Equal(t, RejectionLimitReason, *final.Task.FailureReason)
	assert.Nil(t, final.Child)
}

func TestCreateBatchPublishesPerTask(t *testing.T) {
	b, eventBus := newTestBoard(t)
	g := seedGroup(t, b, "g1")

	drafts := []models.TaskDraft{
		{LocalName: "first", Prefix: "CD", Title: "first", TaskType: "implementation", AssignedTo: "coder", Priority: models.PriorityMedium},
		{LocalName: "second", Prefix: "CD", Title: "second", TaskType: "implementation", AssignedTo: "coder", Priority: models.PriorityMedium, BlockedBySibling: []string{"first"}},
	}
	tasks, err := b.CreateBatch(context.Background(), g, drafts)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, models.TaskStatusPending, tasks[0].Status)
	assert.Equal(t, models.TaskStatusBlocked, tasks[1].Status)

	events := eventBus.History(bus.TopicTaskCreated, 0)
	assert.Equal(t, []string{"CD-1", "CD-2"}, eventTaskIDs(events))
}
