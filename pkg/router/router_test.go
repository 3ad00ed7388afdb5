package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/board"
	"github.com/codeready-toolchain/conductor/pkg/bus"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

func testConfig(mode config.RoutingMode) *config.Config {
	roles := map[string]*config.RoleConfig{
		"pm": {
			Role:         "pm",
			Prefix:       "PM",
			Accepts:      []string{"goal"},
			Produces:     []string{"implementation", "design"},
			RoutesTo:     []config.RouteRule{{Role: "coder", TaskTypes: []string{"implementation"}}},
			MaxInstances: 1,
		},
		"coder": {
			Role:         "coder",
			Prefix:       "CD",
			Accepts:      []string{"implementation", "design"},
			Produces:     []string{"verification"},
			MaxInstances: 3,
		},
		"reviewer": {
			Role:         "reviewer",
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
			RoutingMode:   mode,
		},
		Guardrails: config.DefaultGuardrailsConfig(),
		Fleet:      config.DefaultFleetConfig(),
		Retention:  config.DefaultRetentionConfig(),
		API:        config.DefaultAPIConfig(),
		Roles:      config.NewRoleRegistry(roles),
	}
}

type harness struct {
	store  *store.Store
	board  *board.Board
	bus    *bus.Bus
	router *Router
}

func newHarness(t *testing.T, mode config.RoutingMode) *harness {
	t.Helper()
	client, err := database.NewClient(context.Background(), filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := testConfig(mode)
	st := store.New(client)
	eventBus := bus.New()
	t.Cleanup(eventBus.Close)
	b := board.New(st, eventBus, cfg)
	return &harness{store: st, board: b, bus: eventBus, router: New(b, eventBus, cfg)}
}

// completedTask seeds a group with a completed pm task carrying the given
// produces entries.
func (h *harness) completedTask(t *testing.T, produces []models.ChildSpec) *models.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateGroup(ctx, &models.TaskGroup{
		ID: "g1", Title: "goal", CreatedAt: time.Now().UTC(),
	}))

	task, err := h.board.CreateTask(ctx, &models.CreateTaskRequest{
		GroupID: "g1", Title: "plan the work", TaskType: "goal",
		AssignedTo: "pm", Priority: models.PriorityMedium,
	})
	require.NoError(t, err)

	claimed, err := h.board.ClaimNext(ctx, "pm", "pm-test")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task.ID, claimed.ID)

	completed, err := h.board.CompleteTask(ctx, task.ID, "pm-test", &models.Result{
		Kind:     models.ResultSuccess,
		Produces: produces,
	})
	require.NoError(t, err)
	return completed
}

func groupTasks(t *testing.T, h *harness) map[string]*models.Task {
	t.Helper()
	tasks, err := h.board.ListTasks(context.Background(), models.TaskFilters{GroupID: "g1"})
	require.NoError(t, err)
	byID := make(map[string]*models.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}
	return byID
}

func TestRouteCreatesChildrenWithDependencies(t *testing.T) {
	h := newHarness(t, config.RoutingModeRestricted)
	task := h.completedTask(t, []models.ChildSpec{
		{Name: "impl", TaskType: "implementation", Title: "build it", Priority: models.PriorityHigh},
		{Name: "impl2", TaskType: "implementation", Title: "build the rest", Priority: models.PriorityMedium, BlockedBy: []string{"impl"}},
	})

	require.NoError(t, h.router.Route(context.Background(), task.ID))

	tasks := groupTasks(t, h)
	require.Len(t, tasks, 3)

	first, second := tasks["CD-1"], tasks["CD-2"]
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, "build it", first.Title)
	assert.Equal(t, models.TaskStatusPending, first.Status)
	assert.Equal(t, models.TaskStatusBlocked, second.Status)
	assert.Equal(t, []string{"CD-1"}, second.BlockedBy)
	require.NotNil(t, second.ParentID)
	assert.Equal(t, task.ID, *second.ParentID)
	assert.Equal(t, task.Depth+1, second.Depth)
}

func TestRouteOrdersSiblingsTopologically(t *testing.T) {
	h := newHarness(t, config.RoutingModeRestricted)
	// Declared dependents-first; the router must reorder before creating.
	task := h.completedTask(t, []models.ChildSpec{
		{Name: "last", TaskType: "implementation", Title: "finish", Priority: models.PriorityLow, BlockedBy: []string{"mid"}},
		{Name: "mid", TaskType: "implementation", Title: "middle", Priority: models.PriorityLow, BlockedBy: []string{"first"}},
		{Name: "first", TaskType: "implementation", Title: "start", Priority: models.PriorityLow},
	})

	require.NoError(t, h.router.Route(context.Background(), task.ID))

	tasks := groupTasks(t, h)
	assert.Equal(t, "start", tasks["CD-1"].Title)
	assert.Equal(t, "middle", tasks["CD-2"].Title)
	assert.Equal(t, "finish", tasks["CD-3"].Title)
	assert.Equal(t, []string{"CD-2"}, tasks["CD-3"].BlockedBy)
}

func TestRouteRestrictedDropsUndeclaredTargets(t *testing.T) {
	h := newHarness(t, config.RoutingModeRestricted)

	var mu sync.Mutex
	var dropped []bus.Event
	h.bus.SubscribeSync(bus.TopicRouterDropped, func(ev bus.Event) {
		mu.Lock()
		dropped = append(dropped, ev)
		mu.Unlock()
	})

	// pm declares produces design but has no routes_to rule for it.
	task := h.completedTask(t, []models.ChildSpec{
		{Name: "impl", TaskType: "implementation", Title: "build it", Priority: models.PriorityMedium},
		{Name: "des", TaskType: "design", Title: "design it", Priority: models.PriorityMedium},
	})

	require.NoError(t, h.router.Route(context.Background(), task.ID))

	tasks := groupTasks(t, h)
	require.Len(t, tasks, 2) // pm task + routed implementation
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dropped, 1)
	assert.Equal(t, "design", dropped[0].Payload["task_type"])
}

func TestRouteOpenModeFallsBackToAcceptor(t *testing.T) {
	h := newHarness(t, config.RoutingModeOpen)
	task := h.completedTask(t, []models.ChildSpec{
		{Name: "des", TaskType: "design", Title: "design it", Priority: models.PriorityMedium},
	})

	require.NoError(t, h.router.Route(context.Background(), task.ID))

	tasks := groupTasks(t, h)
	child := tasks["CD-1"]
	require.NotNil(t, child)
	assert.Equal(t, "coder", child.AssignedTo)
}

func TestRouteDropsUndeclaredProduceType(t *testing.T) {
	h := newHarness(t, config.RoutingModeOpen)

	var mu sync.Mutex
	var reasons []string
	h.bus.SubscribeSync(bus.TopicRouterDropped, func(ev bus.Event) {
		mu.Lock()
		reasons = append(reasons, ev.Payload["reason"].(string))
		mu.Unlock()
	})

	task := h.completedTask(t, []models.ChildSpec{
		{Name: "v", TaskType: "verification", Title: "verify", Priority: models.PriorityMedium},
	})

	require.NoError(t, h.router.Route(context.Background(), task.ID))
	assert.Len(t, groupTasks(t, h), 1)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "does not declare produces")
}

func TestRouteDropsDependentsOfDroppedEntries(t *testing.T) {
	h := newHarness(t, config.RoutingModeRestricted)
	task := h.completedTask(t, []models.ChildSpec{
		{Name: "des", TaskType: "design", Title: "design it", Priority: models.PriorityMedium},
		{Name: "impl", TaskType: "implementation", Title: "build it", Priority: models.PriorityMedium, BlockedBy: []string{"des"}},
	})

	require.NoError(t, h.router.Route(context.Background(), task.ID))

	// Both entries dropped: design is unroutable and impl depended on it.
	assert.Len(t, groupTasks(t, h), 1)
}

func TestRouteAtomicOnGuardrailBreach(t *testing.T) {
	h := newHarness(t, config.RoutingModeRestricted)

	specs := make([]models.ChildSpec, 0, 60)
	for i := 0; i < 60; i++ {
		specs = append(specs, models.ChildSpec{
			TaskType: "implementation",
			Title:    "task",
			Priority: models.PriorityLow,
		})
	}
	task := h.completedTask(t, specs)

	err := h.router.Route(context.Background(), task.ID)
	require.Error(t, err)
	rule, ok := board.IsGuardrail(err)
	require.True(t, ok)
	assert.Equal(t, store.RuleGroupCap, rule)

	// All or nothing: no child row exists.
	assert.Len(t, groupTasks(t, h), 1)
}

func TestRouteIgnoresNonSuccessAndEmptyResults(t *testing.T) {
	h := newHarness(t, config.RoutingModeRestricted)
	task := h.completedTask(t, nil)

	require.NoError(t, h.router.Route(context.Background(), task.ID))
	assert.Len(t, groupTasks(t, h), 1)
}

func TestStartRoutesOnCompletionEvent(t *testing.T) {
	h := newHarness(t, config.RoutingModeRestricted)
	ctx := context.Background()
	h.router.Start(ctx)
	defer h.router.Stop()

	h.completedTask(t, []models.ChildSpec{
		{Name: "impl", TaskType: "implementation", Title: "build it", Priority: models.PriorityMedium},
	})

	require.Eventually(t, func() bool {
		tasks, err := h.board.ListTasks(ctx, models.TaskFilters{GroupID: "g1", AssignedTo: "coder"})
		return err == nil && len(tasks) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
