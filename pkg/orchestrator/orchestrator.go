// Package orchestrator assembles the conductor subsystems into one running
// process: store, bus, board, router, fleet, and retention, plus the command
// surface the API serves. It owns startup ordering, graceful shutdown, and
// the exit code.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/conductor/pkg/agent"
	"github.com/codeready-toolchain/conductor/pkg/board"
	"github.com/codeready-toolchain/conductor/pkg/bus"
	"github.com/codeready-toolchain/conductor/pkg/cleanup"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/fleet"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/router"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// Exit codes reported to the process supervisor.
const (
	ExitClean           = 0
	ExitShutdownTimeout = 1
	ExitStoreDegraded   = 2
)

// Orchestrator wires the subsystems and fronts their operations.
type Orchestrator struct {
	cfg     *config.Config
	client  *database.Client
	store   *store.Store
	bus     *bus.Bus
	board   *board.Board
	router  *router.Router
	fleet   *fleet.Fleet
	cleanup *cleanup.Service

	journalUnsub func()

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	mu              sync.Mutex
	started         bool
	shutdownTimeout bool
}

// New assembles an orchestrator over an open database client. The provider
// registry decides how each role's tasks execute; pass agent.NewRegistry()
// for the built-in providers.
func New(cfg *config.Config, client *database.Client, providers *agent.Registry) *Orchestrator {
	st := store.New(client)
	eventBus := bus.New()
	b := board.New(st, eventBus, cfg)
	return &Orchestrator{
		cfg:        cfg,
		client:     client,
		store:      st,
		bus:        eventBus,
		board:      b,
		router:     router.New(b, eventBus, cfg),
		fleet:      fleet.New(b, st, eventBus, cfg, providers),
		cleanup:    cleanup.NewService(cfg.Retention, st),
		shutdownCh: make(chan struct{}),
	}
}

// Start brings the system up: journal and degradation hooks first, then a
// reconciliation pass over live groups, then the router, the fleet, and
// retention. Safe to call once.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	// Journal every bus event. The subscriber is async so a slow disk
	// never blocks publishers; journal gaps are acceptable, the journal
	// is an audit trail, not the source of truth.
	o.journalUnsub = o.bus.Subscribe("*", func(ev bus.Event) {
		if _, err := o.store.InsertEvent(context.Background(), ev.Topic, ev.Payload, ev.PublishedAt); err != nil {
			slog.Warn("Failed to journal event", "topic", ev.Topic, "error", err)
		}
	})

	// A durability fault halts intake and brings the process down for a
	// supervised restart.
	o.store.OnDegraded(func(err error) {
		slog.Error("Store degraded, initiating shutdown", "error", err)
		o.bus.Publish(bus.TopicStoreDegraded, map[string]any{"error": err.Error()})
		o.RequestShutdown()
	})

	if err := o.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	o.router.Start(ctx)
	if err := o.fleet.Start(ctx); err != nil {
		return fmt.Errorf("start fleet: %w", err)
	}
	o.cleanup.Start(ctx)

	slog.Info("Orchestrator started",
		"team", o.cfg.Team.Name,
		"roles", o.cfg.Roles.Len())
	return nil
}

// Stop winds the system down in reverse order and returns the process exit
// code. The fleet gets the graceful deadline; the bus closes after the last
// publisher so no terminal event is lost.
func (o *Orchestrator) Stop() int {
	slog.Info("Orchestrator stopping")

	o.cleanup.Stop()

	if err := o.fleet.Stop(); err != nil {
		if errors.Is(err, fleet.ErrShutdownTimeout) {
			o.mu.Lock()
			o.shutdownTimeout = true
			o.mu.Unlock()
		} else {
			slog.Error("Fleet stop failed", "error", err)
		}
	}

	o.router.Stop()
	if o.journalUnsub != nil {
		o.journalUnsub()
		o.journalUnsub = nil
	}
	o.bus.Close()

	if err := o.client.Close(); err != nil {
		slog.Error("Error closing database", "error", err)
	}

	code := o.ExitCode()
	slog.Info("Orchestrator stopped", "exit_code", code)
	return code
}

// RequestShutdown asks the process to exit. Idempotent; the caller of Done
// performs the actual Stop.
func (o *Orchestrator) RequestShutdown() {
	o.shutdownOnce.Do(func() { close(o.shutdownCh) })
}

// Done closes when the orchestrator wants the process to shut down, for
// example after a store degradation.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.shutdownCh
}

// ExitCode classifies the shutdown: 0 clean, 1 graceful deadline exceeded,
// 2 store degraded. Degradation wins, it is why the process is exiting.
func (o *Orchestrator) ExitCode() int {
	if o.store.Degraded() {
		return ExitStoreDegraded
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shutdownTimeout {
		return ExitShutdownTimeout
	}
	return ExitClean
}

// reconcile runs the unblock scan over every group with live tasks, clearing
// dependency state that went stale while the process was down.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	groups, err := o.store.LiveGroupIDs(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, groupID := range groups {
		g.Go(func() error {
			_, err := o.board.UnblockScan(gctx, groupID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Reconciled live groups at startup", "groups", len(groups))
	return nil
}

// SubmitGoal opens a new task group with a single root task assigned to the
// team's entry role.
func (o *Orchestrator) SubmitGoal(ctx context.Context, req *models.SubmitGoalRequest) (*models.TaskGroup, *models.Task, error) {
	if req.Title == "" {
		return nil, nil, board.NewValidationError("title", "required")
	}
	priority := req.Priority
	if !priority.Valid() {
		priority = models.PriorityMedium
	}

	group := &models.TaskGroup{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateGroup(ctx, group); err != nil {
		return nil, nil, fmt.Errorf("submit goal: %w", err)
	}

	task, err := o.board.CreateTask(ctx, &models.CreateTaskRequest{
		GroupID:     group.ID,
		Title:       req.Title,
		Description: req.Description,
		TaskType:    o.cfg.Team.EntryTaskType,
		AssignedTo:  o.cfg.Team.EntryRole,
		Priority:    priority,
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("Goal submitted",
		"group_id", group.ID,
		"task_id", task.ID,
		"entry_role", o.cfg.Team.EntryRole)
	return group, task, nil
}

// CreateTask adds a task to an existing group.
func (o *Orchestrator) CreateTask(ctx context.Context, req *models.CreateTaskRequest) (*models.Task, error) {
	return o.board.CreateTask(ctx, req)
}

// CancelTask cancels a task and cascades to its dependents. A running
// provider is aborted through the fleet's cancel registry, driven by the
// task.cancelled event.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID, reason string) (*models.Task, error) {
	if reason == "" {
		reason = "operator request"
	}
	return o.board.CancelTask(ctx, taskID, reason)
}

// RetryTask is the operator override returning a failed task to the queue.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID string) (*models.Task, error) {
	return o.board.RetryTask(ctx, taskID)
}

// ReassignTask moves a waiting task to another role.
func (o *Orchestrator) ReassignTask(ctx context.Context, taskID, role string) (*models.Task, error) {
	return o.board.ReassignTask(ctx, taskID, role)
}

// PauseRole gates claiming for a role, or all roles with "all".
func (o *Orchestrator) PauseRole(role string) error {
	return o.fleet.Pause(role)
}

// ResumeRole lifts a claim gate.
func (o *Orchestrator) ResumeRole(role string) error {
	return o.fleet.Resume(role)
}

// PausedRoles reports the active claim gates.
func (o *Orchestrator) PausedRoles() []string {
	return o.fleet.PausedRoles()
}

// GetTask returns one task.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return o.board.GetTask(ctx, taskID)
}

// ListTasks returns tasks matching the filters.
func (o *Orchestrator) ListTasks(ctx context.Context, f models.TaskFilters) ([]*models.Task, error) {
	return o.board.ListTasks(ctx, f)
}

// ListAgents returns agent instances matching the filters.
func (o *Orchestrator) ListAgents(ctx context.Context, f models.AgentFilters) ([]*models.AgentInstance, error) {
	return o.board.ListAgents(ctx, f)
}

// ListGroups returns all task groups with their task counts.
func (o *Orchestrator) ListGroups(ctx context.Context) ([]*models.GroupSummary, error) {
	return o.board.ListGroups(ctx)
}

// GetGroup returns one task group.
func (o *Orchestrator) GetGroup(ctx context.Context, groupID string) (*models.TaskGroup, error) {
	return o.board.GetGroup(ctx, groupID)
}

// ListEvents reads the persistent journal.
func (o *Orchestrator) ListEvents(ctx context.Context, pattern string, sinceID int64, limit int) ([]*models.Event, error) {
	return o.store.ListEvents(ctx, pattern, sinceID, limit)
}

// QueueDepths returns the pending task count per role.
func (o *Orchestrator) QueueDepths(ctx context.Context) (map[string]int, error) {
	return o.board.QueueDepths(ctx)
}

// LoopCounts returns the running loop count per role.
func (o *Orchestrator) LoopCounts() map[string]int {
	return o.fleet.LoopCounts()
}

// Bus exposes the event bus for streaming consumers.
func (o *Orchestrator) Bus() *bus.Bus {
	return o.bus
}

// Roles exposes the role registry for read endpoints.
func (o *Orchestrator) Roles() *config.RoleRegistry {
	return o.cfg.Roles
}

// Health reports liveness facts for the health endpoint.
func (o *Orchestrator) Health(ctx context.Context) map[string]any {
	h := map[string]any{
		"status":   "ok",
		"degraded": o.store.Degraded(),
	}
	if o.store.Degraded() {
		h["status"] = "degraded"
	}
	if db, err := o.client.Health(ctx); err != nil {
		h["status"] = "unhealthy"
		h["database"] = db
	} else {
		h["database"] = db
	}
	if depths, err := o.board.QueueDepths(ctx); err == nil {
		h["queue_depths"] = depths
	}
	h["loops"] = o.fleet.LoopCounts()
	return h
}
