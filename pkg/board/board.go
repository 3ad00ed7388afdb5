// Package board is the authority on task state. Every task mutation flows
// through it: creation with guardrail checks, the claim protocol, completion
// with dependent unblocking, failure and cancellation cascades, rejection
// rework, and operator overrides. The board performs each mutation as one
// store transaction and publishes the matching bus event after commit.
package board

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/conductor/pkg/bus"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// Board mediates all task state changes.
type Board struct {
	store          *store.Store
	bus            *bus.Bus
	roles          *config.RoleRegistry
	limits         store.GuardrailLimits
	rejectionLimit int
	retryLimit     int
}

// New creates a board over the given store and bus, bounded by the
// configured guardrails.
func New(st *store.Store, eventBus *bus.Bus, cfg *config.Config) *Board {
	return &Board{
		store: st,
		bus:   eventBus,
		roles: cfg.Roles,
		limits: store.GuardrailLimits{
			MaxTaskDepth:     cfg.Guardrails.MaxTaskDepth,
			MaxTasksPerGroup: cfg.Guardrails.MaxTasksPerGroup,
		},
		rejectionLimit: cfg.Guardrails.RejectionCycleLimit,
		retryLimit:     cfg.Fleet.RetryLimit,
	}
}

// CreateTask validates and creates one task. The task starts blocked when it
// has unresolved dependencies, pending otherwise, and task.created is
// published either way.
func (b *Board) CreateTask(ctx context.Context, req *models.CreateTaskRequest) (*models.Task, error) {
	if req.GroupID == "" {
		return nil, NewValidationError("group_id", "required")
	}
	if req.Title == "" {
		return nil, NewValidationError("title", "required")
	}
	if req.TaskType == "" {
		return nil, NewValidationError("task_type", "required")
	}
	if !req.Priority.Valid() {
		return nil, NewValidationError("priority", fmt.Sprintf("unknown priority %d", int(req.Priority)))
	}

	role, err := b.roles.Get(req.AssignedTo)
	if err != nil {
		return nil, NewValidationError("assigned_to", fmt.Sprintf("unknown role '%s'", req.AssignedTo))
	}
	if !role.AcceptsType(req.TaskType) {
		return nil, NewValidationError("task_type",
			fmt.Sprintf("role '%s' does not accept task type '%s'", req.AssignedTo, req.TaskType))
	}

	draft := models.TaskDraft{
		Prefix:      role.Prefix,
		Title:       req.Title,
		Description: req.Description,
		TaskType:    req.TaskType,
		AssignedTo:  req.AssignedTo,
		Priority:    req.Priority,
		BlockedBy:   req.BlockedBy,
	}

	if req.ParentID != nil {
		parent, err := b.store.GetTask(ctx, *req.ParentID)
		if err != nil {
			return nil, fmt.Errorf("create task: parent: %w", err)
		}
		if parent.GroupID != req.GroupID {
			return nil, NewValidationError("parent_id", "parent belongs to a different group")
		}
		draft.ParentID = req.ParentID
		draft.Depth = parent.Depth + 1
	}

	tasks, err := b.store.CreateTaskGraph(ctx, req.GroupID, []models.TaskDraft{draft}, b.limits)
	if err != nil {
		return nil, mapStoreError("create task", "", err)
	}

	task := tasks[0]
	b.publishTask(bus.TopicTaskCreated, task, nil)
	slog.Info("Task created", "task_id", task.ID, "group_id", task.GroupID, "role", task.AssignedTo)
	return task, nil
}

// CreateBatch creates a set of tasks and their sibling dependency edges in
// one transaction. Used by the router for child batches; drafts must already
// be in an order where every sibling dependency precedes its dependents.
func (b *Board) CreateBatch(ctx context.Context, groupID string, drafts []models.TaskDraft) ([]*models.Task, error) {
	tasks, err := b.store.CreateTaskGraph(ctx, groupID, drafts, b.limits)
	if err != nil {
		return nil, mapStoreError("create batch", "", err)
	}
	for _, task := range tasks {
		b.publishTask(bus.TopicTaskCreated, task, nil)
	}
	return tasks, nil
}

// GetTask returns one task with its dependencies resolved.
func (b *Board) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return b.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filters in deterministic order.
func (b *Board) ListTasks(ctx context.Context, f models.TaskFilters) ([]*models.Task, error) {
	return b.store.ListTasks(ctx, f)
}

// GetGroup returns one task group.
func (b *Board) GetGroup(ctx context.Context, id string) (*models.TaskGroup, error) {
	return b.store.GetGroup(ctx, id)
}

// ListGroups returns all groups with task counts, newest first.
func (b *Board) ListGroups(ctx context.Context) ([]*models.GroupSummary, error) {
	return b.store.ListGroups(ctx)
}

// ListAgents returns agent instances matching the filters.
func (b *Board) ListAgents(ctx context.Context, f models.AgentFilters) ([]*models.AgentInstance, error) {
	return b.store.ListAgents(ctx, f)
}

// QueueDepths returns the pending task count per role.
func (b *Board) QueueDepths(ctx context.Context) (map[string]int, error) {
	return b.store.PendingDepths(ctx)
}

// publishTask emits a task lifecycle event with the standard payload plus
// any extra keys.
func (b *Board) publishTask(topic string, t *models.Task, extra map[string]any) {
	payload := map[string]any{
		"task_id":   t.ID,
		"group_id":  t.GroupID,
		"role":      t.AssignedTo,
		"task_type": t.TaskType,
		"status":    string(t.Status),
		"priority":  t.Priority.String(),
		"title":     t.Title,
	}
	for k, v := range extra {
		payload[k] = v
	}
	b.bus.Publish(topic, payload)
}
