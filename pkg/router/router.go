// Package router turns completed tasks into follow-up work. It subscribes to
// task.completed on the bus, reads the produces entries from the completion
// result, resolves each entry to a target role per the team's routing mode,
// and creates the whole child batch through the board in one transaction.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/conductor/pkg/board"
	"github.com/codeready-toolchain/conductor/pkg/bus"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Router fans completed tasks out into their declared children.
type Router struct {
	board *board.Board
	bus   *bus.Bus
	roles *config.RoleRegistry
	mode  config.RoutingMode

	unsubscribe func()
}

// New builds a router over the board and role registry.
func New(b *board.Board, eventBus *bus.Bus, cfg *config.Config) *Router {
	return &Router{
		board: b,
		bus:   eventBus,
		roles: cfg.Roles,
		mode:  cfg.Team.RoutingMode,
	}
}

// Start subscribes the router to task.completed. Routing runs on the
// subscriber's dispatch goroutine, so a slow store never stalls publishers.
func (r *Router) Start(ctx context.Context) {
	r.unsubscribe = r.bus.Subscribe(bus.TopicTaskCompleted, func(ev bus.Event) {
		taskID, _ := ev.Payload["task_id"].(string)
		if taskID == "" {
			return
		}
		if err := r.Route(ctx, taskID); err != nil {
			slog.Error("Routing pass failed", "task_id", taskID, "error", err)
		}
	})
}

// Stop detaches the router from the bus.
func (r *Router) Stop() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// Route runs one routing pass for a completed task: resolve every produces
// entry to a role, topologically order the survivors, and create them as one
// batch. Entries that cannot be routed are dropped with a router.dropped
// event, along with any sibling that depended on them.
func (r *Router) Route(ctx context.Context, taskID string) error {
	task, err := r.board.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("route %s: %w", taskID, err)
	}
	if task.Status != models.TaskStatusCompleted || task.ResultPayload == nil {
		return nil
	}
	result := task.ResultPayload
	if result.Kind != models.ResultSuccess || len(result.Produces) == 0 {
		return nil
	}

	source, err := r.roles.Get(task.AssignedTo)
	if err != nil {
		return fmt.Errorf("route %s: %w", taskID, err)
	}

	drafts, err := r.buildDrafts(task, source, result.Produces)
	if err != nil {
		return err
	}
	if len(drafts) == 0 {
		return nil
	}

	children, err := r.board.CreateBatch(ctx, task.GroupID, drafts)
	if err != nil {
		// A refused batch drops every entry at once; the graph is unchanged.
		r.dropAll(task, result.Produces, err.Error())
		return fmt.Errorf("route %s: %w", taskID, err)
	}

	slog.Info("Routed completion into child tasks",
		"task_id", taskID,
		"children", len(children),
		"group_id", task.GroupID)
	return nil
}

// buildDrafts resolves targets and orders the surviving entries so sibling
// dependencies always precede their dependents.
func (r *Router) buildDrafts(task *models.Task, source *config.RoleConfig, specs []models.ChildSpec) ([]models.TaskDraft, error) {
	type resolved struct {
		spec models.ChildSpec
		role *config.RoleConfig
	}

	kept := make(map[string]resolved, len(specs))
	order := make([]string, 0, len(specs))
	for i, spec := range specs {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		target, reason := r.resolveTarget(source, spec.TaskType)
		if target == nil {
			r.drop(task, spec, reason)
			continue
		}
		kept[name] = resolved{spec: spec, role: target}
		order = append(order, name)
	}

	// An entry depending on a dropped sibling can never unblock; drop it
	// too, repeating until the survivor set is closed under dependencies.
	for {
		removed := false
		for _, name := range order {
			entry, ok := kept[name]
			if !ok {
				continue
			}
			for _, dep := range entry.spec.BlockedBy {
				if _, ok := kept[dep]; !ok {
					r.drop(task, entry.spec, fmt.Sprintf("depends on dropped sibling %q", dep))
					delete(kept, name)
					removed = true
					break
				}
			}
		}
		if !removed {
			break
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	sorted, err := topoOrder(order, kept, func(res resolved) []string { return res.spec.BlockedBy })
	if err != nil {
		r.dropAll(task, specs, err.Error())
		return nil, fmt.Errorf("route %s: %w", task.ID, err)
	}

	drafts := make([]models.TaskDraft, 0, len(sorted))
	for _, name := range sorted {
		entry := kept[name]
		drafts = append(drafts, models.TaskDraft{
			LocalName:        name,
			Prefix:           entry.role.Prefix,
			Title:            entry.spec.Title,
			Description:      entry.spec.Description,
			TaskType:         entry.spec.TaskType,
			AssignedTo:       entry.role.Role,
			Priority:         entry.spec.Priority,
			BlockedBySibling: entry.spec.BlockedBy,
			ParentID:         &task.ID,
			Depth:            task.Depth + 1,
		})
	}
	return drafts, nil
}

// resolveTarget picks the role that receives a produced task type. Both modes
// prefer an explicit routes_to rule; open mode falls back to the first role
// (sorted by name) accepting the type, restricted mode drops instead.
func (r *Router) resolveTarget(source *config.RoleConfig, taskType string) (*config.RoleConfig, string) {
	if !source.ProducesType(taskType) {
		return nil, fmt.Sprintf("role %q does not declare produces %q", source.Role, taskType)
	}

	for _, rule := range source.RoutesTo {
		for _, t := range rule.TaskTypes {
			if t != taskType {
				continue
			}
			target, err := r.roles.Get(rule.Role)
			if err != nil {
				return nil, fmt.Sprintf("routes_to role %q not found", rule.Role)
			}
			return target, ""
		}
	}

	if r.mode == config.RoutingModeRestricted {
		return nil, fmt.Sprintf("no routes_to rule for task type %q", taskType)
	}

	if acceptors := r.roles.AcceptorsOf(taskType); len(acceptors) > 0 {
		return acceptors[0], ""
	}
	return nil, fmt.Sprintf("no role accepts task type %q", taskType)
}

func (r *Router) drop(task *models.Task, spec models.ChildSpec, reason string) {
	slog.Warn("Dropping unroutable produces entry",
		"task_id", task.ID,
		"task_type", spec.TaskType,
		"title", spec.Title,
		"reason", reason)
	r.bus.Publish(bus.TopicRouterDropped, map[string]any{
		"task_id":   task.ID,
		"group_id":  task.GroupID,
		"task_type": spec.TaskType,
		"title":     spec.Title,
		"reason":    reason,
	})
}

func (r *Router) dropAll(task *models.Task, specs []models.ChildSpec, reason string) {
	for _, spec := range specs {
		r.drop(task, spec, reason)
	}
}

// topoOrder sorts names by Kahn's algorithm over sibling dependencies,
// visiting ready nodes in the incoming order for determinism.
func topoOrder[T any](order []string, nodes map[string]T, depsOf func(T) []string) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, name := range order {
		node, ok := nodes[name]
		if !ok {
			continue
		}
		for _, dep := range depsOf(node) {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	sorted := make([]string, 0, len(nodes))
	done := make(map[string]bool, len(nodes))
	for len(sorted) < len(nodes) {
		progressed := false
		for _, name := range order {
			if _, ok := nodes[name]; !ok {
				continue
			}
			if done[name] || indegree[name] > 0 {
				continue
			}
			done[name] = true
			sorted = append(sorted, name)
			for _, dep := range dependents[name] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle among produces entries")
		}
	}
	return sorted, nil
}
