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

// RejectionLimitReason marks tasks failed by rejection loop detection.
const RejectionLimitReason = "rejection cycle limit exceeded"

// RejectTask lands a rejection verdict on the caller's in_progress task.
//
// The rejected task itself completes with the verdict as its result; the
// work returns to back_to_role as a fresh rework child carrying the
// rejection reason, parent_id, and depth+1. The child's shape (task type,
// title, priority) comes from the task's nearest ancestor owned by
// back_to_role, or the task itself when it already belongs to that role.
//
// Loop detection walks the parent chain: once the (back_to_role, task type)
// pair would occur more than the cycle limit allows, the child is created
// already failed with reason "rejection cycle limit exceeded" and nothing
// further spawns from it. A task whose own rejection count is already spent
// terminal-fails instead and cascades.
func (b *Board) RejectTask(ctx context.Context, taskID, instanceID string, verdict *models.Result) (*store.RejectionOutcome, error) {
	if verdict == nil {
		return nil, NewValidationError("verdict", "required")
	}
	if err := verdict.Validate(); err != nil {
		return nil, NewValidationError("verdict", err.Error())
	}
	if verdict.Kind != models.ResultReject {
		return nil, NewValidationError("verdict", fmt.Sprintf("kind %q is not a rejection", verdict.Kind))
	}

	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("reject task: %w", err)
	}
	if task.Status != models.TaskStatusInProgress || !task.ClaimedByInstance(instanceID) {
		return nil, &StateError{Op: "reject task", TaskID: taskID, Detail: "not claimed by caller"}
	}

	backRole, err := b.roles.Get(verdict.BackToRole)
	if err != nil {
		return nil, NewValidationError("back_to_role", fmt.Sprintf("unknown role '%s'", verdict.BackToRole))
	}

	// Row-level bound: a task over its own rejection budget fails outright.
	if task.RejectionCount+1 > b.rejectionLimit {
		out, err := b.store.ApplyRejection(ctx, store.RejectionParams{
			TaskID:         taskID,
			InstanceID:     instanceID,
			Verdict:        verdict,
			Terminal:       true,
			TerminalReason: RejectionLimitReason,
		})
		if err != nil {
			return nil, mapStoreError("reject task", taskID, err)
		}

		b.publishTask(bus.TopicTaskRejected, out.Task, map[string]any{
			"reason":          verdict.Reason,
			"back_to_role":    verdict.BackToRole,
			"rejection_count": out.Task.RejectionCount,
			"terminal":        true,
		})
		b.publishTask(bus.TopicTaskFailed, out.Task, map[string]any{"reason": RejectionLimitReason})
		b.publishCascade(out.Cascaded)
		slog.Warn("Rejection limit exhausted, task failed",
			"task_id", taskID,
			"rejection_count", out.Task.RejectionCount)
		return out, nil
	}

	child, bornFailed, err := b.reworkChild(ctx, task, backRole, verdict)
	if err != nil {
		return nil, err
	}

	out, err := b.store.ApplyRejection(ctx, store.RejectionParams{
		TaskID:     taskID,
		InstanceID: instanceID,
		Verdict:    verdict,
		Child:      child,
		Limits:     b.limits,
	})
	if err != nil {
		return nil, mapStoreError("reject task", taskID, err)
	}

	b.publishTask(bus.TopicTaskRejected, out.Task, map[string]any{
		"reason":          verdict.Reason,
		"back_to_role":    verdict.BackToRole,
		"rejection_count": out.Task.RejectionCount,
		"child_task_id":   out.Child.ID,
	})
	b.publishTask(bus.TopicTaskCreated, out.Child, nil)
	if bornFailed {
		b.publishTask(bus.TopicTaskFailed, out.Child, map[string]any{"reason": RejectionLimitReason})
	}

	slog.Info("Task rejected",
		"task_id", taskID,
		"back_to_role", verdict.BackToRole,
		"child_task_id", out.Child.ID,
		"child_status", string(out.Child.Status))
	return out, nil
}

// reworkChild builds the draft for a rejection's rework task and decides
// whether loop detection kills it at birth.
func (b *Board) reworkChild(ctx context.Context, task *models.Task, backRole *config.RoleConfig, verdict *models.Result) (*models.TaskDraft, bool, error) {
	ancestors, err := b.store.AncestorChain(ctx, task.ID)
	if err != nil {
		return nil, false, fmt.Errorf("reject task: %w", err)
	}

	// The work sent back is the target role's most recent incarnation in
	// this lineage.
	source := task
	if task.AssignedTo != backRole.Role {
		for _, a := range ancestors {
			if a.AssignedTo == backRole.Role {
				source = a
				break
			}
		}
	}

	// Occurrences of (back_to_role, task type) in the lineage so far. The
	// chain starts with the rejected task itself, so a same-role rejection
	// counts it; the new child adds one more.
	pairCount := 0
	for _, a := range ancestors {
		if a.AssignedTo == backRole.Role && a.TaskType == source.TaskType {
			pairCount++
		}
	}

	reason := verdict.Reason
	draft := &models.TaskDraft{
		Prefix:          backRole.Prefix,
		Title:           source.Title,
		Description:     source.Description,
		TaskType:        source.TaskType,
		AssignedTo:      backRole.Role,
		Priority:        source.Priority,
		ParentID:        &task.ID,
		Depth:           task.Depth + 1,
		RejectionCount:  pairCount,
		RejectionReason: &reason,
	}

	if pairCount+1 > b.rejectionLimit {
		failReason := RejectionLimitReason
		draft.Status = models.TaskStatusFailed
		draft.FailureReason = &failReason
		return draft, true, nil
	}
	return draft, false, nil
}
