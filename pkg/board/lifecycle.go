package board

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/bus"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// ClaimNext hands the caller the best claimable task for its role, or nil
// when the queue is empty or another instance won the race. A database-busy
// conflict is treated as empty; the caller polls again. Durability faults
// pass through so the orchestrator can begin shutdown.
func (b *Board) ClaimNext(ctx context.Context, role, instanceID string) (*models.Task, error) {
	task, err := b.store.ClaimNext(ctx, role, instanceID)
	if err != nil {
		if store.IsConflict(err) {
			slog.Debug("Claim lost to database contention", "role", role, "instance_id", instanceID)
			return nil, nil
		}
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	b.publishTask(bus.TopicTaskClaimed, task, map[string]any{"instance_id": instanceID})
	return task, nil
}

// CompleteTask transitions the caller's in_progress task to completed,
// records the result, and unblocks dependents whose last dependency this
// was, all in one transaction. Unblocked tasks become pending silently;
// idle loops find them on the poll floor.
func (b *Board) CompleteTask(ctx context.Context, taskID, instanceID string, result *models.Result) (*models.Task, error) {
	if result == nil {
		return nil, NewValidationError("result", "required")
	}
	if err := result.Validate(); err != nil {
		return nil, NewValidationError("result", err.Error())
	}
	if result.Kind != models.ResultSuccess {
		return nil, NewValidationError("result", fmt.Sprintf("kind %q is not a completion", result.Kind))
	}

	task, unblocked, err := b.store.RecordCompletion(ctx, taskID, instanceID, result)
	if err != nil {
		return nil, mapStoreError("complete task", taskID, err)
	}

	b.publishTask(bus.TopicTaskCompleted, task, map[string]any{
		"instance_id": instanceID,
		"produces":    len(result.Produces),
	})
	slog.Info("Task completed",
		"task_id", taskID,
		"instance_id", instanceID,
		"unblocked", len(unblocked))
	return task, nil
}

// FailTask reports an execution failure. Transient failures revert the task
// to pending with an incremented retry counter until the retry limit is
// spent; everything else is terminal and cascades "upstream failure" to all
// transitive dependents. Every terminal failure publishes task.failed; a
// transient revert publishes task.failed with will_retry=true.
func (b *Board) FailTask(ctx context.Context, taskID, instanceID, reason string, transient bool) (*models.Task, error) {
	if transient {
		task, err := b.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("fail task: %w", err)
		}
		if task.Status != models.TaskStatusInProgress || !task.ClaimedByInstance(instanceID) {
			return nil, &StateError{Op: "fail task", TaskID: taskID, Detail: "not claimed by caller"}
		}

		if task.RetryCount < b.retryLimit {
			reverted, err := b.store.RevertTransient(ctx, taskID, instanceID, reason)
			if err != nil {
				return nil, mapStoreError("fail task", taskID, err)
			}
			b.publishTask(bus.TopicTaskFailed, reverted, map[string]any{
				"reason":      reason,
				"transient":   true,
				"will_retry":  true,
				"retry_count": reverted.RetryCount,
			})
			slog.Warn("Task failed, will retry",
				"task_id", taskID,
				"retry_count", reverted.RetryCount,
				"reason", reason)
			return reverted, nil
		}
		reason = fmt.Sprintf("%s (retries exhausted)", reason)
	}

	task, cascaded, err := b.store.FailTask(ctx, taskID, &instanceID, reason)
	if err != nil {
		return nil, mapStoreError("fail task", taskID, err)
	}

	b.publishTask(bus.TopicTaskFailed, task, map[string]any{
		"reason":     reason,
		"transient":  transient,
		"will_retry": false,
	})
	b.publishCascade(cascaded)
	slog.Warn("Task failed",
		"task_id", taskID,
		"reason", reason,
		"cascaded", len(cascaded))
	return task, nil
}

// CancelTask cancels a live task and cascades "upstream cancelled" to its
// transitive dependents. Cancelling in_progress work succeeds immediately;
// the fleet aborts the running provider on the task.cancelled event and the
// loop's late report bounces off the cleared claim.
func (b *Board) CancelTask(ctx context.Context, taskID, reason string) (*models.Task, error) {
	task, cascaded, err := b.store.CancelTask(ctx, taskID, reason)
	if err != nil {
		return nil, mapStoreError("cancel task", taskID, err)
	}

	b.publishTask(bus.TopicTaskCancelled, task, map[string]any{"reason": reason})
	b.publishCascade(cascaded)
	slog.Info("Task cancelled",
		"task_id", taskID,
		"reason", reason,
		"cascaded", len(cascaded))
	return task, nil
}

// UnblockScan reconciles one group's blocked tasks against their dependency
// states: fully satisfied tasks become pending, tasks behind a failed or
// cancelled dependency are cascaded terminal. Idempotent; used on startup
// and after bulk operations. Promotions publish no event, loops find the
// work on the poll floor.
func (b *Board) UnblockScan(ctx context.Context, groupID string) (store.UnblockScanResult, error) {
	result, err := b.store.UnblockScan(ctx, groupID)
	if err != nil {
		return result, err
	}

	b.publishCascade(result.Failed)
	b.publishCascade(result.Cancelled)
	if n := len(result.Unblocked) + len(result.Failed) + len(result.Cancelled); n > 0 {
		slog.Info("Unblock scan reconciled tasks",
			"group_id", groupID,
			"unblocked", len(result.Unblocked),
			"failed", len(result.Failed),
			"cancelled", len(result.Cancelled))
	}
	return result, nil
}

// ReleaseStale returns every in_progress task the instance holds to pending
// and announces each as recovered. The reaper calls this for instances that
// stopped heartbeating; the fleet calls it when shutdown interrupts running
// work. The retry counter is untouched, recovery is not a failure.
func (b *Board) ReleaseStale(ctx context.Context, instanceID, source string) ([]*models.Task, error) {
	tasks, err := b.store.ResetStale(ctx, instanceID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		b.publishTask(bus.TopicTaskRecovered, t, map[string]any{
			"source":      source,
			"instance_id": instanceID,
		})
	}
	if len(tasks) > 0 {
		slog.Warn("Released tasks held by stale instance",
			"instance_id", instanceID,
			"source", source,
			"count", len(tasks))
	}
	return tasks, nil
}

// RetryTask is the operator override for a failed task: failure state is
// cleared and the task returns to pending, or to blocked while live
// dependencies remain. Dependencies that failed or were cancelled must be
// retried first.
func (b *Board) RetryTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := b.store.RetryTask(ctx, taskID)
	if err != nil {
		return nil, mapStoreError("retry task", taskID, err)
	}

	b.publishTask(bus.TopicTaskRecovered, task, map[string]any{"source": "retry"})
	slog.Info("Task returned to queue", "task_id", taskID, "status", string(task.Status))
	return task, nil
}

// ReassignTask moves a blocked or pending task to another role. In-progress
// tasks are refused; cancel or wait instead. The task keeps its id.
func (b *Board) ReassignTask(ctx context.Context, taskID, role string) (*models.Task, error) {
	target, err := b.roles.Get(role)
	if err != nil {
		return nil, NewValidationError("role", fmt.Sprintf("unknown role '%s'", role))
	}

	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("reassign task: %w", err)
	}
	if !target.AcceptsType(task.TaskType) {
		return nil, NewValidationError("role",
			fmt.Sprintf("role '%s' does not accept task type '%s'", role, task.TaskType))
	}
	fromRole := task.AssignedTo

	task, err = b.store.ReassignTask(ctx, taskID, role)
	if err != nil {
		return nil, mapStoreError("reassign task", taskID, err)
	}

	b.publishTask(bus.TopicTaskReassigned, task, map[string]any{
		"from_role": fromRole,
		"to_role":   role,
	})
	slog.Info("Task reassigned", "task_id", taskID, "from_role", fromRole, "to_role", role)
	return task, nil
}

// publishCascade emits the terminal event for every task swept by a
// failure or cancellation cascade, in the cascade's topological order.
func (b *Board) publishCascade(tasks []*models.Task) {
	for _, t := range tasks {
		reason := ""
		if t.FailureReason != nil {
			reason = *t.FailureReason
		}
		topic := bus.TopicTaskFailed
		if t.Status == models.TaskStatusCancelled {
			topic = bus.TopicTaskCancelled
		}
		b.publishTask(topic, t, map[string]any{
			"reason":   reason,
			"cascaded": true,
		})
	}
}
