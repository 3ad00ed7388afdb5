package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// RecordCompletion transitions a claimed task to completed and unblocks its
// dependents in the same transaction: the satisfied edges are dropped, and any
// dependent left with an empty dependency set moves from blocked to pending.
// Returns the completed task and the tasks that became pending.
func (s *Store) RecordCompletion(ctx context.Context, taskID, instanceID string, result *models.Result) (*models.Task, []*models.Task, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("complete task: %w", err)
	}
	tx, err := s.begin(ctx, "complete task")
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', completed_at = ?, claimed_by = NULL,
			result_payload = ?, failure_reason = NULL
		WHERE id = ? AND status = 'in_progress' AND claimed_by = ?`,
		ts(now), string(payload), taskID, instanceID)
	if err != nil {
		return nil, nil, s.classify("complete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, s.conflictFor(ctx, tx, "complete task", taskID)
	}

	unblocked, err := s.unblockDependentsTx(ctx, tx, taskID)
	if err != nil {
		return nil, nil, err
	}
	t, err := getTask(ctx, tx, taskID)
	if err != nil {
		return nil, nil, s.classify("complete task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, s.classify("complete task", err)
	}
	return t, unblocked, nil
}

// unblockDependentsTx drops every edge satisfied by taskID and promotes
// dependents whose dependency set became empty. Promotion order is creation
// order, which routing keeps topologically consistent.
func (s *Store) unblockDependentsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]*models.Task, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT t.id FROM task_dependencies td
		JOIN tasks t ON t.id = td.task_id
		WHERE td.depends_on = ?
		ORDER BY t.created_at ASC, t.seq ASC, t.id ASC`, taskID)
	if err != nil {
		return nil, s.classify("unblock dependents", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, s.classify("unblock dependents", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, s.classify("unblock dependents", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_dependencies WHERE depends_on = ?", taskID); err != nil {
		return nil, s.classify("unblock dependents", err)
	}

	var unblocked []*models.Task
	for _, id := range ids {
		var remaining int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM task_dependencies WHERE task_id = ?", id).Scan(&remaining)
		if err != nil {
			return nil, s.classify("unblock dependents", err)
		}
		if remaining > 0 {
			continue
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE tasks SET status = 'pending' WHERE id = ? AND status = 'blocked'", id)
		if err != nil {
			return nil, s.classify("unblock dependents", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return nil, s.classify("unblock dependents", err)
		}
		unblocked = append(unblocked, t)
	}
	return unblocked, nil
}

// FailTask terminal-transitions a task to failed and cascades the failure to
// its transitive dependents in the same transaction. With a non-nil instanceID
// the task must be in_progress and claimed by that instance; with nil, any
// live task can be failed. Returns the failed task and the cascaded
// dependents in the order they were failed.
func (s *Store) FailTask(ctx context.Context, taskID string, instanceID *string, reason string) (*models.Task, []*models.Task, error) {
	tx, err := s.begin(ctx, "fail task")
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var res sql.Result
	if instanceID != nil {
		res, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed', completed_at = ?, claimed_by = NULL, failure_reason = ?
			WHERE id = ? AND status = 'in_progress' AND claimed_by = ?`,
			ts(now), reason, taskID, *instanceID)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed', completed_at = ?, claimed_by = NULL, failure_reason = ?
			WHERE id = ? AND status IN (`+liveStatuses+`)`,
			ts(now), reason, taskID)
	}
	if err != nil {
		return nil, nil, s.classify("fail task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, s.conflictFor(ctx, tx, "fail task", taskID)
	}

	cascaded, err := s.cascadeTx(ctx, tx, taskID, models.TaskStatusFailed, "upstream failure", now)
	if err != nil {
		return nil, nil, err
	}
	t, err := getTask(ctx, tx, taskID)
	if err != nil {
		return nil, nil, s.classify("fail task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, s.classify("fail task", err)
	}
	return t, cascaded, nil
}

// CancelTask terminal-transitions any live task to cancelled and cascades
// "upstream cancelled" to its transitive dependents.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) (*models.Task, []*models.Task, error) {
	tx, err := s.begin(ctx, "cancel task")
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', completed_at = ?, claimed_by = NULL, failure_reason = ?
		WHERE id = ? AND status IN (`+liveStatuses+`)`,
		ts(now), reason, taskID)
	if err != nil {
		return nil, nil, s.classify("cancel task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil, s.conflictFor(ctx, tx, "cancel task", taskID)
	}

	cascaded, err := s.cascadeTx(ctx, tx, taskID, models.TaskStatusCancelled, "upstream cancelled", now)
	if err != nil {
		return nil, nil, err
	}
	t, err := getTask(ctx, tx, taskID)
	if err != nil {
		return nil, nil, s.classify("cancel task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, s.classify("cancel task", err)
	}
	return t, cascaded, nil
}

// cascadeTx terminal-transitions every live transitive dependent of rootID,
// in topological order so upstream events precede downstream ones. Dependency
// edges survive so a later retry can re-derive blocked state.
func (s *Store) cascadeTx(ctx context.Context, tx *sql.Tx, rootID string, status models.TaskStatus, reason string, now time.Time) ([]*models.Task, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE dependents (id) AS (
			SELECT task_id FROM task_dependencies WHERE depends_on = ?
			UNION
			SELECT td.task_id FROM task_dependencies td
			JOIN dependents d ON td.depends_on = d.id
		)
		SELECT t.id FROM tasks t
		JOIN dependents d ON t.id = d.id
		WHERE t.status IN (`+liveStatuses+`)
		ORDER BY t.created_at ASC, t.seq ASC, t.id ASC`, rootID)
	if err != nil {
		return nil, s.classify("cascade", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, s.classify("cascade", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, s.classify("cascade", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}

	ordered, err := s.topoOrderTx(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	var cascaded []*models.Task
	for _, id := range ordered {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = ?, claimed_by = NULL, failure_reason = ?
			WHERE id = ? AND status IN (`+liveStatuses+`)`,
			string(status), ts(now), reason, id)
		if err != nil {
			return nil, s.classify("cascade", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return nil, s.classify("cascade", err)
		}
		cascaded = append(cascaded, t)
	}
	return cascaded, nil
}

// topoOrderTx sorts ids by Kahn's algorithm over the edges among them,
// breaking ties by the incoming order, which is already deterministic.
func (s *Store) topoOrderTx(ctx context.Context, tx *sql.Tx, ids []string) ([]string, error) {
	pos := make(map[string]int, len(ids))
	args := make([]any, 0, 2*len(ids))
	for i, id := range ids {
		pos[id] = i
		args = append(args, id)
	}
	args = append(args, args...)

	ph := placeholders(len(ids))
	rows, err := tx.QueryContext(ctx,
		"SELECT task_id, depends_on FROM task_dependencies WHERE task_id IN ("+ph+") AND depends_on IN ("+ph+")",
		args...)
	if err != nil {
		return nil, s.classify("cascade", err)
	}
	indegree := make([]int, len(ids))
	dependents := make([][]int, len(ids))
	for rows.Next() {
		var taskID, dependsOn string
		if err := rows.Scan(&taskID, &dependsOn); err != nil {
			rows.Close()
			return nil, s.classify("cascade", err)
		}
		i, j := pos[taskID], pos[dependsOn]
		indegree[i]++
		dependents[j] = append(dependents[j], i)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, s.classify("cascade", err)
	}
	rows.Close()

	done := make([]bool, len(ids))
	ordered := make([]string, 0, len(ids))
	for len(ordered) < len(ids) {
		next := -1
		for i := range ids {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			// Edges among live tasks cannot form a cycle; creation refuses
			// them. Fall back to the scan order for whatever is left.
			for i := range ids {
				if !done[i] {
					ordered = append(ordered, ids[i])
				}
			}
			return ordered, nil
		}
		done[next] = true
		ordered = append(ordered, ids[next])
		for _, j := range dependents[next] {
			indegree[j]--
		}
	}
	return ordered, nil
}

// UnblockScanResult partitions the tasks an unblock scan transitioned.
type UnblockScanResult struct {
	Unblocked []*models.Task
	Failed    []*models.Task
	Cancelled []*models.Task
}

// UnblockScan walks the group's blocked tasks to a fixpoint: a task with a
// failed dependency fails, one with a cancelled dependency cancels, one whose
// dependencies all completed becomes pending. Idempotent; used on startup and
// after bulk operations to repair any gap between edges and statuses.
func (s *Store) UnblockScan(ctx context.Context, groupID string) (UnblockScanResult, error) {
	var result UnblockScanResult
	tx, err := s.begin(ctx, "unblock scan")
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for {
		changed, err := s.unblockPassTx(ctx, tx, groupID, now, &result)
		if err != nil {
			return UnblockScanResult{}, err
		}
		if !changed {
			break
		}
	}
	if err := tx.Commit(); err != nil {
		return UnblockScanResult{}, s.classify("unblock scan", err)
	}
	return result, nil
}

func (s *Store) unblockPassTx(ctx context.Context, tx *sql.Tx, groupID string, now time.Time, result *UnblockScanResult) (bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT t.id,
			SUM(CASE WHEN d.status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN d.status = 'cancelled' THEN 1 ELSE 0 END),
			SUM(CASE WHEN d.status IN (`+liveStatuses+`) THEN 1 ELSE 0 END)
		FROM tasks t
		LEFT JOIN task_dependencies td ON td.task_id = t.id
		LEFT JOIN tasks d ON d.id = td.depends_on
		WHERE t.group_id = ? AND t.status = 'blocked'
		GROUP BY t.id
		ORDER BY t.created_at ASC, t.seq ASC, t.id ASC`, groupID)
	if err != nil {
		return false, s.classify("unblock scan", err)
	}
	type rollup struct {
		id        string
		failed    int
		cancelled int
		live      int
	}
	var blocked []rollup
	for rows.Next() {
		var r rollup
		if err := rows.Scan(&r.id, &r.failed, &r.cancelled, &r.live); err != nil {
			rows.Close()
			return false, s.classify("unblock scan", err)
		}
		blocked = append(blocked, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return false, s.classify("unblock scan", err)
	}
	rows.Close()

	changed := false
	for _, r := range blocked {
		switch {
		case r.failed > 0:
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'failed', completed_at = ?, failure_reason = 'upstream failure'
				WHERE id = ? AND status = 'blocked'`, ts(now), r.id)
			if err != nil {
				return false, s.classify("unblock scan", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			t, err := getTask(ctx, tx, r.id)
			if err != nil {
				return false, s.classify("unblock scan", err)
			}
			result.Failed = append(result.Failed, t)
			changed = true
		case r.cancelled > 0:
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = 'cancelled', completed_at = ?, failure_reason = 'upstream cancelled'
				WHERE id = ? AND status = 'blocked'`, ts(now), r.id)
			if err != nil {
				return false, s.classify("unblock scan", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			t, err := getTask(ctx, tx, r.id)
			if err != nil {
				return false, s.classify("unblock scan", err)
			}
			result.Cancelled = append(result.Cancelled, t)
			changed = true
		case r.live == 0:
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM task_dependencies WHERE task_id = ?", r.id); err != nil {
				return false, s.classify("unblock scan", err)
			}
			res, err := tx.ExecContext(ctx,
				"UPDATE tasks SET status = 'pending' WHERE id = ? AND status = 'blocked'", r.id)
			if err != nil {
				return false, s.classify("unblock scan", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			t, err := getTask(ctx, tx, r.id)
			if err != nil {
				return false, s.classify("unblock scan", err)
			}
			result.Unblocked = append(result.Unblocked, t)
			changed = true
		}
	}
	return changed, nil
}

// RetryTask returns a failed task to the graph. Edges kept at failure time
// decide the new status: all-completed dependencies drop their edges and the
// task is pending, live dependencies keep it blocked, and a failed or
// cancelled dependency refuses the retry until it is retried first.
func (s *Store) RetryTask(ctx context.Context, taskID string) (*models.Task, error) {
	tx, err := s.begin(ctx, "retry task")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := getTask(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, s.classify("retry task", err)
	}
	if t.Status != models.TaskStatusFailed {
		return nil, &ConflictError{
			Op: "retry task", TaskID: taskID,
			Detail: fmt.Sprintf("status is %s, only failed tasks can be retried", t.Status),
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT td.depends_on, d.status FROM task_dependencies td
		JOIN tasks d ON d.id = td.depends_on
		WHERE td.task_id = ?`, taskID)
	if err != nil {
		return nil, s.classify("retry task", err)
	}
	var satisfied []string
	live := 0
	for rows.Next() {
		var dep string
		var status models.TaskStatus
		if err := rows.Scan(&dep, &status); err != nil {
			rows.Close()
			return nil, s.classify("retry task", err)
		}
		switch {
		case status.TerminalSuccess():
			satisfied = append(satisfied, dep)
		case status.Terminal():
			rows.Close()
			return nil, &IntegrityError{
				Rule:   RuleDependencyState,
				Detail: fmt.Sprintf("dependency %s is %s, retry it first", dep, status),
			}
		default:
			live++
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, s.classify("retry task", err)
	}
	rows.Close()

	for _, dep := range satisfied {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM task_dependencies WHERE task_id = ? AND depends_on = ?", taskID, dep)
		if err != nil {
			return nil, s.classify("retry task", err)
		}
	}

	status := models.TaskStatusPending
	if live > 0 {
		status = models.TaskStatusBlocked
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, retry_count = 0, failure_reason = NULL,
			completed_at = NULL, claimed_by = NULL, started_at = NULL
		WHERE id = ? AND status = 'failed'`, string(status), taskID)
	if err != nil {
		return nil, s.classify("retry task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.conflictFor(ctx, tx, "retry task", taskID)
	}
	t, err = getTask(ctx, tx, taskID)
	if err != nil {
		return nil, s.classify("retry task", err)
	}
	if err := loadDependencies(ctx, tx, []*models.Task{t}); err != nil {
		return nil, s.classify("retry task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.classify("retry task", err)
	}
	return t, nil
}

// ReassignTask moves an unclaimed task to another role. Claimed and terminal
// tasks refuse.
func (s *Store) ReassignTask(ctx context.Context, taskID, role string) (*models.Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET assigned_to = ?
		WHERE id = ? AND status IN ('blocked', 'pending')`, role, taskID)
	if err != nil {
		return nil, s.classify("reassign task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.conflictFor(ctx, s.db, "reassign task", taskID)
	}
	return s.GetTask(ctx, taskID)
}

// RejectionParams describes how a reviewer's rejection lands. The board
// decides the shape beforehand: Terminal fails the rejected task itself, and
// Child (possibly born failed) is the rework task to create alongside it.
type RejectionParams struct {
	TaskID         string
	InstanceID     string
	Verdict        *models.Result
	Terminal       bool
	TerminalReason string
	Child          *models.TaskDraft
	Limits         GuardrailLimits
}

// RejectionOutcome reports every row a rejection touched.
type RejectionOutcome struct {
	Task      *models.Task
	Child     *models.Task
	Unblocked []*models.Task
	Cascaded  []*models.Task
}

// ApplyRejection lands a rejection in one transaction. Terminal rejections
// fail the task and cascade; otherwise the task completes with the rejecting
// verdict as its result, dependents unblock, and the rework child is created.
func (s *Store) ApplyRejection(ctx context.Context, p RejectionParams) (*RejectionOutcome, error) {
	payload, err := json.Marshal(p.Verdict)
	if err != nil {
		return nil, fmt.Errorf("reject task: %w", err)
	}
	tx, err := s.begin(ctx, "reject task")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := &RejectionOutcome{}

	if p.Terminal {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed', completed_at = ?, claimed_by = NULL,
				rejection_count = rejection_count + 1, rejection_reason = ?,
				failure_reason = ?, result_payload = ?
			WHERE id = ? AND status = 'in_progress' AND claimed_by = ?`,
			ts(now), p.Verdict.Reason, p.TerminalReason, string(payload), p.TaskID, p.InstanceID)
		if err != nil {
			return nil, s.classify("reject task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, s.conflictFor(ctx, tx, "reject task", p.TaskID)
		}
		out.Cascaded, err = s.cascadeTx(ctx, tx, p.TaskID, models.TaskStatusFailed, "upstream failure", now)
		if err != nil {
			return nil, err
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', completed_at = ?, claimed_by = NULL,
				rejection_count = rejection_count + 1, result_payload = ?, failure_reason = NULL
			WHERE id = ? AND status = 'in_progress' AND claimed_by = ?`,
			ts(now), string(payload), p.TaskID, p.InstanceID)
		if err != nil {
			return nil, s.classify("reject task", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, s.conflictFor(ctx, tx, "reject task", p.TaskID)
		}
		out.Unblocked, err = s.unblockDependentsTx(ctx, tx, p.TaskID)
		if err != nil {
			return nil, err
		}
	}

	if p.Child != nil {
		t, err := getTask(ctx, tx, p.TaskID)
		if err != nil {
			return nil, s.classify("reject task", err)
		}
		children, err := s.createDraftsTx(ctx, tx, t.GroupID, []models.TaskDraft{*p.Child}, p.Limits, now)
		if err != nil {
			return nil, err
		}
		out.Child = children[0]
	}

	out.Task, err = getTask(ctx, tx, p.TaskID)
	if err != nil {
		return nil, s.classify("reject task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.classify("reject task", err)
	}
	return out, nil
}
