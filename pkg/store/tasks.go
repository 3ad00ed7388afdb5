package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

const taskColumns = `id, seq, group_id, title, description, task_type, assigned_to,
	priority, status, created_at, started_at, completed_at, claimed_by, parent_id,
	depth, retry_count, rejection_count, rejection_reason, failure_reason, result_payload`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var priority int
	var status string
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	var claimedBy, parentID, rejectionReason, failureReason, payload sql.NullString
	err := row.Scan(
		&t.ID, &t.Seq, &t.GroupID, &t.Title, &t.Description, &t.TaskType,
		&t.AssignedTo, &priority, &status, &createdAt, &startedAt, &completedAt,
		&claimedBy, &parentID, &t.Depth, &t.RetryCount, &t.RejectionCount,
		&rejectionReason, &failureReason, &payload,
	)
	if err != nil {
		return nil, err
	}
	t.Priority = models.Priority(priority)
	t.Status = models.TaskStatus(status)
	t.CreatedAt = fromTS(createdAt)
	t.StartedAt = fromNullTS(startedAt)
	t.CompletedAt = fromNullTS(completedAt)
	t.ClaimedBy = fromNullStr(claimedBy)
	t.ParentID = fromNullStr(parentID)
	t.RejectionReason = fromNullStr(rejectionReason)
	t.FailureReason = fromNullStr(failureReason)
	if payload.Valid && payload.String != "" {
		var result models.Result
		if err := json.Unmarshal([]byte(payload.String), &result); err != nil {
			return nil, fmt.Errorf("task %s: corrupt result payload: %w", t.ID, err)
		}
		t.ResultPayload = &result
	}
	return &t, nil
}

func getTask(ctx context.Context, q querier, id string) (*models.Task, error) {
	row := q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	return scanTask(row)
}

// GetTask returns one task with its remaining dependencies loaded.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := getTask(ctx, s.db, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, s.classify("get task", err)
	}
	if err := loadDependencies(ctx, s.db, []*models.Task{t}); err != nil {
		return nil, s.classify("get task", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filters, oldest first.
func (s *Store) ListTasks(ctx context.Context, f models.TaskFilters) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	var where []string
	var args []any

	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if f.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, f.ClaimedBy)
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY created_at ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify("list tasks", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, s.classify("list tasks", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("list tasks", err)
	}
	if err := loadDependencies(ctx, s.db, tasks); err != nil {
		return nil, s.classify("list tasks", err)
	}
	return tasks, nil
}

// loadDependencies fills BlockedBy on every task from the edge table.
func loadDependencies(ctx context.Context, q querier, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[string]*models.Task, len(tasks))
	args := make([]any, 0, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		args = append(args, t.ID)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT task_id, depends_on FROM task_dependencies WHERE task_id IN ("+placeholders(len(args))+")",
		args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, dependsOn string
		if err := rows.Scan(&taskID, &dependsOn); err != nil {
			return err
		}
		if t, ok := byID[taskID]; ok {
			t.BlockedBy = append(t.BlockedBy, dependsOn)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, t := range tasks {
		sort.Strings(t.BlockedBy)
	}
	return nil
}

// PendingDepths returns the pending-queue depth per role in one scan.
func (s *Store) PendingDepths(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT assigned_to, COUNT(*) FROM tasks WHERE status = 'pending' GROUP BY assigned_to")
	if err != nil {
		return nil, s.classify("pending depths", err)
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, s.classify("pending depths", err)
		}
		depths[role] = n
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("pending depths", err)
	}
	return depths, nil
}

func liveTaskCount(ctx context.Context, q querier, groupID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE group_id = ? AND status IN ("+liveStatuses+")",
		groupID).Scan(&n)
	return n, err
}

// AncestorChain returns the task and its ancestors, nearest first, by
// following parent_id to the root.
func (s *Store) AncestorChain(ctx context.Context, taskID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain (n, `+taskColumns+`) AS (
			SELECT 0, `+taskColumns+` FROM tasks WHERE id = ?
			UNION ALL
			SELECT c.n + 1, `+prefixedTaskColumns("t")+`
			FROM tasks t JOIN chain c ON t.id = c.parent_id
		)
		SELECT `+taskColumns+` FROM chain ORDER BY n ASC`, taskID)
	if err != nil {
		return nil, s.classify("ancestor chain", err)
	}
	defer rows.Close()

	var chain []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, s.classify("ancestor chain", err)
		}
		chain = append(chain, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("ancestor chain", err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return chain, nil
}

func prefixedTaskColumns(alias string) string {
	cols := []string{
		"id", "seq", "group_id", "title", "description", "task_type", "assigned_to",
		"priority", "status", "created_at", "started_at", "completed_at", "claimed_by",
		"parent_id", "depth", "retry_count", "rejection_count", "rejection_reason",
		"failure_reason", "result_payload",
	}
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}
