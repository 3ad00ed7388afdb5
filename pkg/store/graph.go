package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// GuardrailLimits bound graph growth on every create path.
type GuardrailLimits struct {
	MaxTaskDepth     int
	MaxTasksPerGroup int
}

// CreateTaskGraph inserts a batch of tasks and their dependency edges in one
// transaction. Ids are allocated per role prefix inside the transaction, so
// either the whole graph lands or none of it does and no ids are burned.
func (s *Store) CreateTaskGraph(ctx context.Context, groupID string, drafts []models.TaskDraft, limits GuardrailLimits) ([]*models.Task, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	tx, err := s.begin(ctx, "create task graph")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tasks, err := s.createDraftsTx(ctx, tx, groupID, drafts, limits, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, s.classify("create task graph", err)
	}
	return tasks, nil
}

// createDraftsTx runs every guardrail, allocates ids, and writes task and edge
// rows. Callers own the transaction.
func (s *Store) createDraftsTx(ctx context.Context, tx *sql.Tx, groupID string, drafts []models.TaskDraft, limits GuardrailLimits, now time.Time) ([]*models.Task, error) {
	var exists int
	err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM groups WHERE id = ?", groupID).Scan(&exists)
	if err != nil {
		return nil, s.classify("create task graph", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}

	liveDrafts := 0
	for _, d := range drafts {
		if d.Status == "" || d.Status.Live() {
			liveDrafts++
		}
		if limits.MaxTaskDepth > 0 && d.Depth > limits.MaxTaskDepth {
			return nil, &IntegrityError{
				Rule:   RuleMaxDepth,
				Detail: fmt.Sprintf("task %q would reach depth %d, limit is %d", d.Title, d.Depth, limits.MaxTaskDepth),
			}
		}
	}
	if limits.MaxTasksPerGroup > 0 {
		live, err := liveTaskCount(ctx, tx, groupID)
		if err != nil {
			return nil, s.classify("create task graph", err)
		}
		if live+liveDrafts > limits.MaxTasksPerGroup {
			return nil, &IntegrityError{
				Rule:   RuleGroupCap,
				Detail: fmt.Sprintf("group %s holds %d live tasks, adding %d would exceed the cap of %d", groupID, live, liveDrafts, limits.MaxTasksPerGroup),
			}
		}
	}

	external, err := s.validateExternalDeps(ctx, tx, groupID, drafts)
	if err != nil {
		return nil, err
	}
	if err := checkSiblingCycles(drafts); err != nil {
		return nil, err
	}

	localIDs := make(map[string]string, len(drafts))
	tasks := make([]*models.Task, len(drafts))
	for i, d := range drafts {
		seq, err := s.nextSeq(ctx, tx, d.Prefix)
		if err != nil {
			return nil, err
		}
		id := fmt.Sprintf("%s-%d", d.Prefix, seq)
		if d.LocalName != "" {
			localIDs[d.LocalName] = id
		}
		tasks[i] = &models.Task{
			ID:              id,
			Seq:             seq,
			GroupID:         groupID,
			Title:           d.Title,
			Description:     d.Description,
			TaskType:        d.TaskType,
			AssignedTo:      d.AssignedTo,
			Priority:        d.Priority,
			CreatedAt:       now,
			ParentID:        d.ParentID,
			Depth:           d.Depth,
			RejectionCount:  d.RejectionCount,
			RejectionReason: d.RejectionReason,
			FailureReason:   d.FailureReason,
		}
	}

	for i, d := range drafts {
		t := tasks[i]
		edges := append([]string(nil), external[i]...)
		for _, name := range d.BlockedBySibling {
			id, ok := localIDs[name]
			if !ok {
				return nil, &IntegrityError{
					Rule:   RuleDependencyMissing,
					Detail: fmt.Sprintf("task %q depends on unknown sibling %q", d.Title, name),
				}
			}
			edges = append(edges, id)
		}
		sort.Strings(edges)

		switch {
		case d.Status != "":
			t.Status = d.Status
			if d.Status.Terminal() {
				at := now
				t.CompletedAt = &at
				edges = nil
			}
		case len(edges) > 0:
			t.Status = models.TaskStatusBlocked
		default:
			t.Status = models.TaskStatusPending
		}
		t.BlockedBy = edges
	}

	for _, t := range tasks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, seq, group_id, title, description, task_type, assigned_to,
				priority, status, created_at, started_at, completed_at, claimed_by, parent_id,
				depth, retry_count, rejection_count, rejection_reason, failure_reason, result_payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, ?, ?, 0, ?, ?, ?, NULL)`,
			t.ID, t.Seq, t.GroupID, t.Title, t.Description, t.TaskType, t.AssignedTo,
			int(t.Priority), string(t.Status), ts(t.CreatedAt), nullTS(t.CompletedAt),
			strArg(t.ParentID), t.Depth, t.RejectionCount, strArg(t.RejectionReason),
			strArg(t.FailureReason))
		if err != nil {
			return nil, s.classify("create task graph", err)
		}
		for _, dep := range t.BlockedBy {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)", t.ID, dep)
			if err != nil {
				return nil, s.classify("create task graph", err)
			}
		}
	}
	return tasks, nil
}

// validateExternalDeps resolves BlockedBy ids against existing tasks. Edges to
// completed tasks are already satisfied and dropped; edges to failed or
// cancelled tasks can never be satisfied and refuse the whole batch. Returns
// the kept edges per draft.
func (s *Store) validateExternalDeps(ctx context.Context, tx *sql.Tx, groupID string, drafts []models.TaskDraft) ([][]string, error) {
	ids := make(map[string]bool)
	for _, d := range drafts {
		for _, dep := range d.BlockedBy {
			ids[dep] = true
		}
	}
	kept := make([][]string, len(drafts))
	if len(ids) == 0 {
		return kept, nil
	}

	args := make([]any, 0, len(ids))
	for id := range ids {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx,
		"SELECT id, group_id, status FROM tasks WHERE id IN ("+placeholders(len(args))+")", args...)
	if err != nil {
		return nil, s.classify("create task graph", err)
	}
	defer rows.Close()

	type depInfo struct {
		groupID string
		status  models.TaskStatus
	}
	found := make(map[string]depInfo, len(ids))
	for rows.Next() {
		var id string
		var info depInfo
		if err := rows.Scan(&id, &info.groupID, &info.status); err != nil {
			return nil, s.classify("create task graph", err)
		}
		found[id] = info
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("create task graph", err)
	}

	for i, d := range drafts {
		for _, dep := range d.BlockedBy {
			info, ok := found[dep]
			if !ok {
				return nil, &IntegrityError{
					Rule:   RuleDependencyMissing,
					Detail: fmt.Sprintf("task %q depends on %s which does not exist", d.Title, dep),
				}
			}
			if info.groupID != groupID {
				return nil, &IntegrityError{
					Rule:   RuleDependencyScope,
					Detail: fmt.Sprintf("task %q depends on %s in group %s, dependencies cannot cross groups", d.Title, dep, info.groupID),
				}
			}
			switch {
			case info.status.TerminalSuccess():
				// Satisfied before birth, no edge to keep.
			case info.status.Terminal():
				return nil, &IntegrityError{
					Rule:   RuleDependencyState,
					Detail: fmt.Sprintf("task %q depends on %s which is %s", d.Title, dep, info.status),
				}
			default:
				kept[i] = append(kept[i], dep)
			}
		}
	}
	return kept, nil
}

// checkSiblingCycles runs Kahn's algorithm over the intra-batch edges and
// reports a cycle when the sort cannot complete. Self references count as
// cycles.
func checkSiblingCycles(drafts []models.TaskDraft) error {
	byName := make(map[string]int, len(drafts))
	for i, d := range drafts {
		if d.LocalName == "" {
			continue
		}
		if _, dup := byName[d.LocalName]; dup {
			return &IntegrityError{
				Rule:   RuleDependencyMissing,
				Detail: fmt.Sprintf("duplicate task name %q in batch", d.LocalName),
			}
		}
		byName[d.LocalName] = i
	}

	indegree := make([]int, len(drafts))
	dependents := make([][]int, len(drafts))
	for i, d := range drafts {
		for _, name := range d.BlockedBySibling {
			j, ok := byName[name]
			if !ok {
				continue // reported as missing during edge resolution
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var frontier []int
	for i := range drafts {
		if indegree[i] == 0 {
			frontier = append(frontier, i)
		}
	}
	sorted := 0
	for len(frontier) > 0 {
		i := frontier[0]
		frontier = frontier[1:]
		sorted++
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				frontier = append(frontier, j)
			}
		}
	}
	if sorted != len(drafts) {
		var stuck []string
		for i, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, drafts[i].LocalName)
			}
		}
		return &IntegrityError{
			Rule:   RuleDependencyCycle,
			Detail: fmt.Sprintf("dependency cycle among tasks %v", stuck),
		}
	}
	return nil
}

// nextSeq bumps the per-prefix counter and returns the new value.
func (s *Store) nextSeq(ctx context.Context, tx *sql.Tx, prefix string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO task_sequences (prefix, value) VALUES (?, 1)
		ON CONFLICT (prefix) DO UPDATE SET value = value + 1
		RETURNING value`, prefix).Scan(&seq)
	if err != nil {
		return 0, s.classify("allocate task id", err)
	}
	return seq, nil
}
