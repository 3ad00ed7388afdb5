package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// CreateGroup inserts a task group.
func (s *Store) CreateGroup(ctx context.Context, g *models.TaskGroup) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO groups (id, title, description, created_at) VALUES (?, ?, ?, ?)",
		g.ID, g.Title, g.Description, ts(g.CreatedAt))
	return s.classify("create group", err)
}

// GetGroup returns one group.
func (s *Store) GetGroup(ctx context.Context, id string) (*models.TaskGroup, error) {
	var g models.TaskGroup
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, description, created_at FROM groups WHERE id = ?", id).
		Scan(&g.ID, &g.Title, &g.Description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, s.classify("get group", err)
	}
	g.CreatedAt = fromTS(createdAt)
	return &g, nil
}

// ListGroups returns all groups, newest first, with task counts attached. A
// group is terminal once it has tasks and none of them is live.
func (s *Store) ListGroups(ctx context.Context) ([]*models.GroupSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.title, g.description, g.created_at,
			COUNT(t.id),
			SUM(CASE WHEN t.status IN (`+liveStatuses+`) THEN 1 ELSE 0 END)
		FROM groups g
		LEFT JOIN tasks t ON t.group_id = g.id
		GROUP BY g.id
		ORDER BY g.created_at DESC, g.id DESC`)
	if err != nil {
		return nil, s.classify("list groups", err)
	}
	defer rows.Close()

	var groups []*models.GroupSummary
	for rows.Next() {
		var g models.GroupSummary
		var createdAt int64
		var live sql.NullInt64
		if err := rows.Scan(&g.ID, &g.Title, &g.Description, &createdAt, &g.TaskCount, &live); err != nil {
			return nil, s.classify("list groups", err)
		}
		g.CreatedAt = fromTS(createdAt)
		g.LiveCount = int(live.Int64)
		g.Terminal = g.TaskCount > 0 && g.LiveCount == 0
		groups = append(groups, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("list groups", err)
	}
	return groups, nil
}

// LiveGroupIDs returns ids of groups that still hold live tasks.
func (s *Store) LiveGroupIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT group_id FROM tasks WHERE status IN ("+liveStatuses+") ORDER BY group_id")
	if err != nil {
		return nil, s.classify("live groups", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.classify("live groups", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("live groups", err)
	}
	return ids, nil
}

// DeleteArchivableGroups removes groups with no live tasks and no activity
// since the cutoff. Task and dependency rows go with them through the
// cascading foreign keys.
func (s *Store) DeleteArchivableGroups(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM groups WHERE created_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM tasks t WHERE t.group_id = groups.id AND t.status IN (`+liveStatuses+`)
		)
		AND NOT EXISTS (
			SELECT 1 FROM tasks t WHERE t.group_id = groups.id AND t.completed_at >= ?
		)`, ts(cutoff), ts(cutoff))
	if err != nil {
		return 0, s.classify("delete groups", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.classify("delete groups", err)
	}
	return n, nil
}
