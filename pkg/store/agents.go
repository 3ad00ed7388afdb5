package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

const agentColumns = "id, role, status, current_task_id, started_at, stopped_at, last_heartbeat_at"

func scanAgent(row rowScanner) (*models.AgentInstance, error) {
	var a models.AgentInstance
	var status string
	var currentTaskID sql.NullString
	var startedAt, heartbeatAt int64
	var stoppedAt sql.NullInt64
	err := row.Scan(&a.ID, &a.Role, &status, &currentTaskID, &startedAt, &stoppedAt, &heartbeatAt)
	if err != nil {
		return nil, err
	}
	a.Status = models.AgentStatus(status)
	a.CurrentTaskID = fromNullStr(currentTaskID)
	a.StartedAt = fromTS(startedAt)
	a.StoppedAt = fromNullTS(stoppedAt)
	a.LastHeartbeatAt = fromTS(heartbeatAt)
	return &a, nil
}

// InsertAgent registers a new instance row.
func (s *Store) InsertAgent(ctx context.Context, a *models.AgentInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, role, status, current_task_id, started_at, stopped_at, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Role, string(a.Status), strArg(a.CurrentTaskID),
		ts(a.StartedAt), nullTS(a.StoppedAt), ts(a.LastHeartbeatAt))
	return s.classify("insert agent", err)
}

// GetAgent returns one instance row.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.AgentInstance, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, s.classify("get agent", err)
	}
	return a, nil
}

// UpdateAgentStatus moves an instance through its lifecycle and refreshes the
// heartbeat, since a status change proves the loop is alive.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, currentTaskID *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, current_task_id = ?, last_heartbeat_at = ?
		WHERE id = ? AND status != 'stopped'`,
		string(status), strArg(currentTaskID), ts(time.Now().UTC()), id)
	if err != nil {
		return s.classify("update agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchAgent records a heartbeat.
func (s *Store) TouchAgent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET last_heartbeat_at = ? WHERE id = ? AND status != 'stopped'",
		ts(at), id)
	if err != nil {
		return s.classify("touch agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAgentStopped finishes an instance row.
func (s *Store) MarkAgentStopped(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = 'stopped', stopped_at = ?, current_task_id = NULL
		WHERE id = ? AND status != 'stopped'`, ts(at), id)
	return s.classify("stop agent", err)
}

// MarkAllAgentsStopped finishes every non-stopped row, for startup after an
// unclean shutdown. Returns how many rows it closed out.
func (s *Store) MarkAllAgentsStopped(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = 'stopped', stopped_at = ?, current_task_id = NULL
		WHERE status != 'stopped'`, ts(at))
	if err != nil {
		return 0, s.classify("stop agents", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.classify("stop agents", err)
	}
	return n, nil
}

// StaleAgents returns live instances whose heartbeat predates the cutoff.
func (s *Store) StaleAgents(ctx context.Context, cutoff time.Time) ([]*models.AgentInstance, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+agentColumns+` FROM agents
		WHERE status != 'stopped' AND last_heartbeat_at < ?
		ORDER BY last_heartbeat_at ASC, id ASC`, ts(cutoff))
	if err != nil {
		return nil, s.classify("stale agents", err)
	}
	defer rows.Close()
	return s.collectAgents(rows, "stale agents")
}

// ListAgents returns instances matching the filters, newest first.
func (s *Store) ListAgents(ctx context.Context, f models.AgentFilters) ([]*models.AgentInstance, error) {
	query := "SELECT " + agentColumns + " FROM agents"
	var where []string
	var args []any
	if f.Role != "" {
		where = append(where, "role = ?")
		args = append(args, f.Role)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY started_at DESC, id DESC"
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
		return nil, s.classify("list agents", err)
	}
	defer rows.Close()
	return s.collectAgents(rows, "list agents")
}

func (s *Store) collectAgents(rows *sql.Rows, op string) ([]*models.AgentInstance, error) {
	var agents []*models.AgentInstance
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, s.classify(op, err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(op, err)
	}
	return agents, nil
}
