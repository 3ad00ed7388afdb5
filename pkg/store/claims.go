package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ClaimNext picks the best pending task for the role and claims it in one
// transaction: highest priority first, oldest first, then lowest id. Returns
// (nil, nil) when no task is claimable or another instance won the row.
func (s *Store) ClaimNext(ctx context.Context, role, instanceID string) (*models.Task, error) {
	if s.degraded.Load() {
		return nil, &DurabilityError{Op: "claim next", Err: errDegraded}
	}
	tx, err := s.begin(ctx, "claim next")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+` FROM tasks
		WHERE status = 'pending' AND assigned_to = ?
		ORDER BY priority DESC, created_at ASC, seq ASC
		LIMIT 1`, role)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify("claim next", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'in_progress', claimed_by = ?, started_at = ?
		WHERE id = ? AND status = 'pending' AND claimed_by IS NULL`,
		instanceID, ts(now), t.ID)
	if err != nil {
		return nil, s.classify("claim next", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, s.classify("claim next", err)
	}
	if n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, s.classify("claim next", err)
	}

	t.Status = models.TaskStatusInProgress
	t.ClaimedBy = &instanceID
	t.StartedAt = &now
	return t, nil
}

// TryClaim claims a specific pending task. A row that is missing, already
// claimed, or not pending fails with ErrNotFound or ConflictError.
func (s *Store) TryClaim(ctx context.Context, taskID, instanceID string) (*models.Task, error) {
	if s.degraded.Load() {
		return nil, &DurabilityError{Op: "claim", Err: errDegraded}
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'in_progress', claimed_by = ?, started_at = ?
		WHERE id = ? AND status = 'pending' AND claimed_by IS NULL`,
		instanceID, ts(now), taskID)
	if err != nil {
		return nil, s.classify("claim", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.conflictFor(ctx, s.db, "claim", taskID)
	}
	return s.GetTask(ctx, taskID)
}

// RevertTransient returns a claimed task to pending after a transient
// execution error, bumping its retry counter. The caller decides beforehand
// whether the retry budget still allows a revert.
func (s *Store) RevertTransient(ctx context.Context, taskID, instanceID, reason string) (*models.Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', claimed_by = NULL, started_at = NULL,
			retry_count = retry_count + 1, failure_reason = ?
		WHERE id = ? AND status = 'in_progress' AND claimed_by = ?`,
		reason, taskID, instanceID)
	if err != nil {
		return nil, s.classify("revert task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.conflictFor(ctx, s.db, "revert task", taskID)
	}
	return s.GetTask(ctx, taskID)
}

// ResetStale returns every in_progress task held by the instance to pending,
// provided it was started before the cutoff. Recovery does not touch the
// retry counter.
func (s *Store) ResetStale(ctx context.Context, instanceID string, cutoff time.Time) ([]*models.Task, error) {
	tx, err := s.begin(ctx, "reset stale")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT "+taskColumns+` FROM tasks
		WHERE claimed_by = ? AND status = 'in_progress' AND started_at < ?
		ORDER BY created_at ASC, seq ASC, id ASC`, instanceID, ts(cutoff))
	if err != nil {
		return nil, s.classify("reset stale", err)
	}
	var stale []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, s.classify("reset stale", err)
		}
		stale = append(stale, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, s.classify("reset stale", err)
	}
	rows.Close()

	for _, t := range stale {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', claimed_by = NULL, started_at = NULL
			WHERE id = ? AND status = 'in_progress' AND claimed_by = ?`,
			t.ID, instanceID)
		if err != nil {
			return nil, s.classify("reset stale", err)
		}
		t.Status = models.TaskStatusPending
		t.ClaimedBy = nil
		t.StartedAt = nil
	}
	if err := tx.Commit(); err != nil {
		return nil, s.classify("reset stale", err)
	}
	return stale, nil
}

// conflictFor reads the row behind a zero-row conditional update and builds
// the precise refusal.
func (s *Store) conflictFor(ctx context.Context, q querier, op, taskID string) error {
	t, err := getTask(ctx, q, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return s.classify(op, err)
	}
	detail := fmt.Sprintf("status is %s", t.Status)
	if t.ClaimedBy != nil {
		detail = fmt.Sprintf("status is %s, claimed by %s", t.Status, *t.ClaimedBy)
	}
	return &ConflictError{Op: op, TaskID: taskID, Detail: detail}
}
