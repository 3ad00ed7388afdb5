package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// InsertEvent journals one bus publication and returns its cursor id.
func (s *Store) InsertEvent(ctx context.Context, topic string, payload map[string]any, at time.Time) (int64, error) {
	raw := []byte("{}")
	if len(payload) > 0 {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("insert event: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO events (topic, payload, created_at) VALUES (?, ?, ?)",
		topic, string(raw), ts(at))
	if err != nil {
		return 0, s.classify("insert event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, s.classify("insert event", err)
	}
	return id, nil
}

// ListEvents returns journaled events after sinceID, oldest first. Pattern is
// an exact topic, a prefix like "task.*", or "*" for everything.
func (s *Store) ListEvents(ctx context.Context, pattern string, sinceID int64, limit int) ([]*models.Event, error) {
	query := "SELECT id, topic, payload, created_at FROM events WHERE id > ?"
	args := []any{sinceID}
	switch {
	case pattern == "" || pattern == "*":
	case strings.HasSuffix(pattern, ".*"):
		query += " AND topic LIKE ?"
		args = append(args, strings.TrimSuffix(pattern, "*")+"%")
	default:
		query += " AND topic = ?"
		args = append(args, pattern)
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify("list events", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var raw string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Topic, &raw, &createdAt); err != nil {
			return nil, s.classify("list events", err)
		}
		e.CreatedAt = fromTS(createdAt)
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
				return nil, fmt.Errorf("event %d: corrupt payload: %w", e.ID, err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("list events", err)
	}
	return events, nil
}

// PruneEventsBefore deletes journal rows older than the cutoff.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", ts(cutoff))
	if err != nil {
		return 0, s.classify("prune events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.classify("prune events", err)
	}
	return n, nil
}

// PruneEventsKeepMax trims the journal down to the newest max rows.
func (s *Store) PruneEventsKeepMax(ctx context.Context, max int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE id < (
			SELECT COALESCE(MIN(id), 0) FROM (
				SELECT id FROM events ORDER BY id DESC LIMIT ?
			)
		)`, max)
	if err != nil {
		return 0, s.classify("prune events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.classify("prune events", err)
	}
	return n, nil
}
