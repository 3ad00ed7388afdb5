package database

import (
	"context"
	"time"
)

// HealthStatus reports database connectivity plus SQLite file statistics.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	JournalMode  string `json:"journal_mode"`
}

// Health pings the database and collects file-level statistics.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if err := c.db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
			Path:         c.path,
		}, err
	}

	status := &HealthStatus{
		Status: "healthy",
		Path:   c.path,
	}

	var pageCount, pageSize int64
	if err := c.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := c.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			status.SizeBytes = pageCount * pageSize
		}
	}
	_ = c.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&status.JournalMode)

	status.ResponseTime = time.Since(start).Milliseconds()
	return status, nil
}
