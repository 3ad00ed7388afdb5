package models

import "time"

// TaskGroup is the container for one submitted goal and every task the
// routing passes derive from it.
type TaskGroup struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// GroupSummary augments a group with task counts for list views.
type GroupSummary struct {
	TaskGroup
	TaskCount int  `json:"task_count"`
	LiveCount int  `json:"live_count"`
	Terminal  bool `json:"terminal"`
}
