package models

// SubmitGoalRequest creates a new group with a single root task routed to the
// team's entry role.
type SubmitGoalRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority"`
}

// CreateTaskRequest contains fields for creating a task directly on the
// board. BlockedBy references existing task ids within the same group.
type CreateTaskRequest struct {
	GroupID     string   `json:"group_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	TaskType    string   `json:"task_type"`
	AssignedTo  string   `json:"assigned_to"`
	Priority    Priority `json:"priority"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
	ParentID    *string  `json:"parent_id,omitempty"`
}

// TaskFilters contains filtering options for listing tasks.
type TaskFilters struct {
	GroupID    string       `json:"group_id,omitempty"`
	Statuses   []TaskStatus `json:"statuses,omitempty"`
	AssignedTo string       `json:"assigned_to,omitempty"`
	ClaimedBy  string       `json:"claimed_by,omitempty"`
	Limit      int          `json:"limit,omitempty"`
	Offset     int          `json:"offset,omitempty"`
}

// AgentFilters contains filtering options for listing agent instances.
type AgentFilters struct {
	Role   string      `json:"role,omitempty"`
	Status AgentStatus `json:"status,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}
