package api

// CancelTaskRequest is the optional body for POST /api/v1/tasks/:id/cancel.
type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ReassignTaskRequest is the body for POST /api/v1/tasks/:id/reassign.
type ReassignTaskRequest struct {
	Role string `json:"role"`
}
