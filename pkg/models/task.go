package models

import "time"

// TaskStatus is the state-machine position of a task.
type TaskStatus string

const (
	// TaskStatusBlocked means one or more dependencies are not yet terminal-success.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusPending means the task is claimable by any instance of its role.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress means exactly one instance has claimed the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known status value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusBlocked, TaskStatusPending, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Live is the complement of Terminal.
func (s TaskStatus) Live() bool { return !s.Terminal() }

// TerminalSuccess reports whether s satisfies dependents' dependencies.
func (s TaskStatus) TerminalSuccess() bool { return s == TaskStatusCompleted }

// Task is the unit of work tracked by the board. IDs are role-prefixed
// sequential strings (PM-1, CD-17) allocated per prefix at insert time; Seq
// carries the numeric suffix so ordering never falls back to string compare.
type Task struct {
	ID              string     `json:"id"`
	Seq             int64      `json:"seq"`
	GroupID         string     `json:"group_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	TaskType        string     `json:"task_type"`
	AssignedTo      string     `json:"assigned_to"`
	Priority        Priority   `json:"priority"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ClaimedBy       *string    `json:"claimed_by,omitempty"`
	ParentID        *string    `json:"parent_id,omitempty"`
	BlockedBy       []string   `json:"blocked_by,omitempty"`
	Depth           int        `json:"depth"`
	RetryCount      int        `json:"retry_count"`
	RejectionCount  int        `json:"rejection_count"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	ResultPayload   *Result    `json:"result_payload,omitempty"`
}

// Rejected reports whether the task terminal-failed out of a rejection cycle.
func (t *Task) Rejected() bool {
	return t.Status == TaskStatusFailed && t.RejectionReason != nil
}

// ClaimedByInstance reports whether the task is currently held by instanceID.
func (t *Task) ClaimedByInstance(instanceID string) bool {
	return t.ClaimedBy != nil && *t.ClaimedBy == instanceID
}

// TaskDraft describes one task in a batch insert. Drafts reference each other
// by LocalName so a routing pass can wire sibling dependencies before ids
// exist; BlockedBy holds ids of pre-existing tasks. Prefix is the id prefix of
// the assigned role. A non-empty Status overrides the derived blocked/pending
// choice (used for children that are born terminal).
type TaskDraft struct {
	LocalName        string
	Prefix           string
	Title            string
	Description      string
	TaskType         string
	AssignedTo       string
	Priority         Priority
	BlockedBy        []string
	BlockedBySibling []string
	ParentID         *string
	Depth            int
	RejectionCount   int
	RejectionReason  *string
	Status           TaskStatus
	FailureReason    *string
}
