package models

import "fmt"

// ResultKind tags the verdict a provider reached for a task.
type ResultKind string

const (
	// ResultSuccess completes the task; Produces lists follow-up work.
	ResultSuccess ResultKind = "success"
	// ResultReject sends the work back to an upstream role with a reason.
	ResultReject ResultKind = "reject"
	// ResultFail reports an execution error; Transient asks for a retry.
	ResultFail ResultKind = "fail"
)

// Result is the outcome a provider reports for one task invocation.
type Result struct {
	Kind       ResultKind  `json:"kind"`
	Summary    string      `json:"summary,omitempty"`
	Produces   []ChildSpec `json:"produces,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	BackToRole string      `json:"back_to_role,omitempty"`
	Transient  bool        `json:"transient,omitempty"`
}

// ChildSpec is one follow-up task declared by a completion result. Name is a
// local handle; BlockedBy entries reference the Names of sibling specs from
// the same result.
type ChildSpec struct {
	Name        string   `json:"name,omitempty"`
	TaskType    string   `json:"task_type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
}

// Validate checks the structural contract of a provider result: a known kind,
// a reason and target role on rejections, and internally consistent produces
// entries (unique names, dependencies only on declared siblings).
func (r *Result) Validate() error {
	switch r.Kind {
	case ResultSuccess:
	case ResultReject:
		if r.Reason == "" {
			return fmt.Errorf("reject result requires a reason")
		}
		if r.BackToRole == "" {
			return fmt.Errorf("reject result requires back_to_role")
		}
		return nil
	case ResultFail:
		if r.Reason == "" {
			return fmt.Errorf("fail result requires a reason")
		}
		return nil
	default:
		return fmt.Errorf("unknown result kind %q", r.Kind)
	}

	names := make(map[string]bool, len(r.Produces))
	for i, spec := range r.Produces {
		if spec.TaskType == "" {
			return fmt.Errorf("produces[%d]: task_type is required", i)
		}
		if spec.Title == "" {
			return fmt.Errorf("produces[%d]: title is required", i)
		}
		if !spec.Priority.Valid() {
			return fmt.Errorf("produces[%d]: invalid priority %d", i, int(spec.Priority))
		}
		if spec.Name != "" {
			if names[spec.Name] {
				return fmt.Errorf("produces[%d]: duplicate name %q", i, spec.Name)
			}
			names[spec.Name] = true
		}
	}
	for i, spec := range r.Produces {
		for _, dep := range spec.BlockedBy {
			if !names[dep] {
				return fmt.Errorf("produces[%d]: blocked_by %q does not name a sibling", i, dep)
			}
		}
	}
	return nil
}
