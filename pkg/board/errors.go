package board

import (
	"errors"
	"fmt"

	"github.com/codeready-toolchain/conductor/pkg/store"
)

// GuardrailError reports a refused write that would have violated a graph
// guardrail: depth overflow, group cap, or a bad dependency set.
type GuardrailError struct {
	Rule   string // store rule name, e.g. "max_task_depth"
	Detail string
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("guardrail %s: %s", e.Rule, e.Detail)
}

// IsGuardrail reports whether err is a guardrail refusal and returns the
// violated rule.
func IsGuardrail(err error) (string, bool) {
	var ge *GuardrailError
	if errors.As(err, &ge) {
		return ge.Rule, true
	}
	return "", false
}

// StateError reports an operation applied to a task in the wrong state: a
// completion without a matching claim, a cancel of a terminal task, a retry
// of a non-failed task.
type StateError struct {
	Op     string
	TaskID string
	Detail string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.TaskID, e.Detail)
}

// IsState reports whether err is a wrong-state refusal.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// ValidationError wraps field-specific request validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// mapStoreError translates store failures into the board's error taxonomy.
// Integrity violations become guardrail refusals, except dependency-state
// violations, which are wrong-state refusals (the referenced task is in a
// state the operation cannot work with). Conflicts become StateError with the
// store's detail. Everything else passes through unchanged, including
// store.ErrNotFound and durability faults.
func mapStoreError(op, taskID string, err error) error {
	if err == nil {
		return nil
	}

	var ie *store.IntegrityError
	if errors.As(err, &ie) {
		if ie.Rule == store.RuleDependencyState {
			return &StateError{Op: op, TaskID: taskID, Detail: ie.Detail}
		}
		return &GuardrailError{Rule: ie.Rule, Detail: ie.Detail}
	}

	var ce *store.ConflictError
	if errors.As(err, &ce) {
		return &StateError{Op: op, TaskID: ce.TaskID, Detail: ce.Detail}
	}

	return err
}
