package store

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// errDegraded latches claim refusal after a durability fault.
var errDegraded = errors.New("store is degraded")

// Rule names carried by IntegrityError so callers can translate specific
// invariant breaches without string matching.
const (
	RuleMaxDepth          = "max_task_depth"
	RuleGroupCap          = "max_tasks_per_group"
	RuleDependencyCycle   = "dependency_cycle"
	RuleDependencyMissing = "dependency_missing"
	RuleDependencyScope   = "dependency_scope"
	RuleDependencyState   = "dependency_state"
	RuleConstraint        = "constraint"
)

// ConflictError reports an expected precondition failure: a claim that lost
// the race, or a guarded update whose row moved on underneath the caller.
// Not a fault; callers re-poll or surface a state complaint.
type ConflictError struct {
	Op     string
	TaskID string
	Detail string
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.TaskID, e.Detail)
	}
	return fmt.Sprintf("%s %s: precondition failed", e.Op, e.TaskID)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IntegrityError reports a violated graph invariant; Rule names which one.
type IntegrityError struct {
	Rule   string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation (%s): %s", e.Rule, e.Detail)
}

// IsIntegrity reports whether err is (or wraps) an IntegrityError, returning
// the rule name when it is.
func IsIntegrity(err error) (string, bool) {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie.Rule, true
	}
	return "", false
}

// DurabilityError reports a persistence fault. Once one occurs the store
// latches into degraded mode and refuses new claims.
type DurabilityError struct {
	Op  string
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability fault during %s: %v", e.Op, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// IsDurability reports whether err is (or wraps) a DurabilityError.
func IsDurability(err error) bool {
	var de *DurabilityError
	return errors.As(err, &de)
}

// SQLite primary result codes the classifier cares about.
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteIOErr      = 10
	sqliteCorrupt    = 11
	sqliteFull       = 13
	sqliteCantOpen   = 14
	sqliteConstraint = 19
	sqliteNotADB     = 26
)

// classify translates driver errors into the store taxonomy. File-level
// faults latch degraded mode; everything unrecognized passes through wrapped
// with operation context.
func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqliteConstraint:
			return &IntegrityError{Rule: RuleConstraint, Detail: serr.Error()}
		case sqliteBusy, sqliteLocked:
			return &ConflictError{Op: op, Detail: "database busy"}
		case sqliteIOErr, sqliteCorrupt, sqliteFull, sqliteCantOpen, sqliteNotADB:
			derr := &DurabilityError{Op: op, Err: err}
			s.markDegraded(derr)
			return derr
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
