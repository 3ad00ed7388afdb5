// Package agent defines the provider seam: the capability interface a role's
// worker uses to execute one task, a name-to-factory registry populated at
// startup, and the two built-in providers (an external command subprocess and
// an in-process stub). What a provider does with a task is opaque to the
// core; the contract is the invocation going in and the tagged result coming
// out.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Invocation carries everything a provider needs for one task execution.
type Invocation struct {
	Task *models.Task
	Role *config.RoleConfig

	// Model is the resolved model name (role override or team default).
	Model string
}

// TextFunc receives partial provider output as it is produced. Implementations
// must be non-blocking; the fleet publishes each chunk as an agent.text event.
type TextFunc func(text string)

// Provider executes one task and reports a tagged result. Implementations
// must honor ctx cancellation: the fleet cancels it on task cancellation,
// wall-clock timeout, and shutdown.
type Provider interface {
	Invoke(ctx context.Context, inv Invocation, onText TextFunc) (*models.Result, error)
}

// TransientError reports a provider failure worth retrying: a timeout, a
// rate limit, a dropped connection.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError reports a definitive provider failure; the task is failed
// without retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent provider error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent wraps err as definitive.
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsTransient reports whether err is (or wraps) a TransientError. Context
// cancellation and deadline expiry count as transient: the work may succeed
// on a retry after recovery.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
