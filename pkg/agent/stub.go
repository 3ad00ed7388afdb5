package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// StubProvider completes every task immediately with an empty success
// result. It backs dry runs and tests; NextResult and Delay let tests script
// outcomes per role.
type StubProvider struct {
	mu      sync.Mutex
	queued  []*models.Result
	Delay   time.Duration
	invoked int
}

// NewStubProvider returns a stub that succeeds with no follow-up work.
func NewStubProvider() *StubProvider {
	return &StubProvider{}
}

// QueueResult scripts the result for an upcoming invocation. Queued results
// are consumed in order; once drained the stub reverts to the default empty
// success.
func (p *StubProvider) QueueResult(r *models.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, r)
}

// Invocations returns how many tasks the stub has executed.
func (p *StubProvider) Invocations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invoked
}

// Invoke returns the next scripted result, or an empty success.
func (p *StubProvider) Invoke(ctx context.Context, inv Invocation, onText TextFunc) (*models.Result, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.mu.Lock()
	p.invoked++
	var result *models.Result
	if len(p.queued) > 0 {
		result = p.queued[0]
		p.queued = p.queued[1:]
	}
	p.mu.Unlock()

	if result == nil {
		slog.Debug("Stub provider completed task", "task_id", inv.Task.ID, "role", inv.Role.Role)
		result = &models.Result{
			Kind:    models.ResultSuccess,
			Summary: "stub execution completed",
		}
	}
	if onText != nil && result.Summary != "" {
		onText(result.Summary)
	}
	return result, nil
}
