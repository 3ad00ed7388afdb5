package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codeready-toolchain/conductor/pkg/agent"
	"github.com/codeready-toolchain/conductor/pkg/board"
	"github.com/codeready-toolchain/conductor/pkg/bus"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// taskRegistry is the subset of Fleet used by a Loop to expose its running
// task for cancellation and to read the pause gate.
type taskRegistry interface {
	RegisterTask(taskID string, cancel context.CancelFunc)
	UnregisterTask(taskID string)
	RolePaused(role string) bool
}

// Loop is one agent instance: a claim-execute-report cycle bound to a role.
// It registers itself in the agents table, heartbeats while alive, and hands
// every claimed task to the role's provider.
type Loop struct {
	id       string
	role     *config.RoleConfig
	board    *board.Board
	store    *store.Store
	bus      *bus.Bus
	cfg      *config.FleetConfig
	provider agent.Provider
	fleet    taskRegistry

	// wake is shared by every loop of the role; a buffered send coalesces
	// bursts of task events into one extra claim attempt.
	wake chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	busy      bool
	idleSince time.Time
}

func newLoop(id string, role *config.RoleConfig, b *board.Board, st *store.Store, eventBus *bus.Bus, cfg *config.FleetConfig, provider agent.Provider, fleet taskRegistry, wake chan struct{}) *Loop {
	return &Loop{
		id:        id,
		role:      role,
		board:     b,
		store:     st,
		bus:       eventBus,
		cfg:       cfg,
		provider:  provider,
		fleet:     fleet,
		wake:      wake,
		stopCh:    make(chan struct{}),
		idleSince: time.Now(),
	}
}

// Start registers the instance and begins the loop in a goroutine.
func (l *Loop) Start(ctx context.Context) error {
	now := time.Now().UTC()
	err := l.store.InsertAgent(ctx, &models.AgentInstance{
		ID:              l.id,
		Role:            l.role.Role,
		Status:          models.AgentStatusIdle,
		StartedAt:       now,
		LastHeartbeatAt: now,
	})
	if err != nil {
		return fmt.Errorf("start loop %s: %w", l.id, err)
	}
	l.publishStatus(models.AgentStatusIdle, nil)

	l.wg.Add(2)
	go l.run(ctx)
	go l.heartbeat(ctx)
	return nil
}

// Stop signals the loop to exit after its current task and waits for it.
// Safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// IdleSince returns when the loop last finished a task and whether it is
// idle right now. The autoscaler retires loops idle past the threshold.
func (l *Loop) IdleSince() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idleSince, !l.busy
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	defer l.retire()

	log := slog.With("instance_id", l.id, "role", l.role.Role)
	log.Info("Agent loop started")

	// Claim errors back off exponentially; a successful cycle resets.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	paused := false
	for {
		select {
		case <-l.stopCh:
			log.Info("Agent loop shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, agent loop shutting down")
			return
		default:
		}

		if l.fleet.RolePaused(l.role.Role) {
			if !paused {
				paused = true
				l.setStatus(models.AgentStatusPaused, nil)
			}
			l.sleep(l.cfg.PollFloor)
			continue
		}
		if paused {
			paused = false
			l.setStatus(models.AgentStatusIdle, nil)
		}

		task, err := l.board.ClaimNext(ctx, l.role.Role, l.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Claim failed", "error", err)
			l.sleep(bo.NextBackOff())
			continue
		}
		bo.Reset()
		if task == nil {
			l.waitForWork()
			continue
		}

		l.process(ctx, task)
	}
}

// process runs one claimed task through the provider and reports the
// verdict. Reports use a background context so a timeout or cancellation of
// the task does not lose the terminal write.
func (l *Loop) process(ctx context.Context, task *models.Task) {
	log := slog.With("instance_id", l.id, "task_id", task.ID)

	l.setStatus(models.AgentStatusBusy, &task.ID)
	defer l.setStatus(models.AgentStatusIdle, nil)

	taskCtx, cancel := context.WithTimeout(ctx, l.cfg.TaskTimeout)
	defer cancel()
	l.fleet.RegisterTask(task.ID, cancel)
	defer l.fleet.UnregisterTask(task.ID)

	started := time.Now()
	result, err := l.provider.Invoke(taskCtx, agent.Invocation{
		Task:  task,
		Role:  l.role,
		Model: l.role.Model,
	}, func(text string) {
		l.bus.Publish(bus.TopicAgentText, map[string]any{
			"task_id":     task.ID,
			"group_id":    task.GroupID,
			"instance_id": l.id,
			"role":        l.role.Role,
			"text":        text,
		})
	})

	reportCtx := context.Background()
	if err != nil {
		l.reportError(reportCtx, ctx, taskCtx, task, err)
		return
	}

	l.bus.Publish(bus.TopicAgentResult, map[string]any{
		"task_id":     task.ID,
		"group_id":    task.GroupID,
		"instance_id": l.id,
		"role":        l.role.Role,
		"kind":        string(result.Kind),
		"duration_ms": time.Since(started).Milliseconds(),
	})

	switch result.Kind {
	case models.ResultSuccess:
		_, err = l.board.CompleteTask(reportCtx, task.ID, l.id, result)
	case models.ResultReject:
		_, err = l.board.RejectTask(reportCtx, task.ID, l.id, result)
	case models.ResultFail:
		_, err = l.board.FailTask(reportCtx, task.ID, l.id, result.Reason, result.Transient)
	default:
		_, err = l.board.FailTask(reportCtx, task.ID, l.id,
			fmt.Sprintf("provider returned unknown result kind %q", result.Kind), false)
	}
	if err != nil {
		if board.IsState(err) {
			// The claim was cleared underneath us, a cancel won the race.
			log.Debug("Report bounced off cleared claim", "error", err)
			return
		}
		log.Error("Failed to report task result", "kind", string(result.Kind), "error", err)
	}
}

// reportError maps a provider error to the right board write. Timeouts and
// transient faults spend a retry; a cancelled task was already terminal; a
// stopped loop releases the claim for the next instance.
func (l *Loop) reportError(reportCtx, loopCtx, taskCtx context.Context, task *models.Task, invokeErr error) {
	log := slog.With("instance_id", l.id, "task_id", task.ID)

	var reportErr error
	switch {
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		_, reportErr = l.board.FailTask(reportCtx, task.ID, l.id,
			fmt.Sprintf("task timed out after %v", l.cfg.TaskTimeout), true)
	case errors.Is(taskCtx.Err(), context.Canceled):
		if loopCtx.Err() != nil || l.stopping() {
			// Shutdown interrupted the provider; hand the task back.
			_, reportErr = l.board.ReleaseStale(reportCtx, l.id, "shutdown")
		}
		// Otherwise a cancel event aborted the provider; the task row is
		// already terminal and there is nothing to write.
	case agent.IsTransient(invokeErr):
		_, reportErr = l.board.FailTask(reportCtx, task.ID, l.id, invokeErr.Error(), true)
	default:
		_, reportErr = l.board.FailTask(reportCtx, task.ID, l.id, invokeErr.Error(), false)
	}

	if reportErr != nil {
		if board.IsState(reportErr) {
			log.Debug("Failure report bounced off cleared claim", "error", reportErr)
			return
		}
		log.Error("Failed to report task failure", "error", reportErr)
		return
	}
	log.Warn("Provider invocation failed", "error", invokeErr)
}

// heartbeat refreshes the instance row until the loop stops. Idle loops
// heartbeat too; the reaper treats any silent instance as dead.
func (l *Loop) heartbeat(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.store.TouchAgent(ctx, l.id, time.Now().UTC()); err != nil {
				if ctx.Err() == nil {
					slog.Warn("Heartbeat failed", "instance_id", l.id, "error", err)
				}
			}
		}
	}
}

// waitForWork blocks until a task event wakes the role, the poll floor
// elapses, or the loop stops.
func (l *Loop) waitForWork() {
	timer := time.NewTimer(l.cfg.PollFloor)
	defer timer.Stop()
	select {
	case <-l.stopCh:
	case <-l.wake:
	case <-timer.C:
	}
}

func (l *Loop) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.stopCh:
	case <-timer.C:
	}
}

func (l *Loop) stopping() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Loop) setStatus(status models.AgentStatus, taskID *string) {
	l.mu.Lock()
	l.busy = status == models.AgentStatusBusy
	if !l.busy {
		l.idleSince = time.Now()
	}
	l.mu.Unlock()

	if err := l.store.UpdateAgentStatus(context.Background(), l.id, status, taskID); err != nil {
		slog.Warn("Failed to update agent status",
			"instance_id", l.id,
			"status", string(status),
			"error", err)
	}
	l.publishStatus(status, taskID)
}

func (l *Loop) publishStatus(status models.AgentStatus, taskID *string) {
	payload := map[string]any{
		"instance_id": l.id,
		"role":        l.role.Role,
		"status":      string(status),
	}
	if taskID != nil {
		payload["task_id"] = *taskID
	}
	l.bus.Publish(bus.TopicAgentStatusChanged, payload)
}

// retire closes out the instance row when the loop exits.
func (l *Loop) retire() {
	if err := l.store.MarkAgentStopped(context.Background(), l.id, time.Now().UTC()); err != nil {
		slog.Warn("Failed to mark agent stopped", "instance_id", l.id, "error", err)
	}
	l.publishStatus(models.AgentStatusStopped, nil)
	slog.Info("Agent loop stopped", "instance_id", l.id, "role", l.role.Role)
}
