// Package fleet runs the agent instances that work the task board: per-role
// claim loops, demand-driven scaling, heartbeat-based orphan recovery, and
// the pause gate.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/agent"
	"github.com/codeready-toolchain/conductor/pkg/board"
	"github.com/codeready-toolchain/conductor/pkg/bus"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// ErrShutdownTimeout reports that loops were still running when the graceful
// stop deadline expired and had to be force-cancelled.
var ErrShutdownTimeout = errors.New("fleet shutdown deadline exceeded")

// Fleet runs the agent loops: one set per role, grown and shrunk by the
// autoscaler, watched by the reaper, woken by task events.
type Fleet struct {
	board     *board.Board
	store     *store.Store
	bus       *bus.Bus
	cfg       *config.Config
	providers *agent.Registry

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	unsubs    []func()

	mu      sync.Mutex
	started bool
	loops   map[string][]*Loop
	wakes   map[string]chan struct{}

	pauseMu   sync.RWMutex
	pausedAll bool
	paused    map[string]bool

	taskMu sync.Mutex
	active map[string]context.CancelFunc
}

// New builds a fleet over the given board and store. Providers are resolved
// per role from the registry when the first loop of the role spawns.
func New(b *board.Board, st *store.Store, eventBus *bus.Bus, cfg *config.Config, providers *agent.Registry) *Fleet {
	return &Fleet{
		board:     b,
		store:     st,
		bus:       eventBus,
		cfg:       cfg,
		providers: providers,
		loops:     make(map[string][]*Loop),
		wakes:     make(map[string]chan struct{}),
		paused:    make(map[string]bool),
		active:    make(map[string]context.CancelFunc),
	}
}

// Start recovers state left by the previous run, spawns one loop per role,
// and begins the autoscaler and reaper. Safe to call once.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		slog.Warn("Fleet already started, ignoring duplicate Start call")
		return nil
	}
	f.started = true
	f.mu.Unlock()

	f.runCtx, f.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := f.recover(ctx); err != nil {
		return fmt.Errorf("fleet startup recovery: %w", err)
	}

	// Task events wake the matching role's idle loops.
	f.unsubs = append(f.unsubs,
		f.bus.Subscribe(bus.TopicTaskCreated, f.wakeFromEvent),
		f.bus.Subscribe(bus.TopicTaskRecovered, f.wakeFromEvent),
		f.bus.SubscribeSync(bus.TopicTaskCancelled, f.cancelFromEvent),
	)

	// Every role starts at a single loop; the autoscaler grows the ones
	// with auto-scale enabled as backlog appears.
	for _, role := range f.cfg.Roles.All() {
		if err := f.spawnLoop(role); err != nil {
			return err
		}
	}

	f.wg.Add(2)
	go f.runAutoscaler()
	go f.runReaper()

	slog.Info("Fleet started", "roles", f.cfg.Roles.Len())
	return nil
}

// Stop winds the fleet down. Loops get the graceful deadline to finish their
// current tasks; whatever is still running is then force-cancelled and the
// interrupted tasks are released back to pending.
func (f *Fleet) Stop() error {
	for _, unsub := range f.unsubs {
		unsub()
	}
	f.unsubs = nil

	f.mu.Lock()
	var loops []*Loop
	for _, set := range f.loops {
		loops = append(loops, set...)
	}
	f.loops = make(map[string][]*Loop)
	f.mu.Unlock()

	slog.Info("Stopping fleet", "loops", len(loops))

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, l := range loops {
			wg.Add(1)
			go func(l *Loop) {
				defer wg.Done()
				l.Stop()
			}(l)
		}
		wg.Wait()
		close(done)
	}()

	var stopErr error
	timer := time.NewTimer(f.cfg.Fleet.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.Warn("Graceful stop deadline exceeded, cancelling running tasks")
		stopErr = ErrShutdownTimeout
		f.taskMu.Lock()
		for _, cancel := range f.active {
			cancel()
		}
		f.taskMu.Unlock()
		f.runCancel()
		<-done
	}

	f.runCancel()
	f.wg.Wait()
	slog.Info("Fleet stopped")
	return stopErr
}

// Pause gates claiming for one role, or for every role with "all". Running
// tasks finish; the loops go status paused before their next claim.
func (f *Fleet) Pause(role string) error {
	if role != "all" && !f.cfg.Roles.Has(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	f.pauseMu.Lock()
	if role == "all" {
		f.pausedAll = true
	} else {
		f.paused[role] = true
	}
	f.pauseMu.Unlock()
	slog.Info("Paused claiming", "role", role)
	return nil
}

// Resume lifts a pause set by Pause and wakes the affected loops.
func (f *Fleet) Resume(role string) error {
	if role != "all" && !f.cfg.Roles.Has(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	f.pauseMu.Lock()
	if role == "all" {
		f.pausedAll = false
	} else {
		delete(f.paused, role)
	}
	f.pauseMu.Unlock()

	if role == "all" {
		for _, name := range f.cfg.Roles.Names() {
			f.wakeRole(name)
		}
	} else {
		f.wakeRole(role)
	}
	slog.Info("Resumed claiming", "role", role)
	return nil
}

// RolePaused reports whether loops of the role must sit out claiming.
func (f *Fleet) RolePaused(role string) bool {
	f.pauseMu.RLock()
	defer f.pauseMu.RUnlock()
	return f.pausedAll || f.paused[role]
}

// PausedRoles returns the currently gated roles, with "all" first when the
// global gate is set.
func (f *Fleet) PausedRoles() []string {
	f.pauseMu.RLock()
	defer f.pauseMu.RUnlock()
	var out []string
	if f.pausedAll {
		out = append(out, "all")
	}
	for role, p := range f.paused {
		if p {
			out = append(out, role)
		}
	}
	return out
}

// RegisterTask exposes a running task's cancel function so a task.cancelled
// event can abort the provider mid-flight.
func (f *Fleet) RegisterTask(taskID string, cancel context.CancelFunc) {
	f.taskMu.Lock()
	defer f.taskMu.Unlock()
	f.active[taskID] = cancel
}

// UnregisterTask removes the cancel function when processing ends.
func (f *Fleet) UnregisterTask(taskID string) {
	f.taskMu.Lock()
	defer f.taskMu.Unlock()
	delete(f.active, taskID)
}

// CancelTask aborts the provider running the task, if any loop holds it.
func (f *Fleet) CancelTask(taskID string) bool {
	f.taskMu.Lock()
	defer f.taskMu.Unlock()
	if cancel, ok := f.active[taskID]; ok {
		cancel()
		return true
	}
	return false
}

// LoopCounts returns the number of running loops per role.
func (f *Fleet) LoopCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int, len(f.loops))
	for role, set := range f.loops {
		counts[role] = len(set)
	}
	return counts
}

// recover clears the residue of an unclean shutdown: every agent row is
// closed out and every task still claimed by a previous instance returns to
// pending as recovered.
func (f *Fleet) recover(ctx context.Context) error {
	closed, err := f.store.MarkAllAgentsStopped(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	orphaned, err := f.store.ListTasks(ctx, models.TaskFilters{
		Statuses: []models.TaskStatus{models.TaskStatusInProgress},
	})
	if err != nil {
		return err
	}

	instances := make(map[string]bool)
	for _, t := range orphaned {
		if t.ClaimedBy != nil {
			instances[*t.ClaimedBy] = true
		}
	}
	recovered := 0
	for instance := range instances {
		tasks, err := f.board.ReleaseStale(ctx, instance, "startup")
		if err != nil {
			return err
		}
		recovered += len(tasks)
	}

	if closed > 0 || recovered > 0 {
		slog.Info("Recovered state from previous run",
			"agents_closed", closed,
			"tasks_recovered", recovered)
	}
	return nil
}

// spawnLoop starts one more instance of the role.
func (f *Fleet) spawnLoop(role *config.RoleConfig) error {
	provider, err := f.providers.ForRole(role)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", role.Role, err)
	}

	id := fmt.Sprintf("%s-%s", role.Role, uuid.NewString()[:8])

	f.mu.Lock()
	wake, ok := f.wakes[role.Role]
	if !ok {
		wake = make(chan struct{}, 1)
		f.wakes[role.Role] = wake
	}
	f.mu.Unlock()

	loop := newLoop(id, role, f.board, f.store, f.bus, f.cfg.Fleet, provider, f, wake)
	if err := loop.Start(f.runCtx); err != nil {
		return err
	}

	f.mu.Lock()
	f.loops[role.Role] = append(f.loops[role.Role], loop)
	f.mu.Unlock()
	return nil
}

// retireLoop stops the newest loop of the role, but only once every loop of
// the role has sat idle past the threshold. A single busy loop means demand
// may return; the spare capacity stays. Returns false when anything is still
// working, an idle stretch is too short, or only one loop remains.
func (f *Fleet) retireLoop(role string, idleFor time.Duration) bool {
	f.mu.Lock()
	set := f.loops[role]
	if len(set) <= 1 {
		f.mu.Unlock()
		return false
	}
	for _, l := range set {
		since, idle := l.IdleSince()
		if !idle || time.Since(since) < idleFor {
			f.mu.Unlock()
			return false
		}
	}
	idx := len(set) - 1
	victim := set[idx]
	f.loops[role] = set[:idx]
	f.mu.Unlock()

	// Stop in the background; an idle loop exits within one poll floor.
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		victim.Stop()
	}()
	return true
}

func (f *Fleet) wakeFromEvent(ev bus.Event) {
	role, _ := ev.Payload["role"].(string)
	if role != "" {
		f.wakeRole(role)
	}
}

func (f *Fleet) wakeRole(role string) {
	f.mu.Lock()
	wake := f.wakes[role]
	f.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (f *Fleet) cancelFromEvent(ev bus.Event) {
	taskID, _ := ev.Payload["task_id"].(string)
	if taskID == "" {
		return
	}
	if f.CancelTask(taskID) {
		slog.Info("Aborted running task on cancel event", "task_id", taskID)
	}
}
