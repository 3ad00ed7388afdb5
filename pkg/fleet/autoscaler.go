package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/config"
)

// scaleState tracks per-role cooldowns between scaling actions.
type scaleState struct {
	mu         sync.Mutex
	lastAction map[string]time.Time
}

// runAutoscaler periodically sizes each auto-scaled role against its pending
// queue depth: grow toward MaxInstances when the backlog crosses the
// threshold, shrink back toward one instance once every loop of the role
// has sat idle long enough. Roles without auto-scale stay fixed at one loop.
func (f *Fleet) runAutoscaler() {
	defer f.wg.Done()

	state := &scaleState{lastAction: make(map[string]time.Time)}
	ticker := time.NewTicker(f.cfg.Fleet.AutoscaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.runCtx.Done():
			return
		case <-ticker.C:
			f.autoscaleTick(f.runCtx, state)
		}
	}
}

func (f *Fleet) autoscaleTick(ctx context.Context, state *scaleState) {
	depths, err := f.store.PendingDepths(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Autoscaler failed to read queue depths", "error", err)
		}
		return
	}

	counts := f.LoopCounts()
	for _, role := range f.cfg.Roles.All() {
		auto := role.AutoScale
		if auto == nil || !auto.Enabled {
			continue
		}
		f.scaleRole(role, auto, depths[role.Role], counts[role.Role], state)
	}
}

func (f *Fleet) scaleRole(role *config.RoleConfig, auto *config.AutoScaleConfig, depth, running int, state *scaleState) {
	state.mu.Lock()
	last := state.lastAction[role.Role]
	state.mu.Unlock()
	if time.Since(last) < auto.Cooldown() {
		return
	}

	switch {
	case depth >= auto.ScaleUpThreshold && running < role.MaxInstances:
		if err := f.spawnLoop(role); err != nil {
			slog.Error("Failed to scale up role", "role", role.Role, "error", err)
			return
		}
		slog.Info("Scaled role up",
			"role", role.Role,
			"depth", depth,
			"instances", running+1)
	case depth == 0 && running > 1:
		if !f.retireLoop(role.Role, auto.ScaleDownIdle()) {
			return
		}
		slog.Info("Scaled role down",
			"role", role.Role,
			"instances", running-1)
	default:
		return
	}

	state.mu.Lock()
	state.lastAction[role.Role] = time.Now()
	state.mu.Unlock()
}
