package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/bus"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// runReaper periodically sweeps instances whose heartbeat went silent, closes
// out their rows, and releases any task they still held. A healthy loop
// heartbeats several times per stale window, so a swept instance is dead,
// not slow.
func (f *Fleet) runReaper() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.Fleet.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.runCtx.Done():
			return
		case <-ticker.C:
			f.reapTick(f.runCtx)
		}
	}
}

func (f *Fleet) reapTick(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-f.cfg.Fleet.StaleAfter)
	stale, err := f.store.StaleAgents(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Reaper failed to scan for stale agents", "error", err)
		}
		return
	}

	for _, a := range stale {
		log := slog.With("instance_id", a.ID, "role", a.Role)
		log.Warn("Reaping stale agent instance",
			"last_heartbeat", a.LastHeartbeatAt.Format(time.RFC3339))

		if err := f.store.MarkAgentStopped(ctx, a.ID, time.Now().UTC()); err != nil {
			log.Error("Failed to stop stale agent", "error", err)
			continue
		}
		f.bus.Publish(bus.TopicAgentStatusChanged, map[string]any{
			"instance_id": a.ID,
			"role":        a.Role,
			"status":      string(models.AgentStatusStopped),
			"reaped":      true,
		})

		tasks, err := f.board.ReleaseStale(ctx, a.ID, "reaper")
		if err != nil {
			log.Error("Failed to release tasks of stale agent", "error", err)
			continue
		}
		if len(tasks) > 0 {
			log.Warn("Recovered orphaned tasks", "count", len(tasks))
		}
	}
}
