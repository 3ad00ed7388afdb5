// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/store"
)

// Service periodically enforces retention policies:
//   - Deletes fully terminal task groups past their retention window
//   - Prunes journal events past their TTL
//   - Caps the journal at a maximum row count
//
// All operations are idempotent.
type Service struct {
	config *config.RetentionConfig
	store  *store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, st *store.Store) *Service {
	return &Service{
		config: cfg,
		store:  st,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"group_retention_days", s.config.GroupRetentionDays,
		"event_ttl", s.config.EventTTL,
		"max_events", s.config.MaxEvents,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.deleteArchivableGroups(ctx)
	s.pruneExpiredEvents(ctx)
	s.capJournal(ctx)
}

func (s *Service) deleteArchivableGroups(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.GroupRetentionDays)
	count, err := s.store.DeleteArchivableGroups(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: group deletion failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted terminal task groups", "count", count)
	}
}

func (s *Service) pruneExpiredEvents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.config.EventTTL)
	count, err := s.store.PruneEventsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: event TTL prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned expired events", "count", count)
	}
}

func (s *Service) capJournal(ctx context.Context) {
	if s.config.MaxEvents <= 0 {
		return
	}
	count, err := s.store.PruneEventsKeepMax(ctx, s.config.MaxEvents)
	if err != nil {
		slog.Error("Retention: journal cap prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: capped journal size", "count", count, "max", s.config.MaxEvents)
	}
}
