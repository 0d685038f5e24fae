// scheduler.go implements the periodic sync scheduler. On every tick it asks
// the integration store for integrations whose last sync is stale and hands
// each to the orchestrator, bounded by a concurrency cap. The database gate
// inside the orchestrator makes overlapping ticks and multiple replicas safe;
// the scheduler itself holds no sync state.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudsync/cloudsync/internal/config"
	"github.com/cloudsync/cloudsync/internal/db/models"
	"github.com/cloudsync/cloudsync/internal/safego"
)

// schedulerBatchSize bounds how many due integrations one tick picks up
const schedulerBatchSize = 100

// staleRunningGrace pads the run timeout before a 'running' row counts as
// orphaned by a crashed process
const staleRunningGrace = 5 * time.Minute

// IntegrationSource is the integration persistence the scheduler needs
type IntegrationSource interface {
	ListDueForSync(ctx context.Context, staleAfter time.Duration, limit int) ([]*models.Integration, error)
	RecoverStaleRunning(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Scheduler periodically syncs stale integrations
type Scheduler struct {
	orch   *Orchestrator
	store  IntegrationSource
	cfg    config.SyncConfig
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a sync scheduler
func NewScheduler(orch *Orchestrator, store IntegrationSource, cfg config.SyncConfig) *Scheduler {
	return &Scheduler{
		orch:   orch,
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic scheduling loop. An initial pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.IntervalMinutes) * time.Minute
	slog.Info("starting sync scheduler", "interval", interval, "stale_after", s.cfg.StaleAfter)

	s.wg.Add(1)
	safego.Go(func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.runDueSyncs(ctx)

		for {
			select {
			case <-ticker.C:
				s.runDueSyncs(ctx)
			case <-s.stopCh:
				slog.Info("sync scheduler stopped")
				return
			case <-ctx.Done():
				slog.Info("sync scheduler context cancelled")
				return
			}
		}
	})
}

// Stop stops the scheduling loop and waits for it to exit. In-flight syncs
// finish on their own run contexts.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// runDueSyncs performs one scheduling pass
func (s *Scheduler) runDueSyncs(ctx context.Context) {
	s.recoverStaleRunning(ctx)

	due, err := s.store.ListDueForSync(ctx, s.cfg.StaleAfter, schedulerBatchSize)
	if err != nil {
		slog.Error("failed to list integrations due for sync", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	slog.Info("found integrations due for sync", "count", len(due))

	maxConcurrent := s.cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)
	var passWG sync.WaitGroup

	for _, integration := range due {
		select {
		case <-s.stopCh:
			passWG.Wait()
			return
		case <-ctx.Done():
			passWG.Wait()
			return
		case sem <- struct{}{}:
		}

		id := integration.ID
		provider := integration.Provider
		passWG.Add(1)
		safego.Go(func() {
			defer passWG.Done()
			defer func() { <-sem }()
			s.syncOne(ctx, id, provider)
		})
	}
	passWG.Wait()
}

// recoverStaleRunning releases integrations a crashed process left marked
// running, so they are not excluded from scheduling forever. Without a run
// deadline a stuck row cannot be told apart from a long run, so recovery only
// happens when one is configured.
func (s *Scheduler) recoverStaleRunning(ctx context.Context) {
	if s.cfg.RunTimeout <= 0 {
		return
	}
	recovered, err := s.store.RecoverStaleRunning(ctx, s.cfg.RunTimeout+staleRunningGrace)
	if err != nil {
		slog.Error("failed to recover integrations stuck in running", "error", err)
		return
	}
	if recovered > 0 {
		slog.Warn("recovered integrations stuck in running", "count", recovered)
	}
}

// syncOne runs a single scheduled sync, translating expected skips into debug
// logs rather than errors
func (s *Scheduler) syncOne(ctx context.Context, id uuid.UUID, provider string) {
	result, err := s.orch.SyncFiles(ctx, id)
	switch {
	case err == nil:
		slog.Info("scheduled sync finished",
			"integration_id", id, "provider", provider,
			"files_seen", result.FilesSeen, "files_upserted", result.FilesUpserted)
	case errors.Is(err, ErrSyncAlreadyRunning),
		errors.Is(err, ErrIntegrationInactive),
		errors.Is(err, ErrReauthRequired),
		errors.Is(err, ErrIntegrationNotFound):
		// Raced with a manual trigger or state changed since listing.
		slog.Debug("scheduled sync skipped", "integration_id", id, "reason", err)
	default:
		slog.Warn("scheduled sync failed", "integration_id", id, "provider", provider, "error", err)
	}
}
