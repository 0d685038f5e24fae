// scheduler.go implements the rotation scheduler, a low-frequency loop that
// evaluates the managed keys against the rotation interval. The check is
// cheap, so it runs far more often than keys actually rotate.
package keyrotation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudsync/cloudsync/internal/safego"
)

// checkInterval is how often the scheduler evaluates rotation due-ness
const checkInterval = time.Hour

// Scheduler periodically runs scheduled rotations
type Scheduler struct {
	service *Service
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a rotation scheduler
func NewScheduler(service *Service) *Scheduler {
	return &Scheduler{
		service: service,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic rotation check. An initial check runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting key rotation scheduler",
		"check_interval", checkInterval, "rotation_interval", s.service.rotationInterval)

	s.wg.Add(1)
	safego.Go(func() {
		defer s.wg.Done()

		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		s.runPass(ctx)

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.stopCh:
				slog.Info("key rotation scheduler stopped")
				return
			case <-ctx.Done():
				slog.Info("key rotation scheduler context cancelled")
				return
			}
		}
	})
}

func (s *Scheduler) runPass(ctx context.Context) {
	rotated, skipped := s.service.PerformScheduledRotations(ctx)
	if len(rotated) > 0 {
		slog.Info("scheduled rotation pass complete", "rotated", rotated, "skipped", skipped)
	}
}

// Stop stops the scheduler and waits for it to exit
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
