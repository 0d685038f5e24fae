package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudsync/cloudsync/internal/config"
	"github.com/cloudsync/cloudsync/internal/db/models"
	"github.com/cloudsync/cloudsync/internal/provider"
)

type fakeDueLister struct {
	due []*models.Integration
	err error

	recovered   int64
	recoverAges []time.Duration
}

func (f *fakeDueLister) ListDueForSync(ctx context.Context, staleAfter time.Duration, limit int) ([]*models.Integration, error) {
	return f.due, f.err
}

func (f *fakeDueLister) RecoverStaleRunning(ctx context.Context, maxAge time.Duration) (int64, error) {
	f.recoverAges = append(f.recoverAges, maxAge)
	return f.recovered, nil
}

func TestRunDueSyncsSyncsStaleIntegration(t *testing.T) {
	integration := testIntegration()
	adapter := &scriptedAdapter{responses: []func() (*provider.Page, error){page("", "a")}}
	h := newHarness(t, integration, adapter)

	scheduler := NewScheduler(h.orch, &fakeDueLister{due: []*models.Integration{integration}},
		config.SyncConfig{StaleAfter: time.Hour, MaxConcurrent: 2})
	scheduler.runDueSyncs(context.Background())

	if len(h.runs.created) != 1 {
		t.Fatalf("expected 1 sync run, got %d", len(h.runs.created))
	}
	if h.runs.finished[0].status != models.SyncStatusSuccess {
		t.Errorf("run finished with %s", h.runs.finished[0].status)
	}
}

func TestRunDueSyncsNothingDue(t *testing.T) {
	h := newHarness(t, testIntegration(), &scriptedAdapter{})

	scheduler := NewScheduler(h.orch, &fakeDueLister{}, config.SyncConfig{StaleAfter: time.Hour})
	scheduler.runDueSyncs(context.Background())

	if len(h.runs.created) != 0 {
		t.Errorf("expected no runs, got %d", len(h.runs.created))
	}
}

func TestRunDueSyncsListError(t *testing.T) {
	h := newHarness(t, testIntegration(), &scriptedAdapter{})

	scheduler := NewScheduler(h.orch, &fakeDueLister{err: errors.New("database down")},
		config.SyncConfig{StaleAfter: time.Hour})
	// Must not panic or sync anything.
	scheduler.runDueSyncs(context.Background())

	if len(h.runs.created) != 0 {
		t.Errorf("expected no runs, got %d", len(h.runs.created))
	}
}

func TestRunDueSyncsSkipsRacedIntegration(t *testing.T) {
	integration := testIntegration()
	h := newHarness(t, integration, &scriptedAdapter{})
	h.integrations.running = true

	scheduler := NewScheduler(h.orch, &fakeDueLister{due: []*models.Integration{integration}},
		config.SyncConfig{StaleAfter: time.Hour})
	// The orchestrator reports already-running; the scheduler treats it as a skip.
	scheduler.runDueSyncs(context.Background())

	if len(h.runs.created) != 0 {
		t.Errorf("expected no runs while gate held, got %d", len(h.runs.created))
	}
}

func TestRunDueSyncsRecoversStaleRunning(t *testing.T) {
	h := newHarness(t, testIntegration(), &scriptedAdapter{})
	store := &fakeDueLister{recovered: 2}

	scheduler := NewScheduler(h.orch, store,
		config.SyncConfig{StaleAfter: time.Hour, RunTimeout: 10 * time.Minute})
	scheduler.runDueSyncs(context.Background())

	if len(store.recoverAges) != 1 {
		t.Fatalf("expected one recovery call, got %d", len(store.recoverAges))
	}
	// A row is only orphaned once it has outlived the run deadline plus slack.
	if store.recoverAges[0] <= 10*time.Minute {
		t.Errorf("recovery cutoff %s not padded past the run timeout", store.recoverAges[0])
	}
}

func TestRunDueSyncsSkipsRecoveryWithoutRunTimeout(t *testing.T) {
	h := newHarness(t, testIntegration(), &scriptedAdapter{})
	store := &fakeDueLister{}

	// Unbounded runs cannot be told apart from stuck rows.
	scheduler := NewScheduler(h.orch, store, config.SyncConfig{StaleAfter: time.Hour})
	scheduler.runDueSyncs(context.Background())

	if len(store.recoverAges) != 0 {
		t.Errorf("expected no recovery without a run deadline, got %d calls", len(store.recoverAges))
	}
}

func TestSchedulerStartStop(t *testing.T) {
	integration := testIntegration()
	adapter := &scriptedAdapter{responses: []func() (*provider.Page, error){page("", "a")}}
	h := newHarness(t, integration, adapter)

	scheduler := NewScheduler(h.orch, &fakeDueLister{due: []*models.Integration{integration}},
		config.SyncConfig{IntervalMinutes: 60, StaleAfter: time.Hour, MaxConcurrent: 1})

	scheduler.Start(context.Background())
	// The initial pass runs immediately; give it a moment to finish.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.runs.finished) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	scheduler.Stop()

	if len(h.runs.created) != 1 {
		t.Errorf("expected the initial pass to sync once, got %d runs", len(h.runs.created))
	}
}
