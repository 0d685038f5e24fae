package breaker

import (
	"errors"
	"testing"
	"time"
)

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New("drive", threshold, cooldown)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if b.State() != StateClosed {
		t.Errorf("new breaker state = %v, want closed", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() on closed breaker: %v", err)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("breaker opened before threshold")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker did not open at threshold")
	}

	err := b.Allow()
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Allow() on open breaker = %v, want *OpenError", err)
	}
	if openErr.Provider != "drive" {
		t.Errorf("OpenError.Provider = %s, want drive", openErr.Provider)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Error("non-consecutive failures opened the breaker")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker did not open")
	}

	// Before cooldown: still refused.
	*now = now.Add(30 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatal("Allow() before cooldown elapsed succeeded")
	}

	// After cooldown: one probe admitted.
	*now = now.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cooldown: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("state after cooldown = %v, want half-open", b.State())
	}

	// Concurrent call during the probe fails fast.
	if err := b.Allow(); err == nil {
		t.Error("second Allow() during probe succeeded; expected refusal")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow(): %v", err)
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after close: %v", err)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow(): %v", err)
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", b.State())
	}

	// Cooldown restarts from the failed probe.
	*now = now.Add(30 * time.Second)
	if err := b.Allow(); err == nil {
		t.Error("Allow() before restarted cooldown elapsed succeeded")
	}
	*now = now.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after restarted cooldown: %v", err)
	}
}

func TestBreaker_NeutralProbeOutcomeReleasesSlot(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow(): %v", err)
	}

	// The probe ended in an outcome the caller does not count against the
	// provider. The slot must come back for the next caller.
	b.RecordNeutral()
	if b.State() != StateHalfOpen {
		t.Errorf("state after neutral probe = %v, want half-open", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after neutral probe outcome: %v", err)
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state after successful re-probe = %v, want closed", b.State())
	}
}

func TestBreaker_NeutralWhileClosedIsNoop(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordNeutral()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Error("neutral outcome must not reset the failure count")
	}
}

func TestRegistry_SharedPerProvider(t *testing.T) {
	r := NewRegistry(5, time.Minute)

	a := r.Get("drive")
	b := r.Get("drive")
	if a != b {
		t.Error("Get returned different breakers for the same provider")
	}

	c := r.Get("graph")
	if a == c {
		t.Error("different providers share a breaker")
	}
}
