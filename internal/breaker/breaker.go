// Package breaker implements a per-provider circuit breaker guarding outbound
// provider API calls. Repeated failures open the circuit so a degraded
// provider is not hammered; after a cooldown a single probe is allowed
// through, and its outcome decides whether the circuit closes again.
//
// The breaker deliberately counts only infrastructure-style failures.
// Callers decide countability: an expired token says nothing about provider
// health, so auth and fatal errors are reported via RecordNeutral rather
// than RecordFailure. Every admitted call must end in exactly one of
// RecordSuccess, RecordFailure, or RecordNeutral.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudsync/cloudsync/internal/telemetry"
)

// State is the circuit state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name used in logs and metric labels
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// OpenError is returned by Allow when the circuit is open. Callers fail fast
// without touching the provider.
type OpenError struct {
	Provider string
	RetryAt  time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: circuit open for provider %s until %s", e.Provider, e.RetryAt.Format(time.RFC3339))
}

// Breaker is a circuit breaker for a single provider kind
type Breaker struct {
	provider  string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker for a provider. threshold is the consecutive
// failure count that opens the circuit; cooldown is how long it stays open
// before a probe is allowed.
func New(provider string, threshold int, cooldown time.Duration) *Breaker {
	b := &Breaker{
		provider:  provider,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	telemetry.BreakerState.WithLabelValues(provider).Set(float64(StateClosed))
	return b
}

// State returns the current circuit state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. While open it returns *OpenError
// until the cooldown elapses, then transitions to half-open and admits exactly
// one probe; concurrent calls during the probe fail fast.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		retryAt := b.openedAt.Add(b.cooldown)
		if b.now().Before(retryAt) {
			return &OpenError{Provider: b.provider, RetryAt: retryAt}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	default: // StateHalfOpen
		if b.probing {
			return &OpenError{Provider: b.provider, RetryAt: b.openedAt.Add(b.cooldown)}
		}
		b.probing = true
		return nil
	}
}

// RecordSuccess resets the failure count and closes the circuit. A successful
// half-open probe fully closes it.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordNeutral releases the probe slot without judging provider health.
// An admitted call whose outcome the caller does not count, a rejected token
// say, must still report back or the half-open slot stays taken forever.
func (b *Breaker) RecordNeutral() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// RecordFailure counts a countable failure. Reaching the threshold, or any
// failed half-open probe, opens the circuit and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		b.openedAt = b.now()
		b.transition(StateOpen)
		return
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// transition flips state and records telemetry. Callers hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	telemetry.BreakerState.WithLabelValues(b.provider).Set(float64(to))
	telemetry.BreakerTransitionsTotal.WithLabelValues(b.provider, to.String()).Inc()
	slog.Warn("circuit breaker state change",
		"provider", b.provider, "from", from.String(), "to", to.String())
}

// Registry hands out one breaker per provider kind, process-wide. Provider
// health is a property of the upstream service, not of any one integration,
// so all integrations of a kind share a breaker.
type Registry struct {
	threshold int
	cooldown  time.Duration

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with shared settings
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for a provider kind, creating it on first use
func (r *Registry) Get(provider string) *Breaker {
	r.mu.RLock()
	b := r.breakers[provider]
	r.mu.RUnlock()
	if b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.breakers[provider]; b == nil {
		b = New(provider, r.threshold, r.cooldown)
		r.breakers[provider] = b
	}
	return b
}
