// Package circuit implements a breaker scoped narrowly to the Exchange
// Adapter's outbound order calls (SPEC_FULL.md §3.2). It is independent of
// the four position-invariant guards in internal/position: those stop a
// second position from opening, this stops hammering a failing venue.
// Grounded on the teacher's internal/circuit.CircuitBreaker state machine,
// trimmed from its PnL/rate-limit conditions down to consecutive-failure
// tripping since order routing, not trading performance, is what it guards.
package circuit

import (
	"sync"
	"time"

	"github.com/reversalpro/broker/internal/events"
)

// State mirrors the teacher's three-state breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls when the breaker trips and how long it stays open.
type Config struct {
	MaxConsecutiveFailures int
	CooldownMinutes        int
}

// DefaultConfig matches the teacher's conservative defaults, scaled down
// from PnL percentages to a raw failure count.
func DefaultConfig() Config {
	return Config{MaxConsecutiveFailures: 5, CooldownMinutes: 15}
}

// Breaker gates Exchange Adapter calls.
type Breaker struct {
	mu                sync.Mutex
	cfg               Config
	state             State
	consecutiveFails  int
	lastTripTime      time.Time
	tripReason        string
	bus               *events.EventBus
}

// New constructs a Breaker in the closed state. bus may be nil if lifecycle
// events aren't wired (e.g. in tests).
func New(cfg Config, bus *events.EventBus) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed, bus: bus}
}

// Allow reports whether an order call may proceed, transitioning open ->
// half-open once the cooldown elapses.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	cooldown := time.Duration(b.cfg.CooldownMinutes) * time.Minute
	if time.Since(b.lastTripTime) < cooldown {
		return false
	}
	b.state = StateHalfOpen
	return true
}

// RecordSuccess resets the failure streak; a success while half-open closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	wasHalfOpen := b.state == StateHalfOpen
	b.consecutiveFails = 0
	b.state = StateClosed
	b.mu.Unlock()

	if wasHalfOpen && b.bus != nil {
		b.bus.PublishCircuitRecovered()
	}
}

// RecordFailure increments the failure streak and trips the breaker once
// the threshold is reached. A failure while half-open re-trips immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.consecutiveFails++
	shouldTrip := b.state == StateHalfOpen || b.consecutiveFails >= b.cfg.MaxConsecutiveFailures
	var reason string
	if shouldTrip {
		b.state = StateOpen
		b.lastTripTime = time.Now()
		reason = "consecutive exchange failures"
		b.tripReason = reason
	}
	b.mu.Unlock()

	if shouldTrip && b.bus != nil {
		b.bus.PublishCircuitTripped(reason)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reason returns the reason the breaker last tripped, if any.
func (b *Breaker) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripReason
}
