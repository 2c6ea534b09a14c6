// Package resilience provides the per-agent circuit breaker.
package resilience

import (
	"sync"
	"time"
)

// State is the observable breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Breaker tracks consecutive failures for one agent and stops assignment when
// a threshold is reached. After the cooldown it admits exactly one trial
// assignment in half-open state: success closes the circuit, failure re-opens
// it with a doubled cooldown capped at a maximum.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int

	baseCooldown time.Duration
	cooldown     time.Duration
	maxCooldown  time.Duration
	openedAt     time.Time
	trialTaken   bool

	now func() time.Time // for testing
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and cools down for cooldown before half-open, doubling up to
// maxCooldown on repeated half-open failures.
func NewBreaker(maxFailures int, cooldown, maxCooldown time.Duration) *Breaker {
	return &Breaker{
		maxFailures:  maxFailures,
		baseCooldown: cooldown,
		cooldown:     cooldown,
		maxCooldown:  maxCooldown,
		now:          time.Now,
	}
}

// Allow reports whether an assignment may proceed, consuming the single
// half-open trial slot when it grants one. Callers must follow up with
// RecordSuccess or RecordFailure for every granted assignment.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tick()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.trialTaken {
			return false
		}
		b.trialTaken = true
		return true
	default:
		return false
	}
}

// Assignable reports whether an assignment could currently proceed without
// consuming the half-open trial slot. Used when ranking candidate agents.
func (b *Breaker) Assignable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tick()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !b.trialTaken
	default:
		return false
	}
}

// RecordSuccess resets the failure count. A half-open success closes the
// circuit and resets the cooldown to its base value.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = StateClosed
	b.cooldown = b.baseCooldown
	b.trialTaken = false
}

// RecordFailure counts a failure. Reaching the threshold opens the circuit; a
// half-open failure re-opens it with a doubled cooldown capped at the maximum.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.cooldown = min(b.cooldown*2, b.maxCooldown)
		b.open()
	case b.failures >= b.maxFailures:
		b.open()
	}
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// State returns the current state, applying the cooldown transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tick()
	return b.state
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.trialTaken = false
}

// tick applies the open→half-open cooldown transition. Must be called with
// b.mu held.
func (b *Breaker) tick() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.trialTaken = false
	}
}
