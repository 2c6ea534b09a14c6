package resilience

import (
	"testing"
	"time"
)

func tripBreaker(b *Breaker, failures int) {
	for i := 0; i < failures; i++ {
		b.RecordFailure()
	}
}

func TestClosedStateAllowsAssignment(t *testing.T) {
	b := NewBreaker(3, time.Second, time.Minute)
	if !b.Allow() {
		t.Fatal("expected closed breaker to allow assignment")
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Second, time.Minute)
	tripBreaker(b, 3)

	if b.State() != StateOpen {
		t.Fatalf("expected open state, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("expected open breaker to reject assignment")
	}
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second, time.Minute)
	b.now = func() time.Time { return now }

	tripBreaker(b, 2)

	// Still open before the cooldown elapses.
	if b.Allow() {
		t.Fatal("expected rejection during cooldown")
	}

	now = now.Add(2 * time.Second)

	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected half-open to admit one trial")
	}
	if b.Allow() {
		t.Fatal("expected second concurrent trial to be rejected")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after trial success, got %v", b.State())
	}
	if b.Failures() != 0 {
		t.Fatalf("expected failure count reset, got %d", b.Failures())
	}
}

func TestHalfOpenFailureDoublesCooldown(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Second, time.Minute)
	b.now = func() time.Time { return now }

	tripBreaker(b, 2)
	now = now.Add(time.Second)

	if !b.Allow() {
		t.Fatal("expected half-open trial")
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected re-open after half-open failure, got %v", b.State())
	}

	// Base cooldown has doubled: one second is no longer enough.
	now = now.Add(time.Second)
	if b.State() != StateOpen {
		t.Fatal("expected breaker still open before doubled cooldown elapses")
	}
	now = now.Add(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after doubled cooldown, got %v", b.State())
	}
}

func TestCooldownCappedAtMax(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, 4*time.Second, 6*time.Second)
	b.now = func() time.Time { return now }

	tripBreaker(b, 1)

	for i := 0; i < 3; i++ {
		now = now.Add(b.cooldown)
		if !b.Allow() {
			t.Fatalf("iteration %d: expected half-open trial", i)
		}
		b.RecordFailure()
	}

	if b.cooldown != 6*time.Second {
		t.Fatalf("expected cooldown capped at 6s, got %v", b.cooldown)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Second, time.Minute)

	tripBreaker(b, 2)
	b.RecordSuccess()
	tripBreaker(b, 2)

	if b.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %v", b.State())
	}
}

func TestAssignableDoesNotConsumeTrial(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second, time.Minute)
	b.now = func() time.Time { return now }

	tripBreaker(b, 1)
	now = now.Add(time.Second)

	if !b.Assignable() || !b.Assignable() {
		t.Fatal("expected Assignable to stay true until the trial is taken")
	}
	if !b.Allow() {
		t.Fatal("expected trial to be granted")
	}
	if b.Assignable() {
		t.Fatal("expected Assignable false once the trial is taken")
	}
}
