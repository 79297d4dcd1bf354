// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time      { return c.t }
func (c *fakeClock) add(d time.Duration) { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock           { return &fakeClock{t: time.Unix(1700000000, 0)} }
func breakerWith(c *fakeClock, n int) *CircuitBreaker {
	cb := NewCircuitBreaker(n, 30*time.Second)
	cb.now = c.now
	return cb
}

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != CircuitClosed {
		t.Errorf("expected CircuitClosed, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("expected Allow() to return true in Closed state")
	}
}

func TestCircuitBreakerThreshold(t *testing.T) {
	tests := []struct {
		failures int
		want     CircuitState
	}{
		{0, CircuitClosed},
		{2, CircuitClosed},
		{3, CircuitOpen},
		{7, CircuitOpen},
	}
	for _, tt := range tests {
		cb := breakerWith(newFakeClock(), 3)
		for i := 0; i < tt.failures; i++ {
			cb.RecordFailure()
		}
		if got := cb.State(); got != tt.want {
			t.Errorf("%d failures: state = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestCircuitBreakerRecovery(t *testing.T) {
	clock := newFakeClock()
	cb := breakerWith(clock, 2)
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("open circuit should not allow")
	}

	clock.add(29 * time.Second)
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v before timeout, want open", cb.State())
	}

	clock.add(time.Second)
	if !cb.Allow() {
		t.Fatal("half-open circuit should allow a probe")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed || cb.FailureCount() != 0 {
		t.Errorf("after success: state=%v failures=%d", cb.State(), cb.FailureCount())
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	cb := breakerWith(clock, 5)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	clock.add(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected probe to be allowed")
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("state = %v, want open after failed probe", cb.State())
	}
}

func TestCircuitStateString(t *testing.T) {
	for s, want := range map[CircuitState]string{
		CircuitClosed: "closed", CircuitOpen: "open", CircuitHalfOpen: "half-open", 9: "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
