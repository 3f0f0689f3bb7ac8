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
func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	cb := NewCircuitBreaker(threshold, 30*time.Second)
	cb.now = clk.now
	return cb, clk
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3)
	if cb.State() != CircuitClosed || !cb.Allow() {
		t.Fatal("new breaker should be closed and allow pushes")
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed below threshold, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("expected open at threshold, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker should block pushes")
	}
}

func TestCircuitBreakerSingleTrial(t *testing.T) {
	cb, clk := newTestBreaker(1)
	cb.RecordFailure()

	clk.add(29 * time.Second)
	if cb.Allow() {
		t.Fatal("breaker should stay open before cooldown")
	}

	clk.add(time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("half-open breaker should allow one trial")
	}
	if cb.Allow() {
		t.Fatal("half-open breaker should allow only one trial")
	}
}

func TestCircuitBreakerTrialOutcome(t *testing.T) {
	tests := []struct {
		name    string
		succeed bool
		want    CircuitState
	}{
		{"success closes", true, CircuitClosed},
		{"failure reopens", false, CircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newTestBreaker(2)
			cb.RecordFailure()
			cb.RecordFailure()
			clk.add(time.Minute)
			cb.Allow()

			if tt.succeed {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
			if tt.succeed && cb.Failures() != 0 {
				t.Errorf("success should reset failures, got %d", cb.Failures())
			}
		})
	}
}

func TestCircuitStateString(t *testing.T) {
	for state, want := range map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
