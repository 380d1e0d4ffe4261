package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openBreaker(cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.recordResult(false)
	}
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	if cb.currentState() != StateClosed {
		t.Errorf("Expected initial state to be Closed, got %s", cb.currentState())
	}

	if !cb.allowRequest() {
		t.Error("Expected to allow request in Closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	openBreaker(cb, 2)
	if cb.currentState() != StateClosed {
		t.Error("Expected state to still be Closed after 2 failures")
	}

	// Third failure should open circuit
	cb.recordResult(false)
	if cb.currentState() != StateOpen {
		t.Error("Expected state to be Open after 3 failures")
	}

	if cb.allowRequest() {
		t.Error("Expected to not allow request in Open state")
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 100*time.Millisecond)
	openBreaker(cb, 3)

	if cb.currentState() != StateOpen {
		t.Fatal("Expected circuit to be Open")
	}

	time.Sleep(150 * time.Millisecond)

	if !cb.allowRequest() {
		t.Error("Expected to allow request after timeout (HalfOpen)")
	}

	state, _, _, _ := cb.GetStats()
	if state != StateHalfOpen {
		t.Errorf("Expected state to be HalfOpen, got %s", state)
	}
}

func TestCircuitBreaker_HalfOpenLimitsRequests(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 50*time.Millisecond)
	openBreaker(cb, 1)
	time.Sleep(80 * time.Millisecond)

	allowed := 0
	for i := 0; i < 5; i++ {
		if cb.allowRequest() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("Expected 3 requests in HalfOpen, got %d", allowed)
	}
}

func TestCircuitBreaker_CloseAfterSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 100*time.Millisecond)
	openBreaker(cb, 3)

	time.Sleep(150 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Expected trial request %d to pass, got %v", i, err)
		}
	}

	if cb.currentState() != StateClosed {
		t.Errorf("Expected state to be Closed after successes in HalfOpen, got %s", cb.currentState())
	}
}

func TestCircuitBreaker_OpenAfterFailureInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 100*time.Millisecond)
	openBreaker(cb, 3)

	time.Sleep(150 * time.Millisecond)

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("still down") })

	if cb.currentState() != StateOpen {
		t.Error("Expected state to be Open after failure in HalfOpen")
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	if err := cb.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	if err := cb.Execute(context.Background(), func(context.Context) error { return errors.New("test error") }); err == nil {
		t.Error("Expected error from failed call")
	}
}

func TestCircuitBreaker_ExecuteOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 1*time.Second)
	openBreaker(cb, 1)

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected protected function not to run while open")
	}
}

func TestCircuitBreaker_ExecuteIgnoresCallerCancellation(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 1*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if cb.currentState() != StateClosed {
		t.Errorf("Expected cancellation not to open the circuit, got %s", cb.currentState())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb := NewCircuitBreaker("history", 2, 1*time.Second)

	var transitions []CircuitState
	cb.OnStateChange(func(name string, from, to CircuitState) {
		if name != "history" {
			t.Errorf("Expected name 'history', got %q", name)
		}
		transitions = append(transitions, to)
	})

	openBreaker(cb, 2)

	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("Expected [open], got %v", transitions)
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, 1*time.Second)

	cb.recordResult(true)
	cb.recordResult(true)
	cb.recordResult(false)

	state, requestCount, failureCount, failureRate := cb.GetStats()

	if state != StateClosed {
		t.Errorf("Expected state Closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}

func TestCircuitState_String(t *testing.T) {
	if StateHalfOpen.String() != "half-open" {
		t.Errorf("Expected 'half-open', got %q", StateHalfOpen.String())
	}
}
