package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBreaker(threshold int, reset time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:  threshold,
		ResetTimeout:      reset,
		HalfOpenMaxProbes: 1,
	})
}

func TestCircuit_OpensAfterThreshold(t *testing.T) {
	cb := testBreaker(3, time.Minute)
	fail := func(_ context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), fail)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuit_HalfOpenRecovers(t *testing.T) {
	cb := testBreaker(1, time.Minute)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errors.New("boom") })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	// Advance past the reset timeout.
	cb.nowFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }

	err := cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuit_HalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker(1, time.Minute)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errors.New("boom") })
	cb.nowFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errors.New("still down") })

	cb.nowFunc = time.Now
	if cb.State() != CircuitOpen {
		t.Errorf("expected reopened, got %s", cb.State())
	}
}

func TestCircuit_SuccessResetsFailures(t *testing.T) {
	cb := testBreaker(3, time.Minute)
	fail := func(_ context.Context) error { return errors.New("boom") }
	ok := func(_ context.Context) error { return nil }

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), ok)
	_ = cb.Execute(context.Background(), fail)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestExecuteVal_ReturnsValue(t *testing.T) {
	cb := testBreaker(3, time.Minute)
	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Errorf("expected 42, got %d", val)
	}
}
