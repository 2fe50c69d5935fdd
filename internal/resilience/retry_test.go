package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   1 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Operation:   "test",
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnThirdAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewProviderError(errors.New("temporary"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	last := errors.New("always fails")
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return last
	})
	if !errors.Is(err, last) {
		t.Fatalf("expected last error propagated, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ShouldRetryStopsEarly(t *testing.T) {
	var calls int
	cfg := fastRetry(3)
	cfg.ShouldRetry = IsTransient

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("permanent error: bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call (no retry for non-transient), got %d", calls)
	}
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	cfg := fastRetry(5)
	cfg.BaseDelay = 50 * time.Millisecond

	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancellation, got %d", calls)
	}
}

func TestDoVal_PreservesValue(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewProviderError(errors.New("flaky"), 500)
		}
		return "page-2", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "page-2" {
		t.Errorf("expected value preserved, got %q", val)
	}
}

func TestComputeBackoff_Doubles(t *testing.T) {
	cfg := applyDefaults(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Hour})
	if got := computeBackoff(0, cfg); got != 100*time.Millisecond {
		t.Errorf("attempt 0: expected 100ms, got %v", got)
	}
	if got := computeBackoff(1, cfg); got != 200*time.Millisecond {
		t.Errorf("attempt 1: expected 200ms, got %v", got)
	}
	if got := computeBackoff(2, cfg); got != 400*time.Millisecond {
		t.Errorf("attempt 2: expected 400ms, got %v", got)
	}
}

func TestComputeBackoff_Capped(t *testing.T) {
	cfg := applyDefaults(RetryConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second})
	if got := computeBackoff(10, cfg); got != 2*time.Second {
		t.Errorf("expected cap at 2s, got %v", got)
	}
}
