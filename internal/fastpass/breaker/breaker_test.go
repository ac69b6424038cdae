package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultConfig(), zap.NewNop())
	if cb.State() != StateClosed {
		t.Fatalf("State() = %s, want CLOSED", cb.State())
	}
}

func TestCircuitBreakerTracksSuccesses(t *testing.T) {
	cb := NewCircuitBreaker("test-success", Config{
		MaxRequests: 3, Interval: time.Second, Timeout: time.Second,
	}, zap.NewNop())

	for i := 0; i < 5; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("Execute() = %v, want nil", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("State() = %s, want CLOSED", cb.State())
	}
	if cb.Counts().TotalSuccesses != 5 {
		t.Fatalf("TotalSuccesses = %d, want 5", cb.Counts().TotalSuccesses)
	}
}

func TestCircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("test-failure", Config{
		MaxRequests: 3, Interval: time.Second, Timeout: time.Second,
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 3 },
	}, zap.NewNop())

	testErr := errors.New("test error")
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return testErr }); err != testErr {
			t.Fatalf("Execute() = %v, want testErr", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %s, want OPEN after 3 failures", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Execute() on open breaker = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("test-halfopen", Config{
		MaxRequests: 1, Interval: 50 * time.Millisecond, Timeout: 80 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 2 },
	}, zap.NewNop())

	testErr := errors.New("test error")
	cb.Execute(func() error { return testErr })
	cb.Execute(func() error { return testErr })
	if cb.State() != StateOpen {
		t.Fatalf("State() = %s, want OPEN", cb.State())
	}

	time.Sleep(100 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() after timeout = %s, want HALF_OPEN", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute() in half-open = %v, want nil", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("State() after successful probe = %s, want CLOSED", cb.State())
	}
}

func TestExecuteContextPropagatesPanic(t *testing.T) {
	cb := NewCircuitBreaker("test-panic", DefaultConfig(), zap.NewNop())

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic to propagate through ExecuteContext")
		}
		if cb.Counts().TotalFailures != 1 {
			t.Fatalf("TotalFailures after panic = %d, want 1", cb.Counts().TotalFailures)
		}
	}()

	_ = cb.ExecuteContext(context.Background(), func(context.Context) error {
		panic("boom")
	})
}

func TestClassifyFailureSplitsCounts(t *testing.T) {
	deadlineErr := context.DeadlineExceeded
	cb := NewCircuitBreaker("test-classify", Config{
		MaxRequests: 3, Interval: time.Second, Timeout: time.Second,
		ReadyToTrip: func(counts Counts) bool { return false }, // never trip, just accumulate
	}, zap.NewNop())

	cb.Execute(func() error { return deadlineErr })
	cb.Execute(func() error { return errors.New("dial tcp: connection refused") })

	counts := cb.Counts()
	if counts.TimeoutFailures != 1 {
		t.Fatalf("TimeoutFailures = %d, want 1", counts.TimeoutFailures)
	}
	if counts.TransportFailures != 1 {
		t.Fatalf("TransportFailures = %d, want 1", counts.TransportFailures)
	}
	if counts.TotalFailures != 2 {
		t.Fatalf("TotalFailures = %d, want 2", counts.TotalFailures)
	}
}

func TestClassifyFailureCustomForcedReset(t *testing.T) {
	errForcedReset := errors.New("peer forced a protocol reset")
	var gotCounts Counts
	cb := NewCircuitBreaker("test-forced-reset", Config{
		MaxRequests: 1, Interval: time.Second, Timeout: time.Second,
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 1 },
		ClassifyFailure: func(err error) FailureKind {
			if errors.Is(err, errForcedReset) {
				return FailureForcedReset
			}
			return FailureTransport
		},
		OnStateChange: func(name string, from, to State, counts Counts) {
			gotCounts = counts
		},
	}, zap.NewNop())

	cb.Execute(func() error { return errForcedReset })

	if cb.State() != StateOpen {
		t.Fatalf("State() = %s, want OPEN", cb.State())
	}
	if gotCounts.ForcedResetFailures != 1 {
		t.Fatalf("OnStateChange saw ForcedResetFailures = %d, want 1", gotCounts.ForcedResetFailures)
	}
}

func TestResetClearsOpenState(t *testing.T) {
	cb := NewCircuitBreaker("test-reset", Config{
		MaxRequests: 1, Interval: time.Second, Timeout: time.Hour,
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 1 },
	}, zap.NewNop())

	cb.Execute(func() error { return errors.New("fail") })
	if cb.State() != StateOpen {
		t.Fatalf("State() = %s, want OPEN", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("State() after Reset() = %s, want CLOSED", cb.State())
	}
}
