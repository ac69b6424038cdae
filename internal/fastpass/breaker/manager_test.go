package breaker

import (
	"testing"

	"go.uber.org/zap"
)

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	m := NewManager(zap.NewNop())
	a := m.GetOrCreate("discovery", DefaultConfig())
	b := m.GetOrCreate("discovery", DefaultConfig())
	if a != b {
		t.Fatalf("GetOrCreate() returned distinct breakers for the same name")
	}
}

func TestGetReturnsNilForUnknownName(t *testing.T) {
	m := NewManager(zap.NewNop())
	if m.Get("missing") != nil {
		t.Fatalf("Get() on unknown name returned non-nil")
	}
}

func TestResetAllResetsEveryBreaker(t *testing.T) {
	m := NewManager(zap.NewNop())
	cfg := Config{MaxRequests: 1, ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }}
	a := m.GetOrCreate("a", cfg)
	b := m.GetOrCreate("b", cfg)

	a.Execute(func() error { return errDummy })
	b.Execute(func() error { return errDummy })
	if a.State() != StateOpen || b.State() != StateOpen {
		t.Fatalf("expected both breakers open before ResetAll")
	}

	m.ResetAll()
	if a.State() != StateClosed || b.State() != StateClosed {
		t.Fatalf("expected both breakers closed after ResetAll")
	}
}

func TestGetStatsReportsErrorRate(t *testing.T) {
	m := NewManager(zap.NewNop())
	cb := m.GetOrCreate("discovery", DefaultConfig())
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errDummy })

	stats := m.GetStats()["discovery"]
	if stats.Requests != 2 {
		t.Fatalf("Requests = %d, want 2", stats.Requests)
	}
	if stats.ErrorRate != 0.5 {
		t.Fatalf("ErrorRate = %v, want 0.5", stats.ErrorRate)
	}
}

var errDummy = &dummyErr{}

type dummyErr struct{}

func (*dummyErr) Error() string { return "dummy" }
