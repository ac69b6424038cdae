package discovery

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewArbiterResolverWithoutEtcd(t *testing.T) {
	r := NewArbiterResolver(nil, nil, "/fastpass/arbiter", "127.0.0.1:9000", zap.NewNop())
	if r.Current() != "127.0.0.1:9000" {
		t.Fatalf("Current() = %q, want fallback", r.Current())
	}
	if err := r.Watch(); err != nil {
		t.Fatalf("Watch() on nil etcd client: %v", err)
	}
}

func TestHandleChangePut(t *testing.T) {
	r := NewArbiterResolver(nil, nil, "/fastpass/arbiter", "127.0.0.1:9000", zap.NewNop())
	r.handleChange("PUT", "10.0.0.5:9000")
	if r.Current() != "10.0.0.5:9000" {
		t.Fatalf("Current() = %q, want 10.0.0.5:9000", r.Current())
	}
}

func TestHandleChangeDeleteFallsBack(t *testing.T) {
	r := NewArbiterResolver(nil, nil, "/fastpass/arbiter", "127.0.0.1:9000", zap.NewNop())
	r.handleChange("PUT", "10.0.0.5:9000")
	r.handleChange("DELETE", "")
	if r.Current() != "127.0.0.1:9000" {
		t.Fatalf("Current() after DELETE = %q, want fallback", r.Current())
	}
}

func TestAddChangeListenerFiresImmediatelyAndOnChange(t *testing.T) {
	r := NewArbiterResolver(nil, nil, "/fastpass/arbiter", "127.0.0.1:9000", zap.NewNop())

	var seen []string
	r.AddChangeListener(func(addr string) { seen = append(seen, addr) })
	if len(seen) != 1 || seen[0] != "127.0.0.1:9000" {
		t.Fatalf("seen after AddChangeListener = %v, want [fallback]", seen)
	}

	r.handleChange("PUT", "10.0.0.5:9000")
	if len(seen) != 2 || seen[1] != "10.0.0.5:9000" {
		t.Fatalf("seen after change = %v, want [fallback, 10.0.0.5:9000]", seen)
	}
}

func TestHandleChangeNoopWhenAddressUnchanged(t *testing.T) {
	r := NewArbiterResolver(nil, nil, "/fastpass/arbiter", "127.0.0.1:9000", zap.NewNop())

	var calls int
	r.AddChangeListener(func(string) { calls++ })
	if calls != 1 {
		t.Fatalf("calls after initial fire = %d, want 1", calls)
	}

	r.handleChange("PUT", "127.0.0.1:9000") // same as fallback: no change
	if calls != 1 {
		t.Fatalf("calls after no-op PUT = %d, want still 1", calls)
	}
}
