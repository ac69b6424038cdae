// Package breaker implements a circuit breaker protecting calls the
// endpoint makes to external control-plane services: etcd-backed
// arbiter discovery lookups, and the admin plane's upstream calls.
// Unlike a generic RPC breaker, failures here are classified by what
// actually went wrong against the arbiter control channel — a dial or
// etcd timeout looks very different from a peer-initiated forced
// reset (spec.md §4.4's reset handshake, fired when ALLOC feedback
// goes out of sync), and a breaker tripping because the arbiter keeps
// forcing resets should log differently than one tripping because
// etcd itself is unreachable.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FailureKind classifies why a guarded call failed, so Counts can
// separate a flapping transport from an arbiter that keeps forcing
// protocol resets — the two call for different operator response.
type FailureKind int

const (
	// FailureOther covers panics and callers that never classify.
	FailureOther FailureKind = iota
	// FailureTransport is a dial/etcd RPC error: the arbiter or etcd
	// cluster could not be reached at all.
	FailureTransport
	// FailureTimeout is a context deadline exceeded waiting on the
	// call, distinct from an outright transport error.
	FailureTimeout
	// FailureForcedReset marks a call that surfaced a peer-initiated
	// protocol reset (spec.md §4.4) rather than a transport problem —
	// the arbiter is reachable but the control channel resynced,
	// which after repeated occurrences indicates a flapping arbiter
	// rather than a one-off network blip.
	FailureForcedReset
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureTimeout:
		return "timeout"
	case FailureForcedReset:
		return "forced_reset"
	default:
		return "other"
	}
}

var (
	// ErrCircuitOpen is returned by Execute while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe budget is exhausted.
	ErrTooManyRequests = errors.New("too many requests")
)

// State is one of the three classic circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a CircuitBreaker's thresholds.
type Config struct {
	// MaxRequests caps probe requests allowed while half-open.
	MaxRequests uint32
	// Interval is how often Counts resets while closed (0 selects the
	// 10s default in NewCircuitBreaker).
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// ReadyToTrip decides whether accumulated Counts should open the breaker.
	ReadyToTrip func(counts Counts) bool
	// OnStateChange, if set, fires on every state transition, with the
	// counts that triggered it — ForcedResetFailures/TimeoutFailures let
	// the listener tell a flapping arbiter from a down transport.
	OnStateChange func(name string, from State, to State, counts Counts)
	// ClassifyFailure turns a guarded call's error into a FailureKind.
	// Defaults to classifying context.DeadlineExceeded as FailureTimeout
	// and everything else as FailureTransport.
	ClassifyFailure func(err error) FailureKind
}

// Counts tracks a generation's request outcomes, broken out by
// FailureKind so a breaker trip can be attributed to the arbiter
// control channel forcing resets versus the transport to it being
// down.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32

	TransportFailures   uint32
	TimeoutFailures     uint32
	ForcedResetFailures uint32
}

func (c *Counts) Reset() {
	c.Requests = 0
	c.TotalSuccesses = 0
	c.TotalFailures = 0
	c.ConsecutiveSuccesses = 0
	c.ConsecutiveFailures = 0
	c.TransportFailures = 0
	c.TimeoutFailures = 0
	c.ForcedResetFailures = 0
}

func (c *Counts) OnSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) OnFailure(kind FailureKind) {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
	switch kind {
	case FailureTransport:
		c.TransportFailures++
	case FailureTimeout:
		c.TimeoutFailures++
	case FailureForcedReset:
		c.ForcedResetFailures++
	}
}

// ErrorRate returns TotalFailures/Requests, or 0 with no requests yet.
func (c *Counts) ErrorRate() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

// CircuitBreaker wraps calls with the standard closed/open/half-open
// state machine, tracked per named dependency.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu         sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// NewCircuitBreaker builds a breaker named name, filling unset Config
// fields with their defaults.
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval == 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = defaultReadyToTrip
	}
	if config.ClassifyFailure == nil {
		config.ClassifyFailure = defaultClassifyFailure
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

func defaultReadyToTrip(counts Counts) bool {
	return counts.Requests >= 5 && (counts.ErrorRate() >= 0.5 || counts.ConsecutiveFailures >= 5)
}

// defaultClassifyFailure distinguishes a deadline miss from everything
// else; callers guarding calls that can surface a forced reset (e.g.
// the endpoint's reconnect path) should set Config.ClassifyFailure to
// recognize it instead of falling through to FailureTransport.
func defaultClassifyFailure(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureTransport
}

// Execute runs fn under the breaker's protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, FailureOther, false)
			panic(e)
		}
	}()

	err = fn()
	cb.afterRequest(generation, cb.config.ClassifyFailure(err), err == nil)
	return err
}

// ExecuteContext runs fn under the breaker's protection, threading ctx through.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, FailureOther, false)
			panic(e)
		}
	}()

	err = fn(ctx)
	cb.afterRequest(generation, cb.config.ClassifyFailure(err), err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, kind FailureKind, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now, kind)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.OnSuccess()
	case StateHalfOpen:
		cb.counts.OnSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.config.MaxRequests {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time, kind FailureKind) {
	switch state {
	case StateClosed:
		cb.counts.OnFailure(kind)
		if cb.config.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.counts.OnFailure(kind)
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	counts := cb.counts // snapshot before toNewGeneration clears it
	cb.state = state
	cb.toNewGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state, counts)
	}

	cb.logger.Info("circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.Float64("error_rate", counts.ErrorRate()),
		zap.Uint32("requests", counts.Requests),
		zap.Uint32("failures", counts.TotalFailures),
		zap.Uint32("transport_failures", counts.TransportFailures),
		zap.Uint32("timeout_failures", counts.TimeoutFailures),
		zap.Uint32("forced_reset_failures", counts.ForcedResetFailures),
	)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.Reset()

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.config.Interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	default: // StateHalfOpen
		cb.expiry = zero
	}
}

// State returns the breaker's current state, applying any pending
// closed->new-generation or open->half-open transition first.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	state, _ := cb.currentState(time.Now())
	return state
}

// Counts returns a copy of the breaker's current generation counts.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.counts
}

// Reset forces the breaker back to closed with fresh counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.toNewGeneration(time.Now())
	cb.state = StateClosed
	cb.logger.Info("circuit breaker reset", zap.String("name", cb.name))
}
