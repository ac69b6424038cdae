// Package pacer implements the FPPROTO request pacer: a token-bucket gate
// on control-packet (AREQ) transmission, distinct from the admin plane's
// golang.org/x/time/rate limiter — this one models a fixed per-request
// nanosecond cost rather than a refillable token rate, matching
// spec.md's req_cost/req_bucketlen/req_min_gap semantics exactly.
package pacer

import "sync"

// Pacer gates how often the endpoint may assemble and send an AREQ
// packet. All operations are serialized under a single lock, matching
// spec.md §5's pacer_lock.
type Pacer struct {
	mu sync.Mutex

	reqCost      int64 // ns, cost charged per triggered request
	reqBucketLen int64 // ns, max accumulated credit
	reqMinGap    int64 // ns, minimum gap between triggers

	lastRefill int64 // ns, last time tokens were consumed
	triggered  bool
	nextEvent  int64 // ns, when the pacer should next fire if triggered
}

// New returns a Pacer with the given configuration. now is the
// construction time in nanoseconds (monotonic clock reading).
func New(reqCost, reqBucketLen, reqMinGap int64, now int64) *Pacer {
	return &Pacer{
		reqCost:      reqCost,
		reqBucketLen: reqBucketLen,
		reqMinGap:    reqMinGap,
		lastRefill:   now,
	}
}

// Trigger arms the pacer if it is not already armed, returning true if
// this call armed it (the caller should schedule a timer for NextEvent)
// and false if a trigger was already pending.
func (p *Pacer) Trigger(now int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.triggered {
		return false
	}
	next := p.lastRefill + p.reqCost
	minGap := now + p.reqMinGap
	if minGap > next {
		next = minGap
	}
	p.nextEvent = next
	p.triggered = true
	return true
}

// NextEvent returns the nanosecond timestamp the pacer last scheduled via
// Trigger. Only meaningful while Triggered() is true.
func (p *Pacer) NextEvent() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextEvent
}

// Triggered reports whether the pacer currently has an outstanding event
// scheduled.
func (p *Pacer) Triggered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggered
}

// Reset consumes tokens for a fired request and clears the trigger,
// bounding accumulated credit to reqBucketLen so a long-idle pacer cannot
// burst unboundedly on its next request.
func (p *Pacer) Reset(now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	floor := now - p.reqBucketLen
	if p.lastRefill < floor {
		p.lastRefill = floor
	}
	p.lastRefill += p.reqCost
	p.triggered = false
}
