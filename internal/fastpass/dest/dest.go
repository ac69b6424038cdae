// Package dest implements the per-destination demand/requested/acked/
// alloc/used counter table and the FIFO queue of destinations awaiting
// request transmission, per spec.md §4.5.
package dest

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/fastpass-project/endpoint/internal/fastpass/wire"
)

// FlowState is the single-occupancy token that prevents a destination
// from appearing twice in the request queue simultaneously.
type FlowState int32

const (
	Unqueued FlowState = iota
	RequestQueued
)

// Destination holds the tslot counters for one remote endpoint. The
// invariant used <= alloc <= requested <= demand, and acked <= requested,
// is maintained by every mutating method below; callers must go through
// this type rather than writing the fields directly.
type Destination struct {
	mu sync.Mutex

	Demand    uint64
	Requested uint64
	Acked     uint64
	Alloc     uint64
	Used      uint64

	state  FlowState
	credit int64 // bytes remaining before the next timeslot's worth is consumed
}

// Classify derives a dense destination id from the low bits of an IPv4
// address, the canonical mapping named in the glossary.
func Classify(ip net.IP, maxFlows int) uint16 {
	v4 := ip.To4()
	if v4 == nil || maxFlows <= 0 {
		return 0
	}
	raw := uint32(v4[2])<<8 | uint32(v4[3])
	return uint16(int(raw) % maxFlows)
}

// Table is the dense array of per-destination state plus the shared
// request FIFO. dst_id 0 is reserved as the "internal" control-priority
// bucket that bypasses scheduling entirely (spec.md §4.5).
type Table struct {
	dests      []*Destination
	tslotBytes int64
	usedSlack  uint64

	queueMu sync.Mutex // unreq_flows_lock
	queue   []uint16

	demandTslots atomic.Uint64 // aggregate, for reporting only
	allocTslots  atomic.Uint64
}

// NewTable allocates a dense table of maxFlows destinations.
// tslotBytes is the byte cost of one timeslot used for demand accounting;
// usedSlack is the headroom (in timeslots) a destination may hold between
// alloc and demand before it is re-queued for requests.
func NewTable(maxFlows int, tslotBytes int64, usedSlack uint64) *Table {
	t := &Table{
		dests:      make([]*Destination, maxFlows),
		tslotBytes: tslotBytes,
		usedSlack:  usedSlack,
	}
	for i := range t.dests {
		t.dests[i] = &Destination{credit: tslotBytes}
	}
	return t
}

// Get returns the Destination for dstID, or nil if out of bounds.
func (t *Table) Get(dstID uint16) *Destination {
	if int(dstID) >= len(t.dests) {
		return nil
	}
	return t.dests[dstID]
}

// DemandTslots returns the aggregate demand counter across all
// destinations, maintained as a running atomic sum for reporting.
func (t *Table) DemandTslots() uint64 { return t.demandTslots.Load() }

// AllocTslots returns the aggregate alloc counter across all
// destinations.
func (t *Table) AllocTslots() uint64 { return t.allocTslots.Load() }

// Enqueue accounts nBytes of newly classified traffic against dstID's
// byte credit. Each time a full timeslot's worth of bytes accumulates,
// demand is incremented by one and, if the destination now exceeds its
// allocated+slack headroom and is not already queued, it is pushed onto
// the request FIFO.
func (t *Table) Enqueue(dstID uint16, nBytes int) bool {
	d := t.Get(dstID)
	if d == nil {
		return false
	}
	d.mu.Lock()
	d.credit -= int64(nBytes)
	demandIncremented := false
	for d.credit <= 0 {
		d.Demand++
		d.credit += t.tslotBytes
		demandIncremented = true
	}
	needsQueue := demandIncremented && d.state == Unqueued && d.Demand > d.Alloc+t.usedSlack
	if needsQueue {
		d.state = RequestQueued
	}
	d.mu.Unlock()

	if demandIncremented {
		t.demandTslots.Add(1)
	}
	if needsQueue {
		t.queueMu.Lock()
		t.queue = append(t.queue, dstID)
		t.queueMu.Unlock()
	}
	return true
}

// popQueue removes and returns up to n destination ids from the FIFO,
// clearing their queued state. Order of lock acquisition (queueMu only,
// never combined with a destination lock held) matches spec.md §5.
func (t *Table) popQueue(n int) []uint16 {
	t.queueMu.Lock()
	if n > len(t.queue) {
		n = len(t.queue)
	}
	ids := append([]uint16(nil), t.queue[:n]...)
	t.queue = t.queue[n:]
	t.queueMu.Unlock()
	return ids
}

// AssembleAREQ dequeues up to wire.MaxAREQPerPacket destinations and
// builds the AREQ entries for the next commit, per spec.md §4.5's
// five-step request packet assembly. requestWindowSize bounds
// outstanding request volume per destination. It returns the entries to
// send and whether any queued destination still exceeds its requested
// volume (in which case the caller should re-arm the pacer).
func (t *Table) AssembleAREQ(requestWindowSize uint64) ([]wire.AREQEntry, bool) {
	ids := t.popQueue(wire.MaxAREQPerPacket)
	entries := make([]wire.AREQEntry, 0, len(ids))
	needsRearm := false
	for _, id := range ids {
		d := t.Get(id)
		if d == nil {
			continue
		}
		d.mu.Lock()
		newRequested := d.Demand
		if cap := d.Acked + requestWindowSize - 1; cap < newRequested {
			newRequested = cap
		}
		if newRequested <= d.Acked {
			// Fully acked between enqueue and dequeue: nothing to request.
			d.state = Unqueued
			stillOver := d.Demand > d.Alloc+t.usedSlack
			d.mu.Unlock()
			if stillOver {
				needsRearm = true
			}
			continue
		}
		d.Requested = newRequested
		d.state = Unqueued
		stillOver := d.Demand > d.Requested
		d.mu.Unlock()

		entries = append(entries, wire.AREQEntry{
			DstID:              id,
			CumulativeTslotLow: uint16(newRequested & 0xFFFF),
		})
		if stillOver {
			needsRearm = true
		}
	}
	return entries, needsRearm
}

// AckRequest applies an acked cumulative request count to d, as
// reconstructed by the caller from the wire's low-16-bit AREQ feedback
// (spec.md §4.6). Returns false, with no state change, if count is
// inconsistent with the local state (count > requested), signalling the
// caller should force a protocol reset.
func (d *Destination) AckRequest(count uint64) (ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if count > d.Requested {
		return false
	}
	if count > d.Acked {
		d.Acked = count
	}
	return true
}

// IncAllocUsedDemand increments alloc/used/demand by delta, used both for
// the "too late"/"premature" allocation remedy (force a re-request) and
// for reconciling lost ALLOC feedback (spec.md §4.6).
func (d *Destination) IncAllocUsedDemand(delta uint64) {
	d.mu.Lock()
	d.Alloc += delta
	d.Used += delta
	d.Demand += delta
	d.mu.Unlock()
}

// TryAdmitAlloc applies one in-bounds ALLOC slot to dstID: if alloc <
// demand, alloc is incremented and true is returned (the scheduler should
// mark the horizon bit); otherwise this is an over-allocation
// (unwanted_alloc) and false is returned with no state change. The gate
// compares against alloc, not used: used only advances when a timeslot is
// released at its real wall-clock boundary (MarkUsed, called from
// AdvanceHorizon), which can lag far behind a burst of ALLOCs for
// not-yet-released future timeslots.
func (d *Destination) TryAdmitAlloc() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Alloc >= d.Demand {
		return false
	}
	d.Alloc++
	return true
}

// AdmitAlloc is the Table-level wrapper around Destination.TryAdmitAlloc
// that keeps the aggregate alloc_tslots counter consistent.
func (t *Table) AdmitAlloc(dstID uint16) bool {
	d := t.Get(dstID)
	if d == nil {
		return false
	}
	if d.TryAdmitAlloc() {
		t.allocTslots.Add(1)
		return true
	}
	return false
}

// Requeue pushes dstID back onto the request FIFO if it still has unacked
// demand and is not already queued — used when a committed AREQ packet is
// neg-acked (timeout, window eviction, or reset) so its request is
// reassembled into a future packet instead of silently stalling.
func (t *Table) Requeue(dstID uint16) bool {
	d := t.Get(dstID)
	if d == nil {
		return false
	}
	d.mu.Lock()
	needsQueue := d.state == Unqueued && d.Demand > d.Acked
	if needsQueue {
		d.state = RequestQueued
	}
	d.mu.Unlock()
	if needsQueue {
		t.queueMu.Lock()
		t.queue = append(t.queue, dstID)
		t.queueMu.Unlock()
	}
	return needsQueue
}

// ForceRequeue increments alloc/used/demand by delta on dstID and keeps
// the aggregate counters consistent, used by the scheduler's
// too-late/premature/lost-feedback remedies (spec.md §4.6).
func (t *Table) ForceRequeue(dstID uint16, delta uint64) {
	d := t.Get(dstID)
	if d == nil {
		return
	}
	d.IncAllocUsedDemand(delta)
	t.demandTslots.Add(delta)
	t.allocTslots.Add(delta)
}

// MarkUsed increments used by one when a timeslot allocated to this
// destination is actually released to the egress path.
func (d *Destination) MarkUsed() {
	d.mu.Lock()
	d.Used++
	d.mu.Unlock()
}

// Snapshot returns a consistent copy of the five counters, for
// /stats and /destinations reporting.
type Snapshot struct {
	Demand, Requested, Acked, Alloc, Used uint64
}

func (d *Destination) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{Demand: d.Demand, Requested: d.Requested, Acked: d.Acked, Alloc: d.Alloc, Used: d.Used}
}
