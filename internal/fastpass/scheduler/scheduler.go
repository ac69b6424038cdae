// Package scheduler implements the endpoint-side timeslot horizon,
// allocation reception, and the five qdisc-like operations external
// callers drive packet admission through (spec.md §4.6, §6).
package scheduler

import (
	"errors"
	"sync"

	"github.com/fastpass-project/endpoint/internal/fastpass/dest"
	"github.com/fastpass-project/endpoint/internal/fastpass/wire"
)

// Action mirrors the original TSLOT_ACTION_* constants: the admission
// decision the timeslot-boundary callback applies to one queued packet.
type Action int

const (
	ActionAdmitHead Action = 0x0
	ActionAdmitByID Action = 0x1
	ActionDropByID  Action = 0x2
	ActionModifyByID Action = 0x3
)

// HorizonSize is FASTPASS_HORIZON: the number of future timeslots tracked
// at once.
const HorizonSize = 64

// allocLowMask/allocLowHalf mirror the 16-bit truncation the wire codec's
// ALLOC chunk actually carries (wire.AllocPayload.BaseTslotLow), matching
// the bit width spec.md §4.2 assigns the chunk; the general reconstruction
// form of §4.6's formula is applied at that width rather than the 20-bit
// example given there; see DESIGN.md for the width-consistency rationale.
const (
	allocLowMask = 0xFFFF
	allocLowHalf = 1 << 15
)

// Each descriptor byte's 4-bit flags nibble does double duty, per spec.md
// §4.6 steps 2 and 5: the low 3 bits are "1+skip-count" timeslots to
// advance, and the top bit is the EMU_FLAGS_DROP marker that selects
// drop-by-id over admit-by-id (see DESIGN.md for why the nibble splits
// this way rather than spending all 4 bits on skip count).
const (
	flagSkipMask = 0x7
	flagDrop     = 0x8
)

// scheduledSlot is what AdvanceHorizon needs to replay the arbiter's
// admission decision for one released timeslot: which destination, which
// action, and (for the *ByID variants) which id within that destination's
// queue.
type scheduledSlot struct {
	dstID  uint16
	action Action
	id     uint64
}

var (
	// ErrQdiscStopped is returned by Enqueue once StopQdisc has run.
	ErrQdiscStopped = errors.New("scheduler: qdisc stopped")
	// ErrUnknownDst is returned when classify/packet carries a dst id
	// beyond the table's MAX_FLOWS.
	ErrUnknownDst = errors.New("scheduler: destination id out of bounds")
)

// Config carries the tunables named in spec.md §6's configuration table
// that this package consumes directly.
type Config struct {
	TslotMul      uint64
	TslotShift    uint64
	MissThreshold uint64 // timeslots
	MaxPreload    uint64 // timeslots
	TslotBytes    int64
	MaxFlows      int
	UsedSlack     uint64
}

// Stats mirrors the allocation-reception counters of spec.md §4.6/§7.
type Stats struct {
	AllocTooLate          uint64
	AllocPremature        uint64
	UnwantedAlloc         uint64
	TimeslotsAssumedLost  uint64
	RxUnknownPayload      uint64
}

// Qdisc is the endpoint-side scheduler: destination demand accounting,
// the allocation horizon, and the ready queue the external transport
// layer dequeues admitted packets from.
type Qdisc struct {
	mu sync.Mutex

	cfg   Config
	table *dest.Table

	horizonMask uint64
	schedule    [HorizonSize]scheduledSlot
	// currentTslot is the last timeslot boundary this qdisc has advanced
	// to; HandleAlloc reconstructs full timeslot numbers relative to a
	// freshly computed "now" value, not this field, but AdvanceHorizon uses it
	// to know how far to roll the horizon forward.
	currentTslot uint64
	haveTslot    bool

	destQueues map[uint16][][]byte
	ready      [][]byte

	stats   Stats
	stopped bool
}

// TslotNow converts a nanosecond timestamp to a timeslot number using the
// configured tslot_mul/tslot_shift: timeslot = (now_ns * mul) >> shift.
func (c Config) TslotNow(nowNs int64) uint64 {
	return (uint64(nowNs) * c.TslotMul) >> c.TslotShift
}

// NewQdisc initializes a scheduler on top of a freshly allocated
// destination table, mirroring new_qdisc(net, tslot_mul, tslot_shift) ->
// handle.
func NewQdisc(cfg Config) *Qdisc {
	return &Qdisc{
		cfg:        cfg,
		table:      dest.NewTable(cfg.MaxFlows, cfg.TslotBytes, cfg.UsedSlack),
		destQueues: make(map[uint16][][]byte),
	}
}

// Table exposes the underlying per-destination counters, e.g. for
// /destinations reporting and for the protocol glue's AREQ assembly.
func (q *Qdisc) Table() *dest.Table { return q.table }

// Stats returns a consistent snapshot of the allocation counters.
func (q *Qdisc) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// StopQdisc performs a clean shutdown: no further packets are admitted
// and Enqueue begins returning ErrQdiscStopped.
func (q *Qdisc) StopQdisc() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
}

// Enqueue classifies and accounts a newly arrived packet. dst_id 0 is the
// distinguished internal/control-priority bucket that bypasses scheduling
// entirely (spec.md §4.5): such packets are pushed straight to the ready
// queue.
func (q *Qdisc) Enqueue(dstID uint16, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQdiscStopped
	}
	if dstID == 0 {
		q.ready = append(q.ready, payload)
		return nil
	}
	if !q.table.Enqueue(dstID, len(payload)) {
		return ErrUnknownDst
	}
	q.destQueues[dstID] = append(q.destQueues[dstID], payload)
	return nil
}

// Dequeue pulls the next admitted packet, or (nil, false) if nothing is
// currently releasable.
func (q *Qdisc) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return nil, false
	}
	pkt := q.ready[0]
	q.ready = q.ready[1:]
	return pkt, true
}

// HandleTimeslot applies one admission decision for dstID, moving a
// queued packet into the ready queue (or dropping it) according to
// action. id disambiguates which packet within the destination's queue
// for the *ByID variants; ActionAdmitHead always takes the front of the
// queue.
func (q *Qdisc) HandleTimeslot(dstID uint16, action Action, id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A released timeslot is consumed whether or not a packet was waiting
	// to use it: "used" tracks allocated timeslots that have passed their
	// horizon boundary, not packets actually sent.
	if d := q.table.Get(dstID); d != nil {
		d.MarkUsed()
	}

	queue := q.destQueues[dstID]
	if len(queue) == 0 {
		return
	}

	switch action {
	case ActionAdmitHead, ActionAdmitByID, ActionModifyByID:
		pkt := queue[0]
		q.destQueues[dstID] = queue[1:]
		q.ready = append(q.ready, pkt)
	case ActionDropByID:
		q.destQueues[dstID] = queue[1:]
	}
}

// HandleAlloc processes one decoded ALLOC chunk, reconstructing full
// timeslot numbers from the truncated base and walking the descriptor
// bytes exactly as spec.md §4.6 describes.
func (q *Qdisc) HandleAlloc(payload wire.AllocPayload, nowNs int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current := q.cfg.TslotNow(nowNs)
	fullTslot := wire.ReconstructLowBits(current, uint64(payload.BaseTslotLow), allocLowHalf, allocLowMask)

	for _, slot := range payload.Slots {
		if slot.DstIndex == 0 {
			fullTslot += 1 + uint64(slot.Flags&flagSkipMask)
			continue
		}
		fullTslot += 1 + uint64(slot.Flags&flagSkipMask)
		idx := int(slot.DstIndex) - 1
		if idx < 0 || idx >= len(payload.DstIDs) {
			q.stats.RxUnknownPayload++
			return // abort entire ALLOC payload per spec.md §4.7
		}
		dstID := payload.DstIDs[idx]
		d := q.table.Get(dstID)
		if d == nil {
			q.stats.RxUnknownPayload++
			return
		}

		// Signed difference, not a raw unsigned compare: current and
		// full_tslot are sequence-like counters that must be compared
		// the same wraparound-safe way spec.md §3 prescribes for seqnos.
		diff := int64(fullTslot - current)
		switch {
		case diff < -int64(q.cfg.MissThreshold):
			q.stats.AllocTooLate++
			q.table.ForceRequeue(dstID, 1)
		case diff >= int64(q.cfg.MaxPreload):
			q.stats.AllocPremature++
			q.table.ForceRequeue(dstID, 1)
		default:
			if q.table.AdmitAlloc(dstID) {
				action := ActionAdmitByID
				if slot.Flags&flagDrop != 0 {
					action = ActionDropByID
				}
				bit := fullTslot % HorizonSize
				q.horizonMask |= 1 << bit
				// slot.DstIndex doubles as the per-slot id the *ByID
				// actions disambiguate on: the wire format carries no
				// separate id stream, and the index is already unique
				// within this payload.
				q.schedule[bit] = scheduledSlot{dstID: dstID, action: action, id: uint64(slot.DstIndex)}
			} else {
				q.stats.UnwantedAlloc++
			}
		}
	}
}

// ReconcileAREQFeedback applies the arbiter's periodic cumulative
// allocation report for one destination (carried as a 16-bit low value
// in an AREQ-shaped chunk per spec.md §4.6's feedback path). Returns
// true if the counters were consistent; false signals the caller should
// force a protocol reset (count > requested).
func (q *Qdisc) ReconcileAREQFeedback(dstID uint16, low uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.table.Get(dstID)
	if d == nil {
		return false
	}
	snap := d.Snapshot()
	count := wire.ReconstructLowBits(snap.Alloc, uint64(low), allocLowHalf, allocLowMask)
	if count > snap.Requested {
		return false
	}
	if count > snap.Alloc {
		delta := count - snap.Alloc
		q.table.ForceRequeue(dstID, delta)
		q.stats.TimeslotsAssumedLost += delta
	}
	return true
}

// AdvanceHorizon moves currentTslot forward to newTslot, releasing any
// timeslot whose horizon bit is set by invoking HandleTimeslot with the
// action (and id) the arbiter's ALLOC flags selected for it and clearing
// that bit. The mask and schedule are indexed by timeslot modulo
// HorizonSize; they are not shifted.
func (q *Qdisc) AdvanceHorizon(newTslot uint64) {
	q.mu.Lock()
	if !q.haveTslot {
		q.currentTslot = newTslot
		q.haveTslot = true
		q.mu.Unlock()
		return
	}
	start := q.currentTslot
	q.mu.Unlock()

	if newTslot <= start {
		return
	}
	for t := start; t < newTslot; t++ {
		bit := t % HorizonSize
		q.mu.Lock()
		set := q.horizonMask&(1<<bit) != 0
		slot := q.schedule[bit]
		if set {
			q.horizonMask &^= 1 << bit
		}
		q.mu.Unlock()
		if set {
			q.HandleTimeslot(slot.dstID, slot.action, slot.id)
		}
	}
	q.mu.Lock()
	q.currentTslot = newTslot
	q.mu.Unlock()
}
