package scheduler

import (
	"testing"

	"github.com/fastpass-project/endpoint/internal/fastpass/wire"
)

func testConfig() Config {
	return Config{
		TslotMul:      1,
		TslotShift:    0,
		MissThreshold: 16,
		MaxPreload:    64,
		TslotBytes:    1500,
		MaxFlows:      8,
	}
}

func TestEnqueueInternalBucketBypassesScheduling(t *testing.T) {
	q := NewQdisc(testConfig())
	if err := q.Enqueue(0, []byte("ctrl")); err != nil {
		t.Fatalf("Enqueue(dst=0): %v", err)
	}
	pkt, ok := q.Dequeue()
	if !ok || string(pkt) != "ctrl" {
		t.Fatalf("Dequeue() = %q,%v, want ctrl,true", pkt, ok)
	}
}

func TestEnqueueAfterStopFails(t *testing.T) {
	q := NewQdisc(testConfig())
	q.StopQdisc()
	if err := q.Enqueue(1, []byte("x")); err != ErrQdiscStopped {
		t.Fatalf("Enqueue after stop = %v, want ErrQdiscStopped", err)
	}
}

func TestHandleAllocAdmitsInBoundsSlot(t *testing.T) {
	cfg := testConfig()
	q := NewQdisc(cfg)
	q.table.Enqueue(1, 1500) // demand(1) = 1
	q.table.Get(1).AckRequest(1)

	current := cfg.TslotNow(1000)
	// base reconstructs to current+3; the descriptor byte advances it one
	// more timeslot to current+4, safely inside [current-miss, current+max).
	alloc := wire.AllocPayload{
		BaseTslotLow: uint16((current + 3) & allocLowMask),
		DstIDs:       []uint16{1},
		Slots:        []wire.AllocSlot{{DstIndex: 1, Flags: 0}},
	}
	q.HandleAlloc(alloc, 1000)
	snap := q.table.Get(1).Snapshot()
	if snap.Alloc != 1 {
		t.Fatalf("Alloc = %d, want 1", snap.Alloc)
	}
	stats := q.Stats()
	if stats.AllocTooLate != 0 || stats.AllocPremature != 0 || stats.UnwantedAlloc != 0 {
		t.Fatalf("unexpected error stats: %+v", stats)
	}
}

func TestHandleAllocTooLate(t *testing.T) {
	// spec.md §8 scenario 5: reconstructed full_tslot = current -
	// miss_threshold - 1.
	cfg := testConfig()
	q := NewQdisc(cfg)
	q.table.Enqueue(2, 1500)
	q.table.Get(2).AckRequest(1)

	current := cfg.TslotNow(0)
	// The descriptor byte's own "+1 timeslot" advance is applied after
	// reconstruction, so the pre-advance target is one further back than
	// the desired final full_tslot of current-miss_threshold-1.
	preAdvance := current - cfg.MissThreshold - 2
	baseLow := uint16(preAdvance & allocLowMask)
	alloc := wire.AllocPayload{
		BaseTslotLow: baseLow,
		DstIDs:       []uint16{2},
		Slots:        []wire.AllocSlot{{DstIndex: 1, Flags: 0}},
	}
	q.HandleAlloc(alloc, 0)
	stats := q.Stats()
	if stats.AllocTooLate != 1 {
		t.Fatalf("AllocTooLate = %d, want 1", stats.AllocTooLate)
	}
	snap := q.table.Get(2).Snapshot()
	if snap.Demand != 2 {
		t.Fatalf("Demand = %d, want 2 (re-request forced)", snap.Demand)
	}
}

func TestHandleAllocOverDemand(t *testing.T) {
	// spec.md §8 scenario 4: demand(3)=5, arbiter sends 7 allocations, all
	// for future timeslots that haven't reached their horizon boundary
	// yet (so AdvanceHorizon/MarkUsed never runs). The over-allocation
	// gate must still trip on the 6th and 7th ALLOC: it compares against
	// alloc, which HandleAlloc itself advances, not used, which only
	// advances when a timeslot is actually released.
	cfg := testConfig()
	q := NewQdisc(cfg)
	for i := 0; i < 5; i++ {
		q.table.Enqueue(3, 1500)
	}
	d := q.table.Get(3)
	d.AckRequest(5)

	current := cfg.TslotNow(0)
	for i := 0; i < 7; i++ {
		alloc := wire.AllocPayload{
			BaseTslotLow: uint16((current + uint64(i)) & allocLowMask),
			DstIDs:       []uint16{3},
			Slots:        []wire.AllocSlot{{DstIndex: 1, Flags: 0}},
		}
		q.HandleAlloc(alloc, 0)
	}
	snap := d.Snapshot()
	if snap.Alloc != 5 {
		t.Fatalf("Alloc = %d, want 5", snap.Alloc)
	}
	if snap.Used != 0 {
		t.Fatalf("Used = %d, want 0 (no timeslot has reached its horizon boundary)", snap.Used)
	}
	stats := q.Stats()
	if stats.UnwantedAlloc != 2 {
		t.Fatalf("UnwantedAlloc = %d, want 2", stats.UnwantedAlloc)
	}
}

func TestAdvanceHorizonDispatchesDropByIDForFlaggedSlot(t *testing.T) {
	// spec.md §4.6 step 5: EMU_FLAGS_DROP drops the slot's packet by id
	// instead of admitting it, once its horizon boundary is reached.
	cfg := testConfig()
	q := NewQdisc(cfg)
	q.table.Enqueue(6, 1500) // demand(6) = 1
	q.table.Get(6).AckRequest(1)
	if err := q.Enqueue(6, []byte("dropped")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	current := cfg.TslotNow(0)
	q.AdvanceHorizon(current) // establish the baseline horizon position
	alloc := wire.AllocPayload{
		BaseTslotLow: uint16(current & allocLowMask),
		DstIDs:       []uint16{6},
		Slots:        []wire.AllocSlot{{DstIndex: 1, Flags: flagDrop}},
	}
	q.HandleAlloc(alloc, 0) // reconstructs to current, descriptor advance to current+1
	q.AdvanceHorizon(current + 2)

	if _, ok := q.Dequeue(); ok {
		t.Fatalf("Dequeue() returned a packet, want none (dropped by id)")
	}
	if snap := q.table.Get(6).Snapshot(); snap.Used != 1 {
		t.Fatalf("Used = %d, want 1 (horizon boundary still consumed on drop)", snap.Used)
	}
}

func TestAdvanceHorizonDispatchesAdmitByIDForUnflaggedSlot(t *testing.T) {
	cfg := testConfig()
	q := NewQdisc(cfg)
	q.table.Enqueue(7, 1500) // demand(7) = 1
	q.table.Get(7).AckRequest(1)
	if err := q.Enqueue(7, []byte("admitted")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	current := cfg.TslotNow(0)
	q.AdvanceHorizon(current) // establish the baseline horizon position
	alloc := wire.AllocPayload{
		BaseTslotLow: uint16(current & allocLowMask),
		DstIDs:       []uint16{7},
		Slots:        []wire.AllocSlot{{DstIndex: 1, Flags: 0}},
	}
	q.HandleAlloc(alloc, 0) // reconstructs to current, descriptor advance to current+1
	q.AdvanceHorizon(current + 2)

	pkt, ok := q.Dequeue()
	if !ok || string(pkt) != "admitted" {
		t.Fatalf("Dequeue() = %q,%v, want admitted,true", pkt, ok)
	}
	if snap := q.table.Get(7).Snapshot(); snap.Used != 1 {
		t.Fatalf("Used = %d, want 1", snap.Used)
	}
}

func TestReconcileAREQFeedbackInfersLostAllocs(t *testing.T) {
	q := NewQdisc(testConfig())
	for i := 0; i < 3; i++ {
		q.table.Enqueue(4, 1500)
	}
	q.table.AssembleAREQ(256) // requested=3
	q.table.Get(4).AckRequest(3)
	q.table.AdmitAlloc(4) // alloc=1

	// Arbiter reports cumulative alloc=3 (low bits), implying 2 were lost
	// in transit.
	if ok := q.ReconcileAREQFeedback(4, 3); !ok {
		t.Fatalf("ReconcileAREQFeedback returned false")
	}
	snap := q.table.Get(4).Snapshot()
	if snap.Alloc != 3 {
		t.Fatalf("Alloc after reconcile = %d, want 3", snap.Alloc)
	}
	if q.Stats().TimeslotsAssumedLost != 2 {
		t.Fatalf("TimeslotsAssumedLost = %d, want 2", q.Stats().TimeslotsAssumedLost)
	}
}

func TestReconcileAREQFeedbackInconsistentForcesReset(t *testing.T) {
	q := NewQdisc(testConfig())
	q.table.Enqueue(5, 1500)
	// requested stays 0 (never assembled into an AREQ); any positive count
	// exceeds requested and must be rejected.
	if ok := q.ReconcileAREQFeedback(5, 1); ok {
		t.Fatalf("ReconcileAREQFeedback = true, want false (count > requested)")
	}
}
