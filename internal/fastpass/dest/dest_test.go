package dest

import "testing"

func TestEnqueueIncrementsDemandAndQueues(t *testing.T) {
	table := NewTable(8, 1500, 0)
	for i := 0; i < 3; i++ {
		table.Enqueue(5, 1500)
	}
	d := table.Get(5)
	snap := d.Snapshot()
	if snap.Demand != 3 {
		t.Fatalf("Demand = %d, want 3", snap.Demand)
	}
	if table.DemandTslots() != 3 {
		t.Fatalf("aggregate DemandTslots = %d, want 3", table.DemandTslots())
	}
	entries, _ := table.AssembleAREQ(256)
	if len(entries) != 1 || entries[0].DstID != 5 {
		t.Fatalf("AssembleAREQ = %+v, want one entry for dst 5", entries)
	}
}

func TestNoDuplicateQueueEntry(t *testing.T) {
	table := NewTable(8, 1500, 0)
	table.Enqueue(2, 1500)
	table.Enqueue(2, 1500) // demand keeps climbing but dst 2 already queued
	if len(table.queue) != 1 {
		t.Fatalf("queue length = %d, want 1 (state token prevents duplicates)", len(table.queue))
	}
}

func TestAssembleAREQSkipsFullyAcked(t *testing.T) {
	table := NewTable(8, 1500, 0)
	table.Enqueue(1, 1500)
	d := table.Get(1)
	d.Requested = d.Snapshot().Demand // an earlier AREQ already carried this demand
	d.AckRequest(d.Requested)         // fully acked before dequeue
	entries, _ := table.AssembleAREQ(256)
	if len(entries) != 0 {
		t.Fatalf("AssembleAREQ = %+v, want none (fully acked already)", entries)
	}
}

func TestRequestWindowBoundsRequested(t *testing.T) {
	table := NewTable(8, 1, 0)
	for i := 0; i < 10; i++ {
		table.Enqueue(0, 1)
	}
	entries, _ := table.AssembleAREQ(4) // window of 4: acked(0)+4-1 = 3
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].CumulativeTslotLow != 3 {
		t.Fatalf("CumulativeTslotLow = %d, want 3", entries[0].CumulativeTslotLow)
	}
}

func TestInvariantUsedAllocRequestedDemand(t *testing.T) {
	table := NewTable(4, 1, 0)
	for i := 0; i < 5; i++ {
		table.Enqueue(3, 1)
	}
	table.AssembleAREQ(256)
	d := table.Get(3)
	d.AckRequest(5)
	table.AdmitAlloc(3)
	table.AdmitAlloc(3)
	d.MarkUsed()
	snap := d.Snapshot()
	if !(snap.Used <= snap.Alloc && snap.Alloc <= snap.Requested && snap.Requested <= snap.Demand) {
		t.Fatalf("invariant violated: %+v", snap)
	}
}

func TestOverAllocationRejected(t *testing.T) {
	// Over-demand allocation per spec.md §8 scenario 4: demand(dst)=5,
	// arbiter sends 7 allocations, none of which have reached their real
	// wall-clock horizon boundary yet (MarkUsed is never called here) —
	// the gate must still reject the 6th and 7th by comparing against
	// alloc, not used, since used would stay 0 through the whole burst.
	table := NewTable(4, 1, 0)
	for i := 0; i < 5; i++ {
		table.Enqueue(1, 1)
	}
	d := table.Get(1)
	d.AckRequest(5)
	admitted := 0
	for i := 0; i < 7; i++ {
		if table.AdmitAlloc(1) {
			admitted++
		}
	}
	if admitted != 5 {
		t.Fatalf("admitted = %d, want 5 (alloc(dst)==demand(dst) rejects the rest)", admitted)
	}
	snap := d.Snapshot()
	if snap.Used != 0 || snap.Alloc != 5 {
		t.Fatalf("snapshot = %+v, want used=0 alloc=5", snap)
	}
}

func TestRequeuePushesUnackedDestination(t *testing.T) {
	table := NewTable(4, 1500, 0)
	table.Enqueue(2, 1500)
	table.AssembleAREQ(256) // dequeues dst 2, sets state back to Unqueued
	if !table.Requeue(2) {
		t.Fatalf("Requeue(2) = false, want true (demand still unacked)")
	}
	if len(table.queue) != 1 || table.queue[0] != 2 {
		t.Fatalf("queue = %v, want [2]", table.queue)
	}
	// Already queued: a second Requeue must not double-push.
	if table.Requeue(2) {
		t.Fatalf("second Requeue(2) = true, want false (already queued)")
	}
	if len(table.queue) != 1 {
		t.Fatalf("queue length = %d after duplicate Requeue, want 1", len(table.queue))
	}
}

func TestRequeueNoopWhenFullyAcked(t *testing.T) {
	table := NewTable(4, 1500, 0)
	table.Enqueue(3, 1500)
	table.AssembleAREQ(256)
	d := table.Get(3)
	d.AckRequest(d.Snapshot().Requested)
	if table.Requeue(3) {
		t.Fatalf("Requeue(3) = true, want false (fully acked, nothing to resend)")
	}
}
