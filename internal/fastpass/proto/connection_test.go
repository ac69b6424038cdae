package proto

import (
	"sync"
	"testing"

	"github.com/fastpass-project/endpoint/internal/fastpass/wire"
)

type recordingOps struct {
	mu        sync.Mutex
	resets    int
	acked     []*PacketDescriptor
	negAcked  []*PacketDescriptor
	allocs    []wire.AllocPayload
	triggers  int
	timerAt   int64
	timerSet  bool
}

func (r *recordingOps) HandleReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}
func (r *recordingOps) HandleAck(pd *PacketDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, pd)
}
func (r *recordingOps) HandleNegAck(pd *PacketDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.negAcked = append(r.negAcked, pd)
}
func (r *recordingOps) HandleAlloc(p wire.AllocPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocs = append(r.allocs, p)
}
func (r *recordingOps) HandleAREQ(wire.AREQPayload) {}
func (r *recordingOps) TriggerRequest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers++
}
func (r *recordingOps) SetTimer(atNs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timerAt = atNs
	r.timerSet = true
}
func (r *recordingOps) CancelTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timerSet = false
}

func newTestConn(ops Ops) *Connection {
	return New(ops, ToEndpointSeqnoOffset, ToControllerSeqnoOffset, 2_000_000, 200_000)
}

func TestCommitPacketArmsTimerOnFirstDescriptor(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	c.CommitPacket(nil, nil, 1000)
	if !ops.timerSet {
		t.Fatalf("timer not armed after first commit")
	}
	if ops.timerAt != 1000+200_000 {
		t.Fatalf("timerAt = %d, want %d", ops.timerAt, 1000+200_000)
	}
}

func TestLostAckFiresExactlyOneNegAck(t *testing.T) {
	// spec.md §8 scenario 2: commit one descriptor, never ACK it; after
	// send_timeout, handle_neg_ack fires exactly once.
	ops := &recordingOps{}
	c := newTestConn(ops)
	c.CommitPacket(nil, nil, 0)
	c.HandleTimerFired(200_000)
	if len(ops.negAcked) != 1 {
		t.Fatalf("negAcked = %d, want 1", len(ops.negAcked))
	}
	stats := c.Stats()
	if stats.TimeoutPkts != 1 {
		t.Fatalf("TimeoutPkts = %d, want 1", stats.TimeoutPkts)
	}
	if stats.AckedPackets != 0 {
		t.Fatalf("AckedPackets = %d, want 0", stats.AckedPackets)
	}
	// Re-firing the timer with nothing outstanding must not re-invoke.
	c.HandleTimerFired(500_000)
	if len(ops.negAcked) != 1 {
		t.Fatalf("negAcked after second fire = %d, want still 1", len(ops.negAcked))
	}
}

func TestHandleAckClearsDescriptor(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	pd := c.CommitPacket(nil, nil, 0)
	c.HandleAck(pd.Seqno, 0)
	if len(ops.acked) != 1 || ops.acked[0] != pd {
		t.Fatalf("acked = %v, want [pd]", ops.acked)
	}
	if ops.timerSet {
		t.Fatalf("timer still armed after only descriptor acked")
	}
}

func TestResetOnConsecutiveBadPackets(t *testing.T) {
	// spec.md §8 scenario 3: 10 malformed packets in a row force exactly
	// one reset, emptying the outgoing window via handle_neg_ack.
	ops := &recordingOps{}
	c := newTestConn(ops)
	c.CommitPacket(nil, nil, 0)
	c.CommitPacket(nil, nil, 0)
	for i := 0; i < BadPktResetThreshold; i++ {
		c.NoteBadPacket(int64(i))
	}
	if ops.resets != 1 {
		t.Fatalf("resets = %d, want 1", ops.resets)
	}
	if len(ops.negAcked) != 2 {
		t.Fatalf("negAcked = %d, want 2 (both outstanding descriptors returned)", len(ops.negAcked))
	}
}

func TestGoodPacketClearsBadCounter(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	for i := 0; i < BadPktResetThreshold-1; i++ {
		c.NoteBadPacket(int64(i))
	}
	c.NoteGoodPacket()
	c.NoteBadPacket(100)
	if ops.resets != 0 {
		t.Fatalf("resets = %d, want 0 (counter was reset)", ops.resets)
	}
}

func TestResetHandshakeRace(t *testing.T) {
	// spec.md §8 scenario 6: both sides issue RESETs within rst_win_ns;
	// deterministic winner = higher timestamp.
	ops := &recordingOps{}
	c := newTestConn(ops)
	c.HandleResetChunk(1000, 1000) // first reset accepted: no local recent reset
	if ops.resets != 1 {
		t.Fatalf("resets after first RESET = %d, want 1", ops.resets)
	}
	// Peer re-sends a RESET with a higher timestamp within the skew window.
	c.HandleResetChunk(2000, 1500)
	if ops.resets != 2 {
		t.Fatalf("resets after higher-timestamp RESET = %d, want 2 (payload wins)", ops.resets)
	}
	// A lower-timestamp RESET arriving after must be rejected.
	c.HandleResetChunk(1500, 1600)
	if ops.resets != 2 {
		t.Fatalf("resets after lower-timestamp RESET = %d, want still 2", ops.resets)
	}
}

func TestIncomingDuplicateIsDropped(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	if !c.HandleRxSeqno(100) {
		t.Fatalf("first receipt of seq 100 rejected")
	}
	if c.HandleRxSeqno(100) {
		t.Fatalf("duplicate seq 100 accepted")
	}
	if c.Stats().RxDupPkt != 1 {
		t.Fatalf("RxDupPkt = %d, want 1", c.Stats().RxDupPkt)
	}
}

func TestInMaxSeqnoJumpOfExactly64ZeroesWindow(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	c.HandleRxSeqno(100)
	c.HandleRxSeqno(164) // jump of exactly 64
	if c.inWindowBits != 1 {
		t.Fatalf("inWindowBits = %b, want only current bit set", c.inWindowBits)
	}
}

func TestWindowEdgeCapacityPlusOneEvictsOldest(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	var first *PacketDescriptor
	for i := 0; i < outgoingWindowCapacity+1; i++ {
		pd := c.CommitPacket(nil, nil, int64(i))
		if i == 0 {
			first = pd
		}
	}
	if len(ops.negAcked) != 1 {
		t.Fatalf("negAcked = %d, want exactly 1 (oldest evicted)", len(ops.negAcked))
	}
	if ops.negAcked[0] != first {
		t.Fatalf("evicted descriptor is not the oldest committed")
	}
}

func TestNoteChecksumErrorEscalatesLikeBadPacket(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	for i := 0; i < BadPktResetThreshold-1; i++ {
		c.NoteChecksumError(int64(i))
	}
	if ops.resets != 0 {
		t.Fatalf("resets = %d, want 0 before threshold", ops.resets)
	}
	c.NoteChecksumError(100)
	if ops.resets != 1 {
		t.Fatalf("resets = %d, want 1 at threshold", ops.resets)
	}
	if c.Stats().RxChecksumError != BadPktResetThreshold {
		t.Fatalf("RxChecksumError = %d, want %d", c.Stats().RxChecksumError, BadPktResetThreshold)
	}
}

func TestNoteTruncatedAndUnknownPayloadIncrementDistinctStats(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	c.NoteTruncated(0)
	c.NoteUnknownPayload(0)
	stats := c.Stats()
	if stats.RxTooShort != 1 {
		t.Fatalf("RxTooShort = %d, want 1", stats.RxTooShort)
	}
	if stats.RxUnknownPayload != 1 {
		t.Fatalf("RxUnknownPayload = %d, want 1", stats.RxUnknownPayload)
	}
	if stats.ConsecutiveBadPkts != 2 {
		t.Fatalf("ConsecutiveBadPkts = %d, want 2", stats.ConsecutiveBadPkts)
	}
}

func TestReconstructIncomingSeqnoTracksInMax(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	c.HandleRxSeqno(1000)
	// Peer's next seqno is 1001; its low-14-bit field carries 1001&0x3FFF.
	got := c.ReconstructIncomingSeqno(uint16(1001 & 0x3FFF))
	if got != 1001 {
		t.Fatalf("ReconstructIncomingSeqno = %d, want 1001", got)
	}
}

func TestReconstructAckSeqnoTracksNextSeqno(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	pd := c.CommitPacket(nil, nil, 0)
	// Peer acks the packet we just committed; low-16-bit field carries its
	// seqno directly since width (16) covers the whole value here.
	got := c.ReconstructAckSeqno(uint16(pd.Seqno))
	if got != pd.Seqno {
		t.Fatalf("ReconstructAckSeqno = %d, want %d", got, pd.Seqno)
	}
}

func TestSequenceRolloverAcrossUint64Boundary(t *testing.T) {
	ops := &recordingOps{}
	c := newTestConn(ops)
	start := uint64(1<<64 - 10)
	c.nextSeqno = start
	var last *PacketDescriptor
	for i := 0; i < 20; i++ {
		last = c.CommitPacket(nil, nil, int64(i))
	}
	if want := start + 19; last.Seqno != want {
		t.Fatalf("last seqno = %d, want wraparound value", last.Seqno)
	}
}
