// Package proto implements FPPROTO: the reliable, reset-capable control
// protocol connection — reset handshake, outgoing window with retransmit
// timeout, incoming window with dedup, and ACK/NACK callback dispatch.
package proto

import (
	"sync"

	"github.com/fastpass-project/endpoint/internal/fastpass/wire"
	"github.com/fastpass-project/endpoint/internal/fastpass/window"
)

// Direction-specific sequence number offsets (spec.md §4.3): distinct
// epochs for the two halves of the bidirectional stream so neither side's
// replayed packets from a stale epoch can be mistaken for the current one.
const (
	ToControllerSeqnoOffset uint64 = 0
	ToEndpointSeqnoOffset   uint64 = 0xDEADBEEF
)

// BadPktResetThreshold is the number of consecutive malformed/out-of-window
// inbound packets that forces a local reset.
const BadPktResetThreshold = 10

const (
	outgoingWindowCapacity = 256
	ackVecPredecessors     = 16
)

// Ops is the capability interface a Connection invokes instead of the
// original kernel code's function-pointer tables (fpproto_ops / tsq_ops,
// per spec.md §9). Implementations must not re-enter the Connection
// whose lock is held while a callback runs; they may acquire their own
// locks in the order given in spec.md §5.
type Ops interface {
	// HandleReset is invoked once per accepted reset epoch (new or
	// re-synchronized).
	HandleReset()
	// HandleAck is invoked when pd's ownership transfers back on a
	// confirmed ACK.
	HandleAck(pd *PacketDescriptor)
	// HandleNegAck is invoked on retransmit timeout or window eviction;
	// ownership of pd transfers to the callback.
	HandleNegAck(pd *PacketDescriptor)
	// HandleAlloc delivers a decoded ALLOC chunk.
	HandleAlloc(payload wire.AllocPayload)
	// HandleAREQ delivers a decoded AREQ chunk (arbiter-side use; present
	// for interface symmetry with the endpoint's own handling).
	HandleAREQ(payload wire.AREQPayload)
	// TriggerRequest asks the pacer to (re-)arm because demand still
	// exceeds what has been requested.
	TriggerRequest()
	// SetTimer (re)programs the single retransmit timer to fire at the
	// given nanosecond timestamp.
	SetTimer(atNs int64)
	// CancelTimer disarms the retransmit timer; called when the outgoing
	// window becomes empty.
	CancelTimer()
}

// PacketDescriptor is the immutable-once-committed record of one
// outgoing control packet, per spec.md §3. It is single-owner: it lives
// in the outgoing window until exactly one of HandleAck/HandleNegAck
// transfers ownership to the callback.
type PacketDescriptor struct {
	SentTimestamp int64
	Seqno         uint64
	AckSeq        uint64
	AckVec        uint16
	Reset         *uint64 // non-nil => this packet carries a RESET chunk
	AREQ          []wire.AREQEntry
}

// Connection is one direction-aware FPPROTO endpoint. Zero value is not
// usable; construct with New.
type Connection struct {
	mu sync.Mutex // conn_lock

	ops           Ops
	localOffset   uint64
	peerOffset    uint64
	resetWindowNs int64
	sendTimeoutNs int64

	isDestroyed bool

	// Outgoing.
	nextSeqno       uint64
	outWindow       *window.Window
	outDescs        map[uint64]*PacketDescriptor
	earliestUnacked uint64
	haveEarliest    bool

	// Incoming.
	inMaxSeqno   uint64
	haveInMax    bool
	inWindowBits uint64 // bit 0 = most recently received seqno (in_max_seqno)

	// Reset handshake.
	inSync        bool
	lastResetTime int64
	haveReset     bool

	consecutiveBadPkts uint32

	stats Stats
}

// New constructs a Connection. localOffset/peerOffset should be
// ToControllerSeqnoOffset / ToEndpointSeqnoOffset (or swapped, depending
// on which side of the link this process is) so the two directions'
// epochs never collide.
func New(ops Ops, localOffset, peerOffset uint64, resetWindowNs, sendTimeoutNs int64) *Connection {
	return &Connection{
		ops:           ops,
		localOffset:   localOffset,
		peerOffset:    peerOffset,
		resetWindowNs: resetWindowNs,
		sendTimeoutNs: sendTimeoutNs,
		outWindow:     window.New(outgoingWindowCapacity),
		outDescs:      make(map[uint64]*PacketDescriptor, outgoingWindowCapacity),
	}
}

// Stats returns a consistent snapshot of the connection's counters.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// InSync reports whether the connection currently holds an agreed reset
// epoch with the peer.
func (c *Connection) InSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inSync
}

// initiateResetLocked picks a new local epoch at timestamp now and resets
// all window state to it, invoking ops.HandleReset. Must be called with
// mu held.
func (c *Connection) initiateResetLocked(now int64) {
	c.lastResetTime = now
	c.haveReset = true
	c.nextSeqno = uint64(now) + c.localOffset
	c.inMaxSeqno = uint64(now) + c.peerOffset - 1
	c.haveInMax = true
	c.inWindowBits = 0
	c.outWindow = window.New(outgoingWindowCapacity)
	for seq, pd := range c.outDescs {
		delete(c.outDescs, seq)
		c.ops.HandleNegAck(pd)
	}
	c.haveEarliest = false
	c.ops.CancelTimer()
	c.inSync = true
	c.stats.ProtoResets++
	c.ops.HandleReset()
}

// ForceReset initiates a local reset, e.g. after BadPktResetThreshold
// consecutive malformed packets or an AREQ-feedback inconsistency, at a
// new reset epoch of now; the connection is left marked in sync. It does
// not attach a RESET chunk to later packets: a committed packet carries
// one only when the caller passes a reset timestamp to CommitPacket.
func (c *Connection) ForceReset(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inSync = false
	c.stats.ForcedReset++
	c.initiateResetLocked(now)
}

// absDiff64 returns the non-negative difference between two int64
// timestamps, regardless of order.
func absDiff64(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// HandleResetChunk processes a peer RESET chunk carrying timestamp t,
// arriving at wall-clock now, per the reset handshake table in
// spec.md §4.3.
func (c *Connection) HandleResetChunk(t int64, now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.ResetPayloads++

	withinSkew := absDiff64(t, now) <= c.resetWindowNs
	localRecent := c.haveReset && absDiff64(c.lastResetTime, now) <= c.resetWindowNs

	switch {
	case !localRecent && withinSkew:
		c.initiateResetLocked(t)
	case localRecent && t > c.lastResetTime:
		c.stats.ResetBothRecentPayloadWins++
		c.initiateResetLocked(t)
	case localRecent && t <= c.lastResetTime:
		c.stats.ResetBothRecentLastWins++
		// Reject: peer will observe our reset in our next outgoing packet.
	default:
		c.stats.ResetBothOld++
	}
}

// commitLocked assigns a fresh sequence number to pd, snapshots the
// current ack state, marks it in the outgoing window, and arms the
// retransmit timer if this is the first outstanding descriptor. Must be
// called with mu held.
func (c *Connection) commitLocked(pd *PacketDescriptor, now int64) {
	pd.Seqno = c.nextSeqno
	c.nextSeqno++
	pd.SentTimestamp = now
	if c.haveInMax {
		pd.AckSeq = c.inMaxSeqno
		pd.AckVec = uint16(c.inWindowBits >> 1 & ((1 << ackVecPredecessors) - 1))
	}

	lost, err := c.outWindow.MarkEvicting(pd.Seqno)
	if err != nil {
		// Seqno somehow predates the window; should not happen for a
		// freshly assigned monotonically increasing seqno.
		return
	}
	c.outDescs[pd.Seqno] = pd
	c.stats.CommittedPkts++

	for _, seq := range lost {
		if evicted, ok := c.outDescs[seq]; ok {
			delete(c.outDescs, seq)
			c.stats.FallOffOutwnd++
			c.ops.HandleNegAck(evicted)
		}
	}

	if c.outWindow.NumSet() == 1 {
		c.ops.SetTimer(now + c.sendTimeoutNs)
		c.stats.ReprogrammedTimer++
	}
}

// CommitPacket assigns a sequence number to a new outgoing packet
// carrying an optional reset timestamp and AREQ entries, arming the
// retransmit timer as needed.
func (c *Connection) CommitPacket(reset *int64, areq []wire.AREQEntry, now int64) *PacketDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	var resetU64 *uint64
	if reset != nil {
		v := uint64(*reset)
		resetU64 = &v
	}
	pd := &PacketDescriptor{Reset: resetU64, AREQ: areq}
	c.commitLocked(pd, now)
	return pd
}

// HandleRxSeqno applies the incoming-window rules of spec.md §4.3 to a
// freshly received sequence number. Returns true if the packet should be
// processed further (accepted, not a duplicate or stale replay).
func (c *Connection) HandleRxSeqno(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handleRxSeqnoLocked(seq)
}

func (c *Connection) handleRxSeqnoLocked(seq uint64) bool {
	if !c.haveInMax {
		c.inMaxSeqno = seq
		c.haveInMax = true
		c.inWindowBits = 1
		c.stats.RxPkts++
		return true
	}
	if seq < c.inMaxSeqno && c.inMaxSeqno-seq > 63 {
		c.stats.SeqnoBeforeInwnd++
		return false
	}
	if seq > c.inMaxSeqno {
		shift := seq - c.inMaxSeqno
		if shift >= 64 {
			c.inWindowBits = 0
			c.stats.InwndJumped++
		} else {
			c.inWindowBits <<= shift
		}
		c.inMaxSeqno = seq
		c.inWindowBits |= 1
		c.stats.RxPkts++
		return true
	}
	// seq <= inMaxSeqno and within window: check for duplicate.
	bitPos := c.inMaxSeqno - seq
	bit := uint64(1) << bitPos
	if c.inWindowBits&bit != 0 {
		c.stats.RxDupPkt++
		return false
	}
	c.inWindowBits |= bit
	c.stats.RxPkts++
	return true
}

// HandleAck processes a peer's (ackSeq, ackVec) confirmation, clearing
// and releasing every still-outstanding descriptor it covers, per
// spec.md §4.3's ACK-processing rule.
func (c *Connection) HandleAck(ackSeq uint64, ackVec uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	confirm := func(seq uint64) {
		pd, ok := c.outDescs[seq]
		if !ok {
			return
		}
		if !c.outWindow.IsSet(seq) {
			return
		}
		c.outWindow.Clear(seq)
		delete(c.outDescs, seq)
		c.stats.AckedPackets++
		c.ops.HandleAck(pd)
	}

	confirm(ackSeq)
	for i := uint(0); i < ackVecPredecessors; i++ {
		if ackVec&(1<<i) == 0 {
			continue
		}
		if ackSeq < uint64(i)+1 {
			continue
		}
		confirm(ackSeq - uint64(i) - 1)
	}

	c.reprogramTimerLocked()
}

// reprogramTimerLocked recomputes the earliest unacked descriptor and
// re-arms or cancels the retransmit timer accordingly. Must be called
// with mu held.
func (c *Connection) reprogramTimerLocked() {
	earliest, ok := c.outWindow.EarliestSet()
	if !ok {
		c.haveEarliest = false
		c.ops.CancelTimer()
		return
	}
	c.earliestUnacked = earliest
	c.haveEarliest = true
	if pd, ok := c.outDescs[earliest]; ok {
		c.ops.SetTimer(pd.SentTimestamp + c.sendTimeoutNs)
		c.stats.ReprogrammedTimer++
	}
}

// HandleTimerFired is invoked by the glue layer when the retransmit timer
// expires. Every descriptor whose deadline has passed is released via
// HandleNegAck; the timer is then reprogrammed to the new earliest
// deadline, or cancelled if the outgoing window is now empty.
func (c *Connection) HandleTimerFired(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TimeoutHandlerRuns++

	for {
		earliest, ok := c.outWindow.EarliestSet()
		if !ok {
			break
		}
		pd, ok := c.outDescs[earliest]
		if !ok {
			c.outWindow.Clear(earliest)
			continue
		}
		if pd.SentTimestamp+c.sendTimeoutNs > now {
			break
		}
		c.outWindow.Clear(earliest)
		delete(c.outDescs, earliest)
		c.stats.TimeoutPkts++
		c.ops.HandleNegAck(pd)
	}

	c.reprogramTimerLocked()
}

// NoteBadPacket records one malformed or out-of-window inbound packet.
// Once consecutiveBadPkts reaches BadPktResetThreshold, a local reset is
// forced.
func (c *Connection) NoteBadPacket(now int64) {
	c.mu.Lock()
	c.consecutiveBadPkts++
	c.stats.ConsecutiveBadPkts = uint64(c.consecutiveBadPkts)
	reached := c.consecutiveBadPkts >= BadPktResetThreshold
	c.mu.Unlock()
	if reached {
		c.mu.Lock()
		c.stats.ResetFromBadPkts++
		c.mu.Unlock()
		c.ForceReset(now)
	}
}

// NoteChecksumError records a pseudo-header checksum mismatch, then
// applies the same bad-packet escalation as NoteBadPacket.
func (c *Connection) NoteChecksumError(now int64) {
	c.mu.Lock()
	c.stats.RxChecksumError++
	c.mu.Unlock()
	c.NoteBadPacket(now)
}

// NoteTruncated records a datagram too short to contain a full header or
// chunk, then applies the same bad-packet escalation as NoteBadPacket.
func (c *Connection) NoteTruncated(now int64) {
	c.mu.Lock()
	c.stats.RxTooShort++
	c.mu.Unlock()
	c.NoteBadPacket(now)
}

// NoteUnknownPayload records an unrecognized payload chunk tag, then
// applies the same bad-packet escalation as NoteBadPacket.
func (c *Connection) NoteUnknownPayload(now int64) {
	c.mu.Lock()
	c.stats.RxUnknownPayload++
	c.mu.Unlock()
	c.NoteBadPacket(now)
}

// ReconstructIncomingSeqno recovers a peer-side full sequence number from
// the wire header's truncated 14-bit SeqnoLow field, anchored on the
// highest sequence number received so far (spec.md §4.2's field width).
func (c *Connection) ReconstructIncomingSeqno(low uint16) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	anchor := c.peerOffset
	if c.haveInMax {
		anchor = c.inMaxSeqno
	}
	return wire.ReconstructLowBits(anchor, uint64(low&0x3FFF), 1<<13, 0x3FFF)
}

// ReconstructAckSeqno recovers the full sequence number a peer's 16-bit
// AckSeqLow field confirms, anchored on this connection's own next
// sequence number (our committed packets all lie just below it).
func (c *Connection) ReconstructAckSeqno(low uint16) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	anchor := c.localOffset
	if c.nextSeqno != 0 {
		anchor = c.nextSeqno
	}
	return wire.ReconstructLowBits(anchor, uint64(low), 1<<15, 0xFFFF)
}

// NoteGoodPacket clears the consecutive-bad-packet counter after a
// successfully processed inbound packet.
func (c *Connection) NoteGoodPacket() {
	c.mu.Lock()
	c.consecutiveBadPkts = 0
	c.stats.ConsecutiveBadPkts = 0
	c.mu.Unlock()
}

// Destroy tears down the connection: cancels the retransmit timer and
// returns any descriptors still in the outgoing window to the caller
// without invoking callbacks, per spec.md §5's cancellation semantics.
func (c *Connection) Destroy() []*PacketDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDestroyed {
		return nil
	}
	c.isDestroyed = true
	c.ops.CancelTimer()
	out := make([]*PacketDescriptor, 0, len(c.outDescs))
	for seq, pd := range c.outDescs {
		out = append(out, pd)
		delete(c.outDescs, seq)
	}
	return out
}

// IsDestroyed reports whether Destroy has already run; callers in the
// receive path should treat further HandleRxSeqno calls as no-ops once
// true.
func (c *Connection) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isDestroyed
}
