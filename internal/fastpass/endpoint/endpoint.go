// Package endpoint wires the wire codec, the FPPROTO connection, the
// request pacer, the destination table and the timeslot scheduler
// together into one running endpoint process, adapted from the teacher's
// connection goroutine-loop idiom (send/recv/reliability/keepalive).
package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fastpass-project/endpoint/internal/fastpass/dest"
	"github.com/fastpass-project/endpoint/internal/fastpass/pacer"
	"github.com/fastpass-project/endpoint/internal/fastpass/proto"
	"github.com/fastpass-project/endpoint/internal/fastpass/scheduler"
	"github.com/fastpass-project/endpoint/internal/fastpass/tracing"
	"github.com/fastpass-project/endpoint/internal/fastpass/transport"
	"github.com/fastpass-project/endpoint/internal/fastpass/wire"
)

// tickInterval is how often the pacer-fire and horizon-advance loops poll;
// matches the teacher's 1ms sendLoop ticker cadence.
const tickInterval = time.Millisecond

// Config carries every tunable named in spec.md §6's configuration table
// that the endpoint glue itself consumes (as opposed to the scheduler- or
// protocol-specific subsets already owned by scheduler.Config).
type Config struct {
	CtrlAddr          string
	ReqCost           int64 // ns
	ReqBucketLen      int64 // ns
	ReqMinGap         int64 // ns
	ResetWindowNs     int64
	SendTimeoutNs     int64
	UpdateTimerNs     int64
	RequestWindowSize uint64
	Scheduler         scheduler.Config
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		ReqCost:           2_097_152,
		ReqBucketLen:      4 * 2_097_152,
		ReqMinGap:         1_000,
		ResetWindowNs:     2_000_000_000,
		SendTimeoutNs:     200_000,
		UpdateTimerNs:     2_048,
		RequestWindowSize: 64,
		Scheduler: scheduler.Config{
			TslotMul:      1,
			TslotShift:    0,
			MissThreshold: 16,
			MaxPreload:    64,
			TslotBytes:    1500,
			MaxFlows:      256,
			UsedSlack:     4,
		},
	}
}

// Endpoint is a running FPPROTO control connection plus the timeslot
// scheduler it feeds. It implements proto.Ops.
type Endpoint struct {
	cfg    Config
	logger *zap.Logger

	conn   *transport.Conn
	proto  *proto.Connection
	qdisc  *scheduler.Qdisc
	pacer  *pacer.Pacer

	timerMu sync.Mutex
	timer   *time.Timer

	ackEvents    chan *proto.PacketDescriptor
	negAckEvents chan *proto.PacketDescriptor
	resetSignal  chan struct{}

	tracer   *tracing.Tracer
	spansMu  sync.Mutex
	areqSpan map[uint16]trace.Span

	wg      sync.WaitGroup
	closeCh chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// Dial opens the UDP transport to cfg.CtrlAddr and starts the endpoint's
// background loops: receive, pacer-driven request assembly, horizon
// advance, and asynchronous ack/neg-ack/reset processing.
func Dial(cfg Config, logger *zap.Logger) (*Endpoint, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := transport.Dial("udp", cfg.CtrlAddr, nil)
	if err != nil {
		return nil, fmt.Errorf("endpoint: dial control address: %w", err)
	}

	now := time.Now().UnixNano()
	e := &Endpoint{
		cfg:          cfg,
		logger:       logger.With(zap.String("component", "endpoint")),
		conn:         conn,
		qdisc:        scheduler.NewQdisc(cfg.Scheduler),
		pacer:        pacer.New(cfg.ReqCost, cfg.ReqBucketLen, cfg.ReqMinGap, now),
		ackEvents:    make(chan *proto.PacketDescriptor, 256),
		negAckEvents: make(chan *proto.PacketDescriptor, 256),
		resetSignal:  make(chan struct{}, 1),
		areqSpan:     make(map[uint16]trace.Span),
		closeCh:      make(chan struct{}),
	}
	e.proto = proto.New(e, proto.ToControllerSeqnoOffset, proto.ToEndpointSeqnoOffset, cfg.ResetWindowNs, cfg.SendTimeoutNs)

	e.wg.Add(4)
	go e.recvLoop()
	go e.pacerLoop()
	go e.horizonLoop()
	go e.eventLoop()

	return e, nil
}

// SubmitData classifies and enqueues nBytes worth of application demand
// for dstID, re-arming the pacer so an AREQ eventually covers it.
func (e *Endpoint) SubmitData(dstID uint16, nBytes int) {
	e.qdisc.Table().Enqueue(dstID, nBytes)
	e.TriggerRequest()
}

// Enqueue hands a fully-formed packet to the scheduler for admission
// (dst_id 0 bypasses scheduling entirely, per spec.md §4.5).
func (e *Endpoint) Enqueue(dstID uint16, payload []byte) error {
	return e.qdisc.Enqueue(dstID, payload)
}

// Dequeue pulls the next admitted packet the data plane should send.
func (e *Endpoint) Dequeue() ([]byte, bool) {
	return e.qdisc.Dequeue()
}

// Stats aggregates the protocol, scheduler and transport counters for
// the admin plane's /stats endpoint.
type Stats struct {
	Proto     proto.Stats
	Scheduler scheduler.Stats
	Transport transport.Statistics
}

// Stats returns a consistent snapshot across all three counter sets.
func (e *Endpoint) Stats() Stats {
	return Stats{Proto: e.proto.Stats(), Scheduler: e.qdisc.Stats(), Transport: e.conn.Statistics()}
}

// Destinations returns a snapshot of every configured destination's
// counters, for the admin plane's /destinations endpoint.
func (e *Endpoint) Destinations() []dest.Snapshot {
	table := e.qdisc.Table()
	out := make([]dest.Snapshot, 0, e.cfg.Scheduler.MaxFlows)
	for id := 0; id < e.cfg.Scheduler.MaxFlows; id++ {
		if d := table.Get(uint16(id)); d != nil {
			out = append(out, d.Snapshot())
		}
	}
	return out
}

// ForceReset triggers a local protocol reset, e.g. from an admin-plane
// request; equivalent to the original module's fpproto_force_reset.
func (e *Endpoint) ForceReset() {
	e.traceReset(true)
	e.proto.ForceReset(time.Now().UnixNano())
}

// SetTracer attaches t so every AREQ round, ALLOC receipt, and reset
// handshake is recorded as an OpenTelemetry span. Call before traffic
// starts flowing; nil disables tracing (the default).
func (e *Endpoint) SetTracer(t *tracing.Tracer) {
	e.tracer = t
}

func (e *Endpoint) traceReset(forced bool) {
	if e.tracer == nil {
		return
	}
	_, span := e.tracer.StartReset(context.Background(), forced)
	span.End()
}

// startAREQSpan begins a span covering dstID's AREQ round, ending
// whatever span was already open for it (a lost ACK/NACK should not
// leak the previous round's span across a new request).
func (e *Endpoint) startAREQSpan(dstID uint16, cumulativeTslots uint64) {
	if e.tracer == nil {
		return
	}
	e.spansMu.Lock()
	defer e.spansMu.Unlock()
	if prev, ok := e.areqSpan[dstID]; ok {
		prev.End()
	}
	_, span := e.tracer.StartAREQRound(context.Background(), dstID, cumulativeTslots)
	e.areqSpan[dstID] = span
}

func (e *Endpoint) endAREQSpan(dstID uint16) {
	if e.tracer == nil {
		return
	}
	e.spansMu.Lock()
	span, ok := e.areqSpan[dstID]
	if ok {
		delete(e.areqSpan, dstID)
	}
	e.spansMu.Unlock()
	if ok {
		span.End()
	}
}

// recvLoop decodes inbound datagrams and dispatches them to the protocol
// connection and scheduler.
func (e *Endpoint) recvLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		pkt, err := e.conn.Receive(ctx)
		cancel()
		if err != nil {
			continue
		}
		e.handlePacket(pkt)
	}
}

func (e *Endpoint) handlePacket(pkt *transport.Packet) {
	now := time.Now().UnixNano()

	expected := wire.PseudoHeaderChecksum(pkt.Addr.IP, e.localIP(), pkt.Payload)
	if pkt.Header.Checksum != expected {
		e.proto.NoteChecksumError(now)
		return
	}

	payload, err := wire.DecodePayload(pkt.Payload)
	if err != nil {
		switch err {
		case wire.ErrUnknownPayload:
			e.proto.NoteUnknownPayload(now)
		default:
			e.proto.NoteTruncated(now)
		}
		return
	}

	fullSeq := e.proto.ReconstructIncomingSeqno(pkt.Header.SeqnoLow)
	if !e.proto.HandleRxSeqno(fullSeq) {
		e.proto.NoteBadPacket(now)
		return
	}
	e.proto.NoteGoodPacket()

	ackSeq := e.proto.ReconstructAckSeqno(pkt.Header.AckSeqLow)
	e.proto.HandleAck(ackSeq, pkt.Header.AckVec)

	if payload.Reset != nil {
		e.proto.HandleResetChunk(int64(payload.Reset.Timestamp), now)
	}
	if payload.Ack != nil {
		e.proto.HandleAck(uint64(payload.Ack.AckSeq), uint16(payload.Ack.AckVec))
	}
	if payload.Alloc != nil {
		e.HandleAlloc(*payload.Alloc)
	}
	if payload.AREQ != nil {
		e.HandleAREQ(*payload.AREQ)
	}
}

func (e *Endpoint) localIP() net.IP {
	if addr := e.conn.LocalAddr(); addr != nil {
		return addr.IP
	}
	return nil
}

func (e *Endpoint) remoteIP() net.IP {
	if addr := e.conn.RemoteAddr(); addr != nil {
		return addr.IP
	}
	return nil
}

// pacerLoop assembles and sends an AREQ packet whenever the pacer fires.
func (e *Endpoint) pacerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			if !e.pacer.Triggered() || now < e.pacer.NextEvent() {
				continue
			}
			e.sendRequest(now)
		}
	}
}

func (e *Endpoint) sendRequest(now int64) {
	entries, needsRearm := e.qdisc.Table().AssembleAREQ(e.cfg.RequestWindowSize)
	var reset *int64
	select {
	case <-e.resetSignal:
		t := now
		reset = &t
	default:
	}

	pd := e.proto.CommitPacket(reset, entries, now)
	e.pacer.Reset(now)
	if needsRearm {
		e.pacer.Trigger(now)
	}
	for _, entry := range entries {
		e.startAREQSpan(entry.DstID, uint64(entry.CumulativeTslotLow))
	}

	if err := e.sendDescriptor(pd, now); err != nil {
		e.logger.Debug("send request failed", zap.Error(err))
	}
}

func (e *Endpoint) sendDescriptor(pd *proto.PacketDescriptor, now int64) error {
	header := wire.Header{
		SeqnoLow:  uint16(pd.Seqno & 0x3FFF),
		AckSeqLow: uint16(pd.AckSeq),
		AckVec:    pd.AckVec,
	}
	var payload []byte
	if pd.Reset != nil {
		t := int64(*pd.Reset)
		payload = append(payload, wire.MarshalReset(wire.ResetPayload{Timestamp: uint64(t)})...)
	}
	if len(pd.AREQ) > 0 {
		body, err := wire.MarshalAREQ(wire.AREQPayload{Entries: pd.AREQ})
		if err != nil {
			return fmt.Errorf("endpoint: marshal AREQ: %w", err)
		}
		payload = append(payload, body...)
	}
	header.Checksum = wire.PseudoHeaderChecksum(e.localIP(), e.remoteIP(), payload)
	return e.conn.Send(header, payload, nil)
}

// horizonLoop advances the scheduler's timeslot horizon at update_timer_ns
// cadence.
func (e *Endpoint) horizonLoop() {
	defer e.wg.Done()
	interval := time.Duration(e.cfg.UpdateTimerNs)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			e.qdisc.AdvanceHorizon(e.cfg.Scheduler.TslotNow(now))
		}
	}
}

// eventLoop drains ack/neg-ack events off-lock, so proto.Ops callbacks
// invoked while Connection's mutex is held never re-enter it (per
// proto.Ops's documented re-entrancy constraint).
func (e *Endpoint) eventLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case pd := <-e.ackEvents:
			e.applyAck(pd)
		case pd := <-e.negAckEvents:
			e.applyNegAck(pd)
		}
	}
}

func (e *Endpoint) applyAck(pd *proto.PacketDescriptor) {
	for _, entry := range pd.AREQ {
		d := e.qdisc.Table().Get(entry.DstID)
		if d == nil {
			e.endAREQSpan(entry.DstID)
			continue
		}
		snap := d.Snapshot()
		count := wire.ReconstructLowBits(snap.Requested, uint64(entry.CumulativeTslotLow), 1<<15, 0xFFFF)
		if !d.AckRequest(count) {
			e.signalReset()
		}
		e.endAREQSpan(entry.DstID)
	}
}

func (e *Endpoint) applyNegAck(pd *proto.PacketDescriptor) {
	for _, entry := range pd.AREQ {
		e.qdisc.Table().Requeue(entry.DstID)
		e.endAREQSpan(entry.DstID)
	}
}

func (e *Endpoint) signalReset() {
	select {
	case e.resetSignal <- struct{}{}:
	default:
	}
	e.logger.Warn("AREQ ack count exceeded requested; forcing reset")
	e.traceReset(true)
	go e.proto.ForceReset(time.Now().UnixNano())
}

// --- proto.Ops ---

// HandleReset is invoked once per accepted reset epoch.
func (e *Endpoint) HandleReset() {
	e.logger.Info("fpproto reset accepted")
	e.traceReset(false)
}

// HandleAck hands the descriptor off to eventLoop without touching the
// Connection whose lock is held by the caller.
func (e *Endpoint) HandleAck(pd *proto.PacketDescriptor) {
	select {
	case e.ackEvents <- pd:
	default:
		e.logger.Warn("ack event queue full, dropping")
	}
}

// HandleNegAck hands the descriptor off to eventLoop for re-queueing.
func (e *Endpoint) HandleNegAck(pd *proto.PacketDescriptor) {
	select {
	case e.negAckEvents <- pd:
	default:
		e.logger.Warn("neg-ack event queue full, dropping")
	}
}

// HandleAlloc delivers a decoded ALLOC chunk straight to the scheduler.
func (e *Endpoint) HandleAlloc(payload wire.AllocPayload) {
	if e.tracer != nil {
		var dstID uint16
		if len(payload.DstIDs) > 0 {
			dstID = payload.DstIDs[0]
		}
		_, span := e.tracer.StartAllocReceive(context.Background(), dstID, len(payload.Slots))
		span.End()
	}
	e.qdisc.HandleAlloc(payload, time.Now().UnixNano())
}

// HandleAREQ is a no-op on the endpoint side — AREQ chunks only flow
// toward the arbiter; present for Ops interface symmetry.
func (e *Endpoint) HandleAREQ(wire.AREQPayload) {}

// TriggerRequest arms the pacer; it does not itself check demand against
// requested.
func (e *Endpoint) TriggerRequest() {
	e.pacer.Trigger(time.Now().UnixNano())
}

// SetTimer (re)programs the retransmit timer.
func (e *Endpoint) SetTimer(atNs int64) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	d := time.Duration(atNs - time.Now().UnixNano())
	if d < 0 {
		d = 0
	}
	e.timer = time.AfterFunc(d, func() {
		e.proto.HandleTimerFired(time.Now().UnixNano())
	})
}

// CancelTimer disarms the retransmit timer.
func (e *Endpoint) CancelTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Close tears down the endpoint: stops all background loops, cancels the
// retransmit timer, stops the scheduler, and closes the transport,
// aggregating any independent teardown errors with multierr.
func (e *Endpoint) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	close(e.closeCh)
	e.wg.Wait()
	e.CancelTimer()
	e.qdisc.StopQdisc()

	e.spansMu.Lock()
	for dstID, span := range e.areqSpan {
		span.End()
		delete(e.areqSpan, dstID)
	}
	e.spansMu.Unlock()

	var err error
	if closeErr := e.conn.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("endpoint: close transport: %w", closeErr))
	}
	return err
}
