// Package metrics exports the endpoint's protocol, scheduler and
// destination counters as Prometheus metrics, adapted from the teacher's
// promauto-based collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fastpass-project/endpoint/internal/fastpass/endpoint"
)

// Metrics holds every Prometheus series the admin plane's /metrics
// endpoint serves, covering the full counter vocabulary of spec.md §7/§8.
type Metrics struct {
	// Outgoing / ack path.
	CommittedPackets  prometheus.Counter
	AckedPackets      prometheus.Counter
	TimeoutPackets    prometheus.Counter
	FallOffOutwnd     prometheus.Counter
	TimerReprogrammed prometheus.Counter

	// Incoming path.
	RxPackets         prometheus.Counter
	RxDuplicate       prometheus.Counter
	RxTooShort        prometheus.Counter
	RxUnknownPayload  prometheus.Counter
	RxChecksumError   prometheus.Counter
	SeqnoBeforeWindow prometheus.Counter
	InWindowJumped    prometheus.Counter

	// Reset handshake.
	ProtoResets        prometheus.Counter
	ForcedResets       prometheus.Counter
	ResetFromBadPkts   prometheus.Counter
	ConsecutiveBadPkts prometheus.Gauge

	// Allocation reception.
	AllocTooLate         prometheus.Counter
	AllocPremature       prometheus.Counter
	UnwantedAlloc        prometheus.Counter
	TimeslotsAssumedLost prometheus.Counter

	// Transport.
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	TransportErrors prometheus.Counter

	// Per-destination gauges.
	DestDemand    *prometheus.GaugeVec
	DestRequested *prometheus.GaugeVec
	DestAcked     *prometheus.GaugeVec
	DestAlloc     *prometheus.GaugeVec
	DestUsed      *prometheus.GaugeVec
}

// New registers every series under namespace/subsystem and returns the
// collector, mirroring the teacher's NewMetrics(namespace, subsystem)
// constructor shape.
func New(namespace, subsystem string) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	gaugeVec := func(name, help string) *prometheus.GaugeVec {
		return promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, []string{"dst_id"})
	}

	return &Metrics{
		CommittedPackets:  counter("committed_packets_total", "Total control packets committed to the outgoing window"),
		AckedPackets:      counter("acked_packets_total", "Total control packets confirmed by ACK"),
		TimeoutPackets:    counter("timeout_packets_total", "Total control packets released by retransmit timeout"),
		FallOffOutwnd:     counter("fall_off_outwnd_total", "Total control packets evicted by outgoing window wraparound"),
		TimerReprogrammed: counter("timer_reprogrammed_total", "Total retransmit timer (re)programs"),

		RxPackets:         counter("rx_packets_total", "Total inbound control packets accepted"),
		RxDuplicate:       counter("rx_duplicate_total", "Total inbound control packets dropped as duplicates"),
		RxTooShort:        counter("rx_too_short_total", "Total inbound datagrams too short to decode"),
		RxUnknownPayload:  counter("rx_unknown_payload_total", "Total inbound chunks with an unrecognized type tag"),
		RxChecksumError:   counter("rx_checksum_error_total", "Total inbound datagrams with a pseudo-header checksum mismatch"),
		SeqnoBeforeWindow: counter("seqno_before_window_total", "Total inbound packets older than the incoming window"),
		InWindowJumped:    counter("in_window_jumped_total", "Total inbound sequence jumps of 64 or more"),

		ProtoResets:        counter("proto_resets_total", "Total accepted reset epochs"),
		ForcedResets:       counter("forced_resets_total", "Total locally forced resets"),
		ResetFromBadPkts:   counter("reset_from_bad_pkts_total", "Total resets forced by consecutive bad packets"),
		ConsecutiveBadPkts: gauge("consecutive_bad_pkts", "Current consecutive malformed/out-of-window inbound packet count"),

		AllocTooLate:         counter("alloc_too_late_total", "Total ALLOCs rejected as arriving after their timeslot passed"),
		AllocPremature:       counter("alloc_premature_total", "Total ALLOCs rejected as arriving too far in the future"),
		UnwantedAlloc:        counter("unwanted_alloc_total", "Total ALLOCs rejected as exceeding destination demand"),
		TimeslotsAssumedLost: counter("timeslots_assumed_lost_total", "Total timeslots inferred lost via AREQ feedback reconciliation"),

		PacketsSent:     counter("transport_packets_sent_total", "Total UDP datagrams sent"),
		PacketsReceived: counter("transport_packets_received_total", "Total UDP datagrams received"),
		BytesSent:       counter("transport_bytes_sent_total", "Total UDP bytes sent"),
		BytesReceived:   counter("transport_bytes_received_total", "Total UDP bytes received"),
		TransportErrors: counter("transport_errors_total", "Total UDP send/receive errors"),

		DestDemand:    gaugeVec("dest_demand_tslots", "Current demand, in timeslots, per destination"),
		DestRequested: gaugeVec("dest_requested_tslots", "Current requested, in timeslots, per destination"),
		DestAcked:     gaugeVec("dest_acked_tslots", "Current acked, in timeslots, per destination"),
		DestAlloc:     gaugeVec("dest_alloc_tslots", "Current allocated, in timeslots, per destination"),
		DestUsed:      gaugeVec("dest_used_tslots", "Current used, in timeslots, per destination"),
	}
}

// lastSnapshot tracks cumulative counter values already exported, since
// endpoint.Stats returns running totals but Prometheus counters only
// support Add (never Set) for monotonically increasing series.
type lastSnapshot struct {
	proto     struct{ committed, acked, timeout, fallOff, reprog, rx, dup, tooShort, unknown, checksum, before, jumped, resets, forced, fromBad uint64 }
	scheduler struct{ tooLate, premature, unwanted, lost uint64 }
	transport struct{ sent, recv, bytesSent, bytesRecv, errs uint64 }
}

// Collector polls an *endpoint.Endpoint on demand and exports its
// counters, translating the cumulative snapshot into Add() deltas and the
// per-destination gauges into Set() calls.
type Collector struct {
	m    *Metrics
	ep   *endpoint.Endpoint
	last lastSnapshot
}

// NewCollector binds m to ep.
func NewCollector(m *Metrics, ep *endpoint.Endpoint) *Collector {
	return &Collector{m: m, ep: ep}
}

func addDelta(c prometheus.Counter, last *uint64, current uint64) {
	if current > *last {
		c.Add(float64(current - *last))
	}
	*last = current
}

// Collect snapshots the endpoint's counters and exports them. Intended
// to be called on a short ticker (independent of update_timer_ns) by the
// admin plane's /metrics handler or a background scrape-prep loop.
func (c *Collector) Collect() {
	stats := c.ep.Stats()
	p, s, t := stats.Proto, stats.Scheduler, stats.Transport

	addDelta(c.m.CommittedPackets, &c.last.proto.committed, p.CommittedPkts)
	addDelta(c.m.AckedPackets, &c.last.proto.acked, p.AckedPackets)
	addDelta(c.m.TimeoutPackets, &c.last.proto.timeout, p.TimeoutPkts)
	addDelta(c.m.FallOffOutwnd, &c.last.proto.fallOff, p.FallOffOutwnd)
	addDelta(c.m.TimerReprogrammed, &c.last.proto.reprog, p.ReprogrammedTimer)
	addDelta(c.m.RxPackets, &c.last.proto.rx, p.RxPkts)
	addDelta(c.m.RxDuplicate, &c.last.proto.dup, p.RxDupPkt)
	addDelta(c.m.RxTooShort, &c.last.proto.tooShort, p.RxTooShort)
	addDelta(c.m.RxUnknownPayload, &c.last.proto.unknown, p.RxUnknownPayload)
	addDelta(c.m.RxChecksumError, &c.last.proto.checksum, p.RxChecksumError)
	addDelta(c.m.SeqnoBeforeWindow, &c.last.proto.before, p.SeqnoBeforeInwnd)
	addDelta(c.m.InWindowJumped, &c.last.proto.jumped, p.InwndJumped)
	addDelta(c.m.ProtoResets, &c.last.proto.resets, p.ProtoResets)
	addDelta(c.m.ForcedResets, &c.last.proto.forced, p.ForcedReset)
	addDelta(c.m.ResetFromBadPkts, &c.last.proto.fromBad, p.ResetFromBadPkts)
	c.m.ConsecutiveBadPkts.Set(float64(p.ConsecutiveBadPkts))

	addDelta(c.m.AllocTooLate, &c.last.scheduler.tooLate, s.AllocTooLate)
	addDelta(c.m.AllocPremature, &c.last.scheduler.premature, s.AllocPremature)
	addDelta(c.m.UnwantedAlloc, &c.last.scheduler.unwanted, s.UnwantedAlloc)
	addDelta(c.m.TimeslotsAssumedLost, &c.last.scheduler.lost, s.TimeslotsAssumedLost)

	addDelta(c.m.PacketsSent, &c.last.transport.sent, t.PacketsSent)
	addDelta(c.m.PacketsReceived, &c.last.transport.recv, t.PacketsReceived)
	addDelta(c.m.BytesSent, &c.last.transport.bytesSent, t.BytesSent)
	addDelta(c.m.BytesReceived, &c.last.transport.bytesRecv, t.BytesReceived)
	addDelta(c.m.TransportErrors, &c.last.transport.errs, t.Errors)

	for i, snap := range c.ep.Destinations() {
		id := itoa(i)
		c.m.DestDemand.WithLabelValues(id).Set(float64(snap.Demand))
		c.m.DestRequested.WithLabelValues(id).Set(float64(snap.Requested))
		c.m.DestAcked.WithLabelValues(id).Set(float64(snap.Acked))
		c.m.DestAlloc.WithLabelValues(id).Set(float64(snap.Alloc))
		c.m.DestUsed.WithLabelValues(id).Set(float64(snap.Used))
	}
}

// itoa avoids pulling in strconv's full surface for this one label
// conversion; dst ids are always small non-negative integers.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [6]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
