// Package wire implements the FPPROTO byte-exact header and payload codec:
// an 8-byte header carrying a checksum and truncated sequence/ack fields,
// followed by a sequence of typed payload chunks (RESET, AREQ, ALLOC, ACK,
// PADDING).
package wire

import (
	"encoding/binary"
	"errors"
	"net"
)

// ProtocolNumber is the datagram protocol number FPPROTO runs over,
// included in the pseudo-header checksum exactly as UDP/TCP include their
// own protocol number.
const ProtocolNumber = 222

// Payload chunk type tags.
const (
	PayloadPadding byte = 0x0
	PayloadReset   byte = 0x1
	PayloadAREQ    byte = 0x2
	PayloadAlloc   byte = 0x3
	PayloadAck     byte = 0x4
)

// HeaderLen is the fixed size, in bytes, of the FPPROTO header.
const HeaderLen = 8

// MaxAREQPerPacket bounds the number of destinations a single AREQ chunk
// may report, matching FASTPASS_PKT_MAX_AREQ in the original protocol.
const MaxAREQPerPacket = 10

var (
	// ErrTruncated is returned when a payload chunk claims more bytes than
	// remain in the buffer. Callers count this as a statistic and drop the
	// packet; it is never propagated as a fatal error.
	ErrTruncated = errors.New("wire: truncated payload")
	// ErrUnknownPayload is returned when a type tag is not recognized.
	ErrUnknownPayload = errors.New("wire: unknown payload type")
	ErrTooManyAREQ    = errors.New("wire: too many AREQ entries for one packet")
)

// Header is the decoded form of the 8-byte FPPROTO header. SeqnoLow,
// AckSeqLow and AckVec are the truncated, on-wire fields; full 64-bit
// values are reconstructed by the caller against locally-tracked state
// (see proto.Connection.ReconstructIncomingSeqno and ReconstructAckSeqno).
type Header struct {
	Checksum  uint16
	SeqnoLow  uint16 // 14 significant bits
	AckSeqLow uint16
	AckVec    uint16
}

// packedWord lays the header fields out as a single 64-bit value with
// bit 0 the LSB: [15:0]=checksum, [29:16]=seqno low14, [45:30]=ack_seq
// low16, [61:46]=ack_vec, [63:62]=reserved. This mirrors the bit-numbered
// layout of the original kernel header; byte order on the wire is
// big-endian for the packed word as a whole.
func (h Header) packedWord() uint64 {
	return uint64(h.Checksum) |
		uint64(h.SeqnoLow&0x3FFF)<<16 |
		uint64(h.AckSeqLow)<<30 |
		uint64(h.AckVec)<<46
}

// MarshalHeader encodes h into an 8-byte buffer.
func MarshalHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint64(buf, h.packedWord())
	return buf
}

// UnmarshalHeader decodes the first HeaderLen bytes of buf.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrTruncated
	}
	word := binary.BigEndian.Uint64(buf[:HeaderLen])
	return Header{
		Checksum:  uint16(word & 0xFFFF),
		SeqnoLow:  uint16((word >> 16) & 0x3FFF),
		AckSeqLow: uint16((word >> 30) & 0xFFFF),
		AckVec:    uint16((word >> 46) & 0xFFFF),
	}, nil
}

// PseudoHeaderChecksum computes the UDP-style pseudo-header checksum over
// src/dst IP, the FPPROTO protocol number, the payload length, and the
// payload bytes themselves. The header's own Checksum field is excluded
// (computed with it zeroed) so encode/decode are symmetric.
func PseudoHeaderChecksum(src, dst net.IP, payload []byte) uint16 {
	src4 := src.To4()
	dst4 := dst.To4()
	var sum uint32
	addWords := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	if src4 != nil {
		addWords(src4)
	}
	if dst4 != nil {
		addWords(dst4)
	}
	sum += ProtocolNumber
	sum += uint32(len(payload))
	addWords(payload)
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// ReconstructLowBits recovers a full value from a truncated low-bits field
// by placing it at whichever point nearest anchor falls within
// [anchor-half, anchor+half-1] modulo mask+1. Both the scheduler's ALLOC
// base-timeslot reconstruction and the connection's seqno/ack-seq
// reconstruction use this same technique at different field widths.
func ReconstructLowBits(anchor, low, half, mask uint64) uint64 {
	return anchor - half + ((low - (anchor - half)) & mask)
}

// AREQEntry is one destination's cumulative request count, as reported in
// an AREQ chunk.
type AREQEntry struct {
	DstID              uint16
	CumulativeTslotLow uint16
}

// AllocSlot is one timeslot descriptor within an ALLOC chunk: a byte of
// (dst_index<<4)|flags as specified in spec.md §4.6, decoded here into its
// two components for convenience.
type AllocSlot struct {
	DstIndex byte // 0 = skip; otherwise 1-based index into Alloc.DstIDs
	Flags    byte // 4 bits; the scheduler package splits this into a skip count and the EMU_FLAGS_DROP marker — see its flagSkipMask/flagDrop
}

// AllocPayload is the decoded ALLOC chunk (arbiter to endpoint only).
type AllocPayload struct {
	BaseTslotLow uint16
	DstIDs       []uint16
	Slots        []AllocSlot
}

// ResetPayload carries the sender's chosen reset timestamp.
type ResetPayload struct {
	Timestamp uint64
}

// AckPayload is the extended ACK chunk: a reinforcing, full-width
// confirmation appended alongside the header's embedded ack_seq/ack_vec
// when the peer wants to confirm more than the header's 16-entry vector
// can express.
type AckPayload struct {
	AckSeq uint32
	AckVec uint32
}

// AREQPayload is the decoded AREQ chunk.
type AREQPayload struct {
	Entries []AREQEntry
}

// Payload is the fully decoded set of chunks carried by one packet. At
// most one of Reset/AREQ/Alloc/Ack is meaningfully populated per spec, but
// nothing prevents a sender from combining them in one datagram.
type Payload struct {
	Reset   *ResetPayload
	AREQ    *AREQPayload
	Alloc   *AllocPayload
	Ack     *AckPayload
	Padding int // bytes of trailing PADDING, if any
}

// MarshalReset encodes a RESET chunk: 1-byte tag + 8-byte timestamp.
func MarshalReset(p ResetPayload) []byte {
	buf := make([]byte, 9)
	buf[0] = PayloadReset
	binary.BigEndian.PutUint64(buf[1:], p.Timestamp)
	return buf
}

// MarshalAREQ encodes an AREQ chunk: 1-byte tag + 1-byte count + entries.
func MarshalAREQ(p AREQPayload) ([]byte, error) {
	if len(p.Entries) > MaxAREQPerPacket {
		return nil, ErrTooManyAREQ
	}
	buf := make([]byte, 2+4*len(p.Entries))
	buf[0] = PayloadAREQ
	buf[1] = byte(len(p.Entries))
	off := 2
	for _, e := range p.Entries {
		binary.BigEndian.PutUint16(buf[off:], e.DstID)
		binary.BigEndian.PutUint16(buf[off+2:], e.CumulativeTslotLow)
		off += 4
	}
	return buf, nil
}

// MarshalAlloc encodes an ALLOC chunk: tag + 2-byte base_tslot low +
// 1-byte dest count + dest ids + a 1-byte slot count + slot descriptor
// bytes. The slot-count byte resolves an ambiguity left open by the
// original wire format (there total packet length implied the end of the
// descriptor run); here it makes the chunk self-delimiting.
func MarshalAlloc(p AllocPayload) []byte {
	buf := make([]byte, 0, 4+2*len(p.DstIDs)+1+len(p.Slots))
	buf = append(buf, PayloadAlloc)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], p.BaseTslotLow)
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(len(p.DstIDs)))
	for _, id := range p.DstIDs {
		binary.BigEndian.PutUint16(tmp[:], id)
		buf = append(buf, tmp[:]...)
	}
	buf = append(buf, byte(len(p.Slots)))
	for _, s := range p.Slots {
		buf = append(buf, (s.DstIndex<<4)|(s.Flags&0xF))
	}
	return buf
}

// MarshalAck encodes an ACK chunk: tag + 4-byte ack_seq + 4-byte ack_vec.
func MarshalAck(p AckPayload) []byte {
	buf := make([]byte, 9)
	buf[0] = PayloadAck
	binary.BigEndian.PutUint32(buf[1:], p.AckSeq)
	binary.BigEndian.PutUint32(buf[5:], p.AckVec)
	return buf
}

// MarshalPadding returns a PADDING chunk of exactly n bytes (including the
// tag byte), or nil if n <= 0.
func MarshalPadding(n int) []byte {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	buf[0] = PayloadPadding
	return buf
}

// PadTo appends a PADDING chunk to payload so its total length is at
// least minSize. If payload is already that long, it is returned
// unchanged.
func PadTo(payload []byte, minSize int) []byte {
	if len(payload) >= minSize {
		return payload
	}
	return append(payload, MarshalPadding(minSize-len(payload))...)
}

// DecodePayload walks buf chunk by chunk until PADDING or the end of the
// buffer. Truncated chunks abort decoding and return ErrTruncated;
// unrecognized type tags return ErrUnknownPayload. Both are
// statistics-only conditions from the caller's point of view — they never
// panic and never partially mutate already-decoded fields of out.
func DecodePayload(buf []byte) (Payload, error) {
	var out Payload
	i := 0
	for i < len(buf) {
		tag := buf[i]
		switch tag {
		case PayloadPadding:
			out.Padding = len(buf) - i
			return out, nil
		case PayloadReset:
			if i+9 > len(buf) {
				return out, ErrTruncated
			}
			out.Reset = &ResetPayload{Timestamp: binary.BigEndian.Uint64(buf[i+1 : i+9])}
			i += 9
		case PayloadAREQ:
			if i+2 > len(buf) {
				return out, ErrTruncated
			}
			n := int(buf[i+1])
			need := i + 2 + 4*n
			if need > len(buf) {
				return out, ErrTruncated
			}
			entries := make([]AREQEntry, n)
			off := i + 2
			for j := 0; j < n; j++ {
				entries[j] = AREQEntry{
					DstID:              binary.BigEndian.Uint16(buf[off:]),
					CumulativeTslotLow: binary.BigEndian.Uint16(buf[off+2:]),
				}
				off += 4
			}
			out.AREQ = &AREQPayload{Entries: entries}
			i = need
		case PayloadAlloc:
			if i+4 > len(buf) {
				return out, ErrTruncated
			}
			baseLow := binary.BigEndian.Uint16(buf[i+1:])
			d := int(buf[i+3])
			off := i + 4
			if off+2*d > len(buf) {
				return out, ErrTruncated
			}
			dstIDs := make([]uint16, d)
			for j := 0; j < d; j++ {
				dstIDs[j] = binary.BigEndian.Uint16(buf[off:])
				off += 2
			}
			if off+1 > len(buf) {
				return out, ErrTruncated
			}
			slotCount := int(buf[off])
			off++
			if off+slotCount > len(buf) {
				return out, ErrTruncated
			}
			slots := make([]AllocSlot, slotCount)
			for j := 0; j < slotCount; j++ {
				b := buf[off+j]
				slots[j] = AllocSlot{DstIndex: b >> 4, Flags: b & 0xF}
			}
			out.Alloc = &AllocPayload{BaseTslotLow: baseLow, DstIDs: dstIDs, Slots: slots}
			i = off + slotCount
		case PayloadAck:
			if i+9 > len(buf) {
				return out, ErrTruncated
			}
			out.Ack = &AckPayload{
				AckSeq: binary.BigEndian.Uint32(buf[i+1:]),
				AckVec: binary.BigEndian.Uint32(buf[i+5:]),
			}
			i += 9
		default:
			return out, ErrUnknownPayload
		}
	}
	return out, nil
}
