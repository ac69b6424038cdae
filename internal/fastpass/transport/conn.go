// Package transport provides the UDP datagram transport FPPROTO runs
// over. The duality between a standalone UDP-kernel path and a DPDK path
// that the original source carries is collapsed behind this single
// transport contract, per spec.md §9's resolved open question.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fastpass-project/endpoint/internal/fastpass/wire"
)

const (
	// DefaultReadBufferSize is the default OS-level UDP read buffer.
	DefaultReadBufferSize = 2 * 1024 * 1024
	// DefaultWriteBufferSize is the default OS-level UDP write buffer.
	DefaultWriteBufferSize = 2 * 1024 * 1024
	// DefaultReadTimeout bounds a blocking receive with no context deadline.
	DefaultReadTimeout = 30 * time.Second
	// maxDatagramSize comfortably covers a header plus one ALLOC/AREQ
	// chunk; FPPROTO never needs path-MTU-sized control packets.
	maxDatagramSize = 1500
)

// Packet is one FPPROTO datagram: the decoded header, the raw payload
// bytes (handed to wire.DecodePayload by the caller), and — for received
// packets — the peer address.
type Packet struct {
	Header  wire.Header
	Payload []byte
	Addr    *net.UDPAddr
}

// Statistics holds cumulative transport-level counters, surfaced through
// the admin plane's /stats endpoint alongside the protocol/scheduler
// counters.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Errors          uint64
}

// Config configures OS-level socket buffers and the default read
// deadline for a blocking Receive with no context deadline.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	ReadTimeout     time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
		ReadTimeout:     DefaultReadTimeout,
	}
}

// Conn is a UDP socket carrying FPPROTO datagrams, either bound for
// listening (arbiter side) or opened by Dial with a default peer that
// SetRemoteAddr can change (endpoint side).
type Conn struct {
	udpConn    *net.UDPConn
	localAddr  *net.UDPAddr
	remoteAddr *net.UDPAddr

	readBuf []byte

	mu     sync.RWMutex
	closed bool
	stats  Statistics
}

// Listen opens a UDP socket bound to address, for the arbiter side or
// for an endpoint that wants to receive from multiple sources.
func Listen(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve listen address: %w", err)
	}
	udpConn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen UDP: %w", err)
	}
	if err := udpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: set read buffer: %w", err)
	}
	if err := udpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: set write buffer: %w", err)
	}
	return &Conn{
		udpConn:   udpConn,
		localAddr: udpConn.LocalAddr().(*net.UDPAddr),
		readBuf:   make([]byte, maxDatagramSize),
	}, nil
}

// Dial opens an unconnected UDP socket on the local address that routes
// to address, and records address as the default peer for Send — the
// normal endpoint path, where the peer is the arbiter's ctrl_addr.
func Dial(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve dial address: %w", err)
	}
	probe, err := net.DialUDP(network, nil, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial UDP: %w", err)
	}
	local := probe.LocalAddr().(*net.UDPAddr)
	probe.Close()
	udpConn, err := net.ListenUDP(network, &net.UDPAddr{IP: local.IP})
	if err != nil {
		return nil, fmt.Errorf("transport: dial UDP: %w", err)
	}
	if err := udpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: set read buffer: %w", err)
	}
	if err := udpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: set write buffer: %w", err)
	}
	return &Conn{
		udpConn:    udpConn,
		localAddr:  udpConn.LocalAddr().(*net.UDPAddr),
		remoteAddr: addr,
		readBuf:    make([]byte, maxDatagramSize),
	}, nil
}

// Send marshals header and appends payload, then sends to addr (or the
// connected remote address if addr is nil). Non-fatal on failure: the
// caller relies on FPPROTO's normal retransmit-timeout path to recover.
func (c *Conn) Send(header wire.Header, payload []byte, addr *net.UDPAddr) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("transport: connection closed")
	}
	c.mu.RUnlock()

	headerBytes := wire.MarshalHeader(header)
	data := make([]byte, len(headerBytes)+len(payload))
	copy(data, headerBytes)
	copy(data[len(headerBytes):], payload)

	var n int
	var err error
	switch {
	case addr != nil:
		n, err = c.udpConn.WriteToUDP(data, addr)
	case c.remoteAddr != nil:
		n, err = c.udpConn.WriteToUDP(data, c.remoteAddr)
	default:
		return fmt.Errorf("transport: no remote address specified")
	}
	if err != nil {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return fmt.Errorf("transport: send: %w", err)
	}

	c.mu.Lock()
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(n)
	c.mu.Unlock()
	return nil
}

// Receive blocks until a datagram arrives or ctx is done, decoding only
// the fixed header — payload chunk decoding is the caller's
// responsibility via wire.DecodePayload, since a truncated/unknown chunk
// is a statistics-only condition the protocol layer tracks, not a
// transport error.
func (c *Conn) Receive(ctx context.Context) (*Packet, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, fmt.Errorf("transport: connection closed")
	}
	c.mu.RUnlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.udpConn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("transport: set read deadline: %w", err)
		}
	} else {
		c.udpConn.SetReadDeadline(time.Now().Add(DefaultReadTimeout))
	}

	n, addr, err := c.udpConn.ReadFromUDP(c.readBuf)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			c.mu.Lock()
			c.stats.Errors++
			c.mu.Unlock()
			return nil, fmt.Errorf("transport: read: %w", err)
		}
	}

	c.mu.Lock()
	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(n)
	c.mu.Unlock()

	if n < wire.HeaderLen {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return nil, fmt.Errorf("transport: datagram shorter than header")
	}
	header, err := wire.UnmarshalHeader(c.readBuf[:n])
	if err != nil {
		return nil, fmt.Errorf("transport: unmarshal header: %w", err)
	}
	payload := make([]byte, n-wire.HeaderLen)
	copy(payload, c.readBuf[wire.HeaderLen:n])

	return &Packet{Header: header, Payload: payload, Addr: addr}, nil
}

// LocalAddr returns the bound local address.
func (c *Conn) LocalAddr() *net.UDPAddr { return c.localAddr }

// RemoteAddr returns the connected remote address, if any.
func (c *Conn) RemoteAddr() *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteAddr
}

// SetRemoteAddr updates the default send/receive peer, used when the
// arbiter address changes (e.g. via discovery failover).
func (c *Conn) SetRemoteAddr(addr *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteAddr = addr
}

// Statistics returns a copy of the cumulative transport counters.
func (c *Conn) Statistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Close closes the underlying socket; safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.udpConn.Close()
}

// IsClosed reports whether Close has already run.
func (c *Conn) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
