package netstack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

const udpHeaderLen = 8

type udpDatagram struct {
	payload []byte
	from    netip.AddrPort
}

// UDPConn is a virtual UDP endpoint. A connected endpoint (DialUDP)
// exchanges datagrams with one remote address; a bound endpoint
// (ListenUDP) receives from any remote and replies with WriteTo.
// Datagram flows keep no state beyond this port mapping.
type UDPConn struct {
	stack     *Stack
	local     netip.AddrPort
	remote    netip.AddrPort // zero unless connected
	allocated bool

	recvq     chan udpDatagram
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	readDeadline time.Time
	lastActivity time.Time
}

// DialUDP opens a connected virtual UDP flow to remote, drawing the
// source port from the ephemeral range.
func (s *Stack) DialUDP(remote netip.AddrPort) (*UDPConn, error) {
	local, err := s.localAddrFor(remote.Addr())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStackClosed
	}
	port, err := s.udpPorts.allocate()
	if err != nil {
		return nil, err
	}
	c := &UDPConn{
		stack:        s,
		local:        netip.AddrPortFrom(local, port),
		remote:       remote,
		allocated:    true,
		recvq:        make(chan udpDatagram, 256),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
	s.udpConns[flowKey{proto: protocolUDP, local: c.local, remote: remote}] = c
	return c, nil
}

// ListenUDP binds a virtual UDP port that receives from any remote.
func (s *Stack) ListenUDP(port uint16) (*UDPConn, error) {
	addr := s.addr4
	if !addr.IsValid() {
		addr = s.addr6
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStackClosed
	}
	if _, taken := s.udpListeners[port]; taken {
		return nil, errors.New("netstack: UDP port already bound")
	}
	c := &UDPConn{
		stack:        s,
		local:        netip.AddrPortFrom(addr, port),
		recvq:        make(chan udpDatagram, 256),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
	s.udpListeners[port] = c
	return c, nil
}

func (s *Stack) injectUDP(ip ipPacket) error {
	b := ip.payload
	if len(b) < udpHeaderLen {
		return fmt.Errorf("short UDP datagram: %d bytes", len(b))
	}
	srcPort := binary.BigEndian.Uint16(b)
	dstPort := binary.BigEndian.Uint16(b[2:4])
	length := int(binary.BigEndian.Uint16(b[4:6]))
	if length < udpHeaderLen || length > len(b) {
		return fmt.Errorf("bad UDP length %d in %d bytes", length, len(b))
	}
	if sum := binary.BigEndian.Uint16(b[6:8]); sum != 0 || ip.src.Is6() {
		if internetChecksum(b[:length], pseudoHeaderSum(ip.src, ip.dst, protocolUDP, length)) != 0 {
			return fmt.Errorf("bad UDP checksum")
		}
	}

	from := netip.AddrPortFrom(ip.src, srcPort)
	key := flowKey{
		proto:  protocolUDP,
		local:  netip.AddrPortFrom(ip.dst, dstPort),
		remote: from,
	}

	s.mu.Lock()
	c := s.udpConns[key]
	if c == nil {
		c = s.udpListeners[dstPort]
	}
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("no UDP endpoint on port %d", dstPort)
	}

	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	select {
	case c.recvq <- udpDatagram{payload: append([]byte(nil), b[udpHeaderLen:length]...), from: from}:
	default:
		// Queue full: UDP may drop.
	}
	return nil
}

// ReadFrom receives one datagram.
func (c *UDPConn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		until := time.Until(deadline)
		if until <= 0 {
			return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(until)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d := <-c.recvq:
		n := copy(b, d.payload)
		return n, d.from, nil
	case <-c.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	case <-timeout:
		return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
	}
}

// Read receives one datagram on a connected endpoint.
func (c *UDPConn) Read(b []byte) (int, error) {
	n, _, err := c.ReadFrom(b)
	return n, err
}

// WriteTo sends one datagram to remote.
func (c *UDPConn) WriteTo(b []byte, remote netip.AddrPort) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	src := c.local
	if src.Addr().Is4() != remote.Addr().Is4() {
		return 0, fmt.Errorf("netstack: address family mismatch: %s -> %s", src, remote)
	}

	udpLen := udpHeaderLen + len(b)
	ipLen := ipHeaderLen(src.Addr())
	pkt := make([]byte, ipLen+udpLen)
	writeIPHeader(pkt, src.Addr(), remote.Addr(), protocolUDP, udpLen)

	u := pkt[ipLen:]
	binary.BigEndian.PutUint16(u, src.Port())
	binary.BigEndian.PutUint16(u[2:4], remote.Port())
	binary.BigEndian.PutUint16(u[4:6], uint16(udpLen))
	u[6], u[7] = 0, 0
	copy(u[udpHeaderLen:], b)
	sum := internetChecksum(u, pseudoHeaderSum(src.Addr(), remote.Addr(), protocolUDP, udpLen))
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(u[6:8], sum)

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	c.stack.output(pkt)
	return len(b), nil
}

// Write sends one datagram on a connected endpoint.
func (c *UDPConn) Write(b []byte) (int, error) {
	if !c.remote.IsValid() {
		return 0, errors.New("netstack: endpoint not connected")
	}
	return c.WriteTo(b, c.remote)
}

// LastActivity returns when a datagram last passed through this
// endpoint, for idle-mapping expiry.
func (c *UDPConn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *UDPConn) LocalAddr() netip.AddrPort  { return c.local }
func (c *UDPConn) RemoteAddr() netip.AddrPort { return c.remote }

func (c *UDPConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *UDPConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stack.mu.Lock()
		if c.remote.IsValid() {
			delete(c.stack.udpConns, flowKey{proto: protocolUDP, local: c.local, remote: c.remote})
			if c.allocated {
				c.stack.udpPorts.release(c.local.Port())
			}
		} else {
			delete(c.stack.udpListeners, c.local.Port())
		}
		c.stack.mu.Unlock()
	})
	return nil
}
