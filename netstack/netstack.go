// Package netstack implements the minimal user-space IP/TCP/UDP stack
// that terminates forwarded connections inside the tunnel. It speaks
// just enough TCP for reliable ordered byte streams (handshake,
// retransmission, reassembly, close) and passes UDP datagrams through
// statelessly, framing everything as IPv4 or IPv6 packets handed to a
// caller-supplied output function.
package netstack

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// ErrStackClosed is returned by operations on a closed stack.
var ErrStackClosed = errors.New("netstack: stack closed")

// Config configures a Stack.
type Config struct {
	// Addr4 and Addr6 are the virtual addresses this stack answers
	// for. At least one must be valid.
	Addr4 netip.Addr
	Addr6 netip.Addr

	// MTU caps the size of IP packets handed to Output.
	MTU int

	// Output transmits one framed IP packet towards the peer. The
	// callee owns the slice; the stack never reuses it.
	Output func(pkt []byte)

	// TCPIdleTimeout closes TCP connections with no traffic in either
	// direction for this long. Zero disables the timeout.
	TCPIdleTimeout time.Duration
}

type flowKey struct {
	proto  uint8
	local  netip.AddrPort
	remote netip.AddrPort
}

// Stack is a virtual TCP/IP endpoint. All packets in and out flow
// through Inject and Config.Output; no OS sockets are involved.
type Stack struct {
	addr4  netip.Addr
	addr6  netip.Addr
	mtu    int
	output func([]byte)

	tcpIdleTimeout time.Duration

	mu           sync.Mutex
	closed       bool
	tcpConns     map[flowKey]*TCPConn
	tcpListeners map[uint16]*TCPListener
	udpConns     map[flowKey]*UDPConn
	udpListeners map[uint16]*UDPConn
	tcpPorts     portPool
	udpPorts     portPool
}

// New creates a stack for the given virtual addresses.
func New(c Config) (*Stack, error) {
	if !c.Addr4.IsValid() && !c.Addr6.IsValid() {
		return nil, errors.New("netstack: no virtual address configured")
	}
	if c.Addr4.IsValid() && !c.Addr4.Is4() {
		return nil, fmt.Errorf("netstack: %s is not an IPv4 address", c.Addr4)
	}
	if c.Addr6.IsValid() && !c.Addr6.Is6() {
		return nil, fmt.Errorf("netstack: %s is not an IPv6 address", c.Addr6)
	}
	if c.Output == nil {
		return nil, errors.New("netstack: nil output function")
	}
	if c.MTU <= 0 {
		c.MTU = 1420
	}
	return &Stack{
		addr4:          c.Addr4,
		addr6:          c.Addr6,
		mtu:            c.MTU,
		output:         c.Output,
		tcpIdleTimeout: c.TCPIdleTimeout,
		tcpConns:       make(map[flowKey]*TCPConn),
		tcpListeners:   make(map[uint16]*TCPListener),
		udpConns:       make(map[flowKey]*UDPConn),
		udpListeners:   make(map[uint16]*UDPConn),
	}, nil
}

// localAddrFor returns the virtual source address matching the family
// of remote.
func (s *Stack) localAddrFor(remote netip.Addr) (netip.Addr, error) {
	if remote.Is4() {
		if !s.addr4.IsValid() {
			return netip.Addr{}, fmt.Errorf("netstack: no IPv4 virtual address for %s", remote)
		}
		return s.addr4, nil
	}
	if !s.addr6.IsValid() {
		return netip.Addr{}, fmt.Errorf("netstack: no IPv6 virtual address for %s", remote)
	}
	return s.addr6, nil
}

func (s *Stack) isLocalAddr(a netip.Addr) bool {
	return a == s.addr4 || a == s.addr6
}

// Inject feeds one inbound IP packet into the stack, taking ownership
// of the slice. Packets that are malformed, not addressed to a virtual
// address, or route to nothing are dropped; the returned error exists
// for debug logging only.
func (s *Stack) Inject(pkt []byte) error {
	ip, err := parseIPPacket(pkt)
	if err != nil {
		return err
	}
	if !s.isLocalAddr(ip.dst) {
		return fmt.Errorf("packet for %s is not addressed to us", ip.dst)
	}

	switch ip.proto {
	case protocolTCP:
		return s.injectTCP(ip)
	case protocolUDP:
		return s.injectUDP(ip)
	default:
		return fmt.Errorf("unsupported protocol %d", ip.proto)
	}
}

func (s *Stack) injectTCP(ip ipPacket) error {
	seg, err := parseTCPSegment(ip.src, ip.dst, ip.payload)
	if err != nil {
		return err
	}
	key := flowKey{
		proto:  protocolTCP,
		local:  netip.AddrPortFrom(ip.dst, seg.dstPort),
		remote: netip.AddrPortFrom(ip.src, seg.srcPort),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStackClosed
	}
	conn, ok := s.tcpConns[key]
	if !ok {
		// Only a SYN opens a new connection, and only towards a bound
		// listener. Everything else gets a RST, except RSTs.
		if seg.flags&tcpFlagSYN == 0 || seg.flags&tcpFlagACK != 0 {
			s.mu.Unlock()
			if seg.flags&tcpFlagRST == 0 {
				s.sendRST(key, seg)
			}
			return nil
		}
		ln := s.tcpListeners[seg.dstPort]
		if ln == nil {
			s.mu.Unlock()
			s.sendRST(key, seg)
			return nil
		}
		conn = newTCPConn(s, key, false)
		s.tcpConns[key] = conn
		s.mu.Unlock()
		conn.handleSegment(seg)
		return nil
	}
	s.mu.Unlock()
	conn.handleSegment(seg)
	return nil
}

// sendRST answers a stray segment with a reset.
func (s *Stack) sendRST(key flowKey, seg tcpSegment) {
	var seq, ack uint32
	flags := uint8(tcpFlagRST)
	if seg.flags&tcpFlagACK != 0 {
		seq = seg.ack
	} else {
		flags |= tcpFlagACK
		ack = seg.seq + uint32(len(seg.payload))
		if seg.flags&tcpFlagSYN != 0 {
			ack++
		}
	}
	pkt := appendTCPSegment(nil, key.local, key.remote, seq, ack, flags, 0, 0, nil)
	s.output(pkt)
}

// removeTCPConn drops a connection from the demux table and releases
// its local port if the stack allocated one.
func (s *Stack) removeTCPConn(key flowKey, releasePort bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tcpConns, key)
	if releasePort {
		s.tcpPorts.release(key.local.Port())
	}
}

// Close resets all connections and rejects further traffic.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*TCPConn, 0, len(s.tcpConns))
	for _, c := range s.tcpConns {
		conns = append(conns, c)
	}
	listeners := make([]*TCPListener, 0, len(s.tcpListeners))
	for _, ln := range s.tcpListeners {
		listeners = append(listeners, ln)
	}
	udpConns := make([]*UDPConn, 0, len(s.udpConns)+len(s.udpListeners))
	for _, c := range s.udpConns {
		udpConns = append(udpConns, c)
	}
	for _, c := range s.udpListeners {
		udpConns = append(udpConns, c)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, c := range conns {
		c.abort(ErrConnectionReset, false)
	}
	for _, c := range udpConns {
		c.Close()
	}
	return nil
}
