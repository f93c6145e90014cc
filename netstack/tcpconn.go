package netstack

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

var (
	// ErrConnectionReset is surfaced when the peer resets a virtual
	// connection. It bypasses any buffered but undelivered data.
	ErrConnectionReset = errors.New("netstack: connection reset by peer")

	// ErrConnectionTimeout is surfaced when retransmissions are
	// exhausted or the idle timeout elapses.
	ErrConnectionTimeout = errors.New("netstack: connection timed out")
)

const (
	initialRTO       = time.Second
	maxRTO           = 60 * time.Second
	maxRetransmits   = 8
	timeWaitDuration = 30 * time.Second

	sendBufferSize     = 64 << 10
	maxReassemblyBytes = 256 << 10
	recvQueueSegments  = 1024
	advertisedWindow   = 0xffff
)

type tcpState int

const (
	stateSynSent tcpState = iota
	stateSynReceived
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateClosing
	stateTimeWait
	stateCloseWait
	stateLastAck
	stateClosed
)

// Sequence number arithmetic, modulo 2^32.
func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }

// sentSegment is one transmitted-but-unacknowledged segment held for
// retransmission.
type sentSegment struct {
	seq     uint32
	flags   uint8
	mssOpt  uint16
	payload []byte
}

func (s *sentSegment) seqLen() uint32 {
	n := uint32(len(s.payload))
	if s.flags&tcpFlagSYN != 0 {
		n++
	}
	if s.flags&tcpFlagFIN != 0 {
		n++
	}
	return n
}

// TCPConn is one virtual TCP connection. It implements net.Conn: reads
// return bytes in strict sequence order regardless of how the
// underlying packets arrived, writes are segmented, retransmitted and
// flow-controlled against the peer's advertised window.
type TCPConn struct {
	stack       *Stack
	key         flowKey
	releasePort bool

	mu       sync.Mutex
	state    tcpState
	gotSyn   bool
	connErr  error
	sendCond *sync.Cond

	// Send sequence state.
	sndUna  uint32
	sndNxt  uint32
	sndWnd  uint32
	mss     int
	rtq     []*sentSegment
	rtqLen  int // payload bytes queued for retransmission
	dupAcks int
	rto     time.Duration
	retries int
	rtTimer *time.Timer
	finSent bool
	finSeq  uint32

	// Receive sequence state.
	rcvNxt   uint32
	ooo      map[uint32][]byte
	oooBytes int
	eofSeen  bool

	recvq    chan []byte // nil element marks EOF
	leftover []byte

	readDeadline  time.Time
	writeDeadline time.Time

	established chan struct{}
	done        chan struct{}
	doneOnce    sync.Once

	lastActivity time.Time
	idleTimer    *time.Timer
}

func newTCPConn(s *Stack, key flowKey, dialer bool) *TCPConn {
	c := &TCPConn{
		stack:        s,
		key:          key,
		releasePort:  dialer,
		mss:          s.mtu - ipHeaderLen(key.local.Addr()) - tcpHeaderLen,
		rto:          initialRTO,
		ooo:          make(map[uint32][]byte),
		recvq:        make(chan []byte, recvQueueSegments),
		established:  make(chan struct{}),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	c.sendCond = sync.NewCond(&c.mu)
	if dialer {
		c.state = stateSynSent
	} else {
		c.state = stateSynReceived
	}
	if s.tcpIdleTimeout > 0 {
		c.idleTimer = time.AfterFunc(s.tcpIdleTimeout, c.onIdleTimeout)
	}
	return c
}

// DialTCP opens a virtual TCP connection to remote, completing the
// three-way handshake through the tunnel before returning.
func (s *Stack) DialTCP(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	local, err := s.localAddrFor(remote.Addr())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStackClosed
	}
	port, err := s.tcpPorts.allocate()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	key := flowKey{
		proto:  protocolTCP,
		local:  netip.AddrPortFrom(local, port),
		remote: remote,
	}
	c := newTCPConn(s, key, true)
	s.tcpConns[key] = c
	s.mu.Unlock()

	c.mu.Lock()
	iss := rand.Uint32()
	c.sndUna = iss
	c.sndNxt = iss + 1
	syn := &sentSegment{seq: iss, flags: tcpFlagSYN, mssOpt: uint16(c.mss)}
	c.rtq = append(c.rtq, syn)
	pkt := c.buildSegmentLocked(syn)
	c.armRetransmitLocked()
	c.mu.Unlock()
	s.output(pkt)

	select {
	case <-c.established:
		return c, nil
	case <-c.done:
		c.mu.Lock()
		err := c.connErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionReset
		}
		return nil, err
	case <-ctx.Done():
		c.abort(ctx.Err(), true)
		return nil, ctx.Err()
	}
}

// buildSegmentLocked marshals a queued segment with the current ack and
// window. c.mu held.
func (c *TCPConn) buildSegmentLocked(s *sentSegment) []byte {
	flags := s.flags
	if c.gotSyn || c.state != stateSynSent {
		flags |= tcpFlagACK
	}
	var ack uint32
	if flags&tcpFlagACK != 0 {
		ack = c.rcvNxt
	}
	return appendTCPSegment(nil, c.key.local, c.key.remote, s.seq, ack, flags, advertisedWindow, s.mssOpt, s.payload)
}

func (c *TCPConn) ackPacketLocked() []byte {
	return appendTCPSegment(nil, c.key.local, c.key.remote, c.sndNxt, c.rcvNxt, tcpFlagACK, advertisedWindow, 0, nil)
}

func (c *TCPConn) armRetransmitLocked() {
	if c.rtTimer != nil {
		c.rtTimer.Stop()
	}
	c.rtTimer = time.AfterFunc(c.rto, c.onRetransmitTimeout)
}

func (c *TCPConn) stopRetransmitLocked() {
	if c.rtTimer != nil {
		c.rtTimer.Stop()
		c.rtTimer = nil
	}
}

func (c *TCPConn) onRetransmitTimeout() {
	c.mu.Lock()
	if c.state == stateClosed || len(c.rtq) == 0 {
		c.mu.Unlock()
		return
	}
	c.retries++
	if c.retries > maxRetransmits {
		c.mu.Unlock()
		c.abort(ErrConnectionTimeout, true)
		return
	}
	c.rto *= 2
	if c.rto > maxRTO {
		c.rto = maxRTO
	}
	pkt := c.buildSegmentLocked(c.rtq[0])
	c.armRetransmitLocked()
	c.mu.Unlock()
	c.stack.output(pkt)
}

func (c *TCPConn) onIdleTimeout() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	idle := time.Since(c.lastActivity)
	if idle < c.stack.tcpIdleTimeout {
		c.idleTimer.Reset(c.stack.tcpIdleTimeout - idle)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.abort(ErrConnectionTimeout, true)
}

// handleSegment processes one inbound segment. Transmissions happen
// after c.mu is released: outputs may loop straight back into a peer
// stack in tests.
func (c *TCPConn) handleSegment(seg tcpSegment) {
	var (
		out      [][]byte
		promoted bool
		removed  bool
	)

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.lastActivity = time.Now()

	if seg.flags&tcpFlagRST != 0 {
		c.mu.Unlock()
		c.abort(ErrConnectionReset, false)
		return
	}

	switch c.state {
	case stateSynSent:
		if seg.flags&(tcpFlagSYN|tcpFlagACK) != tcpFlagSYN|tcpFlagACK || seg.ack != c.sndNxt {
			c.mu.Unlock()
			return
		}
		c.sndUna = seg.ack
		c.rtq = nil
		c.stopRetransmitLocked()
		c.rcvNxt = seg.seq + 1
		c.gotSyn = true
		if seg.mss > 0 && int(seg.mss) < c.mss {
			c.mss = int(seg.mss)
		}
		c.sndWnd = uint32(seg.window)
		c.state = stateEstablished
		close(c.established)
		out = append(out, c.ackPacketLocked())

	case stateSynReceived:
		switch {
		case seg.flags&tcpFlagSYN != 0 && !c.gotSyn:
			c.gotSyn = true
			c.rcvNxt = seg.seq + 1
			if seg.mss > 0 && int(seg.mss) < c.mss {
				c.mss = int(seg.mss)
			}
			c.sndWnd = uint32(seg.window)
			iss := rand.Uint32()
			c.sndUna = iss
			c.sndNxt = iss + 1
			synAck := &sentSegment{seq: iss, flags: tcpFlagSYN, mssOpt: uint16(c.mss)}
			c.rtq = append(c.rtq, synAck)
			out = append(out, c.buildSegmentLocked(synAck))
			c.armRetransmitLocked()
		case seg.flags&tcpFlagSYN != 0:
			// Retransmitted SYN: repeat our SYN-ACK.
			if len(c.rtq) > 0 {
				out = append(out, c.buildSegmentLocked(c.rtq[0]))
			}
		case seg.flags&tcpFlagACK != 0 && c.gotSyn && seg.ack == c.sndNxt:
			c.sndUna = seg.ack
			c.rtq = nil
			c.stopRetransmitLocked()
			c.sndWnd = uint32(seg.window)
			c.state = stateEstablished
			close(c.established)
			promoted = true
			c.processDataLocked(seg, &out)
		}

	default:
		c.processAckLocked(seg, &out)
		c.processDataLocked(seg, &out)
		removed = c.state == stateClosed
	}
	c.mu.Unlock()

	for _, pkt := range out {
		c.stack.output(pkt)
	}
	if promoted {
		c.deliverToListener()
	}
	if removed {
		c.stack.removeTCPConn(c.key, c.releasePort)
	}
}

// deliverToListener hands a freshly established inbound connection to
// the bound listener, or resets it if the listener went away.
func (c *TCPConn) deliverToListener() {
	c.stack.mu.Lock()
	ln := c.stack.tcpListeners[c.key.local.Port()]
	c.stack.mu.Unlock()
	if ln == nil {
		c.abort(ErrConnectionReset, true)
		return
	}
	select {
	case ln.incoming <- c:
	case <-ln.closed:
		c.abort(ErrConnectionReset, true)
	}
}

func (c *TCPConn) processAckLocked(seg tcpSegment, out *[][]byte) {
	if seg.flags&tcpFlagACK == 0 {
		return
	}
	switch {
	case seqLT(c.sndUna, seg.ack) && seqLEQ(seg.ack, c.sndNxt):
		c.sndUna = seg.ack
		c.sndWnd = uint32(seg.window)
		c.dupAcks = 0
		c.retries = 0
		c.rto = initialRTO
		for len(c.rtq) > 0 {
			s := c.rtq[0]
			if !seqLEQ(s.seq+s.seqLen(), seg.ack) {
				break
			}
			c.rtqLen -= len(s.payload)
			c.rtq = c.rtq[1:]
		}
		if len(c.rtq) == 0 {
			c.stopRetransmitLocked()
		} else {
			c.armRetransmitLocked()
		}
		c.sendCond.Broadcast()

		if c.finSent && seqLT(c.finSeq, c.sndUna) {
			switch c.state {
			case stateFinWait1:
				c.state = stateFinWait2
			case stateClosing:
				c.enterTimeWaitLocked()
			case stateLastAck:
				c.state = stateClosed
			}
		}

	case seg.ack == c.sndUna:
		c.sndWnd = uint32(seg.window)
		if len(seg.payload) == 0 && len(c.rtq) > 0 {
			c.dupAcks++
			if c.dupAcks == 3 {
				// Fast retransmit.
				*out = append(*out, c.buildSegmentLocked(c.rtq[0]))
			}
		}
		c.sendCond.Broadcast()
	}
}

func (c *TCPConn) processDataLocked(seg tcpSegment, out *[][]byte) {
	switch c.state {
	case stateEstablished, stateFinWait1, stateFinWait2:
	case stateTimeWait:
		// A retransmitted FIN means our final ACK was lost. Repeat it
		// so the peer can leave LAST-ACK.
		if seg.flags&tcpFlagFIN != 0 && seqLT(seg.seq, c.rcvNxt) {
			*out = append(*out, c.ackPacketLocked())
		}
		return
	default:
		return
	}

	ackNeeded := false
	payload := seg.payload
	seq := seg.seq

	if len(payload) > 0 {
		if seqLT(seq, c.rcvNxt) {
			skip := c.rcvNxt - seq
			if uint32(len(payload)) <= skip {
				payload = nil
			} else {
				payload = payload[skip:]
				seq = c.rcvNxt
			}
			ackNeeded = true
		}
		switch {
		case len(payload) == 0:
		case seq == c.rcvNxt:
			if len(c.recvq) < cap(c.recvq)-1 {
				c.deliverLocked(payload)
				c.rcvNxt += uint32(len(payload))
				c.drainReassemblyLocked()
				ackNeeded = true
			}
		default:
			// Out of order: hold for reassembly, duplicate-ack to
			// trigger the peer's fast retransmit.
			if _, dup := c.ooo[seq]; !dup && c.oooBytes+len(payload) <= maxReassemblyBytes {
				c.ooo[seq] = append([]byte(nil), payload...)
				c.oooBytes += len(payload)
			}
			ackNeeded = true
		}
	}

	if seg.flags&tcpFlagFIN != 0 {
		finSeq := seg.seq + uint32(len(seg.payload))
		if finSeq == c.rcvNxt {
			c.rcvNxt++
			if !c.eofSeen {
				c.eofSeen = true
				c.deliverEOFLocked()
			}
			switch c.state {
			case stateEstablished:
				c.state = stateCloseWait
			case stateFinWait1:
				c.state = stateClosing
			case stateFinWait2:
				c.enterTimeWaitLocked()
			}
		}
		ackNeeded = true
	}

	if ackNeeded {
		*out = append(*out, c.ackPacketLocked())
	}
}

func (c *TCPConn) deliverLocked(data []byte) {
	c.recvq <- append([]byte(nil), data...)
}

func (c *TCPConn) deliverEOFLocked() {
	select {
	case c.recvq <- nil:
	default:
	}
}

// drainReassemblyLocked moves now-contiguous held segments into the
// receive queue.
func (c *TCPConn) drainReassemblyLocked() {
	for {
		data, ok := c.ooo[c.rcvNxt]
		if !ok {
			return
		}
		if len(c.recvq) >= cap(c.recvq)-1 {
			return
		}
		delete(c.ooo, c.rcvNxt)
		c.oooBytes -= len(data)
		c.recvq <- data
		c.rcvNxt += uint32(len(data))
	}
}

func (c *TCPConn) enterTimeWaitLocked() {
	c.state = stateTimeWait
	c.stopRetransmitLocked()
	key, releasePort := c.key, c.releasePort
	time.AfterFunc(timeWaitDuration, func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		c.signalDone()
		c.stack.removeTCPConn(key, releasePort)
	})
}

func (c *TCPConn) signalDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// abort tears the connection down immediately. Readers and writers
// observe err; buffered data is discarded per the reset contract.
func (c *TCPConn) abort(err error, sendRST bool) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.connErr = err
	seq := c.sndNxt
	c.stopRetransmitLocked()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.rtq = nil
	c.ooo = nil
	c.oooBytes = 0
	c.sendCond.Broadcast()
	c.mu.Unlock()

	c.signalDone()
	if sendRST {
		pkt := appendTCPSegment(nil, c.key.local, c.key.remote, seq, 0, tcpFlagRST, 0, 0, nil)
		c.stack.output(pkt)
	}
	c.stack.removeTCPConn(c.key, c.releasePort)
}

// Read returns in-order stream bytes. A peer reset is surfaced
// immediately, ahead of any undelivered buffered data.
func (c *TCPConn) Read(b []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(b, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	c.mu.Lock()
	err := c.connErr
	deadline := c.readDeadline
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		until := time.Until(deadline)
		if until <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(until)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case data := <-c.recvq:
		if data == nil {
			return 0, io.EOF
		}
		n := copy(b, data)
		c.leftover = data[n:]
		return n, nil
	case <-c.done:
		// Drain anything that raced with teardown.
		select {
		case data := <-c.recvq:
			if data == nil {
				return 0, io.EOF
			}
			n := copy(b, data)
			c.leftover = data[n:]
			return n, nil
		default:
		}
		c.mu.Lock()
		err := c.connErr
		c.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return 0, err
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

// Write segments b, transmits, and blocks on the peer's receive window
// and the local retransmission buffer.
func (c *TCPConn) Write(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		c.mu.Lock()
		for {
			if c.connErr != nil {
				err := c.connErr
				c.mu.Unlock()
				return total, err
			}
			switch c.state {
			case stateEstablished, stateCloseWait:
			default:
				c.mu.Unlock()
				return total, net.ErrClosed
			}
			if !c.writeDeadline.IsZero() {
				until := time.Until(c.writeDeadline)
				if until <= 0 {
					c.mu.Unlock()
					return total, os.ErrDeadlineExceeded
				}
				time.AfterFunc(until, c.sendCond.Broadcast)
			}
			if c.sendWindowLocked() > 0 {
				break
			}
			c.sendCond.Wait()
		}

		n := len(b)
		if w := c.sendWindowLocked(); n > w {
			n = w
		}
		if n > c.mss {
			n = c.mss
		}
		seg := &sentSegment{
			seq:     c.sndNxt,
			flags:   tcpFlagPSH,
			payload: append([]byte(nil), b[:n]...),
		}
		c.sndNxt += uint32(n)
		c.rtq = append(c.rtq, seg)
		c.rtqLen += n
		if len(c.rtq) == 1 {
			c.armRetransmitLocked()
		}
		c.lastActivity = time.Now()
		pkt := c.buildSegmentLocked(seg)
		c.mu.Unlock()

		c.stack.output(pkt)
		b = b[n:]
		total += n
	}
	return total, nil
}

// sendWindowLocked returns how many bytes may be transmitted now,
// honoring the peer window and local buffer, with a one-segment floor
// so a zero window cannot wedge the sender forever.
func (c *TCPConn) sendWindowLocked() int {
	inFlight := int(c.sndNxt - c.sndUna)
	window := int(c.sndWnd)
	if window > sendBufferSize {
		window = sendBufferSize
	}
	if window < c.mss {
		window = c.mss
	}
	if inFlight >= window {
		return 0
	}
	return window - inFlight
}

// CloseWrite sends a FIN, half-closing the connection. Reads continue
// until the peer closes its side.
func (c *TCPConn) CloseWrite() error {
	var pkt []byte
	c.mu.Lock()
	switch c.state {
	case stateEstablished:
		c.state = stateFinWait1
	case stateCloseWait:
		c.state = stateLastAck
	default:
		c.mu.Unlock()
		return nil
	}
	fin := &sentSegment{seq: c.sndNxt, flags: tcpFlagFIN}
	c.finSent = true
	c.finSeq = c.sndNxt
	c.sndNxt++
	c.rtq = append(c.rtq, fin)
	if len(c.rtq) == 1 {
		c.armRetransmitLocked()
	}
	pkt = c.buildSegmentLocked(fin)
	c.mu.Unlock()
	c.stack.output(pkt)
	return nil
}

// Close performs an orderly shutdown, sending a FIN if one has not been
// sent yet. Connections that never became established are reset.
func (c *TCPConn) Close() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case stateSynSent, stateSynReceived:
		c.abort(net.ErrClosed, true)
	case stateEstablished, stateCloseWait:
		c.CloseWrite()
	}
	return nil
}

func (c *TCPConn) LocalAddr() net.Addr  { return net.TCPAddrFromAddrPort(c.key.local) }
func (c *TCPConn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.key.remote) }

func (c *TCPConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	c.SetWriteDeadline(t)
	return nil
}

func (c *TCPConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *TCPConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	c.sendCond.Broadcast()
	return nil
}

// TCPListener accepts inbound virtual connections on one port.
type TCPListener struct {
	stack     *Stack
	port      uint16
	incoming  chan *TCPConn
	closed    chan struct{}
	closeOnce sync.Once
}

// ListenTCP binds a virtual TCP port for inbound connections.
func (s *Stack) ListenTCP(port uint16) (*TCPListener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStackClosed
	}
	if _, taken := s.tcpListeners[port]; taken {
		return nil, errors.New("netstack: TCP port already bound")
	}
	ln := &TCPListener{
		stack:    s,
		port:     port,
		incoming: make(chan *TCPConn, 16),
		closed:   make(chan struct{}),
	}
	s.tcpListeners[port] = ln
	return ln, nil
}

func (l *TCPListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *TCPListener) Close() error {
	l.closeOnce.Do(func() {
		l.stack.mu.Lock()
		delete(l.stack.tcpListeners, l.port)
		l.stack.mu.Unlock()
		close(l.closed)
	})
	return nil
}

func (l *TCPListener) Addr() net.Addr {
	addr := l.stack.addr4
	if !addr.IsValid() {
		addr = l.stack.addr6
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(addr, l.port))
}
