package netstack

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"
)

var (
	testAddrA = netip.MustParseAddr("10.123.0.1")
	testAddrB = netip.MustParseAddr("10.123.0.2")
)

// mangler rewrites the packet flow in one direction: it may reorder,
// duplicate, or drop. nil means deliver as-is.
type mangler func(pkt []byte) [][]byte

// linkStacks builds two stacks wired back to back through channel
// pumps, so outputs never re-enter a stack synchronously.
func linkStacks(t *testing.T, mtu int, idle time.Duration, aToB, bToA mangler) (a, b *Stack) {
	t.Helper()

	aOut := make(chan []byte, 4096)
	bOut := make(chan []byte, 4096)
	done := make(chan struct{})

	var err error
	a, err = New(Config{
		Addr4:          testAddrA,
		MTU:            mtu,
		TCPIdleTimeout: idle,
		Output: func(pkt []byte) {
			select {
			case aOut <- append([]byte(nil), pkt...):
			case <-done:
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err = New(Config{
		Addr4:          testAddrB,
		MTU:            mtu,
		TCPIdleTimeout: idle,
		Output: func(pkt []byte) {
			select {
			case bOut <- append([]byte(nil), pkt...):
			case <-done:
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	pump := func(src chan []byte, dst *Stack, m mangler) {
		for {
			select {
			case pkt := <-src:
				if m == nil {
					dst.Inject(pkt)
					continue
				}
				for _, p := range m(pkt) {
					dst.Inject(p)
				}
			case <-done:
				return
			}
		}
	}
	go pump(aOut, b, aToB)
	go pump(bOut, a, bToA)

	t.Cleanup(func() {
		close(done)
		a.Close()
		b.Close()
	})
	return
}

func TestTCPConnectTransferClose(t *testing.T) {
	a, b := linkStacks(t, 1420, 0, nil, nil)

	ln, err := b.ListenTCP(80)
	if err != nil {
		t.Fatal(err)
	}

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		// Echo until EOF.
		_, err = io.Copy(conn, conn)
		serverErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := a.DialTCP(ctx, netip.AddrPortFrom(testAddrB, 80))
	if err != nil {
		t.Fatal("DialTCP:", err)
	}

	sent := make([]byte, 8192)
	rand.Read(sent)
	if _, err := conn.Write(sent); err != nil {
		t.Fatal("Write:", err)
	}
	got := make([]byte, len(sent))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal("ReadFull:", err)
	}
	if !bytes.Equal(got, sent) {
		t.Fatal("echoed data differs from sent data")
	}

	conn.(*TCPConn).CloseWrite()
	if err := <-serverErr; err != nil {
		t.Fatal("server copy:", err)
	}
	// Server closed after our FIN; its FIN ends our read side.
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("read after close: err = %v, want io.EOF", err)
	}
}

// TestTCPOrderingUnderReorderAndDuplication checks the central stream
// invariant: bytes come out in order even when packets arrive swapped
// and duplicated.
func TestTCPOrderingUnderReorderAndDuplication(t *testing.T) {
	var held []byte
	swapAndDup := func(pkt []byte) [][]byte {
		if held == nil {
			held = pkt
			return nil
		}
		out := [][]byte{pkt, held, held}
		held = nil
		return out
	}
	// Small MTU forces many segments.
	a, b := linkStacks(t, 256, 0, swapAndDup, nil)

	ln, err := b.ListenTCP(7000)
	if err != nil {
		t.Fatal(err)
	}

	sent := make([]byte, 64<<10)
	rand.Read(sent)

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Error(err)
			received <- nil
			return
		}
		buf := make([]byte, len(sent))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Error(err)
			received <- nil
			return
		}
		received <- buf
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := a.DialTCP(ctx, netip.AddrPortFrom(testAddrB, 7000))
	if err != nil {
		t.Fatal("DialTCP:", err)
	}
	defer conn.Close()

	// Many small writes, so segments and packets do not line up.
	for off := 0; off < len(sent); off += 1500 {
		end := off + 1500
		if end > len(sent) {
			end = len(sent)
		}
		if _, err := conn.Write(sent[off:end]); err != nil {
			t.Fatal("Write:", err)
		}
	}

	got := <-received
	if !bytes.Equal(got, sent) {
		t.Fatal("received bytes differ from sent bytes")
	}
}

func TestTCPRetransmitAfterLoss(t *testing.T) {
	dropped := false
	dropFirstData := func(pkt []byte) [][]byte {
		if !dropped {
			ip, err := parseIPPacket(pkt)
			if err == nil && ip.proto == protocolTCP {
				if seg, err := parseTCPSegment(ip.src, ip.dst, ip.payload); err == nil && len(seg.payload) > 0 {
					dropped = true
					return nil
				}
			}
		}
		return [][]byte{pkt}
	}
	a, b := linkStacks(t, 1420, 0, dropFirstData, nil)

	ln, err := b.ListenTCP(9000)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := a.DialTCP(ctx, netip.AddrPortFrom(testAddrB, 9000))
	if err != nil {
		t.Fatal("DialTCP:", err)
	}
	defer conn.Close()

	sent := []byte("retransmit me")
	if _, err := conn.Write(sent); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(sent))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal("data not recovered after loss:", err)
	}
	if !bytes.Equal(got, sent) {
		t.Fatal("recovered data differs")
	}
}

func TestTCPConnectRefused(t *testing.T) {
	a, _ := linkStacks(t, 1420, 0, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.DialTCP(ctx, netip.AddrPortFrom(testAddrB, 81))
	if !errors.Is(err, ErrConnectionReset) {
		t.Fatalf("dial to unbound port: err = %v, want ErrConnectionReset", err)
	}
}

func TestTCPDialContextCancel(t *testing.T) {
	blackhole := func(pkt []byte) [][]byte { return nil }
	a, _ := linkStacks(t, 1420, 0, blackhole, blackhole)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := a.DialTCP(ctx, netip.AddrPortFrom(testAddrB, 82))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("dial into black hole: err = %v, want context.DeadlineExceeded", err)
	}
}

func TestTCPResetBypassesBufferedData(t *testing.T) {
	a, b := linkStacks(t, 1420, 0, nil, nil)

	ln, err := b.ListenTCP(8080)
	if err != nil {
		t.Fatal(err)
	}
	accepted := make(chan *TCPConn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn.(*TCPConn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := a.DialTCP(ctx, netip.AddrPortFrom(testAddrB, 8080))
	if err != nil {
		t.Fatal(err)
	}
	server := <-accepted

	if _, err := server.Write([]byte("buffered but never read")); err != nil {
		t.Fatal(err)
	}
	// Give the data time to land in the client's receive queue, then
	// reset from the server side.
	time.Sleep(100 * time.Millisecond)
	server.abort(ErrConnectionReset, true)
	time.Sleep(100 * time.Millisecond)

	if _, err := conn.Read(make([]byte, 64)); !errors.Is(err, ErrConnectionReset) {
		t.Fatalf("read after reset: err = %v, want ErrConnectionReset", err)
	}
}

func TestTCPIdleTimeout(t *testing.T) {
	a, b := linkStacks(t, 1420, 100*time.Millisecond, nil, nil)

	ln, err := b.ListenTCP(8081)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		ln.Accept()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := a.DialTCP(ctx, netip.AddrPortFrom(testAddrB, 8081))
	if err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	if !errors.Is(err, ErrConnectionTimeout) && !errors.Is(err, ErrConnectionReset) {
		t.Fatalf("read on idle conn: err = %v, want timeout or reset", err)
	}
}

func TestUDPRoundTrip(t *testing.T) {
	a, b := linkStacks(t, 1420, 0, nil, nil)

	server, err := b.ListenUDP(53)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := server.ReadFrom(buf)
			if err != nil {
				return
			}
			server.WriteTo(buf[:n], from)
		}
	}()

	client, err := a.DialUDP(netip.AddrPortFrom(testAddrB, 53))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if p := client.LocalAddr().Port(); p < portRangeFirst || p > portRangeLast {
		t.Errorf("virtual source port %d outside ephemeral range", p)
	}

	sent := []byte("who is example.com")
	if _, err := client.Write(sent); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 2048)
	n, err := client.Read(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:n], sent) {
		t.Fatalf("echoed %q, want %q", got[:n], sent)
	}
}

func TestUDPNoEndpointDropped(t *testing.T) {
	_, b := linkStacks(t, 1420, 0, nil, nil)

	// A datagram to an unbound port is dropped without a response.
	pkt := buildTestUDPPacket(t, testAddrA, 1234, testAddrB, 9999, []byte("nobody home"))
	if err := b.Inject(pkt); err == nil {
		t.Fatal("expected drop error for unbound UDP port")
	}
}

func buildTestUDPPacket(t *testing.T, src netip.Addr, srcPort uint16, dst netip.Addr, dstPort uint16, payload []byte) []byte {
	t.Helper()
	pktCh := make(chan []byte, 1)
	s, err := New(Config{Addr4: src, Output: func(p []byte) { pktCh <- append([]byte(nil), p...) }})
	if err != nil {
		t.Fatal(err)
	}
	c := &UDPConn{stack: s, local: netip.AddrPortFrom(src, srcPort), closed: make(chan struct{})}
	if _, err := c.WriteTo(payload, netip.AddrPortFrom(dst, dstPort)); err != nil {
		t.Fatal(err)
	}
	return <-pktCh
}

func TestPortPoolAllocateRelease(t *testing.T) {
	var p portPool
	seen := make(map[uint16]struct{})
	for range 1000 {
		port, err := p.allocate()
		if err != nil {
			t.Fatal(err)
		}
		if port < portRangeFirst || port > portRangeLast {
			t.Fatalf("port %d outside range", port)
		}
		if _, dup := seen[port]; dup {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = struct{}{}
	}
	for port := range seen {
		p.release(port)
	}
	if _, err := p.allocate(); err != nil {
		t.Fatal("allocation failed after release:", err)
	}
}

// tcpFlagsOf extracts the TCP flags byte from an IPv4 packet.
func tcpFlagsOf(pkt []byte) byte {
	ihl := int(pkt[0]&0x0f) * 4
	return pkt[ihl+13]
}

// TestTCPTimeWaitAcksRetransmittedFin covers the lost-final-ACK case: a
// peer stuck in LAST-ACK retransmits its FIN, and the side in TIME-WAIT
// must answer with a fresh ACK instead of staying silent.
func TestTCPTimeWaitAcksRetransmittedFin(t *testing.T) {
	var mu sync.Mutex
	var fromA, fromB [][]byte
	record := func(dst *[][]byte) mangler {
		return func(pkt []byte) [][]byte {
			mu.Lock()
			*dst = append(*dst, append([]byte(nil), pkt...))
			mu.Unlock()
			return [][]byte{pkt}
		}
	}
	a, b := linkStacks(t, 1420, 0, record(&fromA), record(&fromB))

	ln, err := b.ListenTCP(9100)
	if err != nil {
		t.Fatal(err)
	}
	serverClosed := make(chan struct{})
	go func() {
		defer close(serverClosed)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(io.Discard, conn)
		conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := a.DialTCP(ctx, netip.AddrPortFrom(testAddrB, 9100))
	if err != nil {
		t.Fatal(err)
	}

	// The client closes first, so it sits in TIME-WAIT once it has
	// acknowledged the server's FIN.
	conn.Close()
	<-serverClosed
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	var fin []byte
	for i := len(fromB) - 1; i >= 0; i-- {
		if tcpFlagsOf(fromB[i])&tcpFlagFIN != 0 {
			fin = append([]byte(nil), fromB[i]...)
			break
		}
	}
	sent := len(fromA)
	mu.Unlock()
	if fin == nil {
		t.Fatal("no FIN observed from the server side")
	}

	// Redeliver the server's FIN as if the client's final ACK had been
	// lost.
	if err := a.Inject(fin); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		var acked bool
		for _, pkt := range fromA[sent:] {
			flags := tcpFlagsOf(pkt)
			if flags&tcpFlagACK != 0 && flags&(tcpFlagSYN|tcpFlagFIN|tcpFlagRST) == 0 {
				acked = true
			}
		}
		mu.Unlock()
		if acked {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("retransmitted FIN not acknowledged in TIME-WAIT")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
