package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/wgfwd/wgfwd-go/conn"
	"github.com/wgfwd/wgfwd-go/wgproto"
	"go.uber.org/zap/zaptest"
)

func generateTestPSK(t *testing.T) (psk wgproto.NoisePresharedKey) {
	t.Helper()
	if _, err := rand.Read(psk[:]); err != nil {
		t.Fatal(err)
	}
	return
}

// startTCPEcho starts a TCP echo server that copies each connection
// back onto itself and half-closes on EOF.
func startTCPEcho(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).AddrPort()
}

// startUDPEcho starts a UDP echo server that reflects each datagram to
// its sender.
func startUDPEcho(t *testing.T) netip.AddrPort {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	uc := pc.(*net.UDPConn)
	go func() {
		b := make([]byte, 65535)
		for {
			n, addrPort, err := uc.ReadFromUDPAddrPort(b)
			if err != nil {
				return
			}
			uc.WriteToUDPAddrPort(b[:n], addrPort)
		}
	}()
	return uc.LocalAddr().(*net.UDPAddr).AddrPort()
}

func TestTunnelEndToEnd(t *testing.T) {
	logger := zaptest.NewLogger(t)
	defer logger.Sync()
	ctx := context.Background()

	tcpEchoAddrPort := startTCPEcho(t)
	udpEchoAddrPort := startUDPEcho(t)

	privLeft, err := wgproto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	privRight, err := wgproto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	psk := generateTestPSK(t)

	leftConfig := TunnelConfig{
		Name:          "left",
		PrivateKey:    privLeft,
		PeerPublicKey: privRight.PublicKey(),
		PresharedKey:  psk,
		Endpoint:      conn.AddrFromIPPort(netip.AddrPortFrom(netip.IPv6Loopback(), 20401)),
		ListenAddress: ":20400",
		Address4:      netip.MustParseAddr("10.86.0.1"),
		Forwards: []ForwardConfig{
			{Protocol: "tcp", ListenAddress: "127.0.0.1:20410", RemoteAddress: netip.MustParseAddrPort("10.86.0.2:7000")},
			{Protocol: "udp", ListenAddress: "127.0.0.1:20411", RemoteAddress: netip.MustParseAddrPort("10.86.0.2:7001")},
		},
	}
	rightConfig := TunnelConfig{
		Name:          "right",
		PrivateKey:    privRight,
		PeerPublicKey: privLeft.PublicKey(),
		PresharedKey:  psk,
		Endpoint:      conn.AddrFromIPPort(netip.AddrPortFrom(netip.IPv6Loopback(), 20400)),
		ListenAddress: ":20401",
		Address4:      netip.MustParseAddr("10.86.0.2"),
		Exposes: []ExposeConfig{
			{Protocol: "tcp", Port: 7000, LocalAddress: conn.AddrFromIPPort(tcpEchoAddrPort)},
			{Protocol: "udp", Port: 7001, LocalAddress: conn.AddrFromIPPort(udpEchoAddrPort)},
		},
	}

	// The right side goes first so the left side's opening handshake
	// initiation finds a listening socket.
	sc := Config{Tunnels: []TunnelConfig{rightConfig, leftConfig}}
	m, err := sc.Manager(logger)
	if err != nil {
		t.Fatal(err)
	}
	if err = m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	t.Run("TCP", func(t *testing.T) {
		c, err := net.Dial("tcp", "127.0.0.1:20410")
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		payload := make([]byte, 32*1024)
		if _, err := rand.Read(payload); err != nil {
			t.Fatal(err)
		}

		writeErrCh := make(chan error, 1)
		go func() {
			if _, err := c.Write(payload); err != nil {
				writeErrCh <- err
				return
			}
			writeErrCh <- c.(*net.TCPConn).CloseWrite()
		}()

		c.SetReadDeadline(time.Now().Add(time.Minute))
		got, err := io.ReadAll(c)
		if err != nil {
			t.Fatal(err)
		}
		if err := <-writeErrCh; err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("echoed %d bytes, sent %d bytes, content equal: %v", len(got), len(payload), bytes.Equal(got, payload))
		}
	})

	t.Run("UDP", func(t *testing.T) {
		uc, err := net.Dial("udp", "127.0.0.1:20411")
		if err != nil {
			t.Fatal(err)
		}
		defer uc.Close()

		msg := []byte("ping through the tunnel")
		reply := make([]byte, 512)

		// Datagrams are fire-and-forget at every hop, so retry a few
		// times before declaring the path broken.
		for attempt := 0; ; attempt++ {
			if _, err := uc.Write(msg); err != nil {
				t.Fatal(err)
			}
			uc.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := uc.Read(reply)
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) && attempt < 5 {
					continue
				}
				t.Fatal(err)
			}
			if !bytes.Equal(reply[:n], msg) {
				t.Fatalf("reply = %q, want %q", reply[:n], msg)
			}
			break
		}
	})
}

func TestTunnelConfigValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	defer logger.Sync()

	valid := func() TunnelConfig {
		priv, err := wgproto.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		peer, err := wgproto.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		return TunnelConfig{
			Name:          "wg0",
			PrivateKey:    priv,
			PeerPublicKey: peer.PublicKey(),
			Endpoint:      conn.AddrFromIPPort(netip.AddrPortFrom(netip.IPv6Loopback(), 51820)),
			Address4:      netip.MustParseAddr("10.0.0.1"),
		}
	}

	validConfig := valid()
	if _, err := validConfig.Tunnel(logger); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	for _, c := range []struct {
		name   string
		mutate func(*TunnelConfig)
	}{
		{"MissingEndpoint", func(tc *TunnelConfig) { tc.Endpoint = conn.Addr{} }},
		{"MTUTooSmall", func(tc *TunnelConfig) { tc.MTU = 1000 }},
		{"NoVirtualAddress", func(tc *TunnelConfig) { tc.Address4 = netip.Addr{} }},
		{"Address4NotIPv4", func(tc *TunnelConfig) { tc.Address4 = netip.MustParseAddr("fd00::1") }},
		{"Address6NotIPv6", func(tc *TunnelConfig) { tc.Address6 = netip.MustParseAddr("10.0.0.2") }},
		{"ZeroPrivateKey", func(tc *TunnelConfig) { tc.PrivateKey = wgproto.NoisePrivateKey{} }},
		{"BadListenNetwork", func(tc *TunnelConfig) { tc.ListenNetwork = "tcp" }},
		{"BadForwardProtocol", func(tc *TunnelConfig) {
			tc.Forwards = []ForwardConfig{{Protocol: "icmp", ListenAddress: ":1", RemoteAddress: netip.MustParseAddrPort("10.0.0.2:1")}}
		}},
		{"ForwardMissingRemote", func(tc *TunnelConfig) {
			tc.Forwards = []ForwardConfig{{Protocol: "tcp", ListenAddress: ":1"}}
		}},
		{"ExposeMissingPort", func(tc *TunnelConfig) {
			tc.Exposes = []ExposeConfig{{Protocol: "tcp", LocalAddress: conn.AddrFromIPPort(netip.MustParseAddrPort("127.0.0.1:80"))}}
		}},
		{"NegativeUDPIdleTimeout", func(tc *TunnelConfig) { tc.UDPIdleTimeout = -1 }},
	} {
		t.Run(c.name, func(t *testing.T) {
			tc := valid()
			c.mutate(&tc)
			if _, err := tc.Tunnel(logger); err == nil {
				t.Error("expected config error, got nil")
			}
		})
	}
}

// TestTunnelAutomaticRekey shrinks the rekey age threshold and checks
// that an aged session triggers a fresh handshake with no prompting,
// while datagrams keep flowing across the switchover.
func TestTunnelAutomaticRekey(t *testing.T) {
	defer func(d time.Duration) { wgproto.RekeyAfterTime = d }(wgproto.RekeyAfterTime)
	wgproto.RekeyAfterTime = 2 * time.Second

	logger := zaptest.NewLogger(t)
	defer logger.Sync()
	ctx := context.Background()

	udpEchoAddrPort := startUDPEcho(t)

	privLeft, err := wgproto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	privRight, err := wgproto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	psk := generateTestPSK(t)

	leftConfig := TunnelConfig{
		Name:          "left",
		PrivateKey:    privLeft,
		PeerPublicKey: privRight.PublicKey(),
		PresharedKey:  psk,
		Endpoint:      conn.AddrFromIPPort(netip.AddrPortFrom(netip.IPv6Loopback(), 20421)),
		ListenAddress: ":20420",
		Address4:      netip.MustParseAddr("10.87.0.1"),
		Forwards: []ForwardConfig{
			{Protocol: "udp", ListenAddress: "127.0.0.1:20431", RemoteAddress: netip.MustParseAddrPort("10.87.0.2:7001")},
		},
	}
	rightConfig := TunnelConfig{
		Name:          "right",
		PrivateKey:    privRight,
		PeerPublicKey: privLeft.PublicKey(),
		PresharedKey:  psk,
		Endpoint:      conn.AddrFromIPPort(netip.AddrPortFrom(netip.IPv6Loopback(), 20420)),
		ListenAddress: ":20421",
		Address4:      netip.MustParseAddr("10.87.0.2"),
		Exposes: []ExposeConfig{
			{Protocol: "udp", Port: 7001, LocalAddress: conn.AddrFromIPPort(udpEchoAddrPort)},
		},
	}

	right, err := rightConfig.Tunnel(logger)
	if err != nil {
		t.Fatal(err)
	}
	left, err := leftConfig.Tunnel(logger)
	if err != nil {
		t.Fatal(err)
	}
	if err = right.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer right.Stop()
	if err = left.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer left.Stop()

	uc, err := net.Dial("udp", "127.0.0.1:20431")
	if err != nil {
		t.Fatal(err)
	}
	defer uc.Close()

	msg := []byte("still alive")
	reply := make([]byte, 512)
	echo := func() bool {
		if _, err := uc.Write(msg); err != nil {
			t.Fatal(err)
		}
		uc.SetReadDeadline(time.Now().Add(time.Second))
		n, err := uc.Read(reply)
		return err == nil && bytes.Equal(reply[:n], msg)
	}

	setupDeadline := time.Now().Add(15 * time.Second)
	for !echo() {
		if time.Now().After(setupDeadline) {
			t.Fatal("no echo before the first handshake settled")
		}
	}
	first := left.engine.LastHandshake()
	if first.IsZero() {
		t.Fatal("echo succeeded without a completed handshake")
	}

	// Keep traffic moving and wait for the session to age out.
	rekeyDeadline := time.Now().Add(30 * time.Second)
	for !left.engine.LastHandshake().After(first) {
		if time.Now().After(rekeyDeadline) {
			t.Fatal("aged session never triggered a new handshake")
		}
		echo()
		time.Sleep(100 * time.Millisecond)
	}

	// The rotated session carries traffic too.
	finalDeadline := time.Now().Add(10 * time.Second)
	for !echo() {
		if time.Now().After(finalDeadline) {
			t.Fatal("no echo after rekey")
		}
	}
}
