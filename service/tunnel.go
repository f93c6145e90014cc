package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wgfwd/wgfwd-go/conn"
	"github.com/wgfwd/wgfwd-go/jsonhelper"
	"github.com/wgfwd/wgfwd-go/netstack"
	"github.com/wgfwd/wgfwd-go/slicehelper"
	"github.com/wgfwd/wgfwd-go/wgproto"
	"go.uber.org/zap"
)

// maintenanceInterval is the resolution of the tunnel's timer loop,
// which drives handshake retransmissions, keepalives and cookie secret
// rotation. All protocol deadlines are far coarser than this.
const maintenanceInterval = 250 * time.Millisecond

// TunnelConfig stores the configuration of a single WireGuard tunnel
// and its forward and expose rules.
type TunnelConfig struct {
	// Name is the tunnel's name.
	Name string `json:"name"`

	// PrivateKey is our private key in base64.
	PrivateKey wgproto.NoisePrivateKey `json:"privateKey"`

	// PeerPublicKey is the peer's public key in base64.
	PeerPublicKey wgproto.NoisePublicKey `json:"peerPublicKey"`

	// PresharedKey is the optional preshared key in base64.
	PresharedKey wgproto.NoisePresharedKey `json:"presharedKey"`

	// Endpoint is the peer's UDP endpoint. Domain names are resolved
	// when the tunnel starts.
	Endpoint conn.Addr `json:"endpoint"`

	// ListenNetwork is the network of the tunnel's UDP socket.
	//
	// Available values: "udp", "udp4", "udp6". The default is "udp".
	ListenNetwork string `json:"listenNetwork"`

	// ListenAddress is the address the tunnel's UDP socket binds to.
	// The default is a wildcard address with an ephemeral port.
	ListenAddress string `json:"listenAddress"`

	// Fwmark sets the socket's fwmark on Linux.
	//
	// Available on Linux.
	Fwmark int `json:"fwmark"`

	// TrafficClass sets the traffic class of the socket.
	TrafficClass int `json:"trafficClass"`

	// Address4 is our IPv4 address inside the tunnel.
	Address4 netip.Addr `json:"address4"`

	// Address6 is our IPv6 address inside the tunnel.
	Address6 netip.Addr `json:"address6"`

	// MTU is the tunnel MTU, bounding the size of tunneled IP packets.
	// The default is 1420.
	MTU int `json:"mtu"`

	// KeepaliveInterval enables persistent keepalives at the given
	// interval. Zero leaves only the protocol's passive keepalives.
	KeepaliveInterval jsonhelper.Duration `json:"keepaliveInterval"`

	// TCPIdleTimeout is the idle timeout of tunneled TCP connections.
	// The default is 5m.
	TCPIdleTimeout jsonhelper.Duration `json:"tcpIdleTimeout"`

	// UDPIdleTimeout is the idle timeout of tunneled UDP flows.
	// The default is 60s.
	UDPIdleTimeout jsonhelper.Duration `json:"udpIdleTimeout"`

	// Forwards carry connections from local listening sockets to
	// destinations reachable through the tunnel.
	Forwards []ForwardConfig `json:"forwards"`

	// Exposes make local services reachable on virtual ports inside
	// the tunnel.
	Exposes []ExposeConfig `json:"exposes"`

	PerfConfig
}

// ForwardConfig describes one local-to-tunnel forwarding rule.
type ForwardConfig struct {
	// Protocol is "tcp" or "udp".
	Protocol string `json:"protocol"`

	// ListenAddress is the local address to listen on.
	ListenAddress string `json:"listenAddress"`

	// RemoteAddress is the destination inside the tunnel.
	RemoteAddress netip.AddrPort `json:"remoteAddress"`
}

// ExposeConfig describes one tunnel-to-local exposure rule.
type ExposeConfig struct {
	// Protocol is "tcp" or "udp".
	Protocol string `json:"protocol"`

	// Port is the virtual port to accept tunneled connections on.
	Port uint16 `json:"port"`

	// LocalAddress is the local service to hand connections to.
	LocalAddress conn.Addr `json:"localAddress"`
}

// queuedPacket is an IP packet queued for encryption and transmission.
type queuedPacket struct {
	buf []byte
}

type tunnel struct {
	name              string
	listenNetwork     string
	listenAddress     string
	endpoint          conn.Addr
	lso               conn.ListenerSocketOptions
	mtu               int
	maxPacketSize     int
	keepaliveInterval time.Duration
	udpIdleTimeout    time.Duration
	tcpIdleTimeout    time.Duration
	sendChanCap       int
	addr4             netip.Addr
	addr6             netip.Addr
	forwards          []ForwardConfig
	exposes           []ExposeConfig
	logger            *zap.Logger

	engine *wgproto.Engine
	stack  *netstack.Stack
	wgConn *net.UDPConn

	peerAddrPort atomic.Value // netip.AddrPort
	lastSend     atomic.Int64 // unix nanos
	lastRecvData atomic.Int64 // unix nanos

	sendCh      chan queuedPacket
	handshakeCh chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	subservices []Service
}

// Tunnel creates a tunnel service from the tunnel config.
func (tc *TunnelConfig) Tunnel(logger *zap.Logger) (*tunnel, error) {
	switch tc.ListenNetwork {
	case "":
		tc.ListenNetwork = "udp"
	case "udp", "udp4", "udp6":
	default:
		return nil, fmt.Errorf("invalid listen network: %s", tc.ListenNetwork)
	}

	if !tc.Endpoint.IsValid() {
		return nil, errors.New("missing endpoint")
	}

	switch {
	case tc.MTU == 0:
		tc.MTU = defaultMTU
	case tc.MTU < minimumMTU:
		return nil, ErrMTUTooSmall
	}

	if !tc.Address4.IsValid() && !tc.Address6.IsValid() {
		return nil, errors.New("at least one of address4 and address6 is required")
	}
	if tc.Address4.IsValid() && !tc.Address4.Is4() {
		return nil, fmt.Errorf("address4 is not an IPv4 address: %s", tc.Address4)
	}
	if tc.Address6.IsValid() && (!tc.Address6.Is6() || tc.Address6.Is4In6()) {
		return nil, fmt.Errorf("address6 is not an IPv6 address: %s", tc.Address6)
	}

	if err := tc.PerfConfig.CheckAndApplyDefaults(); err != nil {
		return nil, err
	}

	tcpIdleTimeout := time.Duration(tc.TCPIdleTimeout)
	switch {
	case tcpIdleTimeout == 0:
		tcpIdleTimeout = defaultTCPIdleTimeout
	case tcpIdleTimeout < 0:
		return nil, fmt.Errorf("negative TCP idle timeout: %s", tcpIdleTimeout)
	}

	udpIdleTimeout := time.Duration(tc.UDPIdleTimeout)
	switch {
	case udpIdleTimeout == 0:
		udpIdleTimeout = defaultUDPIdleTimeout
	case udpIdleTimeout < 0:
		return nil, fmt.Errorf("negative UDP idle timeout: %s", udpIdleTimeout)
	}

	for i := range tc.Forwards {
		f := &tc.Forwards[i]
		switch f.Protocol {
		case "tcp", "udp":
		default:
			return nil, fmt.Errorf("forward %d: invalid protocol: %s", i, f.Protocol)
		}
		if f.ListenAddress == "" {
			return nil, fmt.Errorf("forward %d: missing listen address", i)
		}
		if !f.RemoteAddress.IsValid() {
			return nil, fmt.Errorf("forward %d: missing remote address", i)
		}
	}

	for i := range tc.Exposes {
		x := &tc.Exposes[i]
		switch x.Protocol {
		case "tcp", "udp":
		default:
			return nil, fmt.Errorf("expose %d: invalid protocol: %s", i, x.Protocol)
		}
		if x.Port == 0 {
			return nil, fmt.Errorf("expose %d: missing port", i)
		}
		if !x.LocalAddress.IsValid() {
			return nil, fmt.Errorf("expose %d: missing local address", i)
		}
	}

	engine, err := wgproto.NewEngine(tc.PrivateKey, tc.PeerPublicKey, tc.PresharedKey)
	if err != nil {
		return nil, err
	}

	return &tunnel{
		name:          tc.Name,
		listenNetwork: tc.ListenNetwork,
		listenAddress: tc.ListenAddress,
		endpoint:      tc.Endpoint,
		lso: conn.ListenerSocketOptions{
			Fwmark:       tc.Fwmark,
			TrafficClass: tc.TrafficClass,
		},
		mtu:               tc.MTU,
		maxPacketSize:     tc.MTU + WireGuardDataPacketOverhead,
		keepaliveInterval: time.Duration(tc.KeepaliveInterval),
		udpIdleTimeout:    udpIdleTimeout,
		tcpIdleTimeout:    tcpIdleTimeout,
		sendChanCap:       tc.SendChannelCapacity,
		addr4:             tc.Address4,
		addr6:             tc.Address6,
		forwards:          tc.Forwards,
		exposes:           tc.Exposes,
		logger:            logger,
		engine:            engine,
	}, nil
}

// String implements [Service.String].
func (t *tunnel) String() string {
	return "tunnel service " + t.name
}

// Start implements [Service.Start].
func (t *tunnel) Start(ctx context.Context) error {
	peerAddrPort, err := t.endpoint.ResolveIPPort(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve endpoint %s: %w", t.endpoint, err)
	}
	t.peerAddrPort.Store(peerAddrPort)

	wgConn, err := conn.ListenUDP(ctx, t.listenNetwork, t.listenAddress, t.lso)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.listenAddress, err)
	}
	t.wgConn = wgConn

	stack, err := netstack.New(netstack.Config{
		Addr4:          t.addr4,
		Addr6:          t.addr6,
		MTU:            t.mtu,
		Output:         t.enqueue,
		TCPIdleTimeout: t.tcpIdleTimeout,
	})
	if err != nil {
		wgConn.Close()
		return fmt.Errorf("failed to create virtual stack: %w", err)
	}
	t.stack = stack

	t.sendCh = make(chan queuedPacket, t.sendChanCap)
	t.handshakeCh = make(chan struct{}, 1)
	t.stopCh = make(chan struct{})

	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		t.recvLoop()
	}()
	go func() {
		defer t.wg.Done()
		t.sendLoop()
	}()
	go func() {
		defer t.wg.Done()
		t.maintenanceLoop()
	}()

	for i := range t.forwards {
		f := &t.forwards[i]
		var s Service
		switch f.Protocol {
		case "tcp":
			s = &tcpForwardService{tunnel: t, rule: f, logger: t.logger}
		case "udp":
			s = &udpForwardService{tunnel: t, rule: f, logger: t.logger}
		}
		t.subservices = append(t.subservices, s)
	}

	for i := range t.exposes {
		x := &t.exposes[i]
		var s Service
		switch x.Protocol {
		case "tcp":
			s = &tcpExposeService{tunnel: t, rule: x, logger: t.logger}
		case "udp":
			s = &udpExposeService{tunnel: t, rule: x, logger: t.logger}
		}
		t.subservices = append(t.subservices, s)
	}

	for _, s := range t.subservices {
		if err := s.Start(ctx); err != nil {
			t.Stop()
			return fmt.Errorf("failed to start %s: %w", s.String(), err)
		}
	}

	// Bring the session up eagerly so the first forwarded packet does
	// not eat a handshake round trip.
	t.requestHandshake()

	t.logger.Info("Started tunnel service",
		zap.String("tunnel", t.name),
		zap.Stringer("listenAddress", wgConn.LocalAddr()),
		zap.Stringer("endpoint", &t.endpoint),
		zap.Int("mtu", t.mtu),
	)
	return nil
}

// enqueue hands an IP packet emitted by the virtual stack to the send
// loop. The channel is bounded; when it is full the packet is dropped
// and TCP retransmission recovers the data.
func (t *tunnel) enqueue(pkt []byte) {
	select {
	case t.sendCh <- queuedPacket{pkt}:
	default:
		if ce := t.logger.Check(zap.DebugLevel, "Dropped outbound packet: send channel full"); ce != nil {
			ce.Write(
				zap.String("tunnel", t.name),
				zap.Int("packetLength", len(pkt)),
			)
		}
	}
}

func (t *tunnel) sendLoop() {
	for {
		select {
		case <-t.stopCh:
			return
		case qp := <-t.sendCh:
			t.encryptAndSend(qp.buf)
		}
	}
}

// encryptAndSend seals one IP packet into a transport message on the
// current session and writes it to the peer. Without a usable session
// the packet is dropped and a handshake is requested instead.
func (t *tunnel) encryptAndSend(pkt []byte) {
	session := t.engine.Current()
	if session == nil || session.Expired() {
		t.requestHandshake()
		if ce := t.logger.Check(zap.DebugLevel, "Dropped outbound packet: no usable session"); ce != nil {
			ce.Write(
				zap.String("tunnel", t.name),
				zap.Int("packetLength", len(pkt)),
			)
		}
		return
	}

	// Pad to a multiple of 16 with zero bytes before sealing.
	paddedLen := wgproto.PaddedLen(len(pkt), t.mtu)
	plaintext, pad := slicehelper.Extend(pkt, paddedLen-len(pkt))
	clear(pad)

	out := make([]byte, wgproto.MessageTransportHeaderSize, wgproto.MessageTransportSize+paddedLen)
	msg, err := session.Encrypt(out, plaintext)
	if err != nil {
		t.requestHandshake()
		if ce := t.logger.Check(zap.DebugLevel, "Dropped outbound packet: encryption failed"); ce != nil {
			ce.Write(
				zap.String("tunnel", t.name),
				zap.Error(err),
			)
		}
		return
	}

	t.writeToPeer(msg)

	if session.NeedsRekey() {
		t.requestHandshake()
	}
}

// writeToPeer sends a marshaled protocol message to the peer endpoint.
func (t *tunnel) writeToPeer(msg []byte) {
	t.writeTo(msg, t.peerAddrPort.Load().(netip.AddrPort))
}

func (t *tunnel) writeTo(msg []byte, addrPort netip.AddrPort) {
	if _, err := t.wgConn.WriteToUDPAddrPort(msg, addrPort); err != nil {
		t.logger.Warn("Failed to write to peer",
			zap.String("tunnel", t.name),
			zap.Stringer("peerAddress", addrPort),
			zap.Error(err),
		)
		return
	}
	t.lastSend.Store(time.Now().UnixNano())
}

func (t *tunnel) recvLoop() {
	recvBuf := make([]byte, max(t.maxPacketSize, wgproto.MessageInitiationSize))

	for {
		n, addrPort, err := t.wgConn.ReadFromUDPAddrPort(recvBuf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			t.logger.Warn("Failed to read from tunnel socket",
				zap.String("tunnel", t.name),
				zap.Error(err),
			)
			continue
		}

		t.handlePacket(recvBuf[:n], addrPort)
	}
}

// handlePacket dispatches one datagram from the tunnel socket by its
// protocol message type.
func (t *tunnel) handlePacket(pkt []byte, src netip.AddrPort) {
	switch wgproto.MessageType(pkt) {
	case wgproto.MessageInitiationType:
		t.handleInitiation(pkt, src)
	case wgproto.MessageResponseType:
		t.handleResponse(pkt, src)
	case wgproto.MessageCookieReplyType:
		if !t.engine.ConsumeCookieReply(pkt) {
			if ce := t.logger.Check(zap.DebugLevel, "Dropped invalid cookie reply"); ce != nil {
				ce.Write(
					zap.String("tunnel", t.name),
					zap.Stringer("sourceAddress", src),
				)
			}
		}
	case wgproto.MessageTransportType:
		t.handleTransport(pkt, src)
	default:
		if ce := t.logger.Check(zap.DebugLevel, "Dropped packet with unknown message type"); ce != nil {
			ce.Write(
				zap.String("tunnel", t.name),
				zap.Stringer("sourceAddress", src),
				zap.Int("packetLength", len(pkt)),
			)
		}
	}
}

func (t *tunnel) handleInitiation(pkt []byte, src netip.AddrPort) {
	resp, err := t.engine.ConsumeInitiation(pkt, addrPortBytes(src))
	if err != nil {
		// Under initiation flood, make the sender prove address
		// ownership before doing more handshake work.
		if errors.Is(err, wgproto.ErrRateLimited) {
			if reply, rerr := t.engine.CreateCookieReply(pkt, addrPortBytes(src)); rerr == nil {
				t.writeTo(reply, src)
			}
		}
		if ce := t.logger.Check(zap.DebugLevel, "Dropped handshake initiation"); ce != nil {
			ce.Write(
				zap.String("tunnel", t.name),
				zap.Stringer("sourceAddress", src),
				zap.Error(err),
			)
		}
		return
	}

	t.updatePeerAddrPort(src)
	t.writeToPeer(resp)

	t.logger.Info("Handshake initiation from peer, sent response",
		zap.String("tunnel", t.name),
		zap.Stringer("sourceAddress", src),
	)
}

func (t *tunnel) handleResponse(pkt []byte, src netip.AddrPort) {
	session, err := t.engine.ConsumeResponse(pkt)
	if err != nil {
		if ce := t.logger.Check(zap.DebugLevel, "Dropped handshake response"); ce != nil {
			ce.Write(
				zap.String("tunnel", t.name),
				zap.Stringer("sourceAddress", src),
				zap.Error(err),
			)
		}
		return
	}

	t.updatePeerAddrPort(src)

	// A keepalive on the fresh session doubles as its confirmation for
	// the responder, letting it retire the old keypair.
	t.sendKeepaliveOn(session)

	t.logger.Info("Completed handshake",
		zap.String("tunnel", t.name),
		zap.Stringer("sourceAddress", src),
		zap.Uint32("localIndex", session.LocalIndex()),
		zap.Uint32("remoteIndex", session.RemoteIndex()),
	)
}

func (t *tunnel) handleTransport(pkt []byte, src netip.AddrPort) {
	if len(pkt) < wgproto.MessageTransportSize {
		return
	}
	receiver := binary.LittleEndian.Uint32(pkt[wgproto.MessageTransportOffsetReceiver:])
	session := t.engine.Lookup(receiver)
	if session == nil {
		if ce := t.logger.Check(zap.DebugLevel, "Dropped transport packet for unknown receiver"); ce != nil {
			ce.Write(
				zap.String("tunnel", t.name),
				zap.Stringer("sourceAddress", src),
				zap.Uint32("receiverIndex", receiver),
			)
		}
		return
	}

	plaintext, err := session.Decrypt(make([]byte, 0, len(pkt)), pkt)
	if err != nil {
		if errors.Is(err, wgproto.ErrSessionExpired) {
			t.requestHandshake()
		}
		if ce := t.logger.Check(zap.DebugLevel, "Dropped undecryptable transport packet"); ce != nil {
			ce.Write(
				zap.String("tunnel", t.name),
				zap.Stringer("sourceAddress", src),
				zap.Error(err),
			)
		}
		return
	}

	t.engine.Confirm(session)
	t.updatePeerAddrPort(src)

	if len(plaintext) == 0 {
		// Keepalive.
		return
	}
	t.lastRecvData.Store(time.Now().UnixNano())

	if err := t.stack.Inject(plaintext); err != nil {
		if ce := t.logger.Check(zap.DebugLevel, "Dropped unroutable tunneled packet"); ce != nil {
			ce.Write(
				zap.String("tunnel", t.name),
				zap.Error(err),
			)
		}
	}
}

// updatePeerAddrPort tracks peer endpoint roaming. Only packets that
// passed authentication may move the endpoint.
func (t *tunnel) updatePeerAddrPort(src netip.AddrPort) {
	current := t.peerAddrPort.Load().(netip.AddrPort)
	if !conn.AddrPortMappedEqual(current, src) {
		t.peerAddrPort.Store(src)
		t.logger.Info("Peer endpoint changed",
			zap.String("tunnel", t.name),
			zap.Stringer("oldAddress", current),
			zap.Stringer("newAddress", src),
		)
	}
}

// requestHandshake nudges the maintenance loop to (re)initiate.
func (t *tunnel) requestHandshake() {
	select {
	case t.handshakeCh <- struct{}{}:
	default:
	}
}

// sendKeepaliveOn encrypts and sends an empty transport message on the
// given session.
func (t *tunnel) sendKeepaliveOn(session *wgproto.Session) {
	out := make([]byte, wgproto.MessageTransportHeaderSize, wgproto.MessageTransportSize)
	msg, err := session.Encrypt(out, nil)
	if err != nil {
		return
	}
	t.writeToPeer(msg)
}

// maintenanceLoop drives the tunnel's time-based behavior: handshake
// initiation and retransmission, passive and persistent keepalives,
// and cookie secret rotation.
func (t *tunnel) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	var (
		pending      bool
		attemptStart time.Time
		lastAttempt  time.Time
		nextDelay    time.Duration
		lastRotation = time.Now()
	)

	for {
		select {
		case <-t.stopCh:
			return
		case <-t.handshakeCh:
			if !pending {
				pending = true
				attemptStart = time.Now()
				lastAttempt = time.Time{}
				nextDelay = 0
			}
		case <-ticker.C:
		}

		now := time.Now()

		if now.Sub(lastRotation) >= wgproto.CookieRefreshTime {
			t.engine.RotateCookieSecret()
			lastRotation = now
		}

		if session := t.engine.Current(); session != nil && !pending {
			if session.Expired() || session.NeedsRekey() {
				pending = true
				attemptStart = now
				lastAttempt = time.Time{}
				nextDelay = 0
			}
		}

		if pending {
			if t.engine.LastHandshake().After(attemptStart) {
				// A handshake completed since the attempt began.
				pending = false
			} else if now.Sub(attemptStart) >= wgproto.RekeyAttemptTime {
				t.logger.Warn("Giving up on handshake: peer unreachable",
					zap.String("tunnel", t.name),
					zap.Stringer("peerAddress", t.peerAddrPort.Load().(netip.AddrPort)),
					zap.Duration("attemptDuration", now.Sub(attemptStart)),
				)
				pending = false
			} else if now.Sub(lastAttempt) >= nextDelay {
				t.initiateHandshake()
				lastAttempt = now
				nextDelay = wgproto.RekeyTimeout + time.Duration(rand.IntN(wgproto.RekeyTimeoutJitterMaxMs))*time.Millisecond
			}
		}

		t.maybeKeepalive(now)
	}
}

func (t *tunnel) initiateHandshake() {
	pkt, err := t.engine.CreateInitiation()
	if err != nil {
		t.logger.Warn("Failed to create handshake initiation",
			zap.String("tunnel", t.name),
			zap.Error(err),
		)
		return
	}
	t.writeToPeer(pkt)

	if ce := t.logger.Check(zap.DebugLevel, "Sent handshake initiation"); ce != nil {
		ce.Write(
			zap.String("tunnel", t.name),
			zap.Stringer("peerAddress", t.peerAddrPort.Load().(netip.AddrPort)),
		)
	}
}

// maybeKeepalive sends an empty transport packet when the protocol's
// passive keepalive deadline or the configured persistent keepalive
// interval has passed without other outbound traffic.
func (t *tunnel) maybeKeepalive(now time.Time) {
	session := t.engine.Current()
	if session == nil || session.Expired() {
		return
	}

	lastSend := time.Unix(0, t.lastSend.Load())
	lastRecvData := time.Unix(0, t.lastRecvData.Load())

	passive := lastRecvData.After(lastSend) && now.Sub(lastSend) >= wgproto.KeepaliveTimeout
	persistent := t.keepaliveInterval > 0 && now.Sub(lastSend) >= t.keepaliveInterval

	if passive || persistent {
		t.sendKeepaliveOn(session)
	}
}

// Stop implements [Service.Stop].
func (t *tunnel) Stop() error {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})

	for _, s := range t.subservices {
		if err := s.Stop(); err != nil {
			t.logger.Warn("Failed to stop service",
				zap.String("tunnel", t.name),
				zap.Stringer("service", s),
				zap.Error(err),
			)
		}
	}
	t.subservices = nil

	if t.wgConn != nil {
		t.wgConn.SetReadDeadline(conn.ALongTimeAgo)
	}
	t.wg.Wait()

	if t.stack != nil {
		t.stack.Close()
	}
	t.engine.Close()

	if t.wgConn != nil {
		t.wgConn.Close()
	}
	return nil
}

// addrPortBytes returns the byte representation of a source address
// used in cookie computations.
func addrPortBytes(ap netip.AddrPort) []byte {
	b := ap.Addr().Unmap().AsSlice()
	return binary.BigEndian.AppendUint16(b, ap.Port())
}
