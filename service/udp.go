package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/wgfwd/wgfwd-go/netstack"
	"go.uber.org/zap"
)

// udpForwardService receives datagrams on a local UDP socket and
// forwards them through the tunnel, keeping one virtual flow per
// client address so replies find their way back.
type udpForwardService struct {
	tunnel *tunnel
	rule   *ForwardConfig
	logger *zap.Logger
	uconn  *net.UDPConn
	wg     sync.WaitGroup

	mu    sync.Mutex
	table map[netip.AddrPort]*netstack.UDPConn
}

// String implements [Service.String].
func (s *udpForwardService) String() string {
	return fmt.Sprintf("udp forward service %s -> %s", s.rule.ListenAddress, s.rule.RemoteAddress)
}

// Start implements [Service.Start].
func (s *udpForwardService) Start(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", s.rule.ListenAddress)
	if err != nil {
		return err
	}
	s.uconn = pc.(*net.UDPConn)
	s.table = make(map[netip.AddrPort]*netstack.UDPConn)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recvLoop()
	}()

	s.logger.Info("Started UDP forward",
		zap.String("tunnel", s.tunnel.name),
		zap.Stringer("listenAddress", s.uconn.LocalAddr()),
		zap.Stringer("remoteAddress", s.rule.RemoteAddress),
	)
	return nil
}

func (s *udpForwardService) recvLoop() {
	maxPayload := s.tunnel.mtu - UDPHeaderLength - IPv4HeaderLength
	if s.rule.RemoteAddress.Addr().Is6() {
		maxPayload = s.tunnel.mtu - UDPHeaderLength - IPv6HeaderLength
	}
	recvBuf := make([]byte, 65535)

	for {
		n, clientAddrPort, err := s.uconn.ReadFromUDPAddrPort(recvBuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to read from UDP listener",
				zap.String("tunnel", s.tunnel.name),
				zap.Stringer("listenAddress", s.uconn.LocalAddr()),
				zap.Error(err),
			)
			continue
		}
		if n > maxPayload {
			if ce := s.logger.Check(zap.DebugLevel, "Dropped oversized UDP datagram"); ce != nil {
				ce.Write(
					zap.String("tunnel", s.tunnel.name),
					zap.Stringer("clientAddress", clientAddrPort),
					zap.Int("payloadLength", n),
					zap.Int("maxPayloadLength", maxPayload),
				)
			}
			continue
		}

		clientAddrPort = netip.AddrPortFrom(clientAddrPort.Addr().Unmap(), clientAddrPort.Port())
		vc, err := s.flowFor(clientAddrPort)
		if err != nil {
			s.logger.Warn("Failed to open tunneled UDP flow",
				zap.String("tunnel", s.tunnel.name),
				zap.Stringer("clientAddress", clientAddrPort),
				zap.Error(err),
			)
			continue
		}
		if _, err := vc.Write(recvBuf[:n]); err != nil {
			if ce := s.logger.Check(zap.DebugLevel, "Failed to write to tunneled UDP flow"); ce != nil {
				ce.Write(
					zap.String("tunnel", s.tunnel.name),
					zap.Stringer("clientAddress", clientAddrPort),
					zap.Error(err),
				)
			}
		}
	}
}

// flowFor returns the virtual flow mapped to the client address,
// creating the mapping and its downlink routine on first use.
func (s *udpForwardService) flowFor(clientAddrPort netip.AddrPort) (*netstack.UDPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vc, ok := s.table[clientAddrPort]; ok {
		return vc, nil
	}

	vc, err := s.tunnel.stack.DialUDP(s.rule.RemoteAddress)
	if err != nil {
		return nil, err
	}
	s.table[clientAddrPort] = vc

	s.logger.Info("New UDP session",
		zap.String("tunnel", s.tunnel.name),
		zap.Stringer("clientAddress", clientAddrPort),
		zap.Stringer("remoteAddress", s.rule.RemoteAddress),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relayDownlink(clientAddrPort, vc)
	}()
	return vc, nil
}

// relayDownlink copies replies from the virtual flow back to the
// client until the mapping sits idle past the timeout.
func (s *udpForwardService) relayDownlink(clientAddrPort netip.AddrPort, vc *netstack.UDPConn) {
	defer func() {
		s.mu.Lock()
		delete(s.table, clientAddrPort)
		s.mu.Unlock()
		vc.Close()
	}()

	idleTimeout := s.tunnel.udpIdleTimeout
	recvBuf := make([]byte, 65535)

	for {
		vc.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := vc.Read(recvBuf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) && time.Since(vc.LastActivity()) < idleTimeout {
				// Uplink traffic kept the mapping alive.
				continue
			}
			if ce := s.logger.Check(zap.DebugLevel, "UDP session ended"); ce != nil {
				ce.Write(
					zap.String("tunnel", s.tunnel.name),
					zap.Stringer("clientAddress", clientAddrPort),
					zap.Error(err),
				)
			}
			return
		}
		if _, err := s.uconn.WriteToUDPAddrPort(recvBuf[:n], clientAddrPort); err != nil {
			s.logger.Warn("Failed to write to UDP client",
				zap.String("tunnel", s.tunnel.name),
				zap.Stringer("clientAddress", clientAddrPort),
				zap.Error(err),
			)
		}
	}
}

// Stop implements [Service.Stop].
func (s *udpForwardService) Stop() error {
	if s.uconn == nil {
		return nil
	}
	err := s.uconn.Close()

	s.mu.Lock()
	for _, vc := range s.table {
		vc.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// udpExposeService receives tunneled datagrams on a virtual port and
// relays them to a local service, one local socket per remote flow.
type udpExposeService struct {
	tunnel *tunnel
	rule   *ExposeConfig
	logger *zap.Logger
	vconn  *netstack.UDPConn
	wg     sync.WaitGroup

	mu    sync.Mutex
	table map[netip.AddrPort]*net.UDPConn
}

// String implements [Service.String].
func (s *udpExposeService) String() string {
	return fmt.Sprintf("udp expose service %d -> %s", s.rule.Port, s.rule.LocalAddress)
}

// Start implements [Service.Start].
func (s *udpExposeService) Start(ctx context.Context) error {
	vconn, err := s.tunnel.stack.ListenUDP(s.rule.Port)
	if err != nil {
		return err
	}
	s.vconn = vconn
	s.table = make(map[netip.AddrPort]*net.UDPConn)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recvLoop()
	}()

	s.logger.Info("Started UDP expose",
		zap.String("tunnel", s.tunnel.name),
		zap.Uint16("port", s.rule.Port),
		zap.Stringer("localAddress", &s.rule.LocalAddress),
	)
	return nil
}

func (s *udpExposeService) recvLoop() {
	recvBuf := make([]byte, 65535)

	for {
		n, remoteAddrPort, err := s.vconn.ReadFrom(recvBuf)
		if err != nil {
			return
		}

		uc, err := s.socketFor(remoteAddrPort)
		if err != nil {
			s.logger.Warn("Failed to connect to local service",
				zap.String("tunnel", s.tunnel.name),
				zap.Stringer("remoteAddress", remoteAddrPort),
				zap.Stringer("localAddress", &s.rule.LocalAddress),
				zap.Error(err),
			)
			continue
		}
		if _, err := uc.Write(recvBuf[:n]); err != nil {
			if ce := s.logger.Check(zap.DebugLevel, "Failed to write to local service"); ce != nil {
				ce.Write(
					zap.String("tunnel", s.tunnel.name),
					zap.Stringer("remoteAddress", remoteAddrPort),
					zap.Error(err),
				)
			}
		}
	}
}

// socketFor returns the local socket mapped to the remote flow,
// dialing the local target and starting the downlink routine on first
// use.
func (s *udpExposeService) socketFor(remoteAddrPort netip.AddrPort) (*net.UDPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uc, ok := s.table[remoteAddrPort]; ok {
		return uc, nil
	}

	c, err := net.Dial("udp", s.rule.LocalAddress.String())
	if err != nil {
		return nil, err
	}
	uc := c.(*net.UDPConn)
	s.table[remoteAddrPort] = uc

	s.logger.Info("New UDP session",
		zap.String("tunnel", s.tunnel.name),
		zap.Stringer("remoteAddress", remoteAddrPort),
		zap.Stringer("localAddress", &s.rule.LocalAddress),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relayDownlink(remoteAddrPort, uc)
	}()
	return uc, nil
}

// relayDownlink copies replies from the local service back into the
// tunnel until the mapping sits idle past the timeout.
func (s *udpExposeService) relayDownlink(remoteAddrPort netip.AddrPort, uc *net.UDPConn) {
	defer func() {
		s.mu.Lock()
		delete(s.table, remoteAddrPort)
		s.mu.Unlock()
		uc.Close()
	}()

	idleTimeout := s.tunnel.udpIdleTimeout
	recvBuf := make([]byte, 65535)

	for {
		uc.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := uc.Read(recvBuf)
		if err != nil {
			if ce := s.logger.Check(zap.DebugLevel, "UDP session ended"); ce != nil {
				ce.Write(
					zap.String("tunnel", s.tunnel.name),
					zap.Stringer("remoteAddress", remoteAddrPort),
					zap.Error(err),
				)
			}
			return
		}
		if _, err := s.vconn.WriteTo(recvBuf[:n], remoteAddrPort); err != nil {
			if ce := s.logger.Check(zap.DebugLevel, "Failed to write to tunneled UDP flow"); ce != nil {
				ce.Write(
					zap.String("tunnel", s.tunnel.name),
					zap.Stringer("remoteAddress", remoteAddrPort),
					zap.Error(err),
				)
			}
		}
	}
}

// Stop implements [Service.Stop].
func (s *udpExposeService) Stop() error {
	if s.vconn == nil {
		return nil
	}
	err := s.vconn.Close()

	s.mu.Lock()
	for _, uc := range s.table {
		uc.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
