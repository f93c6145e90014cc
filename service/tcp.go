package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// dialTimeout bounds connection establishment through the tunnel. It
// leaves room for the handshake round trips a cold tunnel needs before
// the first SYN can be delivered.
const dialTimeout = 30 * time.Second

// closeWriter is the half-close surface shared by [net.TCPConn] and
// the virtual stack's TCP connection.
type closeWriter interface {
	CloseWrite() error
}

// relayStreams copies bytes between a local socket and a tunneled
// connection in both directions. Each direction propagates EOF as a
// write-side half close, so a graceful shutdown travels end to end.
func relayStreams(left, right net.Conn) (leftToRight, rightToLeft int64) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rightToLeft = copyHalf(left, right)
	}()
	leftToRight = copyHalf(right, left)
	wg.Wait()
	left.Close()
	right.Close()
	return
}

func copyHalf(dst, src net.Conn) int64 {
	n, _ := io.Copy(dst, src)
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
	}
	return n
}

// tcpForwardService accepts connections on a local TCP listener and
// carries each one to a destination reachable through the tunnel.
type tcpForwardService struct {
	tunnel   *tunnel
	rule     *ForwardConfig
	logger   *zap.Logger
	listener net.Listener
	wg       sync.WaitGroup
}

// String implements [Service.String].
func (s *tcpForwardService) String() string {
	return fmt.Sprintf("tcp forward service %s -> %s", s.rule.ListenAddress, s.rule.RemoteAddress)
}

// Start implements [Service.Start].
func (s *tcpForwardService) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.rule.ListenAddress)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info("Started TCP forward",
		zap.String("tunnel", s.tunnel.name),
		zap.Stringer("listenAddress", ln.Addr()),
		zap.Stringer("remoteAddress", s.rule.RemoteAddress),
	)
	return nil
}

func (s *tcpForwardService) acceptLoop() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to accept TCP connection",
				zap.String("tunnel", s.tunnel.name),
				zap.Stringer("listenAddress", s.listener.Addr()),
				zap.Error(err),
			)
			continue
		}
		go s.handle(c)
	}
}

func (s *tcpForwardService) handle(c net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	vc, err := s.tunnel.stack.DialTCP(ctx, s.rule.RemoteAddress)
	cancel()
	if err != nil {
		s.logger.Warn("Failed to connect through tunnel",
			zap.String("tunnel", s.tunnel.name),
			zap.Stringer("clientAddress", c.RemoteAddr()),
			zap.Stringer("remoteAddress", s.rule.RemoteAddress),
			zap.Error(err),
		)
		c.Close()
		return
	}

	if ce := s.logger.Check(zap.DebugLevel, "Forwarding TCP connection"); ce != nil {
		ce.Write(
			zap.String("tunnel", s.tunnel.name),
			zap.Stringer("clientAddress", c.RemoteAddr()),
			zap.Stringer("remoteAddress", s.rule.RemoteAddress),
		)
	}

	localToTunnel, tunnelToLocal := relayStreams(c, vc)

	if ce := s.logger.Check(zap.DebugLevel, "Finished relaying TCP connection"); ce != nil {
		ce.Write(
			zap.String("tunnel", s.tunnel.name),
			zap.Stringer("clientAddress", c.RemoteAddr()),
			zap.Stringer("remoteAddress", s.rule.RemoteAddress),
			zap.Int64("payloadBytesSent", localToTunnel),
			zap.Int64("payloadBytesReceived", tunnelToLocal),
		)
	}
}

// Stop implements [Service.Stop].
func (s *tcpForwardService) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// tcpExposeService accepts tunneled connections on a virtual port and
// hands each one to a local service.
type tcpExposeService struct {
	tunnel   *tunnel
	rule     *ExposeConfig
	logger   *zap.Logger
	listener net.Listener
	wg       sync.WaitGroup
}

// String implements [Service.String].
func (s *tcpExposeService) String() string {
	return fmt.Sprintf("tcp expose service %d -> %s", s.rule.Port, s.rule.LocalAddress)
}

// Start implements [Service.Start].
func (s *tcpExposeService) Start(ctx context.Context) error {
	ln, err := s.tunnel.stack.ListenTCP(s.rule.Port)
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info("Started TCP expose",
		zap.String("tunnel", s.tunnel.name),
		zap.Uint16("port", s.rule.Port),
		zap.Stringer("localAddress", &s.rule.LocalAddress),
	)
	return nil
}

func (s *tcpExposeService) acceptLoop() {
	for {
		vc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(vc)
	}
}

func (s *tcpExposeService) handle(vc net.Conn) {
	var d net.Dialer
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	c, err := d.DialContext(ctx, "tcp", s.rule.LocalAddress.String())
	cancel()
	if err != nil {
		s.logger.Warn("Failed to connect to local service",
			zap.String("tunnel", s.tunnel.name),
			zap.Stringer("peerAddress", vc.RemoteAddr()),
			zap.Stringer("localAddress", &s.rule.LocalAddress),
			zap.Error(err),
		)
		vc.Close()
		return
	}

	if ce := s.logger.Check(zap.DebugLevel, "Exposing TCP connection"); ce != nil {
		ce.Write(
			zap.String("tunnel", s.tunnel.name),
			zap.Stringer("peerAddress", vc.RemoteAddr()),
			zap.Stringer("localAddress", &s.rule.LocalAddress),
		)
	}

	relayStreams(c, vc)
}

// Stop implements [Service.Stop].
func (s *tcpExposeService) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.wg.Wait()
	return err
}
