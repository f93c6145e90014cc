// Package service wires tunnels together: each tunnel service owns a
// UDP socket to its WireGuard peer, a handshake engine, and a virtual
// TCP/IP stack, and routes traffic between local sockets and the
// tunnel according to its forward and expose rules.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wgfwd/wgfwd-go/pprof"
	"go.uber.org/zap"
)

const (
	// minimumMTU is the minimum allowed tunnel MTU.
	minimumMTU = 1280

	// defaultMTU is the conventional WireGuard tunnel MTU over an
	// IPv4/UDP underlay with a 1500-byte link MTU.
	defaultMTU = 1420

	// defaultSendChannelCapacity is the default capacity of a tunnel's
	// outbound send channel.
	defaultSendChannelCapacity = 1024

	// defaultUDPIdleTimeout is how long a mapped UDP flow may stay idle
	// before its table entry is evicted.
	defaultUDPIdleTimeout = 60 * time.Second

	// defaultTCPIdleTimeout is how long a virtual TCP connection may
	// stay idle before it is reset. Zero disables the idle timer; the
	// default keeps abandoned flows from pinning virtual ports forever.
	defaultTCPIdleTimeout = 5 * time.Minute
)

// Overhead added to each tunneled IP packet on the wire.
const (
	IPv4HeaderLength            = 20
	IPv6HeaderLength            = 40
	UDPHeaderLength             = 8
	WireGuardDataPacketOverhead = 32
)

var ErrMTUTooSmall = errors.New("MTU must be at least 1280")

// Service is implemented by the tunnel service and its per-rule
// forward and expose services.
type Service interface {
	// String returns the service's name.
	String() string

	// Start starts the service.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop() error
}

// PerfConfig exposes performance tuning knobs.
type PerfConfig struct {
	// SendChannelCapacity is the capacity of the tunnel's outbound send channel.
	// Packets emitted by the virtual stack are queued here before encryption;
	// when the channel is full the packet is dropped and TCP retransmission
	// recovers the data.
	SendChannelCapacity int `json:"sendChannelCapacity"`
}

// CheckAndApplyDefaults checks and applies default values to the configuration.
func (pc *PerfConfig) CheckAndApplyDefaults() error {
	switch {
	case pc.SendChannelCapacity >= 64:
	case pc.SendChannelCapacity == 0:
		pc.SendChannelCapacity = defaultSendChannelCapacity
	default:
		return fmt.Errorf("send channel capacity must be at least 64: %d", pc.SendChannelCapacity)
	}

	return nil
}

// Config stores configurations for a wgfwd service.
// It may be marshaled as or unmarshaled from JSON.
type Config struct {
	Tunnels []TunnelConfig `json:"tunnels"`

	// Pprof configures the optional pprof HTTP server. It is consumed
	// by the command, not by the service manager.
	Pprof pprof.Config `json:"pprof"`
}

// Manager initializes the service manager.
func (sc *Config) Manager(logger *zap.Logger) (*Manager, error) {
	if len(sc.Tunnels) == 0 {
		return nil, errors.New("no tunnels to start")
	}

	services := make([]Service, 0, len(sc.Tunnels))

	for i := range sc.Tunnels {
		t, err := sc.Tunnels[i].Tunnel(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create tunnel service %s: %w", sc.Tunnels[i].Name, err)
		}
		services = append(services, t)
	}

	return &Manager{services, logger}, nil
}

// Manager manages the services.
type Manager struct {
	services []Service
	logger   *zap.Logger
}

// Start starts all configured tunnel services.
func (m *Manager) Start(ctx context.Context) error {
	for _, s := range m.services {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", s.String(), err)
		}
	}
	return nil
}

// Stop stops all running services.
func (m *Manager) Stop() {
	for _, s := range m.services {
		if err := s.Stop(); err != nil {
			m.logger.Warn("Failed to stop service",
				zap.Stringer("service", s),
				zap.Error(err),
			)
		}
		m.logger.Info("Stopped service", zap.Stringer("service", s))
	}
}
