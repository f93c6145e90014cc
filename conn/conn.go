// Package conn provides address types and socket helpers for the
// tunnel's UDP transport and local TCP/UDP relays.
package conn

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ALongTimeAgo is a non-zero time, far in the past, used for immediate deadlines.
var ALongTimeAgo = time.Unix(0, 0)

// ResolveAddrPort resolves a string representation of an address to a netip.AddrPort.
func ResolveAddrPort(address string) (addrPort netip.AddrPort, err error) {
	addrPort, err = netip.ParseAddrPort(address)
	if err != nil {
		var ua *net.UDPAddr
		ua, err = net.ResolveUDPAddr("udp", address)
		if err != nil {
			return
		}
		addrPort = ua.AddrPort()
	}
	return
}

// AddrPortMappedEqual returns whether the two addresses point to the same endpoint.
// An IPv4 address and an IPv4-mapped IPv6 address pointing to the same endpoint are considered equal.
// For example, 1.1.1.1:53 and [::ffff:1.1.1.1]:53 are considered equal.
func AddrPortMappedEqual(l, r netip.AddrPort) bool {
	return l.Port() == r.Port() && l.Addr().Unmap() == r.Addr().Unmap()
}

// ListenerSocketOptions configures socket options on the tunnel's UDP socket.
type ListenerSocketOptions struct {
	// Fwmark sets the Linux SO_MARK value. 0 leaves it unset.
	// Ignored on other platforms.
	Fwmark int

	// TrafficClass sets the DSCP/ECN bits on outgoing packets.
	// 0 leaves it unset.
	TrafficClass int
}

// setTrafficClass sets the IPv4 TOS and IPv6 traffic class fields on c.
func setTrafficClass(c *net.UDPConn, network string, trafficClass int) error {
	switch network {
	case "udp4":
		if err := ipv4.NewPacketConn(c).SetTOS(trafficClass); err != nil {
			return fmt.Errorf("failed to set IPv4 TOS: %w", err)
		}
	case "udp6", "udp":
		if err := ipv6.NewPacketConn(c).SetTrafficClass(trafficClass); err != nil {
			return fmt.Errorf("failed to set IPv6 traffic class: %w", err)
		}
	default:
		return fmt.Errorf("unsupported network: %s", network)
	}
	return nil
}
