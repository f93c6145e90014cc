//go:build !linux

package conn

import (
	"context"
	"net"
)

// ListenUDP wraps [net.ListenConfig.ListenPacket] and applies lso.
// Fwmark is Linux-only and ignored here.
func ListenUDP(ctx context.Context, network, laddr string, lso ListenerSocketOptions) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, network, laddr)
	if err != nil {
		return nil, err
	}
	uc := pc.(*net.UDPConn)
	if lso.TrafficClass != 0 {
		if err = setTrafficClass(uc, network, lso.TrafficClass); err != nil {
			uc.Close()
			return nil, err
		}
	}
	return uc, nil
}
