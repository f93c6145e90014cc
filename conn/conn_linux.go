package conn

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func setFwmark(fd, fwmark int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, fwmark); err != nil {
		return fmt.Errorf("failed to set socket option SO_MARK: %w", err)
	}
	return nil
}

func setPMTUD(fd int, network string) error {
	// Set IP_MTU_DISCOVER for both v4 and v6.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
		return fmt.Errorf("failed to set socket option IP_MTU_DISCOVER: %w", err)
	}

	if network == "udp6" || network == "udp" {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
			return fmt.Errorf("failed to set socket option IPV6_MTU_DISCOVER: %w", err)
		}
	}
	return nil
}

// ListenUDP wraps [net.ListenConfig.ListenPacket] and applies lso.
//
// IP_MTU_DISCOVER and IPV6_MTU_DISCOVER are set to IP_PMTUDISC_DO to
// disable IP fragmentation and encourage correct MTU settings.
// SO_MARK is set to the user-specified value, if any.
func ListenUDP(ctx context.Context, network, laddr string, lso ListenerSocketOptions) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) (err error) {
			if cerr := c.Control(func(fd uintptr) {
				if err = setPMTUD(int(fd), network); err != nil {
					return
				}
				if lso.Fwmark != 0 {
					err = setFwmark(int(fd), lso.Fwmark)
				}
			}); cerr != nil {
				return cerr
			}
			return
		},
	}

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
