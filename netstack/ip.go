package netstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	protocolTCP = 6
	protocolUDP = 17

	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
)

// ipPacket is the parsed form of an IPv4 or IPv6 packet carrying a
// transport payload.
type ipPacket struct {
	src     netip.Addr
	dst     netip.Addr
	proto   uint8
	payload []byte
}

// parseIPPacket decodes the network-layer header of pkt. Headers with
// IPv4 options or IPv6 extension headers are rejected; the tunnel never
// produces them and has no use for them.
func parseIPPacket(pkt []byte) (ipPacket, error) {
	if len(pkt) == 0 {
		return ipPacket{}, fmt.Errorf("empty packet")
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < ipv4HeaderLen {
			return ipPacket{}, fmt.Errorf("short IPv4 packet: %d bytes", len(pkt))
		}
		ihl := int(pkt[0]&0x0f) * 4
		if ihl != ipv4HeaderLen {
			return ipPacket{}, fmt.Errorf("IPv4 options not supported: ihl %d", ihl)
		}
		totalLen := int(binary.BigEndian.Uint16(pkt[2:4]))
		if totalLen < ipv4HeaderLen || totalLen > len(pkt) {
			return ipPacket{}, fmt.Errorf("bad IPv4 total length %d in %d bytes", totalLen, len(pkt))
		}
		if pkt[6]&0x3f != 0 || pkt[7] != 0 {
			return ipPacket{}, fmt.Errorf("fragmented IPv4 packet")
		}
		if internetChecksum(pkt[:ipv4HeaderLen], 0) != 0 {
			return ipPacket{}, fmt.Errorf("bad IPv4 header checksum")
		}
		return ipPacket{
			src:     netip.AddrFrom4([4]byte(pkt[12:16])),
			dst:     netip.AddrFrom4([4]byte(pkt[16:20])),
			proto:   pkt[9],
			payload: pkt[ipv4HeaderLen:totalLen],
		}, nil
	case 6:
		if len(pkt) < ipv6HeaderLen {
			return ipPacket{}, fmt.Errorf("short IPv6 packet: %d bytes", len(pkt))
		}
		payloadLen := int(binary.BigEndian.Uint16(pkt[4:6]))
		if ipv6HeaderLen+payloadLen > len(pkt) {
			return ipPacket{}, fmt.Errorf("bad IPv6 payload length %d in %d bytes", payloadLen, len(pkt))
		}
		next := pkt[6]
		if next != protocolTCP && next != protocolUDP {
			return ipPacket{}, fmt.Errorf("unsupported IPv6 next header %d", next)
		}
		return ipPacket{
			src:     netip.AddrFrom16([16]byte(pkt[8:24])),
			dst:     netip.AddrFrom16([16]byte(pkt[24:40])),
			proto:   next,
			payload: pkt[ipv6HeaderLen : ipv6HeaderLen+payloadLen],
		}, nil
	default:
		return ipPacket{}, fmt.Errorf("unknown IP version %d", pkt[0]>>4)
	}
}

// ipHeaderLen returns the network header length used for packets
// between src and dst.
func ipHeaderLen(addr netip.Addr) int {
	if addr.Is4() {
		return ipv4HeaderLen
	}
	return ipv6HeaderLen
}

// writeIPHeader writes an IPv4 or IPv6 header for a transport payload
// of the given length into b, returning the header length.
func writeIPHeader(b []byte, src, dst netip.Addr, proto uint8, payloadLen int) int {
	if src.Is4() {
		b[0] = 4<<4 | ipv4HeaderLen/4
		b[1] = 0
		binary.BigEndian.PutUint16(b[2:4], uint16(ipv4HeaderLen+payloadLen))
		binary.BigEndian.PutUint16(b[4:6], 0)
		b[6] = 0x40 // don't fragment
		b[7] = 0
		b[8] = 64
		b[9] = proto
		b[10], b[11] = 0, 0
		s, d := src.As4(), dst.As4()
		copy(b[12:16], s[:])
		copy(b[16:20], d[:])
		binary.BigEndian.PutUint16(b[10:12], internetChecksum(b[:ipv4HeaderLen], 0))
		return ipv4HeaderLen
	}
	b[0] = 6 << 4
	b[1], b[2], b[3] = 0, 0, 0
	binary.BigEndian.PutUint16(b[4:6], uint16(payloadLen))
	b[6] = proto
	b[7] = 64
	s, d := src.As16(), dst.As16()
	copy(b[8:24], s[:])
	copy(b[24:40], d[:])
	return ipv6HeaderLen
}
