package netstack

import (
	"encoding/binary"
	"net/netip"
)

// checksumFold computes the ones-complement sum of b added to an
// initial partial sum, without the final inversion.
func checksumFold(b []byte, initial uint32) uint32 {
	sum := initial
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return sum
}

// internetChecksum computes the RFC 1071 checksum of b with an initial
// partial sum.
func internetChecksum(b []byte, initial uint32) uint16 {
	return ^uint16(checksumFold(b, initial))
}

// pseudoHeaderSum computes the partial sum of the IPv4 or IPv6
// pseudo-header used by TCP and UDP checksums.
func pseudoHeaderSum(src, dst netip.Addr, proto uint8, length int) uint32 {
	var sum uint32
	if src.Is4() {
		s, d := src.As4(), dst.As4()
		sum = checksumFold(s[:], 0)
		sum = checksumFold(d[:], sum)
	} else {
		s, d := src.As16(), dst.As16()
		sum = checksumFold(s[:], 0)
		sum = checksumFold(d[:], sum)
	}
	sum += uint32(proto)
	sum += uint32(length)
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return sum
}
