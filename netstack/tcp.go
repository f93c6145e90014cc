package netstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	tcpHeaderLen = 20

	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10

	tcpOptionEnd = 0
	tcpOptionNop = 1
	tcpOptionMSS = 2
)

// tcpSegment is the parsed form of one TCP segment.
type tcpSegment struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint16
	mss     uint16 // from the MSS option, 0 if absent
	payload []byte
}

func parseTCPSegment(src, dst netip.Addr, b []byte) (tcpSegment, error) {
	if len(b) < tcpHeaderLen {
		return tcpSegment{}, fmt.Errorf("short TCP segment: %d bytes", len(b))
	}
	dataOff := int(b[12]>>4) * 4
	if dataOff < tcpHeaderLen || dataOff > len(b) {
		return tcpSegment{}, fmt.Errorf("bad TCP data offset %d in %d bytes", dataOff, len(b))
	}
	if internetChecksum(b, pseudoHeaderSum(src, dst, protocolTCP, len(b))) != 0 {
		return tcpSegment{}, fmt.Errorf("bad TCP checksum")
	}

	seg := tcpSegment{
		srcPort: binary.BigEndian.Uint16(b),
		dstPort: binary.BigEndian.Uint16(b[2:4]),
		seq:     binary.BigEndian.Uint32(b[4:8]),
		ack:     binary.BigEndian.Uint32(b[8:12]),
		flags:   b[13],
		window:  binary.BigEndian.Uint16(b[14:16]),
		payload: b[dataOff:],
	}

	opts := b[tcpHeaderLen:dataOff]
	for len(opts) > 0 {
		switch opts[0] {
		case tcpOptionEnd:
			return seg, nil
		case tcpOptionNop:
			opts = opts[1:]
		default:
			if len(opts) < 2 || int(opts[1]) < 2 || int(opts[1]) > len(opts) {
				return seg, nil
			}
			if opts[0] == tcpOptionMSS && opts[1] == 4 {
				seg.mss = binary.BigEndian.Uint16(opts[2:4])
			}
			opts = opts[opts[1]:]
		}
	}
	return seg, nil
}

// appendTCPSegment builds a full IP packet carrying one TCP segment and
// appends it to b. mss > 0 adds an MSS option (SYN segments only).
func appendTCPSegment(b []byte, src, dst netip.AddrPort, seq, ack uint32, flags uint8, window uint16, mss uint16, payload []byte) []byte {
	optLen := 0
	if mss > 0 {
		optLen = 4
	}
	ipLen := ipHeaderLen(src.Addr())
	tcpLen := tcpHeaderLen + optLen + len(payload)

	off := len(b)
	b = append(b, make([]byte, ipLen+tcpLen)...)
	writeIPHeader(b[off:], src.Addr(), dst.Addr(), protocolTCP, tcpLen)

	t := b[off+ipLen:]
	binary.BigEndian.PutUint16(t, src.Port())
	binary.BigEndian.PutUint16(t[2:4], dst.Port())
	binary.BigEndian.PutUint32(t[4:8], seq)
	binary.BigEndian.PutUint32(t[8:12], ack)
	t[12] = uint8((tcpHeaderLen+optLen)/4) << 4
	t[13] = flags
	binary.BigEndian.PutUint16(t[14:16], window)
	t[16], t[17] = 0, 0
	t[18], t[19] = 0, 0
	if mss > 0 {
		t[20] = tcpOptionMSS
		t[21] = 4
		binary.BigEndian.PutUint16(t[22:24], mss)
	}
	copy(t[tcpHeaderLen+optLen:], payload)

	sum := internetChecksum(t, pseudoHeaderSum(src.Addr(), dst.Addr(), protocolTCP, tcpLen))
	binary.BigEndian.PutUint16(t[16:18], sum)
	return b
}
