// Package tai64n implements the TAI64N timestamp format used in
// WireGuard handshake initiation messages.
package tai64n

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	// TimestampSize is the encoded size: 8 bytes of seconds followed by
	// 4 bytes of nanoseconds, both big-endian.
	TimestampSize = 12

	base = uint64(0x400000000000000a)

	// whitenerMask clears the low 24 bits of the nanosecond field so
	// that timestamps do not leak sub-millisecond clock behavior.
	whitenerMask = uint32(0xffffff)
)

// Timestamp is an encoded TAI64N timestamp.
type Timestamp [TimestampSize]byte

// At returns the timestamp for the given time.
func At(t time.Time) Timestamp {
	var ts Timestamp
	secs := base + uint64(t.Unix())
	nano := uint32(t.Nanosecond()) &^ whitenerMask
	binary.BigEndian.PutUint64(ts[:], secs)
	binary.BigEndian.PutUint32(ts[8:], nano)
	return ts
}

// Now returns the timestamp for the current time.
func Now() Timestamp {
	return At(time.Now())
}

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool {
	return bytes.Compare(t[:], other[:]) > 0
}

func (t Timestamp) String() string {
	secs := int64(binary.BigEndian.Uint64(t[:8]) - base)
	nano := int64(binary.BigEndian.Uint32(t[8:12]))
	return time.Unix(secs, nano).String()
}
