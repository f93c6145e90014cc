// Package replay implements the anti-replay algorithm from RFC 6479,
// used to reject duplicate packet counters on a transport session.
package replay

const (
	blockBitShift = 6
	nBits         = 1 << blockBitShift
	nBlocks       = 1 << 7
	bitMask       = nBits - 1
	blockMask     = nBlocks - 1

	// WindowSize is the number of counters behind the highest accepted
	// counter that can still be accepted.
	WindowSize = (nBlocks - 1) * nBits
)

// Filter rejects replayed messages by tracking which counter values have
// been seen inside a sliding window of recently received messages.
//
// The zero value is an empty filter ready for use. A Filter is not safe
// for concurrent use.
type Filter struct {
	last uint64
	ring [nBlocks]uint64
}

// Validate reports whether the counter value should be accepted, and
// marks it as seen if so. Values at or above limit are always rejected.
func (f *Filter) Validate(value, limit uint64) bool {
	if value >= limit {
		return false
	}
	blockIndex := value >> blockBitShift
	if value > f.last {
		// Move the window forward, clearing the blocks in between.
		currentIndex := f.last >> blockBitShift
		diff := min(blockIndex-currentIndex, nBlocks)
		for i := currentIndex + 1; i <= currentIndex+diff; i++ {
			f.ring[i&blockMask] = 0
		}
		f.last = value
	} else if f.last-value > WindowSize {
		return false
	}
	blockIndex &= blockMask
	bitIndex := value & bitMask
	old := f.ring[blockIndex]
	new := old | 1<<bitIndex
	f.ring[blockIndex] = new
	return old != new
}

// Reset restores the filter to its empty state.
func (f *Filter) Reset() {
	f.last = 0
	f.ring[0] = 0
}
