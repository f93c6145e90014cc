package netstack

import (
	"errors"
	"math/rand/v2"
)

// Virtual source ports are drawn from a fixed ephemeral range.
const (
	portRangeFirst = 1000
	portRangeLast  = 60999
)

var errPortsExhausted = errors.New("netstack: virtual port range exhausted")

// portPool hands out ephemeral virtual ports. Allocation starts at a
// random position so restarted tunnels do not land on ports a remote
// peer may still associate with dead flows. The zero value is ready to
// use.
type portPool struct {
	used map[uint16]struct{}
}

func (p *portPool) allocate() (uint16, error) {
	if p.used == nil {
		p.used = make(map[uint16]struct{})
	}
	const rangeSize = portRangeLast - portRangeFirst + 1
	start := rand.IntN(rangeSize)
	for i := range rangeSize {
		port := uint16(portRangeFirst + (start+i)%rangeSize)
		if _, taken := p.used[port]; !taken {
			p.used[port] = struct{}{}
			return port, nil
		}
	}
	return 0, errPortsExhausted
}

func (p *portPool) release(port uint16) {
	delete(p.used, port)
}
