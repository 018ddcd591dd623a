package session

import (
	"fmt"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/transport"
)

// SelectTransport picks the transport used to reach the router guid. The
// bits of mask are tried in ascending order; within a bit, transports are
// tried in the order given. A transport is usable when the resolver knows
// an address for guid on it.
func SelectTransport(mask protocol.TransportMask, available []transport.Transport, resolver *Resolver, guid string) (transport.Transport, string, error) {
	for _, bit := range mask.Bits() {
		for _, tr := range available {
			if tr.Mask()&bit == 0 {
				continue
			}
			if resolver == nil {
				continue
			}
			if addr, ok := resolver.Lookup(guid, tr.Name()); ok {
				return tr, addr, nil
			}
		}
	}
	return nil, "", fmt.Errorf("%w: router %s over %s", ErrNoTransport, guid, mask)
}
