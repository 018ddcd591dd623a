// Package packet provides the fixed-MTU packet buffers used by the datagram
// links and the STUN layer, and the pool that recycles them.
package packet

import (
	"github.com/1ureka/p2pbus/internal/syncx"
	"github.com/1ureka/p2pbus/internal/util"
)

// DefaultMTU is the packet size used when a pool is created with mtu <= 0.
const DefaultMTU = 16 * 1024

// Packet is a fixed-capacity buffer plus the length of its valid contents.
type Packet struct {
	buf    []byte
	n      int
	pooled bool // sitting on a pool's free list
}

// Bytes returns the valid contents of the packet.
func (p *Packet) Bytes() []byte { return p.buf[:p.n] }

// Buffer returns the whole underlying buffer, for reading into.
func (p *Packet) Buffer() []byte { return p.buf }

// Cap returns the packet's capacity (the pool's MTU).
func (p *Packet) Cap() int { return len(p.buf) }

// Len returns the length of the valid contents.
func (p *Packet) Len() int { return p.n }

// SetLen marks the first n bytes of the buffer as valid. n is clamped to
// the packet's capacity.
func (p *Packet) SetLen(n int) {
	switch {
	case n < 0:
		n = 0
	case n > len(p.buf):
		n = len(p.buf)
	}
	p.n = n
}

// Clean zeroes the packet so that it can be handed out again.
func (p *Packet) Clean() {
	clear(p.buf[:p.n])
	p.n = 0
}

// Stats is a snapshot of a pool's bookkeeping.
type Stats struct {
	Free      int // packets on the free list
	Used      int // packets handed out and not yet returned
	Allocated int // packets ever allocated
}

// Pool hands out packets of a single MTU. Returned packets are kept for
// reuse while twice the free list is no larger than the number of packets
// in use; beyond that they are left to the garbage collector, which bounds
// retained memory to about half the peak number of packets in flight.
type Pool struct {
	mtu   int
	stats *util.Stats

	mu        syncx.Mutex
	free      []*Packet
	used      int
	allocated int
}

// NewPool creates a pool for packets of mtu bytes. stats may be nil.
func NewPool(mtu int, stats *util.Stats) *Pool {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Pool{mtu: mtu, stats: stats, mu: syncx.Mutex{Name: "packet-pool"}}
}

// MTU returns the capacity of every packet from this pool.
func (p *Pool) MTU() int { return p.mtu }

// GetPacket returns an empty packet, reusing one from the free list when
// possible. It never fails.
func (p *Pool) GetPacket() *Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.used++
	if n := len(p.free); n > 0 {
		pkt := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		pkt.pooled = false
		return pkt
	}

	p.allocated++
	p.stats.PacketAllocated()
	return &Packet{buf: make([]byte, p.mtu)}
}

// ReturnPacket gives a packet back to the pool. Packets of a foreign size
// and packets already returned are ignored.
func (p *Pool) ReturnPacket(pkt *Packet) {
	if pkt == nil || len(pkt.buf) != p.mtu {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pkt.pooled || p.used == 0 {
		util.LogDebug("[pool] ignoring return of a packet that is not outstanding")
		return
	}

	if 2*len(p.free) <= p.used {
		pkt.Clean()
		pkt.pooled = true
		p.free = append(p.free, pkt)
		p.stats.PacketRecycled()
	} else {
		p.stats.PacketDropped()
	}
	p.used--
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Free: len(p.free), Used: p.used, Allocated: p.allocated}
}
