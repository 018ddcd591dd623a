package stun

import (
	"io"
	"net"
)

// ScatterGatherList collects the byte regions of a rendered message in
// order. Regions that are adjacent in memory are merged, so a message
// rendered into one buffer normally ends up as a single segment, while a
// caller can still prepend or append separately owned buffers (framing
// headers, relayed payloads) without copying them.
type ScatterGatherList struct {
	bufs net.Buffers
	n    int
}

// AddBuffer appends b to the list.
func (sg *ScatterGatherList) AddBuffer(b []byte) {
	if len(b) == 0 {
		return
	}
	sg.n += len(b)
	if k := len(sg.bufs); k > 0 {
		last := sg.bufs[k-1]
		if cap(last) > len(last) && &last[:len(last)+1][len(last)] == &b[0] && cap(last)-len(last) >= len(b) {
			sg.bufs[k-1] = last[:len(last)+len(b)]
			return
		}
	}
	sg.bufs = append(sg.bufs, b)
}

// Len returns the total number of bytes in the list.
func (sg *ScatterGatherList) Len() int { return sg.n }

// Segments returns the number of separate regions.
func (sg *ScatterGatherList) Segments() int { return len(sg.bufs) }

// Buffers returns the regions as net.Buffers. The regions are shared with
// the list; the returned slice header is a copy, so writing it out does not
// consume the list.
func (sg *ScatterGatherList) Buffers() net.Buffers {
	return append(net.Buffers(nil), sg.bufs...)
}

// WriteTo writes every region to w, using vectored I/O when w supports it.
func (sg *ScatterGatherList) WriteTo(w io.Writer) (int64, error) {
	bufs := sg.Buffers()
	return bufs.WriteTo(w)
}

// Bytes returns the regions copied into one contiguous slice.
func (sg *ScatterGatherList) Bytes() []byte {
	out := make([]byte, 0, sg.n)
	for _, b := range sg.bufs {
		out = append(out, b...)
	}
	return out
}

// Reset empties the list without touching the regions it referenced.
func (sg *ScatterGatherList) Reset() {
	clear(sg.bufs)
	sg.bufs = sg.bufs[:0]
	sg.n = 0
}
