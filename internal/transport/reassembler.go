package transport

import (
	"container/heap"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/util"
)

// frame is a decoded datagram-link frame.
type frame struct {
	seq uint32
	msg *protocol.Message
}

// Reassembler restores send order on an unordered link. Not safe for
// concurrent use.
type Reassembler struct {
	expectedSeq uint32
	buffer      frameHeap
}

// NewReassembler creates a reassembler expecting sequence numbers starting at 1.
func NewReassembler() *Reassembler {
	return &Reassembler{expectedSeq: 1}
}

// Feed takes one frame and returns every message that is now deliverable,
// in sequence order. Duplicates and stale frames are dropped.
func (r *Reassembler) Feed(seq uint32, msg *protocol.Message) []*protocol.Message {
	if seq < r.expectedSeq {
		util.LogDebug("[udp] stale frame %d (expected %d), ignoring", seq, r.expectedSeq)
		return nil
	}

	if seq > r.expectedSeq {
		heap.Push(&r.buffer, frame{seq: seq, msg: msg})
		return nil
	}

	result := []*protocol.Message{msg}
	r.expectedSeq++

	for r.buffer.Len() > 0 && r.buffer[0].seq <= r.expectedSeq {
		f := heap.Pop(&r.buffer).(frame)
		if f.seq < r.expectedSeq {
			continue
		}
		result = append(result, f.msg)
		r.expectedSeq++
	}

	return result
}

// Pending returns the number of frames held back waiting for a gap.
func (r *Reassembler) Pending() int { return r.buffer.Len() }

// ---------------------------------------------------------------------------
// frameHeap implements a min-heap sorted by seq.
// ---------------------------------------------------------------------------

type frameHeap []frame

func (h frameHeap) Len() int            { return len(h) }
func (h frameHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h frameHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x interface{}) { *h = append(*h, x.(frame)) }

func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = frame{}
	*h = old[:n-1]
	return item
}
