package engine

import (
	"time"

	"github.com/1ureka/rtrans/internal/protocol"
)

// flowKey identifies one multi-segment package in reassembly.
type flowKey struct {
	peer  uint16
	seqNo uint16
}

// flow buffers the segments of one package in arrival order. Segments are
// only ever appended in strictly increasing index order starting at 0; an
// out-of-order or duplicate segment leaves the buffer untouched.
type flow struct {
	segs  []*protocol.Packet
	timer *time.Timer
	gen   uint64
}

func newFlow(first *protocol.Packet) *flow {
	return &flow{segs: []*protocol.Packet{first}}
}

// feed appends pkt if it is exactly the next expected segment.
func (f *flow) feed(pkt *protocol.Packet) bool {
	last := f.segs[len(f.segs)-1].SegIndex
	if int(pkt.SegIndex) != int(last)+1 {
		return false
	}
	f.segs = append(f.segs, pkt)
	return true
}

// payload concatenates the buffered payloads in segment order.
func (f *flow) payload() []byte {
	n := 0
	for _, s := range f.segs {
		n += len(s.Payload)
	}
	out := make([]byte, 0, n)
	for _, s := range f.segs {
		out = append(out, s.Payload...)
	}
	return out
}

func (f *flow) stop() {
	if f.timer != nil {
		f.timer.Stop()
	}
}

// pollWait is an outstanding POLL awaiting the first DATA segment.
type pollWait struct {
	timer *time.Timer
	gen   uint64
}

func (w *pollWait) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
