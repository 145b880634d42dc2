package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtrans/internal/util"
)

const (
	highWaterMark  = 64 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 16 * 1024 // resume sending when bufferedAmount drops below this
	sendBufferSize = 256       // outgoing message channel capacity
)

// sender is a goroutine-based writer that serializes all writes to a single
// DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case msg := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(msg); err != nil {
				util.LogError("failed to send %d bytes on DataChannel: %v", len(msg), err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues msg. A full queue drops the message, as a congested radio
// would; it reports whether msg was queued.
func (s *sender) send(ctx context.Context, msg []byte) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.inbox <- msg:
		return true
	default:
		return false
	}
}
