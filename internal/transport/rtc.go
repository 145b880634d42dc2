package transport

import (
	"sync"

	"github.com/1ureka/rtrans/internal/util"
)

// RTCLink is a station attached to an air hub over a WebRTC DataChannel.
// The channel neither orders nor retransmits, so a congested or lossy path
// loses frames the way the radio would.
type RTCLink struct {
	ch   *Channel
	addr uint16

	mu      sync.RWMutex
	handler func(uint16, []byte)
}

// NewRTCLink binds a station at addr to an established Channel.
func NewRTCLink(ch *Channel, addr uint16) *RTCLink {
	l := &RTCLink{ch: ch, addr: addr}
	ch.OnMessage(l.receive)
	return l
}

// Addr returns the station's address.
func (l *RTCLink) Addr() uint16 { return l.addr }

// Done returns a channel that is closed when the DataChannel is gone.
func (l *RTCLink) Done() <-chan struct{} { return l.ch.Done() }

// Transmit implements Link.
func (l *RTCLink) Transmit(dest uint16, frame []byte) error {
	return l.ch.Send(EncodeTX(dest, frame))
}

// OnReceive implements Link.
func (l *RTCLink) OnReceive(fn func(src uint16, frame []byte)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

// Close implements Link.
func (l *RTCLink) Close() error {
	return l.ch.Close()
}

func (l *RTCLink) receive(data []byte) {
	src, frame, err := DecodeRX(data)
	if err != nil {
		util.LogWarning("dropping message from hub: %v", err)
		return
	}

	l.mu.RLock()
	fn := l.handler
	l.mu.RUnlock()
	if fn != nil {
		fn(src, frame)
	}
}
