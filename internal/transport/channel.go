package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtrans/internal/util"
)

// ErrChannelCongested is returned when the outgoing queue of a Channel is full.
var ErrChannelCongested = errors.New("channel congested")

// Channel wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for signaling exchange, message sending with backpressure,
// and message receiving.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type Channel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewChannel creates a Channel backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller performs signaling through the
// exposed methods (CreateOffer / CreateAnswer / …) and then uses Send and
// OnMessage.
func NewChannel(ctx context.Context, iceServers []string) (*Channel, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	cCtx, cCancel := context.WithCancel(ctx)

	c := &Channel{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        cCtx,
		cancel:     cCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.openSignal) })
	})

	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		cCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		c.mu.Lock()
		c.pcState = state
		c.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			cCancel()
		}
	})

	c.sender = newSender(cCtx, dc, c.openSignal)

	return c, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (c *Channel) Ready() <-chan struct{} {
	return c.openSignal
}

// Done returns a channel that is closed when the Channel is shut down
// (DataChannel closed, connection failed or parent context cancelled).
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (c *Channel) Close() error {
	c.cancel()
	return errors.Join(c.dc.Close(), c.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (c *Channel) ConnectionState() webrtc.PeerConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (c *Channel) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (c *Channel) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (c *Channel) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (c *Channel) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

// HasRemoteDescription reports whether the remote SDP has been applied.
func (c *Channel) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (c *Channel) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (c *Channel) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues one message. Messages queued before the DataChannel opens are
// sent once it does.
func (c *Channel) Send(msg []byte) error {
	if c.ctx.Err() != nil {
		return ErrLinkClosed
	}
	if !c.sender.send(c.ctx, msg) {
		return ErrChannelCongested
	}
	return nil
}

// OnMessage registers a callback invoked for every inbound DataChannel message.
func (c *Channel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}
