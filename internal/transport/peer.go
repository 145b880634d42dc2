package transport

import (
	"github.com/pion/webrtc/v4"
)

// rtcAPI builds every PeerConnection. Loopback candidates are gathered so a
// hub and its stations can share one host.
var rtcAPI = newRTCAPI()

func newRTCAPI() *webrtc.API {
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// newPeerConnection creates a PeerConnection gathering candidates from the
// given STUN servers. No TURN: stations and the hub are expected to reach
// each other directly.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: iceServers},
		}
	}
	return rtcAPI.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated DataChannel (ID 0) that behaves
// like the air: unordered, and a lost message is never retransmitted. Both
// sides create it independently, so OnDataChannel is never needed.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	retransmits := uint16(0)
	id := uint16(0)

	return pc.CreateDataChannel("radio", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
}
