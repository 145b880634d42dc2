package signaling

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtrans/internal/transport"
	"github.com/1ureka/rtrans/internal/util"
)

// EstablishRTC executes the station-side flow:
//  1. Connect to the hub's /rtc endpoint under addr
//  2. Create a Channel and send the Offer
//  3. Exchange ICE candidates until the DataChannel opens
//  4. Close the WS connection and return the ready link
func EstablishRTC(ctx context.Context, hubURL string, addr uint16, iceServers []string) (*transport.RTCLink, error) {
	u, err := transport.StationURL(hubURL, "/rtc", addr)
	if err != nil {
		return nil, err
	}

	wsConn, err := connect(ctx, u)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("signaling connected: %s", u)

	ch, err := transport.NewChannel(context.Background(), iceServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := negotiate(ctx, wsConn, ch, true); err != nil {
		ch.Close()
		return nil, err
	}

	util.LogDebug("DataChannel established, closing signaling")
	return transport.NewRTCLink(ch, addr), nil
}

// AcceptRTC executes the hub-side flow on an upgraded WS connection: wait for
// the station's Offer, answer it and exchange ICE candidates until the
// DataChannel opens. The caller owns wsConn.
func AcceptRTC(ctx context.Context, wsConn *websocket.Conn, iceServers []string) (*transport.Channel, error) {
	ch, err := transport.NewChannel(context.Background(), iceServers)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := negotiate(ctx, wsConn, ch, false); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// negotiate runs the SDP/ICE exchange over wsConn. The offering side sends
// its Offer first; the other side answers from the receive loop.
func negotiate(ctx context.Context, wsConn *websocket.Conn, ch *transport.Channel, offer bool) error {
	s := &sender{ch: ch, conn: wsConn}
	r := &receiver{ch: ch, conn: wsConn, sender: s}

	ch.OnICECandidate(func(c *webrtc.ICECandidate) {
		// Best-effort: the WS may already be gone once the channel is up.
		_ = s.sendCandidate(c)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch() // exits when wsConn is closed by the caller
	}()

	if offer {
		if err := s.sendOffer(); err != nil {
			return fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-ch.Ready():
		return nil

	case err := <-errCh:
		// The remote closing the WS right after the channel opened is fine.
		select {
		case <-ch.Ready():
			return nil
		default:
			return fmt.Errorf("signaling failed: %w", err)
		}

	case <-ch.Done():
		return fmt.Errorf("signaling failed: connection closed")

	case <-ctx.Done():
		return ctx.Err()
	}
}
