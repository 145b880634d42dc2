// Package transport provides the radio links a station transmits on. A link
// moves opaque frames keyed by 16-bit address and knows nothing about the
// frames' contents.
//
// Implementations:
//   - MemoryLink: stations attached to an in-process Medium (tests, demos)
//   - WSLink: frames over a WebSocket to an air hub
//   - RTCLink: frames over an unordered, zero-retransmit WebRTC DataChannel
//     to an air hub, which is as lossy as the radio it stands in for
package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrLinkClosed is returned by Transmit after Close.
var ErrLinkClosed = errors.New("link closed")

// Link is the contract between a station's protocol engine and the radio.
// Transmit is fire-and-forget: a nil error only means the frame was handed
// to the medium, not that anyone received it.
type Link interface {
	// Transmit sends frame to dest. 0xFFFF broadcasts to every station.
	Transmit(dest uint16, frame []byte) error

	// OnReceive registers the handler invoked for every inbound frame with
	// the sender's address. The frame slice may be reused after fn returns.
	OnReceive(fn func(src uint16, frame []byte))

	// Close releases the underlying resource. Safe to call more than once.
	Close() error
}

// Done returns a channel closed when l loses its medium, or nil if l cannot
// tell.
func Done(l Link) <-chan struct{} {
	if d, ok := l.(interface{ Done() <-chan struct{} }); ok {
		return d.Done()
	}
	return nil
}

// StationURL builds the hub endpoint URL a station at addr attaches to,
// e.g. ("127.0.0.1:7700", "/ws", 0xC088) → ws://127.0.0.1:7700/ws?addr=C088.
func StationURL(hubURL, path string, addr uint16) (string, error) {
	hubURL = strings.TrimSpace(hubURL)
	if !strings.Contains(hubURL, "://") {
		hubURL = "ws://" + hubURL
	}
	u, err := url.Parse(hubURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid hub URL: %q", hubURL)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported hub URL scheme: %q", u.Scheme)
	}
	u.Path = path
	q := u.Query()
	q.Set("addr", fmt.Sprintf("%04X", addr))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
