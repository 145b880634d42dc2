package airhub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtrans/internal/transport"
)

const writeTimeout = 5 * time.Second

// station is one attached radio endpoint as seen from the hub.
type station interface {
	// deliver hands a frame from src to the station as an RX envelope.
	deliver(src uint16, frame []byte) error
	close() error
}

// wsStation is a station attached over a WebSocket.
type wsStation struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsStation) deliver(src uint16, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, transport.EncodeRX(src, frame))
}

func (s *wsStation) close() error {
	return s.conn.Close()
}

// rtcStation is a station attached over a WebRTC DataChannel.
type rtcStation struct {
	ch *transport.Channel
}

func (s *rtcStation) deliver(src uint16, frame []byte) error {
	return s.ch.Send(transport.EncodeRX(src, frame))
}

func (s *rtcStation) close() error {
	return s.ch.Close()
}
