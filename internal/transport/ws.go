package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtrans/internal/util"
)

const wsWriteTimeout = 5 * time.Second

// WSLink is a station attached to an airhub over a WebSocket. Every binary
// message carries one radio envelope: TX toward the hub, RX from it.
type WSLink struct {
	conn *websocket.Conn
	addr uint16

	writeMu sync.Mutex

	mu      sync.RWMutex
	handler func(uint16, []byte)

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// DialWS attaches a station at addr to the hub reachable at hubURL.
func DialWS(ctx context.Context, hubURL string, addr uint16) (*WSLink, error) {
	u, err := StationURL(hubURL, "/ws", addr)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hub: %w", err)
	}

	l := &WSLink{
		conn: conn,
		addr: addr,
		done: make(chan struct{}),
	}
	go l.readLoop()

	return l, nil
}

// Addr returns the station's address.
func (l *WSLink) Addr() uint16 { return l.addr }

// Done returns a channel that is closed when the hub connection is gone.
func (l *WSLink) Done() <-chan struct{} { return l.done }

// Transmit implements Link.
func (l *WSLink) Transmit(dest uint16, frame []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = l.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := l.conn.WriteMessage(websocket.BinaryMessage, EncodeTX(dest, frame)); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

// OnReceive implements Link.
func (l *WSLink) OnReceive(fn func(src uint16, frame []byte)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

// Close implements Link.
func (l *WSLink) Close() error {
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = l.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.writeMu.Unlock()

		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

func (l *WSLink) readLoop() {
	defer close(l.done)

	for {
		typ, data, err := l.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				util.LogDebug("hub connection ended: %v", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}

		src, frame, err := DecodeRX(data)
		if err != nil {
			util.LogWarning("dropping message from hub: %v", err)
			continue
		}

		l.mu.RLock()
		fn := l.handler
		l.mu.RUnlock()
		if fn != nil {
			fn(src, frame)
		}
	}
}
