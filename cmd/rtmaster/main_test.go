package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/1ureka/rtrans/internal/config"
	"github.com/1ureka/rtrans/internal/engine"
	"github.com/1ureka/rtrans/internal/protocol"
	"github.com/1ureka/rtrans/internal/transport"
	"github.com/1ureka/rtrans/internal/util"
)

func TestMain(m *testing.M) {
	util.Quiet()
	os.Exit(m.Run())
}

const peerAddr uint16 = 0xC088

// A delivery that races ahead of engine.New returning must wait for bind and
// then poll through the bound engine.
func TestCoordinatorWaitsForBind(t *testing.T) {
	m := transport.NewMedium()
	peer := m.Attach(peerAddr)
	defer peer.Close()

	polls := make(chan *protocol.Packet, 16)
	peer.OnReceive(func(src uint16, frame []byte) {
		pkt, err := protocol.Decode(frame)
		if err == nil && pkt.Type == protocol.TypePoll {
			select {
			case polls <- pkt:
			default:
			}
		}
	})

	c := newCoordinator(0)
	handled := make(chan struct{})
	go func() {
		c.handle(peerAddr, protocol.TypeJoin, nil)
		close(handled)
	}()

	select {
	case <-handled:
		t.Fatal("handle returned before the engine was bound")
	case <-time.After(20 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Address = 0x0001
	e, err := engine.New(ctx, m.Attach(cfg.Address), cfg, c.handle)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	defer e.Close()
	c.bind(e)

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handle did not return after bind")
	}

	select {
	case pkt := <-polls:
		if pkt.Peer != peerAddr {
			t.Fatalf("POLL addressed to %04x, want %04x", pkt.Peer, peerAddr)
		}
	case <-time.After(time.Second):
		t.Fatal("no POLL reached the peer")
	}
}

// Readings schedule the next poll after the configured interval.
func TestCoordinatorRepollsAfterReading(t *testing.T) {
	m := transport.NewMedium()
	peer := m.Attach(peerAddr)
	defer peer.Close()

	polls := make(chan time.Time, 16)
	peer.OnReceive(func(src uint16, frame []byte) {
		pkt, err := protocol.Decode(frame)
		if err == nil && pkt.Type == protocol.TypePoll {
			select {
			case polls <- time.Now():
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Address = 0x0001
	c := newCoordinator(50 * time.Millisecond)
	e, err := engine.New(ctx, m.Attach(cfg.Address), cfg, c.handle)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	defer e.Close()
	c.bind(e)

	began := time.Now()
	c.handle(peerAddr, protocol.TypeData, []byte{1, 2, 3})

	select {
	case at := <-polls:
		if at.Sub(began) < 40*time.Millisecond {
			t.Fatalf("re-poll after %v, want about 50ms", at.Sub(began))
		}
	case <-time.After(time.Second):
		t.Fatal("no POLL after the reading")
	}
}
