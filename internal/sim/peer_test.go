package sim

import (
	"bytes"
	"context"
	"os"
	"sync"
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

const (
	masterAddr = 0x0001
	peerAddr   = 0xC088
)

func reading(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func fastConfig(addr uint16) config.Config {
	cfg := config.Default()
	cfg.Address = addr
	cfg.ProbeCadence = 50 * time.Millisecond
	cfg.ProbeDuration = 200 * time.Millisecond
	cfg.PollRetry = 300 * time.Millisecond
	cfg.FlowExpiry = time.Second
	return cfg
}

// ---------------------------------------------------------------------------
// Peer against a bare station
// ---------------------------------------------------------------------------

type capture struct {
	mu   sync.Mutex
	pkts []*protocol.Packet
	ch   chan *protocol.Packet
}

func listen(l transport.Link) *capture {
	c := &capture{ch: make(chan *protocol.Packet, 64)}
	l.OnReceive(func(src uint16, frame []byte) {
		pkt, err := protocol.Decode(frame)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.pkts = append(c.pkts, pkt)
		c.mu.Unlock()
		c.ch <- pkt
	})
	return c
}

func (c *capture) next(t *testing.T, typ protocol.Type) *protocol.Packet {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case pkt := <-c.ch:
			if pkt.Type == typ {
				return pkt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func (c *capture) count(typ protocol.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pkts {
		if p.Type == typ {
			n++
		}
	}
	return n
}

func sendRaw(t *testing.T, l transport.Link, dest uint16, h protocol.Header, payload []byte) {
	t.Helper()
	pkt, err := protocol.Encode(h, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Transmit(dest, pkt.Bytes()); err != nil {
		t.Fatal(err)
	}
}

func newPeer(t *testing.T, m *transport.Medium, opts Options) *Peer {
	t.Helper()
	cfg := config.Default()
	cfg.Address = peerAddr
	p, err := New(context.Background(), m.Attach(peerAddr), cfg, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPeerAnswersProbeWithJoin(t *testing.T) {
	m := transport.NewMedium()
	master := m.Attach(masterAddr)
	defer master.Close()
	rx := listen(master)
	p := newPeer(t, m, Options{})

	sendRaw(t, master, protocol.BroadcastAddr, protocol.Header{
		Master: masterAddr, Peer: protocol.BroadcastAddr, SeqNo: 9, Type: protocol.TypeProbe, SegCount: 1,
	}, nil)

	ack := rx.next(t, protocol.TypeAck)
	if ack.SeqNo != 9 || ack.Peer != peerAddr {
		t.Fatalf("probe ACK = %s", ack)
	}

	join := rx.next(t, protocol.TypeJoin)
	if join.Master != masterAddr || join.Peer != peerAddr || join.SeqNo != 0 {
		t.Fatalf("JOIN = %s", join)
	}
	if p.Master() != masterAddr {
		t.Fatalf("master = %04x", p.Master())
	}
}

func TestPeerSegmentsPollReply(t *testing.T) {
	m := transport.NewMedium()
	master := m.Attach(masterAddr)
	defer master.Close()
	rx := listen(master)

	data := reading(200)
	newPeer(t, m, Options{Source: func() []byte { return data }})

	sendRaw(t, master, peerAddr, protocol.Header{
		Master: masterAddr, Peer: peerAddr, SeqNo: 1, Type: protocol.TypePoll, SegCount: 1,
	}, nil)
	rx.next(t, protocol.TypeAck)

	var got []byte
	for i := 0; i < 3; i++ {
		seg := rx.next(t, protocol.TypeData)
		if int(seg.SegIndex) != i || seg.SegCount != 3 {
			t.Fatalf("segment %d = %s", i, seg)
		}
		if len(seg.Payload) > protocol.PeerSegmentSize {
			t.Fatalf("segment %d carries %d bytes", i, len(seg.Payload))
		}
		got = append(got, seg.Payload...)

		// Stop-and-wait: the next segment only follows this ACK.
		sendRaw(t, master, peerAddr, protocol.Header{
			Master: masterAddr, Peer: peerAddr, SeqNo: seg.SeqNo, Type: protocol.TypeAck, SegCount: 1, SegIndex: seg.SegIndex,
		}, nil)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("reassembled reading differs")
	}
}

func TestPeerGivesUpAfterRetxLimit(t *testing.T) {
	m := transport.NewMedium()
	master := m.Attach(masterAddr)
	defer master.Close()
	rx := listen(master)

	p := newPeer(t, m, Options{
		Source:      func() []byte { return reading(150) },
		RetxTimeout: 20 * time.Millisecond,
		RetxLimit:   2,
	})

	sendRaw(t, master, peerAddr, protocol.Header{
		Master: masterAddr, Peer: peerAddr, Type: protocol.TypePoll, SegCount: 1,
	}, nil)

	// The POLL reaches the peer asynchronously; wait for the reply to start.
	rx.next(t, protocol.TypeData)

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Expired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Longer than the retransmit timeout, so a stray resend would show up.
	time.Sleep(50 * time.Millisecond)
	if p.Queued() != 0 {
		t.Fatalf("%d segments still queued", p.Queued())
	}

	// One transmission plus two retransmissions of segment 0, nothing of segment 1.
	if n := rx.count(protocol.TypeData); n != 3 {
		t.Fatalf("DATA frames = %d, want 3", n)
	}
	if p.Stats().Expired.Load() != 1 {
		t.Fatalf("expired = %d, want 1", p.Stats().Expired.Load())
	}
}

func TestPeerNakDropsPackage(t *testing.T) {
	m := transport.NewMedium()
	master := m.Attach(masterAddr)
	defer master.Close()
	rx := listen(master)

	p := newPeer(t, m, Options{
		Source:      func() []byte { return reading(150) },
		RetxTimeout: time.Second,
	})

	sendRaw(t, master, peerAddr, protocol.Header{
		Master: masterAddr, Peer: peerAddr, Type: protocol.TypePoll, SegCount: 1,
	}, nil)
	seg := rx.next(t, protocol.TypeData)

	sendRaw(t, master, peerAddr, protocol.Header{
		Master: masterAddr, Peer: peerAddr, SeqNo: seg.SeqNo, Type: protocol.TypeNak, SegCount: 1, SegIndex: seg.SegIndex,
	}, nil)

	deadline := time.Now().Add(time.Second)
	for p.Queued() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Queued() != 0 {
		t.Fatalf("%d segments still queued after NAK", p.Queued())
	}
}

func TestPeerSetInvokesCallback(t *testing.T) {
	m := transport.NewMedium()
	master := m.Attach(masterAddr)
	defer master.Close()
	rx := listen(master)

	got := make(chan []byte, 1)
	newPeer(t, m, Options{OnSet: func(b []byte) { got <- append([]byte(nil), b...) }})

	sendRaw(t, master, peerAddr, protocol.Header{
		Master: masterAddr, Peer: peerAddr, SeqNo: 4, Type: protocol.TypeSet, SegCount: 1,
	}, []byte{0x10, 0x20})

	if ack := rx.next(t, protocol.TypeAck); ack.SeqNo != 4 {
		t.Fatalf("SET ACK = %s", ack)
	}
	select {
	case b := <-got:
		if !bytes.Equal(b, []byte{0x10, 0x20}) {
			t.Fatalf("SET payload = % x", b)
		}
	case <-time.After(time.Second):
		t.Fatal("OnSet not called")
	}
}

func TestPeerTruncatesOversizedReading(t *testing.T) {
	m := transport.NewMedium()
	p := newPeer(t, m, Options{RetxTimeout: time.Hour})

	// No master attached: the package stays queued behind its first segment.
	if err := p.Send(protocol.TypeData, reading(1000)); err != nil {
		t.Fatal(err)
	}
	if p.Queued() != protocol.PeerMaxSegments {
		t.Fatalf("queued = %d, want %d", p.Queued(), protocol.PeerMaxSegments)
	}
}

// ---------------------------------------------------------------------------
// Coordinator and peers end to end
// ---------------------------------------------------------------------------

type delivery struct {
	peer    uint16
	typ     protocol.Type
	payload []byte
}

func runCoordinator(t *testing.T, m *transport.Medium, cfg config.Config) (*engine.Engine, <-chan delivery) {
	t.Helper()
	out := make(chan delivery, 64)

	var e *engine.Engine
	e, err := engine.New(context.Background(), m.Attach(masterAddr), cfg, func(peer uint16, typ protocol.Type, payload []byte) {
		out <- delivery{peer: peer, typ: typ, payload: payload}
		if typ == protocol.TypeJoin {
			_ = e.Poll(peer)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e, out
}

func waitData(t *testing.T, out <-chan delivery, want map[uint16][]byte) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for len(want) > 0 {
		select {
		case d := <-out:
			if d.typ != protocol.TypeData {
				continue
			}
			exp, ok := want[d.peer]
			if !ok {
				continue
			}
			if !bytes.Equal(d.payload, exp) {
				t.Fatalf("peer %04x delivered %d bytes, want %d", d.peer, len(d.payload), len(exp))
			}
			delete(want, d.peer)
		case <-deadline:
			t.Fatalf("no DATA from %04x", want)
		}
	}
}

func TestProbePollEndToEnd(t *testing.T) {
	m := transport.NewMedium()
	e, out := runCoordinator(t, m, fastConfig(masterAddr))

	readings := map[uint16][]byte{
		0xC088: reading(200),
		0xC089: reading(40),
	}
	for addr, r := range readings {
		cfg := config.Default()
		cfg.Address = addr
		p, err := New(context.Background(), m.Attach(addr), cfg, Options{Source: func() []byte { return r }})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { p.Close() })
	}

	if err := e.Probe(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if got := e.Peers(); len(got) != 2 || got[0] != 0xC088 || got[1] != 0xC089 {
		t.Fatalf("peers = %04x", got)
	}

	want := make(map[uint16][]byte, len(readings))
	for k, v := range readings {
		want[k] = v
	}
	waitData(t, out, want)
}

func TestEndToEndOverLossyLink(t *testing.T) {
	m := transport.NewMedium()
	cfg := fastConfig(masterAddr)
	cfg.InboundLoss = 0.2
	cfg.LossSeed = 42
	cfg.ProbeDuration = 500 * time.Millisecond
	e, out := runCoordinator(t, m, cfg)

	data := reading(300)
	pcfg := config.Default()
	pcfg.Address = peerAddr
	p, err := New(context.Background(), m.Attach(peerAddr), pcfg, Options{Source: func() []byte { return data }})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	if err := e.Probe(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	waitData(t, out, map[uint16][]byte{peerAddr: data})

	if e.Stats().LossDropped.Load() == 0 {
		t.Fatal("loss simulator never dropped a frame")
	}
}
