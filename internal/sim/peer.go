// Package sim implements a peer station: the sensor side of the radio
// protocol. It answers PROBE with JOIN and POLL with a reading, sending one
// segment at a time and waiting for its ACK before the next.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/rtrans/internal/config"
	"github.com/1ureka/rtrans/internal/protocol"
	"github.com/1ureka/rtrans/internal/transport"
	"github.com/1ureka/rtrans/internal/util"
)

// Retransmission defaults of the peer firmware.
const (
	DefaultRetxTimeout = 200 * time.Millisecond
	DefaultRetxLimit   = 4
)

// ErrClosed is returned by operations on a closed Peer.
var ErrClosed = errors.New("peer closed")

// Source produces the reading sent in reply to a POLL.
type Source func() []byte

// Options tunes a Peer.
type Options struct {
	Source      Source
	OnSet       func(payload []byte) // invoked for every SET, on the receive goroutine
	RetxTimeout time.Duration
	RetxLimit   int
}

type ackEvent struct {
	typ   protocol.Type
	seqNo uint16
	seg   uint8
}

// Peer is a simulated sensor station bound to one link.
type Peer struct {
	link transport.Link
	cfg  config.Config
	opts Options

	stats   *util.Stats
	inLoss  *util.LossSim
	outLoss *util.LossSim

	mu     sync.Mutex
	master uint16
	seq    uint16
	queue  []*protocol.Packet // outbound segments, front is in flight

	kick chan struct{}
	acks chan ackEvent

	ctx    context.Context
	cancel context.CancelFunc
	txDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New registers a peer station at cfg.Address on link and starts its
// transmit loop.
func New(ctx context.Context, link transport.Link, cfg config.Config, opts Options) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Source == nil {
		opts.Source = func() []byte { return nil }
	}
	if opts.RetxTimeout <= 0 {
		opts.RetxTimeout = DefaultRetxTimeout
	}
	if opts.RetxLimit <= 0 {
		opts.RetxLimit = DefaultRetxLimit
	}

	pCtx, pCancel := context.WithCancel(ctx)

	p := &Peer{
		link:    link,
		cfg:     cfg,
		opts:    opts,
		stats:   new(util.Stats),
		inLoss:  util.NewLossSim(cfg.InboundLoss, cfg.LossSeed),
		outLoss: util.NewLossSim(cfg.OutboundLoss, cfg.LossSeed+1),
		master:  protocol.NoMaster,
		kick:    make(chan struct{}, 1),
		acks:    make(chan ackEvent, 64),
		ctx:     pCtx,
		cancel:  pCancel,
		txDone:  make(chan struct{}),
	}

	link.OnReceive(p.receive)
	go p.txLoop()

	return p, nil
}

// Master returns the coordinator address learned from the last PROBE or
// POLL, or 0xFFFF if none was heard yet.
func (p *Peer) Master() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.master
}

// Queued returns the number of segments waiting to be delivered.
func (p *Peer) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns the live traffic counters of this station.
func (p *Peer) Stats() *util.Stats {
	return p.stats
}

// Done returns a channel that is closed once the peer starts shutting down.
func (p *Peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Close stops the transmit loop and releases the link.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.txDone
		if err := p.link.Close(); err != nil {
			p.closeErr = fmt.Errorf("close link: %w", err)
		}
	})
	return p.closeErr
}

// Send queues payload for the master as one package of up to
// PeerMaxSegments segments. Longer payloads are truncated.
func (p *Peer) Send(typ protocol.Type, payload []byte) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}

	p.mu.Lock()
	err := p.enqueueLocked(typ, payload)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

func (p *Peer) enqueueLocked(typ protocol.Type, payload []byte) error {
	limit := protocol.PeerSegmentSize * protocol.PeerMaxSegments
	if len(payload) > limit {
		util.LogWarning("[%04x] %s payload of %d bytes truncated to %d", p.cfg.Address, typ, len(payload), limit)
		payload = payload[:limit]
	}

	segs := protocol.Split(payload, protocol.PeerSegmentSize)
	seqNo := p.seq
	p.seq++

	pkts := make([]*protocol.Packet, 0, len(segs))
	for i, seg := range segs {
		pkt, err := protocol.Encode(protocol.Header{
			Master:   p.master,
			Peer:     p.cfg.Address,
			SeqNo:    seqNo,
			Type:     typ,
			SegCount: uint8(len(segs)),
			SegIndex: uint8(i),
		}, seg)
		if err != nil {
			return err
		}
		pkts = append(pkts, pkt)
	}
	p.queue = append(p.queue, pkts...)
	return nil
}

// hasQueuedLocked reports whether a package of typ is already waiting.
func (p *Peer) hasQueuedLocked(typ protocol.Type) bool {
	for _, pkt := range p.queue {
		if pkt.Type == typ {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (p *Peer) receive(src uint16, frame []byte) {
	if p.ctx.Err() != nil {
		return
	}
	p.stats.AddRecv(len(frame))

	if p.inLoss.Drop() {
		p.stats.LossDropped.Add(1)
		return
	}

	pkt, err := protocol.Decode(frame)
	if err != nil {
		p.stats.Malformed.Add(1)
		util.LogWarning("[%04x] malformed frame from %04x: %v", p.cfg.Address, src, err)
		return
	}
	if !pkt.Valid {
		p.stats.BadChecksum.Add(1)
		util.LogDebug("[%04x] bad checksum from %04x, dropping %s", p.cfg.Address, src, pkt)
		return
	}

	switch pkt.Type {
	case protocol.TypeProbe:
		p.ack(src, pkt)
		p.mu.Lock()
		p.master = pkt.Master
		joining := p.hasQueuedLocked(protocol.TypeJoin)
		p.mu.Unlock()
		if !joining {
			p.queueReply(protocol.TypeJoin, nil)
		}

	case protocol.TypePoll:
		p.ack(src, pkt)
		p.mu.Lock()
		p.master = pkt.Master
		p.mu.Unlock()
		p.queueReply(protocol.TypeData, p.opts.Source())

	case protocol.TypeSet:
		p.ack(src, pkt)
		if p.opts.OnSet != nil {
			p.opts.OnSet(pkt.Payload)
		}

	case protocol.TypeAck, protocol.TypeNak:
		select {
		case p.acks <- ackEvent{typ: pkt.Type, seqNo: pkt.SeqNo, seg: pkt.SegIndex}:
		default:
		}

	default:
		util.LogDebug("[%04x] ignoring %s", p.cfg.Address, pkt)
	}
}

func (p *Peer) queueReply(typ protocol.Type, payload []byte) {
	if err := p.Send(typ, payload); err != nil && !errors.Is(err, ErrClosed) {
		util.LogWarning("[%04x] queue %s: %v", p.cfg.Address, typ, err)
	}
}

// ack answers pkt immediately, outside the reliable queue.
func (p *Peer) ack(src uint16, pkt *protocol.Packet) {
	reply, err := protocol.Encode(protocol.Header{
		Master:   pkt.Master,
		Peer:     p.cfg.Address,
		SeqNo:    pkt.SeqNo,
		Type:     protocol.TypeAck,
		SegCount: 1,
		SegIndex: pkt.SegIndex,
	}, nil)
	if err != nil {
		return
	}
	if p.transmit(src, reply) {
		p.stats.AcksSent.Add(1)
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (p *Peer) transmit(dest uint16, pkt *protocol.Packet) bool {
	if p.outLoss.Drop() {
		p.stats.LossDropped.Add(1)
		return false
	}
	if err := p.link.Transmit(dest, pkt.Bytes()); err != nil {
		util.LogWarning("[%04x] transmit %s: %v", p.cfg.Address, pkt, err)
		return false
	}
	p.stats.AddSent(pkt.Len())
	return true
}

func (p *Peer) front() *protocol.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	return p.queue[0]
}

// pop removes the acknowledged front segment.
func (p *Peer) pop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		p.queue = p.queue[1:]
	}
}

// dropPackage removes the front segment and every following segment of the
// same package.
func (p *Peer) dropPackage(seqNo uint16) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for len(p.queue) > 0 && p.queue[0].SeqNo == seqNo {
		p.queue = p.queue[1:]
		n++
	}
	return n
}

// txLoop sends the queue one segment at a time: transmit, wait for the
// matching ACK, retransmit on timeout, give up on the package after
// RetxLimit retransmissions or a NAK.
func (p *Peer) txLoop() {
	defer close(p.txDone)

	for {
		pkt := p.front()
		if pkt == nil {
			select {
			case <-p.kick:
				continue
			case <-p.ctx.Done():
				return
			}
		}

		dest := pkt.Master
		if dest == protocol.NoMaster {
			dest = protocol.BroadcastAddr
		}
		if !p.deliver(dest, pkt) {
			return
		}
	}
}

// deliver runs stop-and-wait for one segment. It returns false on shutdown.
func (p *Peer) deliver(dest uint16, pkt *protocol.Packet) bool {
	p.transmit(dest, pkt)

	timer := time.NewTimer(p.opts.RetxTimeout)
	defer timer.Stop()

	retx := 0
	for {
		select {
		case ev := <-p.acks:
			if ev.seqNo != pkt.SeqNo || ev.seg != pkt.SegIndex {
				continue
			}
			if ev.typ == protocol.TypeNak {
				n := p.dropPackage(pkt.SeqNo)
				util.LogWarning("[%04x] NAK for %s, dropped %d segments", p.cfg.Address, pkt, n)
				return true
			}
			p.pop()
			return true

		case <-timer.C:
			retx++
			if retx > p.opts.RetxLimit {
				n := p.dropPackage(pkt.SeqNo)
				p.stats.Expired.Add(1)
				util.LogWarning("[%04x] no ACK for %s after %d retransmissions, dropped %d segments",
					p.cfg.Address, pkt, p.opts.RetxLimit, n)
				return true
			}
			util.LogDebug("[%04x] retransmitting %s (%d/%d)", p.cfg.Address, pkt, retx, p.opts.RetxLimit)
			p.transmit(dest, pkt)
			timer.Reset(p.opts.RetxTimeout)

		case <-p.ctx.Done():
			return false
		}
	}
}
