// Package engine implements the coordinator side of the radio transport: it
// ACKs every inbound frame, reassembles segmented DATA packages, keeps
// re-sending POLL until a peer answers, and runs the PROBE/JOIN discovery
// window.
//
// All protocol state (reassembly buffers, poll waits, discovered peers) is
// owned by a single event-loop goroutine. Inbound frames, timer expiries and
// API commands are posted to its mailbox, so no table is ever touched from
// two goroutines. Application callbacks run on a separate notifier goroutine
// and may call back into the engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/rtrans/internal/config"
	"github.com/1ureka/rtrans/internal/protocol"
	"github.com/1ureka/rtrans/internal/transport"
	"github.com/1ureka/rtrans/internal/util"
)

// ErrClosed is returned by operations on an engine that has been shut down.
var ErrClosed = errors.New("engine closed")

// Handler receives completed deliveries: single-segment DATA, reassembled
// DATA and the JOIN notifications synthesized after a probe window.
type Handler func(peer uint16, typ protocol.Type, payload []byte)

// delivery is one queued Handler invocation.
type delivery struct {
	peer    uint16
	typ     protocol.Type
	payload []byte
}

// Engine is a coordinator bound to one radio link.
type Engine struct {
	link    transport.Link
	cfg     config.Config
	handler Handler

	seq     seqGen
	stats   *util.Stats
	inLoss  *util.LossSim
	outLoss *util.LossSim

	events     *mailbox[event]
	deliveries *mailbox[delivery]

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	// Loop-owned state. Never touched outside the event loop.
	flows map[flowKey]*flow
	waits map[uint16]*pollWait
	peers map[uint16]struct{}
	gen   uint64
}

// New validates cfg, registers the engine as the link's receiver and starts
// the event loop and notifier. The engine shuts down when ctx is cancelled
// or Close is called; either way the link is closed by Close.
func New(ctx context.Context, link transport.Link, cfg config.Config, handler Handler) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil {
		handler = func(uint16, protocol.Type, []byte) {}
	}

	eCtx, eCancel := context.WithCancel(ctx)

	e := &Engine{
		link:       link,
		cfg:        cfg,
		handler:    handler,
		stats:      new(util.Stats),
		inLoss:     util.NewLossSim(cfg.InboundLoss, cfg.LossSeed),
		outLoss:    util.NewLossSim(cfg.OutboundLoss, cfg.LossSeed+1),
		events:     newMailbox[event](),
		deliveries: newMailbox[delivery](),
		ctx:        eCtx,
		cancel:     eCancel,
		loopDone:   make(chan struct{}),
		flows:      make(map[flowKey]*flow),
		waits:      make(map[uint16]*pollWait),
		peers:      make(map[uint16]struct{}),
	}

	link.OnReceive(e.receive)

	go e.loop()
	go e.notifier()

	return e, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed once the engine starts shutting down.
func (e *Engine) Done() <-chan struct{} {
	return e.ctx.Done()
}

// Wait blocks until ctx is cancelled (typically by an interrupt signal) or the
// engine is shut down, then closes the engine.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-e.ctx.Done():
	}
	return e.Close()
}

// Close stops the event loop, cancels every pending timer and releases the
// link. It is safe to call more than once and from a Handler.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		<-e.loopDone
		if err := e.link.Close(); err != nil {
			e.closeErr = fmt.Errorf("close link: %w", err)
		}
	})
	return e.closeErr
}

// Stats returns the live traffic counters of this engine.
func (e *Engine) Stats() *util.Stats {
	return e.stats
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send transmits a single-segment packet to dest under a fresh package
// number. It does not wait for an acknowledgment.
func (e *Engine) Send(dest uint16, typ protocol.Type, payload []byte) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	if len(payload) > protocol.MaxPayloadSize {
		return fmt.Errorf("send %s to %04x: %w", typ, dest, protocol.ErrPayloadTooLarge)
	}

	return e.transmit(dest, protocol.Header{
		Master:   e.cfg.Address,
		Peer:     dest,
		SeqNo:    e.seq.Next(),
		Type:     typ,
		SegCount: 1,
		SegIndex: 0,
	}, payload)
}

// Poll asks peer for data and keeps re-sending POLL every PollRetry until
// the first DATA segment from that peer arrives or the engine shuts down.
// Polling a peer that is already awaited restarts its retry timer.
func (e *Engine) Poll(peer uint16) error {
	return e.do(func() { e.startPoll(peer) })
}

// transmit encodes a frame and hands it to the link, unless the outbound
// loss simulator swallows it.
func (e *Engine) transmit(dest uint16, hdr protocol.Header, payload []byte) error {
	pkt, err := protocol.Encode(hdr, payload)
	if err != nil {
		return err
	}

	if e.outLoss.Drop() {
		e.stats.LossDropped.Add(1)
		util.LogDebug("[%04x] simulated loss: %s", dest, pkt)
		return nil
	}

	if err := e.link.Transmit(dest, pkt.Bytes()); err != nil {
		return fmt.Errorf("transmit %s to %04x: %w", hdr.Type, dest, err)
	}
	e.stats.AddSent(pkt.Len())
	return nil
}

// ack answers pkt with an ACK echoing its package and segment number. ACKs
// reuse the sender's package number and do not advance the outbound counter.
func (e *Engine) ack(src uint16, pkt *protocol.Packet) {
	err := e.transmit(src, protocol.Header{
		Master:   e.cfg.Address,
		Peer:     src,
		SeqNo:    pkt.SeqNo,
		Type:     protocol.TypeAck,
		SegCount: 1,
		SegIndex: pkt.SegIndex,
	}, nil)
	if err != nil {
		util.LogWarning("[%04x] ACK failed: %v", src, err)
		return
	}
	e.stats.AcksSent.Add(1)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Peers returns the addresses that answered the current (or last) probe,
// in ascending order.
func (e *Engine) Peers() []uint16 {
	var out []uint16
	if err := e.do(func() { out = e.sortedPeers() }); err != nil {
		return nil
	}
	return out
}

// Pending returns the number of packages currently in reassembly.
func (e *Engine) Pending() int {
	n := 0
	_ = e.do(func() { n = len(e.flows) })
	return n
}

// Waiting returns the peers with an outstanding POLL, in ascending order.
func (e *Engine) Waiting() []uint16 {
	var out []uint16
	_ = e.do(func() { out = sortedKeys(e.waits) })
	return out
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// receive is the link callback. The inbound loss simulator runs here, before
// the frame is queued for processing.
func (e *Engine) receive(src uint16, frame []byte) {
	if e.ctx.Err() != nil {
		return
	}
	e.stats.AddRecv(len(frame))

	if e.inLoss.Drop() {
		e.stats.LossDropped.Add(1)
		util.LogDebug("[%04x] simulated loss on receive (%d bytes)", src, len(frame))
		return
	}

	raw := make([]byte, len(frame))
	copy(raw, frame)
	e.events.push(frameEvent{src: src, raw: raw})
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// notify queues a delivery for the application. Called from the loop only.
func (e *Engine) notify(peer uint16, typ protocol.Type, payload []byte) {
	e.stats.Delivered.Add(1)
	e.deliveries.push(delivery{peer: peer, typ: typ, payload: payload})
}

// notifier invokes the Handler in delivery order until shutdown.
func (e *Engine) notifier() {
	for {
		select {
		case <-e.deliveries.ready():
			for _, d := range e.deliveries.drain() {
				if e.ctx.Err() != nil {
					return
				}
				e.handler(d.peer, d.typ, d.payload)
			}
		case <-e.ctx.Done():
			return
		}
	}
}
