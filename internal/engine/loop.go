package engine

import (
	"cmp"
	"slices"
	"time"

	"github.com/1ureka/rtrans/internal/protocol"
	"github.com/1ureka/rtrans/internal/util"
)

// event is anything the loop processes: an inbound frame, a timer expiry or
// an API command.
type event any

type frameEvent struct {
	src uint16
	raw []byte
}

// flowExpired fires when a reassembly buffer made no progress for FlowExpiry.
type flowExpired struct {
	key flowKey
	gen uint64
}

// pollExpired fires when a polled peer did not answer within PollRetry.
type pollExpired struct {
	peer uint16
	gen  uint64
}

// command runs fn on the loop and closes done.
type command struct {
	fn   func()
	done chan struct{}
}

// loop is the single owner of all protocol tables.
func (e *Engine) loop() {
	defer close(e.loopDone)
	defer e.stopTimers()

	for {
		select {
		case <-e.events.ready():
			for _, ev := range e.events.drain() {
				if e.ctx.Err() != nil {
					return
				}
				e.dispatch(ev)
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) dispatch(ev event) {
	switch ev := ev.(type) {
	case frameEvent:
		e.handleFrame(ev.src, ev.raw)
	case flowExpired:
		e.expireFlow(ev)
	case pollExpired:
		e.retryPoll(ev)
	case command:
		ev.fn()
		close(ev.done)
	}
}

// do runs fn on the loop and waits for it. Must not be called from the loop.
func (e *Engine) do(fn func()) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	done := make(chan struct{})
	e.events.push(command{fn: fn, done: done})

	select {
	case <-done:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// stopTimers cancels every armed timer on shutdown.
func (e *Engine) stopTimers() {
	for key, f := range e.flows {
		f.stop()
		delete(e.flows, key)
	}
	for peer, w := range e.waits {
		w.stop()
		delete(e.waits, peer)
	}
}

// after arms a one-shot timer that posts ev back into the loop. Every arm
// gets a fresh generation; a fired timer whose generation no longer matches
// its table entry is ignored, so stopping a timer whose callback already ran
// has no effect.
func (e *Engine) after(d time.Duration, ev func(gen uint64) event) (*time.Timer, uint64) {
	e.gen++
	gen := e.gen
	t := time.AfterFunc(d, func() {
		e.events.push(ev(gen))
	})
	return t, gen
}

// ---------------------------------------------------------------------------
// Frame handling
// ---------------------------------------------------------------------------

func (e *Engine) handleFrame(src uint16, raw []byte) {
	pkt, err := protocol.Decode(raw)
	if err != nil {
		e.stats.Malformed.Add(1)
		util.LogWarning("[%04x] malformed frame dropped: %v", src, err)
		return
	}

	if !pkt.Valid {
		e.stats.BadChecksum.Add(1)
		if e.cfg.StrictChecksum {
			util.LogWarning("[%04x] bad checksum, dropping %s", src, pkt)
			return
		}
		util.LogDebug("[%04x] bad checksum, processing anyway: %s", src, pkt)
	}

	e.ack(src, pkt)

	switch pkt.Type {
	case protocol.TypeJoin:
		if _, ok := e.peers[pkt.Peer]; !ok {
			util.LogDebug("[%04x] joined", pkt.Peer)
		}
		e.peers[pkt.Peer] = struct{}{}

	case protocol.TypeData:
		e.handleData(pkt)

	default:
		// ACK, NAK, PROBE, POLL, SET and ERR need nothing beyond the ACK on
		// the coordinator side.
		util.LogDebug("[%04x] %s acknowledged", src, pkt)
	}
}

func (e *Engine) handleData(pkt *protocol.Packet) {
	key := flowKey{peer: pkt.Peer, seqNo: pkt.SeqNo}

	if pkt.SegIndex == 0 {
		e.cancelPoll(pkt.Peer)
	}

	switch {
	case pkt.Single():
		e.notify(pkt.Peer, protocol.TypeData, pkt.Payload)

	case pkt.SegIndex == 0:
		if old, ok := e.flows[key]; ok {
			old.stop()
		}
		f := newFlow(pkt)
		e.flows[key] = f
		e.armFlow(key, f)

	default:
		f, ok := e.flows[key]
		if !ok {
			e.stats.Unexpected.Add(1)
			util.LogWarning("[%04x] unexpected segment %04x/%d.%d", pkt.Peer, pkt.Peer, pkt.SeqNo, pkt.SegIndex)
			return
		}

		f.stop()
		if f.feed(pkt) && pkt.Last() {
			delete(e.flows, key)
			e.notify(pkt.Peer, pkt.Type, f.payload())
			return
		}
		// Progress, duplicate or gap: wait for the next expected segment.
		e.armFlow(key, f)
	}
}

func (e *Engine) armFlow(key flowKey, f *flow) {
	f.timer, f.gen = e.after(e.cfg.FlowExpiry, func(gen uint64) event {
		return flowExpired{key: key, gen: gen}
	})
}

func (e *Engine) expireFlow(ev flowExpired) {
	f, ok := e.flows[ev.key]
	if !ok || f.gen != ev.gen {
		return
	}
	delete(e.flows, ev.key)
	e.stats.Expired.Add(1)
	util.LogWarning("flow %04x/%d expired after %d of %d segments",
		ev.key.peer, ev.key.seqNo, len(f.segs), f.segs[0].SegCount)
}

// ---------------------------------------------------------------------------
// Polling
// ---------------------------------------------------------------------------

func (e *Engine) startPoll(peer uint16) {
	w, ok := e.waits[peer]
	if ok {
		w.stop()
	} else {
		w = &pollWait{}
		e.waits[peer] = w
	}
	w.timer, w.gen = e.after(e.cfg.PollRetry, func(gen uint64) event {
		return pollExpired{peer: peer, gen: gen}
	})

	util.LogInfo("sending poll to %04x", peer)
	if err := e.Send(peer, protocol.TypePoll, nil); err != nil {
		util.LogWarning("[%04x] poll failed: %v", peer, err)
		return
	}
	e.stats.PollsSent.Add(1)
}

func (e *Engine) retryPoll(ev pollExpired) {
	w, ok := e.waits[ev.peer]
	if !ok || w.gen != ev.gen {
		return
	}
	e.startPoll(ev.peer)
}

func (e *Engine) cancelPoll(peer uint16) {
	if w, ok := e.waits[peer]; ok {
		w.stop()
		delete(e.waits, peer)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) sortedPeers() []uint16 {
	return sortedKeys(e.peers)
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
