package engine

import (
	"context"
	"time"

	"github.com/1ureka/rtrans/internal/protocol"
	"github.com/1ureka/rtrans/internal/util"
)

// Probe runs one discovery window. It clears the discovered-peer set, then
// broadcasts PROBE every ProbeCadence for duration (two sends per second
// with the default cadence). JOINs received meanwhile only populate the set;
// once the last broadcast's interval has elapsed, one JOIN notification per
// discovered peer is delivered to the Handler. Notifications are never
// interleaved with the broadcasts.
//
// A zero duration uses the configured ProbeDuration. If ctx is cancelled
// mid-window no notifications are delivered.
func (e *Engine) Probe(ctx context.Context, duration time.Duration) error {
	if duration == 0 {
		duration = e.cfg.ProbeDuration
	}
	cadence := e.cfg.ProbeCadence

	if err := e.do(func() { clear(e.peers) }); err != nil {
		return err
	}

	rounds := int(duration / cadence)
	for i := 0; i < rounds; i++ {
		util.LogInfo("sending probe (%d)...", i)
		if err := e.Send(protocol.BroadcastAddr, protocol.TypeProbe, nil); err != nil {
			return err
		}

		t := time.NewTimer(cadence)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-e.ctx.Done():
			t.Stop()
			return ErrClosed
		}
	}

	return e.do(func() {
		peers := e.sortedPeers()
		util.LogInfo("probe finished: %d peer(s)", len(peers))
		for _, p := range peers {
			e.notify(p, protocol.TypeJoin, []byte{})
		}
	})
}
