// rtpeer: simulated sensor station.
//
// Attaches to an air hub, answers PROBE with JOIN and POLL with a reading of
// -size bytes (a counter followed by a timestamp, padded with a byte ramp).
package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtrans/internal/airhub"
	"github.com/1ureka/rtrans/internal/config"
	"github.com/1ureka/rtrans/internal/protocol"
	"github.com/1ureka/rtrans/internal/sim"
	"github.com/1ureka/rtrans/internal/transport"
	"github.com/1ureka/rtrans/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hubURL := flag.String("hub", "127.0.0.1:7700", "Air hub address")
	link := flag.String("link", string(config.LinkWS), "Link to the hub: ws or rtc")
	addr := flag.String("addr", "C088", "Own radio address (hex)")
	size := flag.Int("size", 120, "Reading size in bytes (at most 534)")
	loss := flag.Float64("loss", 0, "Simulated loss probability, applied to received and transmitted frames")
	seed := flag.Uint64("seed", 2, "Loss simulator seed")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("rtpeer — v%s", version))
	pterm.Println()

	address, err := config.ParseAddress(*addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *size < 0 || *size > protocol.PeerSegmentSize*protocol.PeerMaxSegments {
		util.LogError("invalid -size: must be 0 ~ %d", protocol.PeerSegmentSize*protocol.PeerMaxSegments)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Address = address
	cfg.Link = config.LinkKind(*link)
	cfg.HubURL = *hubURL
	cfg.InboundLoss = *loss
	cfg.OutboundLoss = *loss
	cfg.LossSeed = *seed
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, *size); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("peer stopped")
}

func run(ctx context.Context, cfg config.Config, size int) error {
	link, err := airhub.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to attach to hub: %w", err)
	}

	p, err := sim.New(ctx, link, cfg, sim.Options{
		Source: readings(size),
		OnSet: func(payload []byte) {
			util.LogInfo("SET received: %s", strings.ToUpper(hex.EncodeToString(payload)))
		},
	})
	if err != nil {
		link.Close()
		return err
	}
	defer p.Close()

	util.StartStatsReporter(ctx, p.Stats(), 10*time.Second)
	util.LogSuccess("attached to %s as %s over %s", cfg.HubURL, config.FormatAddress(cfg.Address), cfg.Link)

	select {
	case <-ctx.Done():
	case <-transport.Done(link):
		util.LogWarning("lost the hub connection")
	}
	return nil
}

// readings returns a Source producing size-byte readings.
func readings(size int) sim.Source {
	var n atomic.Uint32
	return func() []byte {
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = byte(i)
		}
		var hdr [12]byte
		binary.LittleEndian.PutUint32(hdr[0:4], n.Add(1))
		binary.LittleEndian.PutUint64(hdr[4:12], uint64(time.Now().UnixMilli()))
		copy(buf, hdr[:])
		util.LogDebug("serving reading #%d (%d bytes)", n.Load(), size)
		return buf
	}
}
