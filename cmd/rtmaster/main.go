// rtmaster: coordinator CLI.
//
// Attaches to an air hub as the master station, probes for peers, polls every
// peer that joins and prints the readings they send back. Each peer is
// polled again -interval after its reading arrives.
//
// It can be launched interactively (no -hub) or non-interactively via CLI
// flags.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtrans/internal/airhub"
	"github.com/1ureka/rtrans/internal/config"
	"github.com/1ureka/rtrans/internal/engine"
	"github.com/1ureka/rtrans/internal/protocol"
	"github.com/1ureka/rtrans/internal/transport"
	"github.com/1ureka/rtrans/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	hubURL := flag.String("hub", "", "Air hub address, e.g. 127.0.0.1:7700 or wss://hub.example.com")
	link := flag.String("link", string(config.LinkWS), "Link to the hub: ws or rtc")
	addr := flag.String("addr", "0001", "Own radio address (hex)")
	loss := flag.Float64("loss", 0, "Simulated loss probability, applied to received and transmitted frames")
	seed := flag.Uint64("seed", 1, "Loss simulator seed")
	flag.DurationVar(&cfg.ProbeDuration, "probe", cfg.ProbeDuration, "Probe window")
	flag.DurationVar(&cfg.ProbeCadence, "cadence", cfg.ProbeCadence, "Interval between PROBE broadcasts")
	flag.DurationVar(&cfg.FlowExpiry, "expiry", cfg.FlowExpiry, "Reassembly timeout without progress")
	flag.DurationVar(&cfg.PollRetry, "retry", cfg.PollRetry, "POLL retransmission interval")
	flag.BoolVar(&cfg.StrictChecksum, "strict", false, "Drop frames with a bad checksum instead of processing them")
	interval := flag.Duration("interval", 5*time.Second, "Delay before polling a peer again after its reading (0 polls once)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("rtmaster — v%s", version))
	pterm.Println()

	address, err := config.ParseAddress(*addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	cfg.Address = address
	cfg.Link = config.LinkKind(*link)
	cfg.InboundLoss = *loss
	cfg.OutboundLoss = *loss
	cfg.LossSeed = *seed

	cfg.HubURL = *hubURL
	if cfg.HubURL == "" {
		cfg.HubURL = askHub()
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, *interval); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("coordinator stopped")
}

// run attaches to the hub and drives probe → poll → print until ctx ends.
func run(ctx context.Context, cfg config.Config, interval time.Duration) error {
	link, err := airhub.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to attach to hub: %w", err)
	}

	c := newCoordinator(interval)
	e, err := engine.New(ctx, link, cfg, c.handle)
	if err != nil {
		link.Close()
		return err
	}
	c.bind(e)

	util.StartStatsReporter(ctx, e.Stats(), 10*time.Second)
	util.LogSuccess("attached to %s as %s over %s", cfg.HubURL, config.FormatAddress(cfg.Address), cfg.Link)

	if err := e.Probe(ctx, 0); err != nil && ctx.Err() == nil {
		e.Close()
		return fmt.Errorf("probe failed: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-transport.Done(link):
		util.LogWarning("lost the hub connection")
	}
	return e.Close()
}

// coordinator reacts to engine deliveries: it polls every peer that joins
// and schedules the next poll after each reading. Deliveries can start as
// soon as engine.New returns, so handle blocks until bind publishes the
// engine.
type coordinator struct {
	interval time.Duration
	ready    chan struct{}
	e        *engine.Engine
}

func newCoordinator(interval time.Duration) *coordinator {
	return &coordinator{interval: interval, ready: make(chan struct{})}
}

// bind publishes e to handle. It must be called exactly once.
func (c *coordinator) bind(e *engine.Engine) {
	c.e = e
	close(c.ready)
}

func (c *coordinator) handle(peer uint16, typ protocol.Type, payload []byte) {
	<-c.ready

	switch typ {
	case protocol.TypeJoin:
		util.LogSuccess("join from %04X", peer)
		c.poll(peer)

	case protocol.TypeData:
		util.LogSuccess("data from %04X (%d bytes)", peer, len(payload))
		pterm.Println(strings.TrimRight(hex.Dump(payload), "\n"))
		if c.interval > 0 {
			time.AfterFunc(c.interval, func() { c.poll(peer) })
		}
	}
}

func (c *coordinator) poll(peer uint16) {
	if err := c.e.Poll(peer); err != nil && !errors.Is(err, engine.ErrClosed) {
		util.LogWarning("poll %04X: %v", peer, err)
	}
}

// askHub prompts the user for the hub address until a non-empty one is entered.
func askHub() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Air hub address (e.g. 127.0.0.1:7700)").
			Show()

		pterm.Println()
		if s := strings.TrimSpace(raw); s != "" {
			return s
		}
		util.LogWarning("invalid input: please enter the hub address")
	}
}
