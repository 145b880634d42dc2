// airhub: simulated radio medium.
//
// Stations attach over WebSocket (/ws) or WebRTC DataChannel (/rtc) under a
// 16-bit address. Every frame a station transmits is relayed to the
// addressed station, or to all others for FFFF.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtrans/internal/airhub"
	"github.com/1ureka/rtrans/internal/config"
	"github.com/1ureka/rtrans/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	listen := flag.String("listen", "127.0.0.1:7700", "Listen address (use :7700 for LAN access)")
	loss := flag.Float64("loss", 0, "Probability of losing a relayed frame")
	seed := flag.Uint64("seed", 1, "Loss simulator seed")
	noStun := flag.Bool("nostun", false, "Do not use public STUN servers for DataChannel stations")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}
	if *loss < 0 || *loss > 1 {
		util.LogError("invalid -loss: must be within [0, 1]")
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("airhub — v%s", version))
	pterm.Println()

	opts := airhub.Options{Loss: *loss, LossSeed: *seed, ICEServers: config.DefaultICEServers}
	if *noStun {
		opts.ICEServers = nil
	}

	hub := airhub.New(opts)
	srv, err := airhub.Listen(*listen, hub)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.DefaultBox.WithTitle("Air Hub").Println(fmt.Sprintf(
		"Port : %d\nWS   : ws://%s/ws?addr=XXXX\nRTC  : ws://%s/rtc?addr=XXXX\nLoss : %.0f%%",
		srv.Port(), *listen, *listen, *loss*100))
	pterm.Println()

	util.StartStatsReporter(ctx, hub.Stats(), 10*time.Second)

	if err := srv.Serve(ctx); err != nil {
		util.LogError("hub stopped: %v", err)
		os.Exit(1)
	}

	util.LogInfo("hub closed")
}
