package airhub

import (
	"context"
	"fmt"

	"github.com/1ureka/rtrans/internal/config"
	"github.com/1ureka/rtrans/internal/signaling"
	"github.com/1ureka/rtrans/internal/transport"
)

// Dial attaches a station at cfg.Address to the hub at cfg.HubURL, over the
// link kind cfg.Link selects.
func Dial(ctx context.Context, cfg config.Config) (transport.Link, error) {
	switch cfg.Link {
	case config.LinkWS, "":
		return transport.DialWS(ctx, cfg.HubURL, cfg.Address)
	case config.LinkRTC:
		ice := cfg.ICEServers
		if ice == nil {
			ice = config.DefaultICEServers
		}
		return signaling.EstablishRTC(ctx, cfg.HubURL, cfg.Address, ice)
	default:
		return nil, fmt.Errorf("unknown link kind %q", cfg.Link)
	}
}
