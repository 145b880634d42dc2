// Package config holds the coordinator and peer station configuration.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LinkKind selects how a station reaches the radio medium.
type LinkKind string

const (
	LinkWS  LinkKind = "ws"  // frames over a WebSocket to the air hub
	LinkRTC LinkKind = "rtc" // frames over an unreliable WebRTC DataChannel to the air hub
)

// Protocol timing defaults. One protocol time unit is one second.
const (
	DefaultFlowExpiry    = 5 * time.Second
	DefaultPollRetry     = 2 * time.Second
	DefaultProbeCadence  = 500 * time.Millisecond
	DefaultProbeDuration = 5 * time.Second
)

// DefaultICEServers are used for DataChannel links when none are given.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config stores every parameter of a station, gathered from CLI flags or
// interactive prompts.
type Config struct {
	Address uint16 // own 16-bit radio address

	InboundLoss  float64 // probability of dropping a received frame
	OutboundLoss float64 // probability of dropping a transmitted frame
	LossSeed     uint64

	ProbeDuration time.Duration
	ProbeCadence  time.Duration
	FlowExpiry    time.Duration // reassembly buffer lifetime without progress
	PollRetry     time.Duration // POLL retransmission interval

	// StrictChecksum drops checksum-invalid frames without ACK. The default
	// ACKs and processes them.
	StrictChecksum bool

	Link       LinkKind
	HubURL     string
	ICEServers []string
}

// Default returns a Config with the protocol defaults and no loss.
func Default() Config {
	return Config{
		ProbeDuration: DefaultProbeDuration,
		ProbeCadence:  DefaultProbeCadence,
		FlowExpiry:    DefaultFlowExpiry,
		PollRetry:     DefaultPollRetry,
		Link:          LinkWS,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.InboundLoss < 0 || c.InboundLoss > 1 {
		errs = append(errs, fmt.Errorf("inbound loss %v out of range [0, 1]", c.InboundLoss))
	}
	if c.OutboundLoss < 0 || c.OutboundLoss > 1 {
		errs = append(errs, fmt.Errorf("outbound loss %v out of range [0, 1]", c.OutboundLoss))
	}
	if c.ProbeDuration < 0 {
		errs = append(errs, errors.New("probe duration must not be negative"))
	}
	if c.ProbeCadence <= 0 {
		errs = append(errs, errors.New("probe cadence must be positive"))
	}
	if c.FlowExpiry <= 0 {
		errs = append(errs, errors.New("flow expiry must be positive"))
	}
	if c.PollRetry <= 0 {
		errs = append(errs, errors.New("poll retry must be positive"))
	}
	if c.Link != LinkWS && c.Link != LinkRTC {
		errs = append(errs, fmt.Errorf("invalid link %q: must be 'ws' or 'rtc'", c.Link))
	}
	return errors.Join(errs...)
}

// ParseAddress parses a 16-bit radio address written in hex, with or without
// a 0x prefix, e.g. "C088" or "0xc088".
func ParseAddress(raw string) (uint16, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, errors.New("empty address")
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return uint16(v), nil
}

// FormatAddress renders an address the way ParseAddress reads it.
func FormatAddress(addr uint16) string {
	return fmt.Sprintf("%04X", addr)
}
