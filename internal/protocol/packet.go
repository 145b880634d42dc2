// Package protocol defines the wire format shared by the coordinator and its
// peers: a fixed little-endian header, a variable payload and one trailing
// checksum byte.
package protocol

import "fmt"

// Type identifies the purpose of a packet. Values are fixed on the air and
// must match between coordinator and peer firmware.
type Type uint8

const (
	TypeProbe Type = 0   // master → broadcast: discover peers
	TypeJoin  Type = 1   // peer → master: answer to a probe
	TypePoll  Type = 2   // master → peer: request data
	TypeData  Type = 3   // peer → master: (segmented) sensing data
	TypeSet   Type = 4   // master → peer: control parameters
	TypeErr   Type = 5   // peer → master: hardware error report
	TypeAck   Type = 254 // positive acknowledgment
	TypeNak   Type = 255 // negative acknowledgment
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeProbe:
		return "PROBE"
	case TypeJoin:
		return "JOIN"
	case TypePoll:
		return "POLL"
	case TypeData:
		return "DATA"
	case TypeSet:
		return "SET"
	case TypeErr:
		return "ERR"
	case TypeAck:
		return "ACK"
	case TypeNak:
		return "NAK"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Frame layout constants.
//
//	master(2) | peer(2) | seq(2) | type(1) | segCount(1) | segIndex(1) | len(1) | payload(len) | checksum(1)
const (
	HeaderSize     = 10
	ChecksumSize   = 1
	MinFrameSize   = HeaderSize + ChecksumSize
	MaxPayloadSize = 255
)

// Addressing and peer firmware limits.
const (
	BroadcastAddr uint16 = 0xFFFF
	NoMaster      uint16 = 0xFFFF

	PeerPacketSize  = 100
	PeerSegmentSize = PeerPacketSize - HeaderSize - ChecksumSize
	PeerMaxSegments = 6
)

// Header holds every field of a frame except payload and checksum.
type Header struct {
	Master   uint16 // coordinator address
	Peer     uint16 // peer address
	SeqNo    uint16 // package number, assigned by the sender per logical send
	Type     Type
	SegCount uint8
	SegIndex uint8
}

// Packet is a decoded or freshly encoded frame. Treat it as read-only.
type Packet struct {
	Header
	Payload  []byte
	Checksum uint8

	// Valid reports whether the whole-frame checksum held when the packet
	// was decoded. A frame cut short is never valid; encoded packets always are.
	Valid bool

	raw []byte
}

// Bytes returns a copy of the on-air representation.
func (p *Packet) Bytes() []byte {
	out := make([]byte, len(p.raw))
	copy(out, p.raw)
	return out
}

// Len returns the on-air size of the packet.
func (p *Packet) Len() int { return len(p.raw) }

// Single reports whether the packet is a complete one-segment package.
func (p *Packet) Single() bool { return p.SegIndex == 0 && p.SegCount <= 1 }

// Last reports whether the packet is the final segment of its package.
func (p *Packet) Last() bool { return int(p.SegIndex) == int(p.SegCount)-1 }

func (p *Packet) String() string {
	return fmt.Sprintf("%s %04x/%d.%d/%d len=%d", p.Type, p.Peer, p.SeqNo, p.SegIndex, p.SegCount, len(p.Payload))
}
