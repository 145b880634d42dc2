package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortFrame      = errors.New("frame too short")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Sum returns the modulo-256 sum of every byte in data. A well-formed frame
// sums to 0xFF including its checksum byte.
func Sum(data []byte) uint8 {
	var acc uint8
	for _, b := range data {
		acc += b
	}
	return acc
}

// Encode serializes h and payload into a new frame and appends the checksum
// that brings the whole-frame sum to 0xFF.
func Encode(h Header, payload []byte) (*Packet, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+len(payload)+ChecksumSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Master)
	binary.LittleEndian.PutUint16(buf[2:4], h.Peer)
	binary.LittleEndian.PutUint16(buf[4:6], h.SeqNo)
	buf[6] = uint8(h.Type)
	buf[7] = h.SegCount
	buf[8] = h.SegIndex
	buf[9] = uint8(len(payload))
	copy(buf[HeaderSize:], payload)

	// checksum byte is still 0 here
	sum := 0xFF - Sum(buf)
	buf[len(buf)-1] = sum

	pkt := &Packet{
		Header:   h,
		Checksum: sum,
		Valid:    true,
		raw:      buf,
	}
	pkt.Payload = make([]byte, len(payload))
	copy(pkt.Payload, payload)
	return pkt, nil
}

// Decode parses a raw frame. A checksum mismatch does not fail the decode:
// it clears Packet.Valid and leaves the disposition to the caller. A frame
// cut short after the header keeps whatever payload bytes arrived and is
// reported invalid. Only input shorter than the header is rejected with
// ErrShortFrame.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortFrame, len(data), HeaderSize)
	}

	n := int(data[9])
	end := min(HeaderSize+n, len(data))
	complete := len(data) >= HeaderSize+n+ChecksumSize

	raw := make([]byte, min(HeaderSize+n+ChecksumSize, len(data)))
	copy(raw, data)

	pkt := &Packet{
		Header: Header{
			Master:   binary.LittleEndian.Uint16(raw[0:2]),
			Peer:     binary.LittleEndian.Uint16(raw[2:4]),
			SeqNo:    binary.LittleEndian.Uint16(raw[4:6]),
			Type:     Type(raw[6]),
			SegCount: raw[7],
			SegIndex: raw[8],
		},
		Payload: raw[HeaderSize:end:end],
		raw:     raw,
	}
	if complete {
		pkt.Checksum = raw[HeaderSize+n]
		pkt.Valid = Sum(raw) == 0xFF
	}
	return pkt, nil
}

// Split cuts payload into chunks of at most size bytes. An empty payload
// still yields one empty segment so that every package has segment 0.
func Split(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = MaxPayloadSize
	}
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	segs := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > 0 {
		n := min(size, len(payload))
		seg := make([]byte, n)
		copy(seg, payload[:n])
		segs = append(segs, seg)
		payload = payload[n:]
	}
	return segs
}
