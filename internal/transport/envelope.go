package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelopes carry a frame between a station and the air hub, modelled on
// the 16-bit addressed API frames of serial radio modules:
//
//	TX request: 0x01 | dest (BE16) | frame
//	RX packet:  0x81 | src  (BE16) | frame
const (
	apiTX16 = 0x01
	apiRX16 = 0x81

	envelopeHeaderSize = 3
)

var (
	ErrShortEnvelope   = errors.New("envelope too short")
	ErrUnknownEnvelope = errors.New("unknown envelope type")
)

// EncodeTX wraps frame in a transmit request for dest.
func EncodeTX(dest uint16, frame []byte) []byte {
	return encodeEnvelope(apiTX16, dest, frame)
}

// EncodeRX wraps frame in a receive indication from src.
func EncodeRX(src uint16, frame []byte) []byte {
	return encodeEnvelope(apiRX16, src, frame)
}

// DecodeTX unwraps a transmit request. The returned frame aliases data.
func DecodeTX(data []byte) (dest uint16, frame []byte, err error) {
	return decodeEnvelope(apiTX16, data)
}

// DecodeRX unwraps a receive indication. The returned frame aliases data.
func DecodeRX(data []byte) (src uint16, frame []byte, err error) {
	return decodeEnvelope(apiRX16, data)
}

func encodeEnvelope(api byte, addr uint16, frame []byte) []byte {
	buf := make([]byte, envelopeHeaderSize+len(frame))
	buf[0] = api
	binary.BigEndian.PutUint16(buf[1:3], addr)
	copy(buf[envelopeHeaderSize:], frame)
	return buf
}

func decodeEnvelope(api byte, data []byte) (uint16, []byte, error) {
	if len(data) < envelopeHeaderSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortEnvelope, len(data))
	}
	if data[0] != api {
		return 0, nil, fmt.Errorf("%w: 0x%02x (want 0x%02x)", ErrUnknownEnvelope, data[0], api)
	}
	return binary.BigEndian.Uint16(data[1:3]), data[envelopeHeaderSize:], nil
}
