package engine

import "sync/atomic"

// seqGen hands out package numbers for outbound sends. It is shared by every
// goroutine that calls Send, so all operations are atomic. Values wrap at
// the 16-bit field width.
type seqGen struct {
	val atomic.Uint32
}

// Next returns the next package number, starting at 0.
func (s *seqGen) Next() uint16 {
	return uint16(s.val.Add(1) - 1)
}
