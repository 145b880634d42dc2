package util

import (
	"math/rand/v2"
	"sync"
)

// LossSim drops frames with a fixed probability. Two simulators built with
// the same rate and seed make the same decisions in the same order.
// A nil *LossSim never drops.
type LossSim struct {
	mu   sync.Mutex
	rate float64
	rng  *rand.Rand
}

// NewLossSim returns a simulator dropping frames with probability rate,
// clamped to [0, 1].
func NewLossSim(rate float64, seed uint64) *LossSim {
	rate = min(max(rate, 0), 1)
	return &LossSim{
		rate: rate,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
	}
}

// Rate returns the configured drop probability.
func (l *LossSim) Rate() float64 {
	if l == nil {
		return 0
	}
	return l.rate
}

// Drop reports whether the next frame should be discarded.
func (l *LossSim) Drop() bool {
	if l == nil || l.rate == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64() < l.rate
}
