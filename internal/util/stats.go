package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Per-station counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts radio traffic and protocol outcomes for one station.
type Stats struct {
	FramesSent  atomic.Int64 // frames handed to the link
	FramesRecv  atomic.Int64 // frames delivered by the link
	BytesSent   atomic.Int64
	BytesRecv   atomic.Int64
	LossDropped atomic.Int64 // frames discarded by the loss simulator (both directions)
	Malformed   atomic.Int64 // frames shorter than a header
	BadChecksum atomic.Int64 // frames whose whole-frame sum was not 0xFF
	AcksSent    atomic.Int64
	PollsSent   atomic.Int64
	Delivered   atomic.Int64 // completed deliveries handed to the application
	Expired     atomic.Int64 // reassembly flows abandoned on timeout
	Unexpected  atomic.Int64 // continuation segments without an open flow
}

func (s *Stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *Stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs s every interval while
// traffic keeps changing. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := s.BytesSent.Load()
				recv := s.BytesRecv.Load()

				outS := float64(sent-prevSent) / interval.Seconds()
				inS := float64(recv-prevRecv) / interval.Seconds()

				if sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(formatStats(s, inS, outS))
				}

				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a one-line summary of s for the logger.
func formatStats(s *Stats, inS, outS float64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Frames: %d↑ %d↓ | Lost: %d | Bad: %d | Delivered: %d | Expired: %d",
		formatBytes(inS),
		formatBytes(outS),
		s.FramesSent.Load(),
		s.FramesRecv.Load(),
		s.LossDropped.Load(),
		s.BadChecksum.Load()+s.Malformed.Load(),
		s.Delivered.Load(),
		s.Expired.Load(),
	)
}
