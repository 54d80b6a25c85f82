package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide media/event counter.
var Stats = &stats{}

type stats struct {
	FramesSent atomic.Int64 // audio frames encoded onto the outbound track
	FramesRecv atomic.Int64 // audio frames decoded from inbound tracks
	BytesSent  atomic.Int64 // encoded audio bytes written to the outbound track
	BytesRecv  atomic.Int64 // encoded audio bytes read from inbound tracks
	Events     atomic.Int64 // data-channel messages handed to the dispatcher
}

func (s *stats) AddSent(n int) { s.FramesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddEvent()     { s.Events.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// statsInterval is how often RunStatsReporter samples the counters.
const statsInterval = 10 * time.Second

// RunStatsReporter logs session statistics every 10 seconds at debug level
// until ctx is cancelled. Callers run it on a goroutine they join.
func RunStatsReporter(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var prevSent, prevRecv, prevEvents int64
	for {
		select {
		case <-ticker.C:
			sent := Stats.BytesSent.Load()
			recv := Stats.BytesRecv.Load()
			events := Stats.Events.Load()

			outS := float64(sent-prevSent) / statsInterval.Seconds()
			inS := float64(recv-prevRecv) / statsInterval.Seconds()
			evC := events - prevEvents

			if evC > 0 || inS > 10 || outS > 10 {
				pterm.DefaultLogger.Debug(formatStats(outS, inS, evC))
			}

			prevSent = sent
			prevRecv = recv
			prevEvents = events

		case <-ctx.Done():
			return
		}
	}
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

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(outS, inS float64, events int64) string {
	return fmt.Sprintf("Mic: %s/s | Speaker: %s/s | Events: %3d",
		formatBytes(outS),
		formatBytes(inS),
		events,
	)
}
