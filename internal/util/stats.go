package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/tunnel counter.
var Stats = &stats{}

type stats struct {
	TotalTunnels  atomic.Int64 // cumulative count of tunnels established since process start
	ClosedTunnels atomic.Int64 // cumulative count of tunnels torn down since process start
	BytesSent     atomic.Int64 // cumulative encoded packet bytes handed to a transport
	BytesRecv     atomic.Int64 // cumulative packet bytes received from a transport
	DecodeErrors  atomic.Int64 // inbound buffers discarded because they failed to decode
}

func (s *stats) AddTunnel()      { s.TotalTunnels.Add(1) }
func (s *stats) RemoveTunnel()   { s.ClosedTunnels.Add(1) }
func (s *stats) AddSent(n int)   { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)   { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddDecodeError() { s.DecodeErrors.Add(1) }

// Active returns the number of tunnels currently open.
func (s *stats) Active() int64 {
	return s.TotalTunnels.Load() - s.ClosedTunnels.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	total, closed, sent, recv, decodeErrs int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		total:      s.TotalTunnels.Load(),
		closed:     s.ClosedTunnels.Load(),
		sent:       s.BytesSent.Load(),
		recv:       s.BytesRecv.Load(),
		decodeErrs: s.DecodeErrors.Load(),
	}
}

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if line := report(prev, cur, interval.Seconds()); line != "" {
					LogInfo("%s", line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// report describes the change from prev to cur over the given number of
// seconds. Quiet intervals yield "".
func report(prev, cur snapshot, seconds float64) string {
	inS := float64(cur.recv-prev.recv) / seconds
	outS := float64(cur.sent-prev.sent) / seconds
	upC := cur.total - prev.total
	downC := cur.closed - prev.closed
	bad := cur.decodeErrs - prev.decodeErrs

	if upC == 0 && downC == 0 && inS <= 10 && outS <= 10 && bad == 0 {
		return ""
	}

	line := formatStats(inS, outS, upC, downC, cur.total-cur.closed)
	if bad > 0 {
		line += fmt.Sprintf(" | %d undecodable", bad)
	}
	return line
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
func formatStats(inS, outS float64, upC, downC, active int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Tunnels: %2d↑ %2d↓ (%d open)",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
		active,
	)
}
