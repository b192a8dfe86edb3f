// Package util provides logging, traffic statistics and id generation
// shared by the client and server.
package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts tunnels, connections and payload bytes. One instance is
// created per process and handed to the tunnel manager as its metrics sink.
type Stats struct {
	TotalConns    atomic.Int64 // cumulative count of connections since process start
	ClosedConns   atomic.Int64 // cumulative count of closed connections since process start
	TotalTunnels  atomic.Int64 // cumulative count of tunnels opened or accepted
	ClosedTunnels atomic.Int64 // cumulative count of tunnels that went down
	BytesSent     atomic.Int64 // cumulative payload bytes written to tunnels
	BytesRecv     atomic.Int64 // cumulative payload bytes read from tunnels
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) AddConn()      { s.TotalConns.Add(1) }
func (s *Stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *Stats) AddTunnel()    { s.TotalTunnels.Add(1) }
func (s *Stats) RemoveTunnel() { s.ClosedTunnels.Add(1) }
func (s *Stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *Stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ActiveConns returns the number of connections currently open.
func (s *Stats) ActiveConns() int64 {
	return s.TotalConns.Load() - s.ClosedConns.Load()
}

// ActiveTunnels returns the number of tunnels currently up.
func (s *Stats) ActiveTunnels() int64 {
	return s.TotalTunnels.Load() - s.ClosedTunnels.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// Report logs throughput and connection churn every interval until ctx is
// cancelled. Quiet periods are not logged.
func (s *Stats) Report(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	secs := interval.Seconds()
	var prevSent, prevRecv, prevTotal, prevClosed int64
	for {
		select {
		case <-ticker.C:
			total := s.TotalConns.Load()
			closed := s.ClosedConns.Load()
			sent := s.BytesSent.Load()
			recv := s.BytesRecv.Load()

			outS := float64(sent-prevSent) / secs
			inS := float64(recv-prevRecv) / secs
			inC := total - prevTotal
			outC := closed - prevClosed

			if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
				pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC, s.ActiveTunnels()))
			}

			prevSent = sent
			prevRecv = recv
			prevTotal = total
			prevClosed = closed

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
func formatStats(inS, outS float64, inC, outC, tunnels int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Tunnels: %d",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
		tunnels,
	)
}
