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

// Stats is the process-wide transfer counter.
var Stats = &stats{}

type stats struct {
	FilesSent atomic.Int64 // files whose last chunk was written to the DataChannel
	FilesRecv atomic.Int64 // files fully received and decrypted
	BytesSent atomic.Int64 // cumulative bytes written to DataChannel
	BytesRecv atomic.Int64 // cumulative bytes read  from DataChannel
}

func (s *stats) AddFileSent()  { s.FilesSent.Add(1) }
func (s *stats) AddFileRecv()  { s.FilesRecv.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Reset zeroes every counter.
func (s *stats) Reset() {
	s.FilesSent.Store(0)
	s.FilesRecv.Store(0)
	s.BytesSent.Store(0)
	s.BytesRecv.Store(0)
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transfer throughput
// every interval while bytes are moving. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs

				if inS > 0 || outS > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, Stats.FilesSent.Load(), Stats.FilesRecv.Load()))
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

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, filesSent, filesRecv int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Files: %2d↑ %2d↓",
		FormatBytes(inS),
		FormatBytes(outS),
		filesSent,
		filesRecv,
	)
}
