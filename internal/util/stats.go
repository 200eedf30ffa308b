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

// Stats is the process-wide mesh traffic counter.
var Stats = &stats{}

type stats struct {
	PeersJoined  atomic.Int64 // cumulative count of peers that reached CONNECTED
	PeersLeft    atomic.Int64 // cumulative count of connected peers that went away
	MessagesSent atomic.Int64 // data-channel frames written
	MessagesRecv atomic.Int64 // data-channel frames read
	BytesSent    atomic.Int64
	BytesRecv    atomic.Int64
}

func (s *stats) AddPeer()    { s.PeersJoined.Add(1) }
func (s *stats) RemovePeer() { s.PeersLeft.Add(1) }

func (s *stats) AddSent(n int) {
	s.MessagesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.MessagesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// Active returns the number of currently connected peers.
func (s *stats) Active() int64 {
	return s.PeersJoined.Load() - s.PeersLeft.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs mesh statistics every
// interval, skipping quiet periods. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevJoined, prevLeft int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				joined := Stats.PeersJoined.Load()
				left := Stats.PeersLeft.Load()

				if sent != prevSent || recv != prevRecv || joined != prevJoined || left != prevLeft {
					pterm.DefaultLogger.Info(formatStats(sent-prevSent, recv-prevRecv, Stats.Active()))
				}

				prevSent = sent
				prevRecv = recv
				prevJoined = joined
				prevLeft = left

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed width (exactly 8 chars) string,
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporter line.
func formatStats(sent, recv, peers int64) string {
	return fmt.Sprintf("Out: %s | In: %s | Peers: %2d",
		formatBytes(float64(sent)),
		formatBytes(float64(recv)),
		peers,
	)
}
