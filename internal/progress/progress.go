// Package progress renders the transfer progress bar the CLI shows on
// stderr during a send or receive, adapted from the teacher's
// backup-progress reporter to the engine's bytes_received/blocks_received
// counters (§3, §8: both monotonically non-decreasing).
package progress

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Reporter renders a progress bar at a fixed interval until Stop is
// called. Safe for concurrent Set calls from every data-connection worker.
type Reporter struct {
	name string

	bytesDone  atomic.Int64
	blocksDone atomic.Int64

	totalBytes  int64
	totalBlocks int64

	startTime time.Time
	done      chan struct{}
}

// New creates a Reporter and starts its render loop. totalBytes/
// totalBlocks may be 0 if unknown (e.g. not yet negotiated), in which case
// the bar renders as a spinner.
func New(name string, totalBytes, totalBlocks int64) *Reporter {
	r := &Reporter{
		name:        name,
		totalBytes:  totalBytes,
		totalBlocks: totalBlocks,
		startTime:   time.Now(),
		done:        make(chan struct{}),
	}
	go r.renderLoop()
	return r
}

// Set records the current (bytesDone, blocksDone) totals — the Receiver
// calls this from its per-block progress callback. The Receiver's counters
// only grow, but callbacks from different workers are not ordered, so Set
// stores whichever pair arrives last.
func (r *Reporter) Set(bytesDone, blocksDone uint64) {
	r.bytesDone.Store(int64(bytesDone))
	r.blocksDone.Store(int64(blocksDone))
}

// Stop halts the render loop and prints a final, newline-terminated line.
func (r *Reporter) Stop() {
	close(r.done)
	r.render(true)
}

func (r *Reporter) renderLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.render(false)
		}
	}
}

func (r *Reporter) render(final bool) {
	bytesDone := r.bytesDone.Load()
	blocksDone := r.blocksDone.Load()
	elapsed := time.Since(r.startTime)

	elapsedSec := elapsed.Seconds()
	var speed float64
	if elapsedSec > 0.1 {
		speed = float64(bytesDone) / elapsedSec
	}

	const barWidth = 30
	var bar string
	if r.totalBytes > 0 {
		pct := float64(bytesDone) / float64(r.totalBytes)
		if pct > 1.0 {
			pct = 1.0
		}
		filled := int(pct * float64(barWidth))
		bar = strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	} else {
		pos := int(elapsed.Seconds()*2) % barWidth
		bar = strings.Repeat("░", pos) + "█" + strings.Repeat("░", barWidth-pos-1)
	}

	eta := "∞"
	if r.totalBytes > 0 && speed > 0 && bytesDone > 0 {
		remaining := float64(r.totalBytes) - float64(bytesDone)
		if remaining < 0 {
			remaining = 0
		}
		eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
	}

	blocksStr := ""
	if r.totalBlocks > 0 {
		blocksStr = fmt.Sprintf("  │  blocks %d/%d", blocksDone, r.totalBlocks)
	}

	line := fmt.Sprintf("\r[%s] %s  %s  │  %s/s%s  │  %s  │  ETA %s",
		r.name, bar, formatBytes(bytesDone), formatBytes(int64(speed)), blocksStr,
		formatDuration(elapsed), eta)

	if len(line) < 100 {
		line += strings.Repeat(" ", 100-len(line))
	}

	if final {
		fmt.Fprintf(os.Stderr, "%s\n", line)
	} else {
		fmt.Fprint(os.Stderr, line)
	}
}

func formatBytes(b int64) string {
	switch {
	case b >= 1024*1024*1024:
		return fmt.Sprintf("%.1f GB", float64(b)/(1024*1024*1024))
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.1f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
