package transfer

import (
	"sync"
	"time"
)

// SscMode controls server-side copy: satisfying chunks from identical bytes
// already on the store instead of receiving them over the network.
type SscMode int

const (
	// SscAuto toggles based on observed network throughput.
	SscAuto SscMode = iota
	// SscOff disables server-side copy unconditionally.
	SscOff
	// SscOn enables server-side copy unconditionally.
	SscOn
	// SscUser starts off but lets the uploading client toggle it.
	SscUser
)

func ParseSscMode(s string) SscMode {
	switch s {
	case "ON":
		return SscOn
	case "OFF":
		return SscOff
	case "USER":
		return SscUser
	}
	return SscAuto
}

// Default throughput thresholds for SscAuto, in bytes per second. Below the
// enable mark the network is the bottleneck and local copies help; above the
// disable mark they only add disk load.
const (
	DefaultSscEnableBps  = 10 * 1024 * 1024
	DefaultSscDisableBps = 20 * 1024 * 1024
)

// speedWindow measures effective network throughput over windows of at least
// minWindowChunks chunks and minWindowSpan wall time.
type speedWindow struct {
	mu     sync.Mutex
	start  time.Time
	bytes  int64
	chunks int
}

const (
	minWindowChunks = 3
	minWindowSpan   = time.Second
)

// add records a network-received chunk. When a full window has elapsed it
// returns the measured rate in bytes per second and resets; otherwise ok is
// false.
func (w *speedWindow) add(n int, now time.Time) (bps int64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chunks == 0 {
		w.start = now
	}
	w.chunks++
	w.bytes += int64(n)
	span := now.Sub(w.start)
	if w.chunks < minWindowChunks || span < minWindowSpan {
		return 0, false
	}
	bps = w.bytes * int64(time.Second) / int64(span)
	w.chunks = 0
	w.bytes = 0
	return bps, true
}
