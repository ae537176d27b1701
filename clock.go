package treescale

import (
	"sync"
	"sync/atomic"
	"time"
)

// coarseNow is a cached Unix timestamp updated every 500ms by a background
// goroutine. Used in place of time.Now().Unix() on hot paths (per-event
// peer last-seen tracking) to avoid a syscall per delivered frame.
var coarseNow atomic.Int64

var coarseClockOnce sync.Once

// startCoarseClock starts the background ticker on first use. Networks call
// this from New so programs that never create one pay nothing.
func startCoarseClock() {
	coarseClockOnce.Do(func() {
		coarseNow.Store(time.Now().Unix())
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			for range ticker.C {
				coarseNow.Store(time.Now().Unix())
			}
		}()
	})
}
