package treescale

// dispatchRing fans fully-handshaken connections and outbound events out to
// the worker pool. A single cursor serves both kinds of dispatch — an
// accept handoff and an event emission advance the same position — and
// selection is strict round-robin, never load-aware. Only the engine
// goroutine touches the cursor, so it needs no atomics.
type dispatchRing struct {
	channels []chan workerCommand
	cursor   int
}

func newDispatchRing(channels []chan workerCommand) *dispatchRing {
	return &dispatchRing{channels: channels}
}

func (r *dispatchRing) size() int {
	return len(r.channels)
}

// next returns the worker index and channel at the cursor, then advances
// it. The cursor wraps modulo the pool size.
func (r *dispatchRing) next() (int, chan workerCommand) {
	if r.cursor >= len(r.channels) {
		r.cursor = 0
	}
	i := r.cursor
	r.cursor++
	return i, r.channels[i]
}
