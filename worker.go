package treescale

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// workerCommandKind discriminates the messages a worker accepts on its
// channel: ownership handoffs from the engine and event deliveries from
// the engine or from sibling workers.
type workerCommandKind uint8

const (
	cmdHandleConnection workerCommandKind = iota
	cmdWriteEvent
)

type workerCommand struct {
	kind workerCommandKind

	// Handle-connection payload. Ownership of fd moves with the command:
	// once enqueued, the engine never touches the socket again. backlog
	// carries handshake bytes the engine queued but had not flushed.
	fd       int
	identity Identity
	backlog  [][]byte

	// Write-event payload. direct marks a command already routed to the
	// target's owning worker, so it is never forwarded a second time.
	event   Event
	targets []string
	direct  bool
}

// maxEventFrame is the upper bound on a single steady-state event frame.
// (The handshake path has no such cap; this one applies only after a
// connection is live.)
const maxEventFrame = 16 << 20 // 16 MB

// frameBufPool recycles byte slices used to read event frame payloads.
// Keyed by *[]byte to avoid interface-boxing allocations.
var frameBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 512)
		return &b
	},
}

// worker owns fully-handshaken connections: it converts handed-off raw fds
// into net.Conns served by per-connection read loops, and it writes event
// frames to the peers it owns. Workers reach peers owned by a sibling by
// forwarding the delivery command to that sibling's channel.
type worker struct {
	idx      int
	ch       chan workerCommand
	siblings []chan workerCommand
	registry *Registry
	handler  EventHandler
	metrics  *Metrics
	done     chan struct{}

	// wg tracks this worker's read loops.
	wg sync.WaitGroup
}

func newWorker(idx int, channels []chan workerCommand, reg *Registry, handler EventHandler, m *Metrics, done chan struct{}) *worker {
	return &worker{
		idx:      idx,
		ch:       channels[idx],
		siblings: channels,
		registry: reg,
		handler:  handler,
		metrics:  m,
		done:     done,
	}
}

func (w *worker) run() {
	for {
		select {
		case cmd := <-w.ch:
			w.handle(cmd)
		case <-w.done:
			w.drain()
			return
		}
	}
}

// drain empties the command queue after shutdown begins so no handed-off
// socket leaks its fd.
func (w *worker) drain() {
	for {
		select {
		case cmd := <-w.ch:
			if cmd.kind == cmdHandleConnection {
				unix.Close(cmd.fd)
			}
		default:
			return
		}
	}
}

func (w *worker) handle(cmd workerCommand) {
	switch cmd.kind {
	case cmdHandleConnection:
		w.handleConnection(cmd)
	case cmdWriteEvent:
		w.writeEvent(cmd)
	}
}

// handleConnection converts the handed-off fd into a net.Conn and takes
// over as its sole owner.
func (w *worker) handleConnection(cmd workerCommand) {
	f := os.NewFile(uintptr(cmd.fd), "treescale-peer")
	conn, err := net.FileConn(f)
	// FileConn duplicated the fd; release the engine's original either way.
	f.Close()
	if err != nil {
		slog.Warn("adopting handed-off socket failed", "token", cmd.identity.Token, "error", err)
		return
	}
	w.adopt(conn, cmd.identity, cmd.backlog)
}

// adopt finishes the takeover: flush any handshake bytes the engine still
// owed the peer, register the live peer, start its read loop.
func (w *worker) adopt(conn net.Conn, id Identity, backlog [][]byte) {
	for _, buf := range backlog {
		if _, err := conn.Write(buf); err != nil {
			slog.Warn("handshake flush to accepted peer failed", "token", id.Token, "error", err)
			conn.Close()
			return
		}
	}

	p := &Peer{
		Token:       id.Token,
		Value:       id.Value,
		Owner:       w.idx,
		conn:        conn,
		connectedAt: coarseNow.Load(),
	}
	p.touch()
	w.registry.Register(p)

	w.wg.Add(1)
	go w.readLoop(p)

	slog.Info("peer live", "token", id.Token, "value", id.ValueText(), "worker", w.idx)
}

func (w *worker) readLoop(p *Peer) {
	defer w.wg.Done()

	br := bufio.NewReaderSize(p.conn, 65536)
	for {
		ev, err := readEventFrame(br)
		if err != nil {
			select {
			case <-w.done:
				// shutting down — expected
			default:
				if errors.Is(err, io.EOF) {
					slog.Info("peer disconnected", "token", p.Token)
				} else {
					slog.Warn("peer read error", "token", p.Token, "error", err)
				}
			}
			w.registry.Remove(p)
			return
		}

		p.touch()
		w.metrics.EventsReceived.Add(1)
		if w.handler != nil {
			w.handler(ev)
		}
	}
}

// writeEvent delivers an event to each named target: peers this worker
// owns are written directly, the rest are forwarded once to their owner.
func (w *worker) writeEvent(cmd workerCommand) {
	var forwards map[int][]string
	for _, token := range cmd.targets {
		p := w.registry.Lookup(token)
		if p == nil {
			w.metrics.EventsDropped.Add(1)
			slog.Debug("event target not live", "token", token, "event", cmd.event.Name)
			continue
		}
		if p.Owner == w.idx || cmd.direct {
			// Second branch: ownership moved while the forward was in
			// flight. Deliver from here — frame writes are serialized
			// per peer, so this is safe and beats bouncing again.
			w.deliver(p, cmd.event)
			continue
		}
		if forwards == nil {
			forwards = make(map[int][]string)
		}
		forwards[p.Owner] = append(forwards[p.Owner], token)
	}

	for owner, tokens := range forwards {
		fcmd := workerCommand{kind: cmdWriteEvent, event: cmd.event, targets: tokens, direct: true}
		select {
		case w.siblings[owner] <- fcmd:
			w.metrics.EventsForwarded.Add(1)
		default:
			w.metrics.EventsDropped.Add(int64(len(tokens)))
			slog.Warn("sibling queue full, dropping event", "owner", owner, "event", cmd.event.Name)
		}
	}
}

func (w *worker) deliver(p *Peer, ev Event) {
	ev.Target = p.Token
	if err := writeEventFrame(p, ev); err != nil {
		slog.Warn("event write failed", "token", p.Token, "error", err)
		w.registry.Remove(p)
		w.metrics.EventsDropped.Add(1)
		return
	}
	w.metrics.EventsDelivered.Add(1)
}

// wait blocks until every read loop this worker started has exited.
func (w *worker) wait() {
	w.wg.Wait()
}

// --- framing ---

// writeEventFrame writes [4-byte big-endian length][encoded event] to the
// peer. Writes are serialized per peer: ownership can move between workers
// while a forwarded delivery is in flight.
func writeEventFrame(p *Peer, ev Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err = p.conn.Write(frame)
	return err
}

// readEventFrame reads one framed event from r.
func readEventFrame(r io.Reader) (Event, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Event{}, err
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen < 10 {
		return Event{}, fmt.Errorf("event frame length %d too small", payloadLen)
	}
	if payloadLen > maxEventFrame {
		return Event{}, fmt.Errorf("event frame too large (%d bytes)", payloadLen)
	}

	bp := frameBufPool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < int(payloadLen) {
		buf = make([]byte, payloadLen)
	} else {
		buf = buf[:payloadLen]
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		*bp = buf
		frameBufPool.Put(bp)
		return Event{}, fmt.Errorf("incomplete event frame: %w", err)
	}

	ev, err := decodeEvent(buf)

	*bp = buf
	frameBufPool.Put(bp)

	if err != nil {
		return Event{}, fmt.Errorf("event decode: %w", err)
	}
	return ev, nil
}
