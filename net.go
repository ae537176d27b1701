package treescale

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var (
	// ErrNetworkStopped is returned by commands issued before Start or
	// after Stop (or after the event loop died).
	ErrNetworkStopped = errors.New("network stopped")

	// ErrListenerFailed is reported through Err when the listening socket
	// turns up with an error event. Live peer connections keep working;
	// only new inbound connections are lost.
	ErrListenerFailed = errors.New("listener failed")
)

// commandKind discriminates the control commands other goroutines send to
// the event loop. Everything that touches the pending table or the
// dispatch ring goes through here — the loop goroutine is the only one
// that ever reads or writes that state.
type commandKind uint8

const (
	cmdAdoptOutbound commandKind = iota
	cmdAcceptPending
	cmdEmitEvent
)

type command struct {
	kind commandKind

	// adopt-outbound
	fd     int
	remote string

	// accept-pending
	token string

	// emit-event
	event   Event
	targets []string
}

// Network is a node's transport: one listening socket, one event-loop
// goroutine owning every pending connection, and a ring of workers owning
// the live ones.
//
// The loop multiplexes with edge-triggered epoll and never blocks on a
// socket: handshakes advance whenever bytes arrive, writes whenever the
// socket drains. A connection whose handshake completes is either handed
// to a worker immediately or parked in the pending table until the
// application accepts it. Handshaking peers get no deadline — a peer that
// sends half an identity and stalls occupies its envelope until it closes
// or the application stops the network. A parked connection is stricter
// still: it has already left the epoll set, so even a peer reset goes
// unnoticed until acceptance hands the socket to a worker.
type Network struct {
	cfg      netConfig
	identity Identity

	poller    *poller
	wake      *wake
	listenFd  int
	boundAddr string
	startedAt atomic.Int64 // unix seconds, set by Start

	// conns is the pending table: every socket the loop currently owns,
	// keyed by fd. Only the loop goroutine touches it.
	conns map[int]*conn

	ring     *dispatchRing
	workers  []*worker
	registry *Registry
	metrics  *Metrics
	promReg  *prometheus.Registry
	admin    *AdminServer

	commands chan command

	started    atomic.Bool
	stopping   atomic.Bool
	stopOnce   sync.Once
	done       chan struct{} // closed when the event loop exits
	workerStop chan struct{} // closed by Stop to halt workers
	wg         sync.WaitGroup

	// wakeMu fences command senders against Stop closing the wake fd: a
	// write to a closed-and-reused fd number would land who knows where.
	wakeMu     sync.RWMutex
	wakeClosed bool

	runErr error // fatal loop error; written before done is closed
}

// New builds a Network identified by token and the decimal value string
// and acquires its epoll instance. A Network that never starts still holds
// that fd until Stop.
func New(token, value string, opts ...Option) (*Network, error) {
	cfg := defaultNetConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.workers < 1 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.workers)
	}
	if cfg.logLevel != nil {
		InitLogger(*cfg.logLevel)
	}

	id, err := NewIdentity(token, value)
	if err != nil {
		return nil, err
	}
	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	startCoarseClock()

	n := &Network{
		cfg:        cfg,
		identity:   id,
		poller:     p,
		listenFd:   -1,
		conns:      make(map[int]*conn),
		registry:   NewRegistry(),
		metrics:    newMetrics(),
		promReg:    prometheus.NewRegistry(),
		commands:   make(chan command, cfg.commandQueueSize),
		done:       make(chan struct{}),
		workerStop: make(chan struct{}),
	}
	n.metrics.peerCountFn = n.registry.Count
	n.metrics.register(n.promReg)
	return n, nil
}

// Start binds the listener on addr and launches the event loop, the
// workers, and (if configured) the admin server. Setup failures are
// returned, never fatal to the process.
func (n *Network) Start(addr string) error {
	if n.stopping.Load() {
		return ErrNetworkStopped
	}
	if !n.started.CompareAndSwap(false, true) {
		return fmt.Errorf("network already started")
	}

	lfd, bound, err := listenTCP(addr)
	if err != nil {
		n.started.Store(false)
		return err
	}

	// Closing an fd drops it from the epoll set, so the failure paths
	// below leave the New-time poller clean for another Start.
	wk, err := newWake()
	if err != nil {
		unix.Close(lfd)
		n.started.Store(false)
		return err
	}
	if err := n.poller.addRead(lfd); err != nil {
		wk.close()
		unix.Close(lfd)
		n.started.Store(false)
		return fmt.Errorf("register listener: %w", err)
	}
	if err := n.poller.addRead(wk.fd); err != nil {
		wk.close()
		unix.Close(lfd)
		n.started.Store(false)
		return fmt.Errorf("register wake fd: %w", err)
	}

	n.wake = wk
	n.listenFd = lfd
	n.boundAddr = bound
	n.startedAt.Store(coarseNow.Load())

	channels := make([]chan workerCommand, n.cfg.workers)
	for i := range channels {
		channels[i] = make(chan workerCommand, n.cfg.workerQueueSize)
	}
	n.ring = newDispatchRing(channels)
	n.workers = make([]*worker, n.cfg.workers)
	for i := range n.workers {
		w := newWorker(i, channels, n.registry, n.cfg.handler, n.metrics, n.workerStop)
		n.workers[i] = w
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			w.run()
		}()
	}

	if n.cfg.adminAddr != "" {
		admin, err := NewAdminServer(n, n.cfg.adminAddr)
		if err != nil {
			close(n.workerStop)
			n.wg.Wait()
			n.workerStop = make(chan struct{})
			wk.close()
			unix.Close(lfd)
			n.started.Store(false)
			return fmt.Errorf("admin server: %w", err)
		}
		n.admin = admin
		n.admin.Start()
	}

	go n.run()

	slog.Info("network started",
		"addr", bound,
		"token", n.identity.Token,
		"value", n.identity.ValueText(),
		"workers", n.cfg.workers)
	return nil
}

// Addr returns the bound listener address (useful with ":0").
func (n *Network) Addr() string {
	return n.boundAddr
}

// Identity returns this node's own identity.
func (n *Network) Identity() Identity {
	return n.identity
}

// Peers snapshots the currently live peers.
func (n *Network) Peers() []PeerInfo {
	return n.registry.Snapshot()
}

// PeerCount returns the number of live peers.
func (n *Network) PeerCount() int {
	return n.registry.Count()
}

// Snapshot returns current metric values.
func (n *Network) Snapshot() map[string]int64 {
	return n.metrics.Snapshot()
}

// Done is closed when the event loop exits, whether through Stop or a
// fatal error. Check Err for the cause.
func (n *Network) Done() <-chan struct{} {
	return n.done
}

// Err reports the fatal loop error, nil until Done is closed and nil
// after a clean Stop.
func (n *Network) Err() error {
	select {
	case <-n.done:
		return n.runErr
	default:
		return nil
	}
}

// Connect dials addr and hands the in-progress socket to the event loop,
// which completes the identity exchange asynchronously. A reachable peer
// shows up in Peers once both sides have handshaken.
func (n *Network) Connect(addr string) error {
	if !n.started.Load() || n.stopping.Load() {
		return ErrNetworkStopped
	}
	fd, err := dialTCP(addr)
	if err != nil {
		return err
	}
	if err := n.AdoptOutbound(fd, addr); err != nil {
		unix.Close(fd)
		return err
	}
	return nil
}

// AdoptOutbound hands an already-connected (or connecting) socket fd to the
// event loop, which takes ownership and runs the identity exchange on it.
// The fd must be a non-blocking stream socket. On error the fd stays with
// the caller. remote labels the connection in logs and the accept policy.
func (n *Network) AdoptOutbound(fd int, remote string) error {
	return n.send(command{kind: cmdAdoptOutbound, fd: fd, remote: remote})
}

// AcceptPending promotes the pending connection whose peer announced the
// given token. Unknown tokens are ignored — the peer may have gone away
// between notification and acceptance.
func (n *Network) AcceptPending(token string) error {
	return n.send(command{kind: cmdAcceptPending, token: token})
}

// Emit delivers ev to the named target peers, or to every live peer when
// no targets are given.
func (n *Network) Emit(ev Event, targets ...string) error {
	if ev.From == "" {
		ev.From = n.identity.Token
	}
	return n.send(command{kind: cmdEmitEvent, event: ev, targets: targets})
}

func (n *Network) send(cmd command) error {
	if !n.started.Load() || n.stopping.Load() {
		return ErrNetworkStopped
	}
	// A buffered enqueue and a closed done channel are both ready in the
	// select below, so after a loop death the done case must win by
	// explicit priority, not by chance.
	select {
	case <-n.done:
		return ErrNetworkStopped
	default:
	}
	select {
	case n.commands <- cmd:
	case <-n.done:
		return ErrNetworkStopped
	}
	select {
	case <-n.done:
		// Died between the enqueue and the wakeup; the command sits in a
		// queue nobody drains.
		return ErrNetworkStopped
	default:
	}
	n.wakeMu.RLock()
	if !n.wakeClosed {
		n.wake.trigger()
	}
	n.wakeMu.RUnlock()
	return nil
}

// Stop shuts everything down: the event loop first (which closes the
// listener and every pending socket), then the workers and their peers,
// then the admin server. Idempotent; later calls return nil.
func (n *Network) Stop() error {
	var errs error
	n.stopOnce.Do(func() {
		n.stopping.Store(true)
		if !n.started.Load() {
			// The loop never ran, so nobody else will release the
			// New-time epoll fd.
			errs = multierr.Append(errs, n.poller.close())
			return
		}
		n.wake.trigger()
		<-n.done
		n.wakeMu.Lock()
		n.wakeClosed = true
		errs = multierr.Append(errs, n.wake.close())
		n.wakeMu.Unlock()

		close(n.workerStop)
		n.wg.Wait()
		n.registry.RemoveAll()
		for _, w := range n.workers {
			w.wait()
		}

		if n.admin != nil {
			errs = multierr.Append(errs, n.admin.Stop())
		}
		slog.Info("network stopped", "token", n.identity.Token)
	})
	return errs
}

// --- event loop ---

func (n *Network) run() {
	// The loop stays on one OS thread: it is the sole issuer of epoll_ctl
	// and the sole reader of handshake sockets, so thread migration buys
	// nothing and muddies profiles.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(n.done)
	defer n.teardown()

	for {
		nready, err := n.poller.wait()
		if err != nil {
			n.runErr = fmt.Errorf("epoll wait: %w", err)
			slog.Error("event loop poll failed", "error", err)
			return
		}
		for i := 0; i < nready; i++ {
			ev := n.poller.events[i]
			fd := int(ev.Fd)
			switch fd {
			case n.wake.fd:
				n.wake.drain()
				if n.drainCommands() {
					return
				}
			case n.listenFd:
				if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
					n.runErr = ErrListenerFailed
					slog.Error("listener socket failed")
					return
				}
				n.acceptAll()
			default:
				n.handleConnEvent(fd, ev.Events)
			}
		}
	}
}

// teardown runs on the loop goroutine as it exits and releases everything
// the loop owns except the wake fd, which Stop closes once no goroutine
// can trigger it anymore. Workers and live peers are not touched here;
// Stop (or the application, after a fatal Err) deals with those.
func (n *Network) teardown() {
	for _, c := range n.conns {
		n.closeConn(c, nil)
	}
	unix.Close(n.listenFd)
	n.poller.close()
}

// drainCommands empties the command channel, then reports whether the
// loop should exit. Exhaustive draining matters: a command enqueued
// before Stop must still be honored.
func (n *Network) drainCommands() bool {
	for {
		select {
		case cmd := <-n.commands:
			n.metrics.CommandsProcessed.Add(1)
			switch cmd.kind {
			case cmdAdoptOutbound:
				n.adoptOutbound(cmd.fd, cmd.remote)
			case cmdAcceptPending:
				n.acceptPendingByToken(cmd.token)
			case cmdEmitEvent:
				n.emitEvent(cmd.event, cmd.targets)
			}
		default:
			return n.stopping.Load()
		}
	}
}

// acceptAll drains the listener. Edge-triggered epoll only reports the
// listener once per burst, so accept until EAGAIN.
func (n *Network) acceptAll() {
	for {
		fd, sa, err := unix.Accept4(n.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				slog.Warn("accept failed", "error", err)
				return
			}
		}
		remote := sockaddrString(sa)
		c := newInboundConn(fd, remote)
		if err := n.poller.addRead(fd); err != nil {
			slog.Warn("register accepted socket failed", "remote", remote, "error", err)
			unix.Close(fd)
			continue
		}
		c.registered = true
		n.conns[fd] = c
		n.metrics.ConnsAccepted.Add(1)
		n.metrics.PendingOpen.Add(1)
		slog.Debug("connection accepted", "remote", remote, "fd", fd)
	}
}

// adoptOutbound takes ownership of a dialed socket: queue our identity
// frame and wait for writability (connect completion) to flush it.
func (n *Network) adoptOutbound(fd int, remote string) {
	c := newOutboundConn(fd)
	c.remote = remote
	c.queueWrite(encodeHandshake(n.identity))
	c.sentHandshake = true
	c.wantWrite = true
	if err := n.poller.addReadWrite(fd); err != nil {
		slog.Warn("register dialed socket failed", "remote", remote, "error", err)
		unix.Close(fd)
		return
	}
	c.registered = true
	n.conns[fd] = c
	n.metrics.ConnsAdopted.Add(1)
	n.metrics.PendingOpen.Add(1)
	slog.Debug("outbound connection adopted", "remote", remote, "fd", fd)
}

func (n *Network) handleConnEvent(fd int, events uint32) {
	c := n.conns[fd]
	if c == nil {
		// Stale readiness for a socket already closed or handed off.
		return
	}
	if events&unix.EPOLLERR != 0 {
		n.closeConn(c, sockErr(fd))
		return
	}
	if events&unix.EPOLLOUT != 0 {
		n.connWritable(c)
		if n.conns[fd] == nil {
			return
		}
	}
	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		n.connReadable(c)
	}
}

// connReadable advances the handshake with whatever bytes arrived. On
// completion the connection either goes straight to a worker or parks in
// the table pending acceptance, per the accept policy.
func (n *Network) connReadable(c *conn) {
	if c.state == stateAwaitingAcceptance {
		// Parked sockets are out of the epoll set; an event naming one is
		// stale. Their bytes wait in the socket buffer for the worker.
		return
	}
	done, err := c.advanceHandshake()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			n.metrics.HandshakesFailed.Add(1)
			slog.Warn("handshake failed", "remote", c.remote, "origin", c.origin.String(), "error", err)
		}
		n.closeConn(c, err)
		return
	}
	if !done {
		return
	}

	n.metrics.HandshakesCompleted.Add(1)

	// An identified socket leaves the epoll set at once: whatever arrives
	// next waits in the kernel buffer for the worker that will own it, and
	// a parked connection keeps its envelope even through a peer reset.
	if err := n.poller.del(c.fd); err != nil {
		slog.Warn("deregister after handshake failed", "fd", c.fd, "error", err)
	}
	c.registered = false

	c.needsAccept = n.cfg.acceptPolicy(c.remote, c.origin == originInbound)
	slog.Debug("handshake complete",
		"token", c.identity.Token,
		"value", c.identity.ValueText(),
		"origin", c.origin.String(),
		"needs_accept", c.needsAccept)

	if c.needsAccept {
		n.metrics.PendingNotified.Add(1)
		if n.cfg.handler != nil {
			n.cfg.handler(Event{
				Name: EventOnPendingConnection,
				From: c.identity.Token,
				Data: []byte(c.identity.ValueText()),
			})
		}
		return
	}
	n.acceptConn(c)
}

func (n *Network) connWritable(c *conn) {
	drained, err := c.flushWrites()
	if err != nil {
		n.closeConn(c, err)
		return
	}
	if drained && c.wantWrite {
		if err := n.poller.modRead(c.fd); err != nil {
			n.closeConn(c, err)
			return
		}
		c.wantWrite = false
	}
}

// acceptPendingByToken resolves an AcceptPending command against the
// table. No match is a no-op: the peer may have disconnected, or the
// token was never pending.
func (n *Network) acceptPendingByToken(token string) {
	for _, c := range n.conns {
		if c.state == stateAwaitingAcceptance && c.identity.Token == token {
			n.acceptConn(c)
			return
		}
	}
	slog.Debug("accept for unknown pending token", "token", token)
}

// acceptConn moves a fully-handshaken connection out of the loop and over
// to the next worker in the ring. Our own identity frame is queued first
// if this socket never carried it; whatever remains unflushed travels
// with the handoff.
func (n *Network) acceptConn(c *conn) {
	if !c.sentHandshake {
		c.queueWrite(encodeHandshake(n.identity))
		c.sentHandshake = true
	}

	// The loop must never see readiness for a socket it no longer owns.
	// Deregistration happens at identity receipt; this covers any socket
	// that somehow reaches handoff still registered.
	if c.registered {
		if err := n.poller.del(c.fd); err != nil {
			slog.Warn("deregister before handoff failed", "fd", c.fd, "error", err)
		}
		c.registered = false
	}
	delete(n.conns, c.fd)
	n.metrics.PendingOpen.Add(-1)

	idx, ch := n.ring.next()
	cmd := workerCommand{
		kind:     cmdHandleConnection,
		fd:       c.fd,
		identity: c.identity,
		backlog:  c.pendingWrites(),
	}
	select {
	case ch <- cmd:
		c.state = stateHandedOff
		n.metrics.Handoffs.Add(1)
		slog.Debug("connection handed off", "token", c.identity.Token, "worker", idx)
	default:
		n.metrics.HandoffsDropped.Add(1)
		unix.Close(c.fd)
		slog.Warn("worker queue full, dropping connection", "token", c.identity.Token, "worker", idx)
	}
}

// emitEvent dispatches a delivery command to the next worker in the ring.
// An empty target list means every live peer.
func (n *Network) emitEvent(ev Event, targets []string) {
	if len(targets) == 0 {
		targets = n.registry.Tokens()
		if len(targets) == 0 {
			return
		}
	}
	idx, ch := n.ring.next()
	select {
	case ch <- workerCommand{kind: cmdWriteEvent, event: ev, targets: targets}:
		n.metrics.EventsEmitted.Add(1)
	default:
		n.metrics.EventsDropped.Add(int64(len(targets)))
		slog.Warn("worker queue full, dropping emit", "worker", idx, "event", ev.Name)
	}
}

// closeConn closes a pending connection and forgets it. This is the only
// way a socket leaves the table other than handoff.
func (n *Network) closeConn(c *conn, cause error) {
	if c.registered {
		if err := n.poller.del(c.fd); err != nil {
			slog.Warn("deregister on close failed", "fd", c.fd, "error", err)
		}
		c.registered = false
	}
	delete(n.conns, c.fd)
	unix.Close(c.fd)
	n.metrics.ConnsClosed.Add(1)
	n.metrics.PendingOpen.Add(-1)

	switch {
	case cause == nil:
		slog.Debug("pending connection closed", "remote", c.remote, "state", c.state.String())
	case errors.Is(cause, io.EOF):
		slog.Debug("pending connection closed by peer", "remote", c.remote, "state", c.state.String())
	default:
		slog.Debug("pending connection closed", "remote", c.remote, "state", c.state.String(), "error", cause)
	}
}
