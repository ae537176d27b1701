package treescale

import (
	"bufio"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func testNetwork(t *testing.T, token, value string, opts ...Option) *Network {
	t.Helper()
	n, err := New(token, value, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// autoAcceptNetwork builds a node that accepts every pending connection
// and funnels all other events into the given channel.
func autoAcceptNetwork(t *testing.T, token, value string, events chan Event) *Network {
	t.Helper()
	var n *Network
	handler := func(ev Event) {
		if ev.Name == EventOnPendingConnection {
			n.AcceptPending(ev.From)
			return
		}
		events <- ev
	}
	var err error
	n, err = New(token, value, WithWorkers(2), WithEventHandler(handler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// testPair connects two auto-accepting nodes and waits until each sees
// the other as live.
func testPair(t *testing.T) (*Network, *Network, chan Event, chan Event) {
	t.Helper()
	aEvents := make(chan Event, 16)
	bEvents := make(chan Event, 16)
	a := autoAcceptNetwork(t, "node-a", "1", aEvents)
	b := autoAcceptNetwork(t, "node-b", "2", bEvents)

	if err := a.Connect(b.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, "a sees b", func() bool { return a.PeerCount() == 1 })
	waitUntil(t, "b sees a", func() bool { return b.PeerCount() == 1 })
	return a, b, aEvents, bEvents
}

func TestNetwork_PendingNotification(t *testing.T) {
	events := make(chan Event, 4)
	n := testNetwork(t, "root", "0", WithWorkers(1), WithEventHandler(func(ev Event) { events <- ev }))

	c := dialNode(t, n.Addr())
	c.sendHandshake("client-1", "42")

	select {
	case ev := <-events:
		if ev.Name != EventOnPendingConnection {
			t.Fatalf("event name = %q, want %q", ev.Name, EventOnPendingConnection)
		}
		if ev.From != "client-1" {
			t.Fatalf("event from = %q, want %q", ev.From, "client-1")
		}
		if string(ev.Data) != "42" {
			t.Fatalf("event data = %q, want %q", ev.Data, "42")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pending notification")
	}

	// Not yet accepted: pending, not live.
	if got := n.PeerCount(); got != 0 {
		t.Fatalf("peer count = %d, want 0", got)
	}
	if got := n.Snapshot()["conns_pending"]; got != 1 {
		t.Fatalf("conns_pending = %d, want 1", got)
	}

	// Bytes sent after parking sit in the socket buffer for the eventual
	// worker; the engine no longer watches the socket and must not
	// re-notify.
	c.conn.Write([]byte("early steady-state data"))
	time.Sleep(50 * time.Millisecond)
	if got := n.Snapshot()["pending_notified"]; got != 1 {
		t.Fatalf("pending_notified = %d, want 1", got)
	}
}

// Once the identity is read the engine stops polling the socket, so a
// parked peer that resets its connection keeps its envelope; the reset
// surfaces only when a worker takes ownership.
func TestNetwork_ParkedConnSurvivesPeerReset(t *testing.T) {
	events := make(chan Event, 4)
	n := testNetwork(t, "root", "0", WithWorkers(1), WithEventHandler(func(ev Event) { events <- ev }))

	c := dialNode(t, n.Addr())
	c.sendHandshake("client-1", "42")
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pending notification")
	}

	// Hard reset from the client.
	c.conn.(*net.TCPConn).SetLinger(0)
	c.close()

	time.Sleep(100 * time.Millisecond)
	snap := n.Snapshot()
	if snap["conns_pending"] != 1 {
		t.Fatalf("conns_pending = %d after peer reset, want 1", snap["conns_pending"])
	}
	if snap["conns_closed"] != 0 {
		t.Fatalf("conns_closed = %d after peer reset, want 0", snap["conns_closed"])
	}

	// Acceptance hands the dead socket to a worker, which discovers the
	// reset and cleans up.
	if err := n.AcceptPending("client-1"); err != nil {
		t.Fatalf("AcceptPending: %v", err)
	}
	waitUntil(t, "envelope drained", func() bool { return n.Snapshot()["conns_pending"] == 0 })
	waitUntil(t, "no live peer remains", func() bool { return n.PeerCount() == 0 })
}

func TestNetwork_AcceptPendingGoesLive(t *testing.T) {
	events := make(chan Event, 4)
	n := testNetwork(t, "root", "99", WithWorkers(1), WithEventHandler(func(ev Event) { events <- ev }))

	c := dialNode(t, n.Addr())
	c.sendHandshake("client-1", "42")

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pending notification")
	}

	if err := n.AcceptPending("client-1"); err != nil {
		t.Fatalf("AcceptPending: %v", err)
	}

	// Acceptance sends the node's own identity frame to the peer.
	id := c.recvHandshake()
	if id.Token != "root" || id.Value.String() != "99" {
		t.Fatalf("server identity = %s, want root(99)", id)
	}

	waitUntil(t, "peer live", func() bool { return n.PeerCount() == 1 })
	peers := n.Peers()
	if peers[0].Token != "client-1" || peers[0].Value != "42" {
		t.Fatalf("peer = %+v", peers[0])
	}
	waitUntil(t, "pending gauge drained", func() bool { return n.Snapshot()["conns_pending"] == 0 })
}

func TestNetwork_AcceptUnknownTokenIsNoop(t *testing.T) {
	n := testNetwork(t, "root", "0", WithWorkers(1))

	before := n.Snapshot()["commands_processed"]
	if err := n.AcceptPending("ghost"); err != nil {
		t.Fatalf("AcceptPending: %v", err)
	}
	waitUntil(t, "command drained", func() bool {
		return n.Snapshot()["commands_processed"] == before+1
	})
	if got := n.PeerCount(); got != 0 {
		t.Fatalf("peer count = %d, want 0", got)
	}
}

// A policy that parks outbound peers must not make the worker redo the
// greeting: the identity frame went out at adoption, before parking.
func TestNetwork_PolicyParksOutbound(t *testing.T) {
	events := make(chan Event, 4)
	n := testNetwork(t, "root", "9", WithWorkers(1),
		WithAcceptPolicy(func(string, bool) bool { return true }),
		WithEventHandler(func(ev Event) { events <- ev }))

	engine, far := testSocketpair(t)
	f := os.NewFile(uintptr(far), "far-end")
	fc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	t.Cleanup(func() { fc.Close() })
	c := &testClient{t: t, conn: fc, br: bufio.NewReader(fc)}

	if err := n.AdoptOutbound(engine, "external"); err != nil {
		t.Fatalf("AdoptOutbound: %v", err)
	}
	c.recvHandshake()
	c.sendHandshake("ext-node", "21")

	select {
	case ev := <-events:
		if ev.Name != EventOnPendingConnection || ev.From != "ext-node" {
			t.Fatalf("notification = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pending notification")
	}
	if got := n.PeerCount(); got != 0 {
		t.Fatalf("peer count = %d before acceptance, want 0", got)
	}

	if err := n.AcceptPending("ext-node"); err != nil {
		t.Fatalf("AcceptPending: %v", err)
	}
	waitUntil(t, "parked outbound goes live", func() bool { return n.PeerCount() == 1 })

	// Nothing but silence until the first event: the owning worker must
	// not send a second identity frame.
	fc.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var b [1]byte
	if _, err := c.br.Read(b[:]); err == nil {
		t.Fatal("unexpected bytes after acceptance, identity must be sent exactly once")
	}
	fc.SetReadDeadline(time.Time{})

	if err := n.Emit(Event{Name: "ping"}, "ext-node"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev := c.recvEvent(); ev.Name != "ping" || ev.From != "root" {
		t.Fatalf("far end received %+v", ev)
	}
}

// A policy that refuses to park lets inbound peers go live straight from
// the handshake, with no notification and no envelope.
func TestNetwork_PolicyAutoAcceptsInbound(t *testing.T) {
	events := make(chan Event, 4)
	n := testNetwork(t, "root", "9", WithWorkers(1),
		WithAcceptPolicy(func(string, bool) bool { return false }),
		WithEventHandler(func(ev Event) { events <- ev }))

	c := dialNode(t, n.Addr())
	c.sendHandshake("client-1", "42")

	if id := c.recvHandshake(); id.Token != "root" {
		t.Fatalf("handshake reply from %q, want root", id.Token)
	}
	waitUntil(t, "inbound peer live", func() bool { return n.PeerCount() == 1 })

	snap := n.Snapshot()
	if snap["pending_notified"] != 0 {
		t.Fatalf("pending_notified = %d, want 0", snap["pending_notified"])
	}
	if snap["conns_pending"] != 0 {
		t.Fatalf("conns_pending = %d, want 0", snap["conns_pending"])
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestNetwork_ConnectPair(t *testing.T) {
	a, b, _, _ := testPair(t)

	if got := a.Peers()[0].Token; got != "node-b" {
		t.Fatalf("a's peer = %q, want node-b", got)
	}
	if got := b.Peers()[0].Token; got != "node-a" {
		t.Fatalf("b's peer = %q, want node-a", got)
	}
	if got := a.Peers()[0].Value; got != "2" {
		t.Fatalf("a's peer value = %q, want 2", got)
	}
}

func TestNetwork_AdoptOutboundGoesLive(t *testing.T) {
	events := make(chan Event, 4)
	n := autoAcceptNetwork(t, "root", "7", events)

	engine, far := testSocketpair(t)
	f := os.NewFile(uintptr(far), "far-end")
	fc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	t.Cleanup(func() { fc.Close() })
	c := &testClient{t: t, conn: fc, br: bufio.NewReader(fc)}

	if err := n.AdoptOutbound(engine, "external"); err != nil {
		t.Fatalf("AdoptOutbound: %v", err)
	}

	// The loop speaks first on adopted sockets.
	id := c.recvHandshake()
	if id.Token != "root" || id.ValueText() != "7" {
		t.Fatalf("adopted socket got identity %s, want root(7)", id)
	}

	// Outbound peers go live as soon as they answer; no acceptance step.
	c.sendHandshake("ext-node", "21")
	waitUntil(t, "adopted peer live", func() bool { return n.PeerCount() == 1 })
	if got := n.Peers()[0].Token; got != "ext-node" {
		t.Fatalf("peer token = %q, want ext-node", got)
	}
	snap := n.Snapshot()
	if snap["conns_adopted"] != 1 {
		t.Fatalf("conns_adopted = %d, want 1", snap["conns_adopted"])
	}
	if snap["pending_notified"] != 0 {
		t.Fatalf("pending_notified = %d, want 0", snap["pending_notified"])
	}

	// Steady state over the adopted socket, both directions.
	c.sendEvent(Event{Name: "hello", From: "ext-node", Data: []byte("hi")})
	select {
	case ev := <-events:
		if ev.Name != "hello" || ev.From != "ext-node" || string(ev.Data) != "hi" {
			t.Fatalf("received %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event from adopted socket")
	}

	if err := n.Emit(Event{Name: "reply"}, "ext-node"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ev := c.recvEvent()
	if ev.Name != "reply" || ev.From != "root" {
		t.Fatalf("far end received %+v", ev)
	}
}

func TestNetwork_EventBothDirections(t *testing.T) {
	a, b, aEvents, bEvents := testPair(t)

	if err := a.Emit(Event{Name: "ping", Data: []byte("from-a")}, "node-b"); err != nil {
		t.Fatalf("a.Emit: %v", err)
	}
	select {
	case ev := <-bEvents:
		if ev.Name != "ping" || ev.From != "node-a" || string(ev.Data) != "from-a" {
			t.Fatalf("b received %+v", ev)
		}
		if ev.Target != "node-b" {
			t.Fatalf("b received target %q, want node-b", ev.Target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ping at b")
	}

	if err := b.Emit(Event{Name: "pong", Data: []byte("from-b")}, "node-a"); err != nil {
		t.Fatalf("b.Emit: %v", err)
	}
	select {
	case ev := <-aEvents:
		if ev.Name != "pong" || ev.From != "node-b" || string(ev.Data) != "from-b" {
			t.Fatalf("a received %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pong at a")
	}
}

func TestNetwork_EmitBroadcast(t *testing.T) {
	a, _, _, bEvents := testPair(t)

	// No explicit targets: every live peer gets it.
	if err := a.Emit(Event{Name: "announce"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case ev := <-bEvents:
		if ev.Name != "announce" || ev.From != "node-a" {
			t.Fatalf("b received %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for broadcast at b")
	}
}

func TestNetwork_RoundRobinOwners(t *testing.T) {
	events := make(chan Event, 8)
	n := testNetwork(t, "root", "0", WithWorkers(3), WithEventHandler(func(ev Event) { events <- ev }))

	tokens := []string{"rr-0", "rr-1", "rr-2", "rr-3"}
	for _, token := range tokens {
		c := dialNode(t, n.Addr())
		c.sendHandshake(token, "5")
		select {
		case <-events:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s notification", token)
		}
		if err := n.AcceptPending(token); err != nil {
			t.Fatalf("AcceptPending(%s): %v", token, err)
		}
		c.recvHandshake()
	}
	waitUntil(t, "all peers live", func() bool { return n.PeerCount() == len(tokens) })

	owners := make(map[string]int, len(tokens))
	for _, p := range n.Peers() {
		owners[p.Token] = p.Owner
	}
	for i, token := range tokens {
		if got, want := owners[token], i%3; got != want {
			t.Fatalf("owner[%s] = %d, want %d", token, got, want)
		}
	}
}

// One cursor serves accept handoffs and event dispatch alike: with two
// workers, handoff/emit/handoff must land on 0, 1, 0.
func TestNetwork_SharedDispatchCursor(t *testing.T) {
	events := make(chan Event, 8)
	n := testNetwork(t, "root", "0", WithWorkers(2), WithEventHandler(func(ev Event) { events <- ev }))

	accept := func(token, value string) *testClient {
		t.Helper()
		c := dialNode(t, n.Addr())
		c.sendHandshake(token, value)
		select {
		case <-events:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s notification", token)
		}
		if err := n.AcceptPending(token); err != nil {
			t.Fatalf("AcceptPending(%s): %v", token, err)
		}
		c.recvHandshake()
		return c
	}

	c0 := accept("cursor-0", "1")
	waitUntil(t, "first peer live", func() bool { return n.PeerCount() == 1 })

	// An event dispatch advances the same cursor past worker 1.
	if err := n.Emit(Event{Name: "tick"}, "cursor-0"); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev := c0.recvEvent(); ev.Name != "tick" {
		t.Fatalf("received %+v, want tick", ev)
	}

	accept("cursor-1", "2")
	waitUntil(t, "second peer live", func() bool { return n.PeerCount() == 2 })

	owners := make(map[string]int, 2)
	for _, p := range n.Peers() {
		owners[p.Token] = p.Owner
	}
	if owners["cursor-0"] != 0 {
		t.Fatalf("owner[cursor-0] = %d, want 0", owners["cursor-0"])
	}
	if owners["cursor-1"] != 0 {
		t.Fatalf("owner[cursor-1] = %d, want 0 (cursor shared with event dispatch)", owners["cursor-1"])
	}
}

func TestNetwork_ThreeSocketMix(t *testing.T) {
	events := make(chan Event, 4)
	n := testNetwork(t, "root", "0", WithWorkers(1), WithEventHandler(func(ev Event) { events <- ev }))

	full := dialNode(t, n.Addr())
	full.sendHandshake("a", "1")

	partial := dialNode(t, n.Addr())
	frame := handshakeFrame(t, "b", "2")
	if _, err := partial.conn.Write(frame[:2]); err != nil {
		t.Fatalf("partial write: %v", err)
	}

	silent := dialNode(t, n.Addr())
	_ = silent

	select {
	case ev := <-events:
		if ev.From != "a" || string(ev.Data) != "1" {
			t.Fatalf("notification = %+v, want from=a data=1", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for a's notification")
	}

	waitUntil(t, "three envelopes pending", func() bool {
		return n.Snapshot()["conns_pending"] == 3
	})

	// Incomplete handshakes never time out: well past several clock
	// ticks, the stalled and silent sockets still hold their slots.
	time.Sleep(250 * time.Millisecond)
	snap := n.Snapshot()
	if snap["conns_pending"] != 3 {
		t.Fatalf("conns_pending = %d, want 3", snap["conns_pending"])
	}
	if snap["conns_closed"] != 0 {
		t.Fatalf("conns_closed = %d, want 0", snap["conns_closed"])
	}
	if snap["handshakes_completed"] != 1 {
		t.Fatalf("handshakes_completed = %d, want 1", snap["handshakes_completed"])
	}
	if snap["pending_notified"] != 1 {
		t.Fatalf("pending_notified = %d, want 1", snap["pending_notified"])
	}
}

func TestNetwork_ClientCloseDuringHandshake(t *testing.T) {
	n := testNetwork(t, "root", "0", WithWorkers(1))

	c := dialNode(t, n.Addr())
	frame := handshakeFrame(t, "gone", "3")
	if _, err := c.conn.Write(frame[:6]); err != nil {
		t.Fatalf("partial write: %v", err)
	}
	waitUntil(t, "envelope open", func() bool { return n.Snapshot()["conns_pending"] == 1 })

	c.close()
	waitUntil(t, "envelope closed", func() bool {
		snap := n.Snapshot()
		return snap["conns_closed"] == 1 && snap["conns_pending"] == 0
	})
	if got := n.Snapshot()["handshakes_completed"]; got != 0 {
		t.Fatalf("handshakes_completed = %d, want 0", got)
	}
}

func TestNetwork_BadVersionClosed(t *testing.T) {
	n := testNetwork(t, "root", "0", WithWorkers(1))

	c := dialNode(t, n.Addr())
	bad := handshakeFrame(t, "evil", "3")
	bad[3] = 9 // future version
	if _, err := c.conn.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitUntil(t, "handshake rejected", func() bool {
		snap := n.Snapshot()
		return snap["handshakes_failed"] == 1 && snap["conns_closed"] == 1
	})
}

func TestNetwork_StopIdempotent(t *testing.T) {
	n := testNetwork(t, "root", "0", WithWorkers(1))

	if err := n.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	select {
	case <-n.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if err := n.Err(); err != nil {
		t.Fatalf("Err after clean Stop = %v, want nil", err)
	}

	if err := n.Connect("127.0.0.1:1"); !errors.Is(err, ErrNetworkStopped) {
		t.Fatalf("Connect after Stop = %v, want ErrNetworkStopped", err)
	}
	if err := n.AcceptPending("x"); !errors.Is(err, ErrNetworkStopped) {
		t.Fatalf("AcceptPending after Stop = %v, want ErrNetworkStopped", err)
	}
}

// After the loop dies on its own, every command must report the death;
// a free slot in the command buffer must never beat the done channel.
func TestNetwork_SendAfterLoopDeath(t *testing.T) {
	n := testNetwork(t, "root", "0", WithWorkers(1))

	// Pull the epoll fd out from under the loop: its next wait fails and
	// takes it down the fatal path.
	unix.Close(n.poller.epfd)
	n.wake.trigger()

	select {
	case <-n.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop survived losing its epoll fd")
	}
	if n.Err() == nil {
		t.Fatal("Err after loop death = nil, want failure")
	}

	for i := 0; i < 64; i++ {
		if err := n.Emit(Event{Name: "x"}); !errors.Is(err, ErrNetworkStopped) {
			t.Fatalf("Emit #%d after loop death = %v, want ErrNetworkStopped", i, err)
		}
	}
}

func TestNetwork_CommandsBeforeStart(t *testing.T) {
	n, err := New("root", "0")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Emit(Event{Name: "x"}); !errors.Is(err, ErrNetworkStopped) {
		t.Fatalf("Emit before Start = %v, want ErrNetworkStopped", err)
	}
	if err := n.AcceptPending("x"); !errors.Is(err, ErrNetworkStopped) {
		t.Fatalf("AcceptPending before Start = %v, want ErrNetworkStopped", err)
	}
}

func TestNetwork_StopClosesPendingAndPeers(t *testing.T) {
	events := make(chan Event, 4)
	n := testNetwork(t, "root", "0", WithWorkers(1), WithEventHandler(func(ev Event) { events <- ev }))

	live := dialNode(t, n.Addr())
	live.sendHandshake("live-1", "8")
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification")
	}
	if err := n.AcceptPending("live-1"); err != nil {
		t.Fatalf("AcceptPending: %v", err)
	}
	live.recvHandshake()
	waitUntil(t, "peer live", func() bool { return n.PeerCount() == 1 })

	stuck := dialNode(t, n.Addr())
	_ = stuck
	waitUntil(t, "envelope pending", func() bool { return n.Snapshot()["conns_pending"] == 1 })

	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := n.PeerCount(); got != 0 {
		t.Fatalf("peer count after Stop = %d, want 0", got)
	}

	// Both sockets observe the close.
	buf := make([]byte, 1)
	live.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := live.conn.Read(buf); err == nil {
		t.Fatal("live conn still open after Stop")
	}
	stuck.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := stuck.conn.Read(buf); err == nil {
		t.Fatal("pending conn still open after Stop")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "1"); err == nil {
		t.Fatal("New with empty token succeeded")
	}
	if _, err := New("a", "not-a-number"); err == nil {
		t.Fatal("New with bad value succeeded")
	}
	if _, err := New("a", "1", WithWorkers(0)); err == nil {
		t.Fatal("New with zero workers succeeded")
	}
	if _, err := New("a", "-3"); err == nil {
		t.Fatal("New with negative value succeeded")
	}
}

// New owns the epoll instance from the start: a Network that is never
// started must still release it on Stop.
func TestNew_PollerLifetime(t *testing.T) {
	n, err := New("root", "0")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.poller == nil {
		t.Fatal("no poller after New")
	}
	epfd := n.poller.epfd
	if _, err := unix.FcntlInt(uintptr(epfd), unix.F_GETFD, 0); err != nil {
		t.Fatalf("epoll fd invalid after New: %v", err)
	}

	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := unix.FcntlInt(uintptr(epfd), unix.F_GETFD, 0); err != unix.EBADF {
		t.Fatalf("fcntl after Stop = %v, want EBADF", err)
	}
}

// A failed Start must not poison the Network: the epoll instance from New
// survives, and a retry with a usable address works.
func TestNetwork_StartFailureLeavesUsable(t *testing.T) {
	n, err := New("root", "0", WithWorkers(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// TEST-NET-1 is never assigned to a local interface, so the bind fails.
	if err := n.Start("192.0.2.1:0"); err == nil {
		t.Fatal("Start on an unroutable address succeeded")
	}

	if err := n.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start after failed bind: %v", err)
	}
	t.Cleanup(func() { n.Stop() })

	c := dialNode(t, n.Addr())
	c.sendHandshake("client-1", "42")
	waitUntil(t, "retried listener accepts", func() bool {
		return n.Snapshot()["conns_pending"] == 1
	})
}

func TestNetwork_AddrIsBound(t *testing.T) {
	n := testNetwork(t, "root", "0", WithWorkers(1))
	if n.Addr() == "" || n.Addr() == "127.0.0.1:0" {
		t.Fatalf("Addr = %q, want concrete bound address", n.Addr())
	}
}
