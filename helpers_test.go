package treescale

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// waitUntil — polls cond until it holds or the deadline passes.
// ---------------------------------------------------------------------------

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// ---------------------------------------------------------------------------
// eventFrame — length-prefixed wire form of an event.
// ---------------------------------------------------------------------------

func eventFrame(t *testing.T, ev Event) []byte {
	t.Helper()
	payload, err := encodeEvent(ev)
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame
}

// ---------------------------------------------------------------------------
// testClient — a raw TCP client speaking the node wire protocol, used to
// exercise a Network from the outside.
// ---------------------------------------------------------------------------

type testClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dialNode(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	c := &testClient{t: t, conn: conn, br: bufio.NewReader(conn)}
	t.Cleanup(func() { conn.Close() })
	return c
}

// sendHandshake writes the client's identity frame.
func (c *testClient) sendHandshake(token, value string) {
	c.t.Helper()
	id, err := NewIdentity(token, value)
	if err != nil {
		c.t.Fatalf("NewIdentity(%q, %q): %v", token, value, err)
	}
	if _, err := c.conn.Write(encodeHandshake(id)); err != nil {
		c.t.Fatalf("write handshake: %v", err)
	}
}

// recvHandshake reads and parses the server's identity frame.
func (c *testClient) recvHandshake() Identity {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	var hdr [8]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		c.t.Fatalf("read handshake header: %v", err)
	}
	version := binary.BigEndian.Uint32(hdr[:4])
	if version != HandshakeVersion {
		c.t.Fatalf("handshake version = %d, want %d", version, HandshakeVersion)
	}
	payload := make([]byte, binary.BigEndian.Uint32(hdr[4:]))
	if _, err := io.ReadFull(c.br, payload); err != nil {
		c.t.Fatalf("read handshake payload: %v", err)
	}
	id, err := parseHandshakePayload(payload)
	if err != nil {
		c.t.Fatalf("parse handshake payload: %v", err)
	}
	return id
}

// sendEvent writes one framed event.
func (c *testClient) sendEvent(ev Event) {
	c.t.Helper()
	if _, err := c.conn.Write(eventFrame(c.t, ev)); err != nil {
		c.t.Fatalf("write event: %v", err)
	}
}

// recvEvent reads one framed event.
func (c *testClient) recvEvent() Event {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	ev, err := readEventFrame(c.br)
	if err != nil {
		c.t.Fatalf("read event: %v", err)
	}
	return ev
}

func (c *testClient) close() {
	c.conn.Close()
}
