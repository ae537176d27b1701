package treescale

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// origin records which side initiated a connection. Whether a connection
// additionally needs application-level acceptance before going live is a
// separate bit (needsAccept) — the two often coincide under the default
// policy but are not the same thing.
type origin uint8

const (
	originInbound  origin = iota // accepted from our listener
	originOutbound               // this node dialed
)

func (o origin) String() string {
	if o == originInbound {
		return "inbound"
	}
	return "outbound"
}

// connState is the handshake progress of a pending connection.
//
//	awaitingVersion → awaitingIdentity → awaitingAcceptance → handedOff
//
// awaitingVersion covers the 4-byte version header; awaitingIdentity covers
// the 4-byte length header plus the identity payload; awaitingAcceptance
// means the peer identity is fully known and the envelope sits in the table
// until accepted (immediately, or by an explicit command); handedOff means
// ownership has left the engine.
type connState uint8

const (
	stateAwaitingVersion connState = iota
	stateAwaitingIdentity
	stateAwaitingAcceptance
	stateHandedOff
)

func (s connState) String() string {
	switch s {
	case stateAwaitingVersion:
		return "awaiting-version"
	case stateAwaitingIdentity:
		return "awaiting-identity"
	case stateAwaitingAcceptance:
		return "awaiting-acceptance"
	case stateHandedOff:
		return "handed-off"
	default:
		return "unknown"
	}
}

// conn is a connection envelope: per-socket handshake state exclusively
// owned by the engine while the connection is pending. It lives in the
// pending table keyed by its fd until it is either closed (explicitly, via
// Network.closeConn) or handed to a worker (ownership moves through the
// worker's channel and the engine forgets the fd entirely).
type conn struct {
	fd     int
	remote string
	origin origin

	// needsAccept: the application must confirm this peer via
	// AcceptPending before it goes live. sentHandshake: our own identity
	// frame has been queued on this socket (inbound connections defer it
	// until acceptance).
	needsAccept   bool
	sentHandshake bool

	state      connState
	registered bool // present in the engine's epoll set
	wantWrite  bool // registered for write readiness as well

	version uint32

	// hdr stages the two fixed 4-byte header fields; payload accumulates
	// the identity bytes once the length is known. The payload allocation
	// is peer-controlled and deliberately uncapped.
	hdr      [4]byte
	hdrN     int
	payload  []byte
	payloadN int

	identity Identity

	// writeQ holds queued outbound buffers; writeOff is the flushed count
	// of writeQ[0]. Buffers are shared slices, never copied.
	writeQ   [][]byte
	writeOff int
}

func newInboundConn(fd int, remote string) *conn {
	return &conn{fd: fd, remote: remote, origin: originInbound, state: stateAwaitingVersion}
}

func newOutboundConn(fd int) *conn {
	return &conn{fd: fd, origin: originOutbound, state: stateAwaitingVersion}
}

// readHeader fills c.hdr. Returns false with a nil error when the socket
// has no more data for now (normal under readiness-based I/O).
func (c *conn) readHeader() (bool, error) {
	for c.hdrN < len(c.hdr) {
		n, err := unix.Read(c.fd, c.hdr[c.hdrN:])
		if err != nil {
			if err == unix.EAGAIN {
				return false, nil
			}
			if err == unix.EINTR {
				continue
			}
			return false, fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return false, io.EOF
		}
		c.hdrN += n
	}
	return true, nil
}

// advanceHandshake consumes whatever handshake bytes the socket currently
// has. Returns done=true once the full peer identity has been decoded, and
// done=false with a nil error when the socket would block mid-field. Any
// returned error is connection-fatal.
func (c *conn) advanceHandshake() (bool, error) {
	for {
		switch c.state {
		case stateAwaitingVersion:
			ok, err := c.readHeader()
			if err != nil || !ok {
				return false, err
			}
			c.version = binary.BigEndian.Uint32(c.hdr[:])
			if c.version == 0 || c.version > HandshakeVersion {
				return false, fmt.Errorf("unsupported handshake version %d", c.version)
			}
			c.hdrN = 0 // reuse hdr for the length field
			c.state = stateAwaitingIdentity

		case stateAwaitingIdentity:
			if c.payload == nil {
				ok, err := c.readHeader()
				if err != nil || !ok {
					return false, err
				}
				size := binary.BigEndian.Uint32(c.hdr[:])
				if size == 0 {
					return false, fmt.Errorf("empty handshake payload")
				}
				c.payload = make([]byte, size)
				c.payloadN = 0
			}
			for c.payloadN < len(c.payload) {
				n, err := unix.Read(c.fd, c.payload[c.payloadN:])
				if err != nil {
					if err == unix.EAGAIN {
						return false, nil
					}
					if err == unix.EINTR {
						continue
					}
					return false, fmt.Errorf("read: %w", err)
				}
				if n == 0 {
					return false, io.EOF
				}
				c.payloadN += n
			}
			id, err := parseHandshakePayload(c.payload)
			if err != nil {
				return false, err
			}
			c.identity = id
			c.payload = nil
			c.state = stateAwaitingAcceptance
			return true, nil

		default:
			// Identity already known; nothing left to read here.
			return true, nil
		}
	}
}

// queueWrite appends buffers to the outbound queue. The slices are shared
// with the caller, not copied.
func (c *conn) queueWrite(bufs ...[]byte) {
	c.writeQ = append(c.writeQ, bufs...)
}

// queuedBytes is the total count of not-yet-flushed bytes.
func (c *conn) queuedBytes() int {
	total := -c.writeOff
	for _, b := range c.writeQ {
		total += len(b)
	}
	return total
}

// advanceWrite marks n bytes at the head of the queue as flushed, dropping
// fully-written buffers.
func (c *conn) advanceWrite(n int) {
	c.writeOff += n
	for len(c.writeQ) > 0 && c.writeOff >= len(c.writeQ[0]) {
		c.writeOff -= len(c.writeQ[0])
		c.writeQ[0] = nil
		c.writeQ = c.writeQ[1:]
	}
}

// flushWrites writes as much of the queue as the socket accepts right now.
// Returns true when the queue is fully drained; false with a nil error
// means the socket stopped accepting and write readiness should stay on.
func (c *conn) flushWrites() (bool, error) {
	for len(c.writeQ) > 0 {
		n, err := unix.Write(c.fd, c.writeQ[0][c.writeOff:])
		if n > 0 {
			c.advanceWrite(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return false, nil
			}
			if err == unix.EINTR {
				continue
			}
			return false, fmt.Errorf("write: %w", err)
		}
	}
	return true, nil
}

// pendingWrites returns the unflushed remainder of the queue for handoff to
// the connection's next owner.
func (c *conn) pendingWrites() [][]byte {
	if len(c.writeQ) == 0 {
		return nil
	}
	rem := make([][]byte, len(c.writeQ))
	copy(rem, c.writeQ)
	rem[0] = rem[0][c.writeOff:]
	return rem
}
