package treescale

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Handshake wire protocol.
//
// Frame format: [4-byte big-endian version][4-byte big-endian payload length]
// [payload]. The payload is the UTF-8 token, one separator byte, and the
// node value as decimal ASCII. The version field is a framing discriminator,
// not a negotiated capability; readers close connections announcing a
// version they do not know. No checksum and no payload length cap at this
// layer — an oversized length is bounded only by available memory.
const (
	// HandshakeVersion is the version written by this generation of the
	// protocol and the highest version accepted when reading.
	HandshakeVersion uint32 = 1

	tokenValueSep byte = '|'
)

var (
	ErrInvalidToken     = fmt.Errorf("invalid node token")
	ErrInvalidNodeValue = fmt.Errorf("invalid node value")
)

// Identity is a node's routing identity: a token naming the node and its
// position value on the ring, an arbitrary-precision non-negative integer
// carried on the wire as decimal text. Immutable once parsed.
type Identity struct {
	Token string
	Value *big.Int
}

// NewIdentity validates and parses a (token, value) pair. The token must be
// non-empty and must not contain the separator byte; the value must be a
// non-negative decimal integer. Failures here are startup-fatal for the
// process-local identity — the caller decides whether to exit.
func NewIdentity(token, value string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if bytes.IndexByte([]byte(token), tokenValueSep) >= 0 {
		return Identity{}, fmt.Errorf("%w: %q contains separator", ErrInvalidToken, token)
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q is not a decimal integer", ErrInvalidNodeValue, value)
	}
	if v.Sign() < 0 {
		return Identity{}, fmt.Errorf("%w: %q is negative", ErrInvalidNodeValue, value)
	}
	return Identity{Token: token, Value: v}, nil
}

// ValueText returns the decimal text of the ring value, the form it takes
// on the wire and in on_pending_connection data.
func (id Identity) ValueText() string {
	if id.Value == nil {
		return ""
	}
	return id.Value.Text(10)
}

func (id Identity) String() string {
	return id.Token + "(" + id.ValueText() + ")"
}

// handshakePayload renders "token<sep>value" — the body of the handshake
// frame after the two header fields.
func handshakePayload(id Identity) []byte {
	value := id.ValueText()
	p := make([]byte, 0, len(id.Token)+1+len(value))
	p = append(p, id.Token...)
	p = append(p, tokenValueSep)
	p = append(p, value...)
	return p
}

// encodeHandshake renders the complete handshake frame for id.
func encodeHandshake(id Identity) []byte {
	payload := handshakePayload(id)
	frame := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], HandshakeVersion)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	return frame
}

// parseHandshakePayload splits a received payload at the first separator
// byte into (token, value). The value must parse as a non-negative decimal
// integer; anything else is a decode error and the connection dies.
func parseHandshakePayload(data []byte) (Identity, error) {
	i := bytes.IndexByte(data, tokenValueSep)
	if i < 0 {
		return Identity{}, fmt.Errorf("handshake payload: no separator")
	}
	token := string(data[:i])
	if token == "" {
		return Identity{}, fmt.Errorf("handshake payload: empty token")
	}
	v, ok := new(big.Int).SetString(string(data[i+1:]), 10)
	if !ok {
		return Identity{}, fmt.Errorf("handshake payload: bad value %q", data[i+1:])
	}
	if v.Sign() < 0 {
		return Identity{}, fmt.Errorf("handshake payload: negative value %q", data[i+1:])
	}
	return Identity{Token: token, Value: v}, nil
}
