package treescale

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EventOnPendingConnection is the reserved event name delivered to the
// application handler when an inbound peer has announced its identity and
// awaits an explicit AcceptPending call. From carries the peer token and
// Data the decimal text of its ring value.
const EventOnPendingConnection = "on_pending_connection"

// Event is the unit of application traffic between nodes. Name selects the
// application behavior, From is the originating node token, Target is the
// destination token the delivering worker resolved (empty on local
// notifications), and Data is an opaque payload.
//
// Wire encoding: three length-prefixed strings (2-byte big-endian lengths)
// followed by a 4-byte big-endian data length and the data bytes. On the
// socket, events travel inside [4-byte big-endian frame length][encoded
// event] frames.
type Event struct {
	Name   string
	From   string
	Target string
	Data   []byte
}

// EventHandler receives events on behalf of the application: pending
// connection notifications from the engine and decoded frames from workers.
// Handlers run on engine/worker goroutines and must not block; Data must be
// treated as read-only but may be retained.
type EventHandler func(ev Event)

const maxStrLen = 1<<16 - 1

func encodeEvent(ev Event) ([]byte, error) {
	if len(ev.Name) > maxStrLen || len(ev.From) > maxStrLen || len(ev.Target) > maxStrLen {
		return nil, fmt.Errorf("event field exceeds %d bytes", maxStrLen)
	}
	buf := bytes.NewBuffer(make([]byte, 0, 10+len(ev.Name)+len(ev.From)+len(ev.Target)+len(ev.Data)))
	putEvStr(buf, ev.Name)
	putEvStr(buf, ev.From)
	putEvStr(buf, ev.Target)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(ev.Data)))
	buf.Write(tmp[:])
	buf.Write(ev.Data)
	return buf.Bytes(), nil
}

// decodeEvent parses an encoded event. Data is copied out of the input so
// callers may recycle the frame buffer immediately.
func decodeEvent(data []byte) (Event, error) {
	var ev Event
	off := 0
	var err error
	if ev.Name, off, err = getEvStr(data, off); err != nil {
		return Event{}, fmt.Errorf("event name: %w", err)
	}
	if ev.From, off, err = getEvStr(data, off); err != nil {
		return Event{}, fmt.Errorf("event from: %w", err)
	}
	if ev.Target, off, err = getEvStr(data, off); err != nil {
		return Event{}, fmt.Errorf("event target: %w", err)
	}
	if off+4 > len(data) {
		return Event{}, fmt.Errorf("event data: short length")
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if off+n > len(data) {
		return Event{}, fmt.Errorf("event data: want %d bytes, have %d", n, len(data)-off)
	}
	if n > 0 {
		ev.Data = append([]byte(nil), data[off:off+n]...)
	}
	return ev, nil
}

func putEvStr(buf *bytes.Buffer, s string) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	buf.Write(tmp[:])
	buf.WriteString(s)
}

func getEvStr(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", off, fmt.Errorf("short length at offset %d", off)
	}
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+n > len(data) {
		return "", off, fmt.Errorf("want %d bytes at offset %d, have %d", n, off, len(data)-off)
	}
	return string(data[off : off+n]), off + n, nil
}
