// Package wire implements the NetworkEvent binary frame codec carried over a
// single websocket binary message per event.
//
// The byte layout is wire-stable and must not change: existing native,
// browser, and mobile clients depend on it bit-for-bit.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// EventType is the closed, wire-stable NetworkEvent type enumeration.
type EventType uint8

const (
	EventInvalid                  EventType = 0
	EventUnreliableMessageReceived EventType = 1
	EventServerInitialized         EventType = 2
	EventServerInitFailed          EventType = 3
	EventServerClosed              EventType = 4
	EventNewConnection             EventType = 5
	EventConnectionFailed          EventType = 6
	EventDisconnected              EventType = 7
	EventReliableMessageReceived   EventType = 8
	EventFatalError                EventType = 100
	EventWarning                   EventType = 101
	EventLog                       EventType = 102
	EventMetaVersion               EventType = 103
	EventMetaHeartbeat             EventType = 104
)

func (t EventType) String() string {
	switch t {
	case EventInvalid:
		return "Invalid"
	case EventUnreliableMessageReceived:
		return "UnreliableMessageReceived"
	case EventServerInitialized:
		return "ServerInitialized"
	case EventServerInitFailed:
		return "ServerInitFailed"
	case EventServerClosed:
		return "ServerClosed"
	case EventNewConnection:
		return "NewConnection"
	case EventConnectionFailed:
		return "ConnectionFailed"
	case EventDisconnected:
		return "Disconnected"
	case EventReliableMessageReceived:
		return "ReliableMessageReceived"
	case EventFatalError:
		return "FatalError"
	case EventWarning:
		return "Warning"
	case EventLog:
		return "Log"
	case EventMetaVersion:
		return "MetaVersion"
	case EventMetaHeartbeat:
		return "MetaHeartbeat"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// ConnectionID names a pairing from one peer's local perspective. -1 (NoConnection)
// denotes "no connection", used for server-lifecycle events.
type ConnectionID int16

// NoConnection is the sentinel ConnectionID carried by server-lifecycle events.
const NoConnection ConnectionID = -1

// FirstIncomingID is the first ConnectionID the server assigns to an incoming
// pairing. Ids in [FirstIncomingID, IncomingIDCeiling) are server-assigned;
// ids outside that range are chosen by the client for outgoing attempts.
const (
	FirstIncomingID   ConnectionID = 16384
	IncomingIDCeiling ConnectionID = 32767
)

// PayloadTag selects which of the three payload shapes a frame carries.
type PayloadTag uint8

const (
	PayloadNone   PayloadTag = 0
	PayloadString PayloadTag = 1
	PayloadBytes  PayloadTag = 2
)

// CurrentVersion is the protocol version this server speaks.
// MinSupportedVersion is the oldest client version tolerated.
const (
	CurrentVersion      uint8 = 2
	MinSupportedVersion uint8 = 1
)

// Event is a decoded NetworkEvent: a type, a ConnectionId, and an optional
// payload that is either a UTF-16LE string or an opaque byte buffer.
//
// Exactly one of Str/Bytes is meaningful, selected by Tag. Event zero values
// (Tag == PayloadNone) carry no payload.
type Event struct {
	Type   EventType
	ConnID ConnectionID
	Tag    PayloadTag
	Str    string
	Bytes  []byte

	// Version carries the protocol version for MetaVersion frames only.
	Version uint8
}

// StringEvent builds an Event carrying a UTF-16LE string payload.
func StringEvent(t EventType, id ConnectionID, s string) Event {
	return Event{Type: t, ConnID: id, Tag: PayloadString, Str: s}
}

// BytesEvent builds an Event carrying an opaque byte payload.
func BytesEvent(t EventType, id ConnectionID, b []byte) Event {
	return Event{Type: t, ConnID: id, Tag: PayloadBytes, Bytes: b}
}

// NoPayloadEvent builds an Event carrying no payload.
func NoPayloadEvent(t EventType, id ConnectionID) Event {
	return Event{Type: t, ConnID: id, Tag: PayloadNone}
}

// MetaVersionEvent builds the MetaVersion handshake frame.
func MetaVersionEvent(version uint8) Event {
	return Event{Type: EventMetaVersion, ConnID: NoConnection, Version: version}
}

// MetaHeartbeatEvent builds the MetaHeartbeat keepalive frame.
func MetaHeartbeatEvent() Event {
	return Event{Type: EventMetaHeartbeat, ConnID: NoConnection}
}

// ErrMalformedFrame is returned by Decode when the buffer is too short for
// its declared tag, a declared length exceeds the remaining bytes, or the
// payload tag is unrecognized. A malformed frame must cause the session to
// be cleaned up; there is no partial application.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Codec encodes and decodes NetworkEvent frames.
type Codec struct{}

// Encode renders ev as wire bytes.
//
//	byte 0        : EventType
//	if type == MetaHeartbeat:
//	    (no further bytes)
//	if type == MetaVersion:
//	    byte 1     : protocol version (uint8)
//	otherwise:
//	    byte 1        : payload tag (0=none, 1=string, 2=bytes)
//	    bytes 2..3    : ConnectionId, signed 16-bit little-endian
//	    if tag == 1 : uint32 LE length L, then L bytes UTF-16LE
//	    if tag == 2 : uint32 LE length L, then L bytes opaque
func (Codec) Encode(ev Event) ([]byte, error) {
	switch ev.Type {
	case EventMetaHeartbeat:
		return []byte{byte(ev.Type)}, nil
	case EventMetaVersion:
		return []byte{byte(ev.Type), ev.Version}, nil
	}

	var payload []byte
	switch ev.Tag {
	case PayloadNone:
	case PayloadString:
		payload = encodeUTF16LE(ev.Str)
	case PayloadBytes:
		payload = ev.Bytes
	default:
		return nil, fmt.Errorf("%w: unknown payload tag %d", ErrMalformedFrame, ev.Tag)
	}

	header := 4
	if ev.Tag != PayloadNone {
		header += 4
	}
	buf := make([]byte, header+len(payload))
	buf[0] = byte(ev.Type)
	buf[1] = byte(ev.Tag)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(ev.ConnID))
	if ev.Tag != PayloadNone {
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
		copy(buf[8:], payload)
	}
	return buf, nil
}

// Decode parses wire bytes into an Event. See Encode for the byte layout.
func (Codec) Decode(b []byte) (Event, error) {
	if len(b) < 1 {
		return Event{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	t := EventType(b[0])
	switch t {
	case EventMetaHeartbeat:
		return MetaHeartbeatEvent(), nil
	case EventMetaVersion:
		if len(b) < 2 {
			return Event{}, fmt.Errorf("%w: MetaVersion missing version byte", ErrMalformedFrame)
		}
		return MetaVersionEvent(b[1]), nil
	}

	if len(b) < 4 {
		return Event{}, fmt.Errorf("%w: header too short", ErrMalformedFrame)
	}
	tag := PayloadTag(b[1])
	connID := ConnectionID(int16(binary.LittleEndian.Uint16(b[2:4])))

	switch tag {
	case PayloadNone:
		return NoPayloadEvent(t, connID), nil
	case PayloadString, PayloadBytes:
		if len(b) < 8 {
			return Event{}, fmt.Errorf("%w: missing length prefix", ErrMalformedFrame)
		}
		length := binary.LittleEndian.Uint32(b[4:8])
		rest := b[8:]
		if uint64(length) > uint64(len(rest)) {
			return Event{}, fmt.Errorf("%w: declared length %d exceeds remaining %d bytes", ErrMalformedFrame, length, len(rest))
		}
		data := rest[:length]
		if tag == PayloadString {
			s, err := decodeUTF16LE(data)
			if err != nil {
				return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			return StringEvent(t, connID, s), nil
		}
		return BytesEvent(t, connID, append([]byte(nil), data...)), nil
	default:
		return Event{}, fmt.Errorf("%w: unrecognized payload tag %d", ErrMalformedFrame, tag)
	}
}

func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], u)
	}
	return out
}

func decodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("odd UTF-16LE byte length %d", len(b))
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(units)), nil
}
