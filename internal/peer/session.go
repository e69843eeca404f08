// Package peer implements the relay's state machine: the per-client Session
// (pair map, address registration, state gating) and the per-namespace Pool
// that brokers listen/connect requests between sessions and owns the single
// mutex that serializes every operation touching a namespace (spec §5).
package peer

import (
	"log/slog"

	"github.com/kestrel-net/signalrelay/internal/wire"
)

// Protocol is the downward collaborator a Session drives: it owns framing,
// liveness, and the socket. transport.Session satisfies this interface
// structurally.
type Protocol interface {
	Send(ev wire.Event)
	Dispose()
}

// Session is one connected client's relay state: its lifecycle state, its
// pair map (local ConnectionId -> paired Session), and at most one address
// it is listening on.
//
// Every field below is guarded by the owning Pool's mutex; a Session never
// locks anything itself — Pool.mu is the single serializer for the whole
// namespace (spec §5). Session methods other than the OnEvent/OnClosed entry
// points assume the caller already holds Pool.mu.
type Session struct {
	id       string
	log      *slog.Logger
	protocol Protocol
	pool     *Pool

	state          State
	connections    map[wire.ConnectionID]*Session
	nextIncomingID wire.ConnectionID
	ownAddress     string
	hasAddress     bool
}

// ID is an opaque per-session handle for logs and metrics. It never appears
// on the wire — the wire protocol's ConnectionId stays a 16-bit int local to
// each side of a pairing, per spec §3.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.state
}

// OwnAddress reports the address this session is listening on, if any.
func (s *Session) OwnAddress() (string, bool) {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.ownAddress, s.hasAddress
}

// PairCount returns the number of active pairings in this session's pair
// map. Intended for tests and metrics.
func (s *Session) PairCount() int {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return len(s.connections)
}

// PeerFor returns the session paired to local id, for tests.
func (s *Session) PeerFor(id wire.ConnectionID) (*Session, bool) {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	other, ok := s.connections[id]
	return other, ok
}

// OnEvent is the upward callback from Protocol: every inbound, decoded
// NetworkEvent other than MetaVersion/MetaHeartbeat (handled and absorbed by
// the transport layer) arrives here. It is the entry point that acquires the
// owning Pool's serializing mutex for the duration of the dispatch.
func (s *Session) OnEvent(ev wire.Event) {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	s.dispatchLocked(ev)
}

func (s *Session) dispatchLocked(ev wire.Event) {
	switch ev.Type {
	case wire.EventNewConnection:
		s.pool.OnConnectionRequest(s, ev.Str, ev.ConnID)

	case wire.EventDisconnected:
		s.teardownPairingLocked(ev.ConnID)

	case wire.EventServerInitialized:
		addr := ev.Str
		if s.hasAddress {
			s.stopListeningLocked()
		}
		s.pool.OnListeningRequest(s, addr)

	case wire.EventServerClosed:
		if !s.hasAddress {
			s.log.Warn("stop-listen requested without an address set", "session", s.id)
			return
		}
		s.stopListeningLocked()

	case wire.EventReliableMessageReceived, wire.EventUnreliableMessageReceived:
		s.forwardMessageLocked(ev)

	case wire.EventConnectionFailed, wire.EventServerInitFailed:
		// Never valid from a client; ignored.

	default:
		s.log.Warn("unhandled inbound event type", "type", ev.Type, "session", s.id)
	}
}

// OnClosed is the upward callback from Protocol signaling the transport has
// gone away (remote close, reset, no-pong timeout, or malformed frame). It
// is the other entry point that acquires Pool.mu, funneling into the same
// cleanup as any other trigger.
func (s *Session) OnClosed() {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	s.cleanupLocked()
}

// cleanupLocked is idempotent: entering Disconnecting/Disconnected from a
// cleanup trigger a second time is a no-op (spec invariant 3).
func (s *Session) cleanupLocked() {
	if s.state == StateDisconnecting || s.state == StateDisconnected {
		return
	}
	s.state = StateDisconnecting

	s.pool.OnCleanup(s)

	// Snapshot keys before iterating: teardownPairingLocked mutates the map
	// (spec §9 open question).
	ids := make([]wire.ConnectionID, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.teardownPairingLocked(id)
	}

	if s.hasAddress {
		s.stopListeningLocked()
	}

	s.protocol.Dispose()
	s.state = StateDisconnected
}

// teardownPairingLocked removes the pairing named by id from both sides and
// notifies both clients. If id is unknown, the client may have raced a
// message/disconnect order and the request is dropped with a log. If the
// reverse mapping is missing, that is a bidirectionality bug — logged and
// dropped, never guessed at.
func (s *Session) teardownPairingLocked(id wire.ConnectionID) {
	other, ok := s.connections[id]
	if !ok {
		s.log.Info("disconnected for unknown connection id", "id", id, "session", s.id)
		return
	}
	j, ok := reverseID(other, s)
	if !ok {
		s.log.Error("bidirectionality bug: no reverse pairing found", "id", id, "session", s.id)
		return
	}

	delete(s.connections, id)
	delete(other.connections, j)

	s.emit(wire.NoPayloadEvent(wire.EventDisconnected, id))
	other.emit(wire.NoPayloadEvent(wire.EventDisconnected, j))
}

// forwardMessageLocked relays a Reliable/UnreliableMessageReceived from this
// session's client to the paired session's client, translating the
// ConnectionId to the far side's local id. Content is never inspected.
func (s *Session) forwardMessageLocked(ev wire.Event) {
	other, ok := s.connections[ev.ConnID]
	if !ok {
		s.log.Info("message for unknown connection id, dropping", "id", ev.ConnID, "session", s.id)
		return
	}
	j, ok := reverseID(other, s)
	if !ok {
		s.log.Error("bidirectionality bug: no reverse pairing found on forward", "id", ev.ConnID, "session", s.id)
		return
	}

	out := ev
	out.ConnID = j
	other.emit(out)
}

// stopListeningLocked tears down this session's own address registration
// (assumes s.hasAddress is already known true by the caller) and notifies
// the client. Shared by the inbound ServerClosed handler, the implicit
// "listen while already listening" re-registration path, and cleanup.
func (s *Session) stopListeningLocked() {
	addr := s.ownAddress
	s.pool.OnStopListening(s, addr)
	s.hasAddress = false
	s.ownAddress = ""
	s.emit(wire.NoPayloadEvent(wire.EventServerClosed, wire.NoConnection))
}

// --- Public contract invoked by the Pool (spec §4.3 table). Callers must
// hold the owning Pool's mutex. ---

// CanAcceptIncoming reports whether this session can still allocate a
// server-assigned incoming id without leaving the range
// [wire.FirstIncomingID, wire.IncomingIDCeiling) spec §3 reserves for
// incoming connections. The Pool checks this before calling
// AcceptIncomingConnection, since allocation itself must stay strictly
// monotonic (spec §4's invariant 4) rather than wrap.
func (s *Session) CanAcceptIncoming() bool {
	return s.nextIncomingID < wire.IncomingIDCeiling
}

// AcceptIncomingConnection allocates a fresh incoming ConnectionId, pairs
// self with other under it, and notifies the client. Callers must check
// CanAcceptIncoming first; this does not itself re-check the ceiling.
func (s *Session) AcceptIncomingConnection(other *Session) {
	id := s.nextIncomingID
	s.nextIncomingID++
	s.connections[id] = other
	s.emit(wire.NoPayloadEvent(wire.EventNewConnection, id))
}

// AcceptOutgoingConnection pairs self with other under the client-chosen id
// and notifies the client.
func (s *Session) AcceptOutgoingConnection(other *Session, id wire.ConnectionID) {
	s.connections[id] = other
	s.emit(wire.NoPayloadEvent(wire.EventNewConnection, id))
}

// DenyConnection notifies the client that a connect attempt failed.
func (s *Session) DenyConnection(addr string, id wire.ConnectionID) {
	s.emit(wire.NoPayloadEvent(wire.EventConnectionFailed, id))
}

// AcceptListening records addr as this session's own address and notifies
// the client.
func (s *Session) AcceptListening(addr string) {
	s.ownAddress = addr
	s.hasAddress = true
	s.emit(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, addr))
}

// DenyListening notifies the client that a listen request failed.
func (s *Session) DenyListening(addr string) {
	s.emit(wire.StringEvent(wire.EventServerInitFailed, wire.NoConnection, addr))
}

// emit delivers ev to the client, gated on lifecycle state: permitted while
// Connected or Disconnecting, forbidden while Disconnected (spec §4.3's
// resolution of the send-gate open question).
func (s *Session) emit(ev wire.Event) {
	if !canEmit(s.state) {
		return
	}
	s.protocol.Send(ev)
}

// reverseID finds the id under which haystack pairs with needle, implementing
// the O(n) linear search spec §4.3 explicitly allows (n is small: one entry
// per active pairing).
func reverseID(haystack, needle *Session) (wire.ConnectionID, bool) {
	for id, peer := range haystack.connections {
		if peer == needle {
			return id, true
		}
	}
	return 0, false
}
