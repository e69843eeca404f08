package peer

import (
	"log/slog"
	"sync"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/kestrel-net/signalrelay/internal/metrics"
	"github.com/kestrel-net/signalrelay/internal/wire"
)

// maxAddressCodeUnits bounds a listen address's length, measured in UTF-16
// code units (matching how the historical wire format measures string
// payload length), to keep listener-map keys and log lines bounded.
const maxAddressCodeUnits = 256

// Pool is one namespace: a set of connected sessions, the addresses they are
// listening on, and the single mutex that serializes every operation that
// touches any of it (spec §5). All dispatch inside a namespace — inbound
// events, cleanup, listen/connect brokering — runs under Pool.mu; the only
// things that may block while it is held are the non-blocking enqueue calls
// a Session's emit performs, never a socket read or write.
type Pool struct {
	name           string
	addressSharing bool
	log            *slog.Logger
	metrics        *metrics.Metrics

	mu        sync.Mutex
	sessions  map[*Session]struct{}
	listeners map[string][]*Session
}

// NewPool constructs an empty namespace. addressSharing controls whether
// more than one session may listen on the same address concurrently,
// cross-connecting every pair as each new listener joins (spec §4.4). m may
// be nil, in which case counters are discarded.
func NewPool(name string, addressSharing bool, log *slog.Logger, m *metrics.Metrics) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Pool{
		name:           name,
		addressSharing: addressSharing,
		log:            log.With("pool", name),
		metrics:        m,
		sessions:       make(map[*Session]struct{}),
		listeners:      make(map[string][]*Session),
	}
}

// Name returns the namespace's name, used for routing and metrics labels.
func (p *Pool) Name() string { return p.name }

// Metrics returns the pool's counter registry.
func (p *Pool) Metrics() *metrics.Metrics { return p.metrics }

// NewSession constructs a Session bound to this pool and registers it.
// The caller wires protocol's Listener to the returned Session (its OnEvent
// and OnClosed methods) before starting protocol's read loop.
func (p *Pool) NewSession(protocol Protocol, log *slog.Logger) *Session {
	if log == nil {
		log = p.log
	}
	s := &Session{
		id:             uuid.NewString(),
		log:            log,
		protocol:       protocol,
		pool:           p,
		state:          StateConnected,
		connections:    make(map[wire.ConnectionID]*Session),
		nextIncomingID: wire.FirstIncomingID,
	}

	p.mu.Lock()
	p.sessions[s] = struct{}{}
	p.mu.Unlock()

	return s
}

// SessionCount reports how many sessions are currently registered.
func (p *Pool) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// ListenerCount reports how many sessions are listening on addr.
func (p *Pool) ListenerCount(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners[addr])
}

// --- Controller contract, invoked by a Session under Pool.mu (spec §4.4). ---

// OnConnectionRequest resolves a client's NewConnection(id, addr) attempt
// against the current listener set for addr:
//
//   - exactly one listener, and it isn't the requester itself: connect them.
//   - no listeners, or the requester is its own (only) listener, or more
//     than one listener is registered (ambiguous target), or id is already
//     in use in the requester's pair map: deny.
func (p *Pool) OnConnectionRequest(s *Session, addr string, id wire.ConnectionID) {
	list := p.listeners[addr]
	_, idInUse := s.connections[id]
	if !idInUse && len(list) == 1 && list[0] != s {
		target := list[0]
		if target.CanAcceptIncoming() {
			target.AcceptIncomingConnection(s)
			s.AcceptOutgoingConnection(target, id)
			p.metrics.Inc(metrics.PairsFormed)
			return
		}
	}
	p.metrics.Inc(metrics.ConnectDenied)
	s.DenyConnection(addr, id)
}

// OnListeningRequest resolves a client's request to listen on addr. If the
// address is available, s is registered and, under address sharing, cross-
// connected to every session already listening there (others before self,
// per spec §4.4). Otherwise the request is denied.
func (p *Pool) OnListeningRequest(s *Session, addr string) {
	if !p.isAvailableLocked(addr) {
		p.metrics.Inc(metrics.ListenDenied)
		s.DenyListening(addr)
		return
	}

	existing := append([]*Session(nil), p.listeners[addr]...)
	p.listeners[addr] = append(p.listeners[addr], s)
	s.AcceptListening(addr)

	if p.addressSharing {
		for _, other := range existing {
			if other == s {
				continue
			}
			// Checked on both sides before either mutates: a half-formed
			// pairing (one side allocated, the other denied) would violate
			// the pair-symmetry invariant (spec §4's invariant 1).
			if !other.CanAcceptIncoming() || !s.CanAcceptIncoming() {
				p.metrics.Inc(metrics.ConnectDenied)
				continue
			}
			other.AcceptIncomingConnection(s)
			s.AcceptIncomingConnection(other)
			p.metrics.Inc(metrics.PairsFormed)
		}
	}
}

// OnStopListening removes s from addr's listener set, dropping the map entry
// entirely once it is empty.
func (p *Pool) OnStopListening(s *Session, addr string) {
	list := p.listeners[addr]
	for i, cand := range list {
		if cand == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.listeners, addr)
		return
	}
	p.listeners[addr] = list
}

// OnCleanup removes s from the pool's session set. Called once, at the start
// of a session's cleanup, before its pairings and listener registration are
// torn down.
func (p *Pool) OnCleanup(s *Session) {
	if _, ok := p.sessions[s]; !ok {
		p.log.Warn("cleanup for session not registered in pool", "session", s.id)
		return
	}
	delete(p.sessions, s)
	p.metrics.Inc(metrics.SessionsCleaned)
}

// isAvailableLocked reports whether addr can accept a new listener: its
// encoded length is within bound, and either nobody is listening there yet
// or address sharing is enabled.
func (p *Pool) isAvailableLocked(addr string) bool {
	if utf16CodeUnitLen(addr) > maxAddressCodeUnits {
		return false
	}
	list := p.listeners[addr]
	return len(list) == 0 || p.addressSharing
}

func utf16CodeUnitLen(s string) int {
	return len(utf16.Encode([]rune(s)))
}
