package peer

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/kestrel-net/signalrelay/internal/wire"
)

// fakeProtocol stands in for a transport.Session: it records every Send and
// whether Dispose has been called, without touching a real socket.
type fakeProtocol struct {
	mu       sync.Mutex
	sent     []wire.Event
	disposed bool
}

func (f *fakeProtocol) Send(ev wire.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
}

func (f *fakeProtocol) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
}

func (f *fakeProtocol) events() []wire.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Event(nil), f.sent...)
}

func (f *fakeProtocol) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(sharing bool) *Pool {
	return NewPool("test", sharing, testLogger(), nil)
}

func newTestSession(p *Pool) (*Session, *fakeProtocol) {
	fp := &fakeProtocol{}
	return p.NewSession(fp, testLogger()), fp
}

func lastEvent(f *fakeProtocol) (wire.Event, bool) {
	evs := f.events()
	if len(evs) == 0 {
		return wire.Event{}, false
	}
	return evs[len(evs)-1], true
}

func TestConnect_PairSymmetry(t *testing.T) {
	p := newTestPool(false)
	listener, lp := newTestSession(p)
	dialer, dp := newTestSession(p)

	listener.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	if ev, ok := lastEvent(lp); !ok || ev.Type != wire.EventServerInitialized {
		t.Fatalf("listener did not get ServerInitialized: %+v", ev)
	}

	dialer.OnEvent(wire.StringEvent(wire.EventNewConnection, 7, "room"))

	dEv, ok := lastEvent(dp)
	if !ok || dEv.Type != wire.EventNewConnection || dEv.ConnID != 7 {
		t.Fatalf("dialer did not get NewConnection(7): %+v", dEv)
	}
	lEv, ok := lastEvent(lp)
	if !ok || lEv.Type != wire.EventNewConnection {
		t.Fatalf("listener did not get NewConnection: %+v", lEv)
	}

	other, ok := dialer.PeerFor(7)
	if !ok || other != listener {
		t.Fatalf("dialer not paired with listener under id 7")
	}
	rev, ok := listener.PeerFor(lEv.ConnID)
	if !ok || rev != dialer {
		t.Fatalf("listener not paired with dialer under id %d", lEv.ConnID)
	}
}

func TestConnect_DeniedWithoutListener(t *testing.T) {
	p := newTestPool(false)
	dialer, dp := newTestSession(p)

	dialer.OnEvent(wire.StringEvent(wire.EventNewConnection, 3, "nowhere"))

	ev, ok := lastEvent(dp)
	if !ok || ev.Type != wire.EventConnectionFailed || ev.ConnID != 3 {
		t.Fatalf("got %+v, want ConnectionFailed(3)", ev)
	}
	if dialer.PairCount() != 0 {
		t.Fatalf("dialer should have no pairings")
	}
}

func TestConnect_DeniedAgainstSelf(t *testing.T) {
	p := newTestPool(false)
	s, fp := newTestSession(p)

	s.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	s.OnEvent(wire.StringEvent(wire.EventNewConnection, 5, "room"))

	ev, ok := lastEvent(fp)
	if !ok || ev.Type != wire.EventConnectionFailed {
		t.Fatalf("got %+v, want ConnectionFailed", ev)
	}
}

func TestListen_DeniedWhenTakenWithoutSharing(t *testing.T) {
	p := newTestPool(false)
	first, _ := newTestSession(p)
	second, sp := newTestSession(p)

	first.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	second.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))

	ev, ok := lastEvent(sp)
	if !ok || ev.Type != wire.EventServerInitFailed {
		t.Fatalf("got %+v, want ServerInitFailed", ev)
	}
}

func TestListen_AddressSharingCrossConnects(t *testing.T) {
	p := newTestPool(true)
	a, ap := newTestSession(p)
	b, bp := newTestSession(p)

	a.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	b.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))

	if a.PairCount() != 1 || b.PairCount() != 1 {
		t.Fatalf("expected a and b to be cross-connected, got a=%d b=%d", a.PairCount(), b.PairCount())
	}

	foundNewConn := func(f *fakeProtocol) bool {
		for _, ev := range f.events() {
			if ev.Type == wire.EventNewConnection {
				return true
			}
		}
		return false
	}
	if !foundNewConn(ap) || !foundNewConn(bp) {
		t.Fatalf("expected both sides to receive NewConnection from cross-connect")
	}
}

func TestListen_AddressTooLongDenied(t *testing.T) {
	p := newTestPool(false)
	s, fp := newTestSession(p)

	long := make([]rune, maxAddressCodeUnits+1)
	for i := range long {
		long[i] = 'a'
	}
	s.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, string(long)))

	ev, ok := lastEvent(fp)
	if !ok || ev.Type != wire.EventServerInitFailed {
		t.Fatalf("got %+v, want ServerInitFailed", ev)
	}
}

func TestDisconnected_TeardownIsSymmetric(t *testing.T) {
	p := newTestPool(false)
	listener, lp := newTestSession(p)
	dialer, dp := newTestSession(p)

	listener.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	dialer.OnEvent(wire.StringEvent(wire.EventNewConnection, 7, "room"))

	lEv, _ := lastEvent(lp)
	listenerLocalID := lEv.ConnID

	dialer.OnEvent(wire.NoPayloadEvent(wire.EventDisconnected, 7))

	if dialer.PairCount() != 0 || listener.PairCount() != 0 {
		t.Fatalf("expected both pair maps empty, got dialer=%d listener=%d", dialer.PairCount(), listener.PairCount())
	}

	dEv, ok := lastEvent(dp)
	if !ok || dEv.Type != wire.EventDisconnected || dEv.ConnID != 7 {
		t.Fatalf("dialer did not get Disconnected(7): %+v", dEv)
	}
	lEv2, ok := lastEvent(lp)
	if !ok || lEv2.Type != wire.EventDisconnected || lEv2.ConnID != listenerLocalID {
		t.Fatalf("listener did not get Disconnected(%d): %+v", listenerLocalID, lEv2)
	}
}

func TestDisconnected_UnknownIDIsDropped(t *testing.T) {
	p := newTestPool(false)
	s, fp := newTestSession(p)

	s.OnEvent(wire.NoPayloadEvent(wire.EventDisconnected, 999))

	if len(fp.events()) != 0 {
		t.Fatalf("expected no emission for unknown disconnect id, got %+v", fp.events())
	}
}

func TestForwardMessage_TranslatesID(t *testing.T) {
	p := newTestPool(false)
	listener, lp := newTestSession(p)
	dialer, _ := newTestSession(p)

	listener.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	dialer.OnEvent(wire.StringEvent(wire.EventNewConnection, 7, "room"))
	lEv, _ := lastEvent(lp)
	listenerLocalID := lEv.ConnID

	dialer.OnEvent(wire.StringEvent(wire.EventReliableMessageReceived, 7, "hello"))

	got, ok := lastEvent(lp)
	if !ok || got.Type != wire.EventReliableMessageReceived || got.ConnID != listenerLocalID || got.Str != "hello" {
		t.Fatalf("got %+v, want ReliableMessageReceived(%d, \"hello\")", got, listenerLocalID)
	}
}

func TestForwardMessage_UnknownIDDropped(t *testing.T) {
	p := newTestPool(false)
	s, fp := newTestSession(p)

	s.OnEvent(wire.StringEvent(wire.EventReliableMessageReceived, 42, "hi"))

	if len(fp.events()) != 0 {
		t.Fatalf("expected nothing sent back to sender on unknown forward target")
	}
}

func TestCleanup_TearsDownEveryPairingAndListener(t *testing.T) {
	p := newTestPool(false)
	hub, _ := newTestSession(p)
	a, ap := newTestSession(p)
	b, bp := newTestSession(p)

	hub.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	a.OnEvent(wire.StringEvent(wire.EventNewConnection, 1, "room"))
	b.OnEvent(wire.StringEvent(wire.EventNewConnection, 2, "room"))

	if hub.PairCount() != 2 {
		t.Fatalf("hub should be paired with both a and b, got %d", hub.PairCount())
	}

	hub.OnClosed()

	if hub.PairCount() != 0 || a.PairCount() != 0 || b.PairCount() != 0 {
		t.Fatalf("expected every pairing torn down after cleanup")
	}
	if p.ListenerCount("room") != 0 {
		t.Fatalf("expected listener registration removed after cleanup")
	}
	if hub.State() != StateDisconnected {
		t.Fatalf("got state %s, want Disconnected", hub.State())
	}

	foundDisconnected := func(f *fakeProtocol) bool {
		for _, ev := range f.events() {
			if ev.Type == wire.EventDisconnected {
				return true
			}
		}
		return false
	}
	if !foundDisconnected(ap) || !foundDisconnected(bp) {
		t.Fatalf("expected both peers to be notified of disconnection")
	}
}

func TestCleanup_IsIdempotent(t *testing.T) {
	p := newTestPool(false)
	s, fp := newTestSession(p)

	s.OnClosed()
	if !fp.isDisposed() {
		t.Fatalf("expected protocol to be disposed")
	}
	before := len(fp.events())

	s.OnClosed() // second trigger: e.g. transport read-loop error racing an explicit close

	if len(fp.events()) != before {
		t.Fatalf("second cleanup emitted extra events: before=%d after=%d", before, len(fp.events()))
	}
	if p.SessionCount() != 0 {
		t.Fatalf("session should have been removed from pool exactly once")
	}
}

func TestAcceptIncomingConnection_IDsAreMonotonic(t *testing.T) {
	p := newTestPool(true)
	hub, hp := newTestSession(p)
	other, _ := newTestSession(p)
	third, _ := newTestSession(p)

	hub.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))

	hub.AcceptIncomingConnection(other)
	hub.AcceptIncomingConnection(third)
	var allocated []wire.ConnectionID
	for _, ev := range hp.events() {
		if ev.Type == wire.EventNewConnection {
			allocated = append(allocated, ev.ConnID)
		}
	}
	if len(allocated) != 2 || allocated[0] != wire.FirstIncomingID || allocated[1] <= allocated[0] {
		t.Fatalf("incoming ids = %v, want strictly increasing from %d", allocated, wire.FirstIncomingID)
	}
	ids := make(map[wire.ConnectionID]bool)
	for id := range hub.connections {
		if id < wire.FirstIncomingID {
			t.Fatalf("incoming id %d below FirstIncomingID", id)
		}
		ids[id] = true
	}
	if len(ids) == 0 {
		t.Fatalf("expected at least one incoming pairing recorded")
	}
}

func TestConnect_DeniedOnceIncomingIDSpaceExhausted(t *testing.T) {
	p := newTestPool(false)
	listener, listenerFP := newTestSession(p)
	dialer, _ := newTestSession(p)

	listener.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))

	// Drive listener's own id counter to the edge of its reserved range
	// without allocating a real pairing for each step, the way the ceiling
	// would actually be reached only after many real connections.
	listener.nextIncomingID = wire.IncomingIDCeiling - 1
	if !listener.CanAcceptIncoming() {
		t.Fatalf("expected one id still available before the ceiling")
	}

	dialer.OnEvent(wire.StringEvent(wire.EventNewConnection, 1, "room"))
	ev, ok := lastEvent(listenerFP)
	if !ok || ev.Type != wire.EventNewConnection {
		t.Fatalf("expected listener to have received the first NewConnection, got %+v, ok=%v", ev, ok)
	}
	countAfterFirst := len(listenerFP.events())
	if !listener.CanAcceptIncoming() {
		t.Fatalf("ceiling-1 allocation should have left exactly zero ids, not gone negative")
	}

	// The next request must be denied rather than allocate past the ceiling
	// (spec §4's strictly-monotonic id invariant forbids wrapping).
	dialer.OnEvent(wire.StringEvent(wire.EventNewConnection, 2, "room"))
	if got := len(listenerFP.events()); got != countAfterFirst {
		t.Fatalf("listener received %d events after the exhausted request, want still %d (no second NewConnection)", got, countAfterFirst)
	}
}
