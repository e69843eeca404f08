package peer

import (
	"testing"

	"github.com/kestrel-net/signalrelay/internal/metrics"
	"github.com/kestrel-net/signalrelay/internal/wire"
)

func TestPool_MetricsCountPairsAndDenials(t *testing.T) {
	m := metrics.New()
	p := NewPool("test", false, testLogger(), m)

	listener, _ := newTestSession(p)
	dialer, _ := newTestSession(p)

	listener.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	dialer.OnEvent(wire.StringEvent(wire.EventNewConnection, 7, "room"))

	if got := m.Get(metrics.PairsFormed); got != 1 {
		t.Fatalf("PairsFormed = %d, want 1", got)
	}

	// A second listener for the same address, without address sharing, is
	// denied, and a connect attempt against an address nobody is listening
	// on is denied too.
	second, _ := newTestSession(p)
	second.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	second.OnEvent(wire.StringEvent(wire.EventNewConnection, 9, "nowhere"))

	if got := m.Get(metrics.ListenDenied); got != 1 {
		t.Fatalf("ListenDenied = %d, want 1", got)
	}
	if got := m.Get(metrics.ConnectDenied); got != 1 {
		t.Fatalf("ConnectDenied = %d, want 1", got)
	}

	listener.OnClosed()
	if got := m.Get(metrics.SessionsCleaned); got != 1 {
		t.Fatalf("SessionsCleaned = %d, want 1", got)
	}
}

func TestPool_MetricsCountCrossConnectPairs(t *testing.T) {
	m := metrics.New()
	p := NewPool("shared", true, testLogger(), m)

	a, _ := newTestSession(p)
	b, _ := newTestSession(p)
	c, _ := newTestSession(p)

	a.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	b.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))
	c.OnEvent(wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, "room"))

	// b cross-connects with a (1 pair), c cross-connects with a and b (2
	// pairs): 3 pairs total from address sharing alone.
	if got := m.Get(metrics.PairsFormed); got != 3 {
		t.Fatalf("PairsFormed = %d, want 3", got)
	}
}
