// Package transport owns one websocket connection per client: framing,
// version/heartbeat handshake, liveness, and the single cleanup funnel that
// every failure path (transport error, transport close, no-pong timeout,
// malformed frame) drains into.
//
// It hides all of this from the higher-level peer session, which only sees
// decoded wire.Events and a single OnClosed notification.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrel-net/signalrelay/internal/metrics"
	"github.com/kestrel-net/signalrelay/internal/wire"
)

const (
	// heartbeatInterval is the transport-level ping/pong liveness period.
	heartbeatInterval = 30 * time.Second
	// forcedCloseDelay bounds how long a graceful close is given to complete
	// before the underlying connection is forced shut.
	forcedCloseDelay = 5 * time.Second
	// writeWait bounds a single websocket write (control or data frame).
	writeWait = 10 * time.Second
	// maxQueuedBytes bounds the outbound buffer for a single session so a
	// slow client cannot make the pool's serializer's writes unbounded.
	maxQueuedBytes = 1 << 20
)

// Listener receives decoded events and the single closed notification for one
// Session. Implementations must not block — OnEvent runs on the Session's
// read-loop goroutine.
type Listener interface {
	OnEvent(ev wire.Event)
	OnClosed()
}

// Session owns exactly one websocket connection. Construct with New, set its
// Listener, then call Run (blocking) from its own goroutine.
type Session struct {
	conn    *websocket.Conn
	log     *slog.Logger
	metrics *metrics.Metrics

	listener Listener

	queue  *frameQueue
	writeC chan struct{}

	open         atomic.Bool
	pongReceived atomic.Bool

	remoteVersion atomic.Uint32 // 0 == not yet negotiated

	closeOnce   sync.Once
	closedOnce  sync.Once
	forceTimer  *time.Timer
	heartbeatWG sync.WaitGroup
	stopHeart   chan struct{}
}

// New wraps conn in a protocol Session. maxPayload bounds the size in bytes
// of a single inbound frame (0 means no limit); it is enforced here, at the
// transport, via conn.SetReadLimit, not by any higher-level package. The
// caller must set Listener before calling Run. m may be nil, in which case
// counters are discarded.
func New(conn *websocket.Conn, log *slog.Logger, m *metrics.Metrics, maxPayload int) *Session {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	conn.SetReadLimit(int64(maxPayload))
	s := &Session{
		conn:      conn,
		log:       log,
		metrics:   m,
		queue:     newFrameQueue(maxQueuedBytes),
		stopHeart: make(chan struct{}),
	}
	s.open.Store(true)
	s.pongReceived.Store(true)
	conn.SetPongHandler(func(string) error {
		s.pongReceived.Store(true)
		return nil
	})
	return s
}

// SetListener wires the upward callbacks. Must be called before Run.
func (s *Session) SetListener(l Listener) { s.listener = l }

// RemoteVersion returns the protocol version the remote side announced via
// MetaVersion, or 0 if no handshake has happened yet.
func (s *Session) RemoteVersion() uint8 { return uint8(s.remoteVersion.Load()) }

// Run drives the read loop and the heartbeat loop until the connection is
// closed. It blocks; callers invoke it from a dedicated goroutine. The
// writer loop is started internally.
func (s *Session) Run() {
	go s.writeLoop()
	s.heartbeatWG.Add(1)
	go s.heartbeatLoop()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.cleanup()
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		ev, err := wire.Codec{}.Decode(data)
		if err != nil {
			s.log.Warn("malformed frame, closing session", "err", err)
			s.metrics.Inc(metrics.FramesMalformed)
			s.cleanup()
			return
		}

		switch ev.Type {
		case wire.EventMetaVersion:
			s.remoteVersion.Store(uint32(ev.Version))
			s.sendRaw(wire.MetaVersionEvent(wire.CurrentVersion))
		case wire.EventMetaHeartbeat:
			s.sendRaw(wire.MetaHeartbeatEvent())
		default:
			if s.listener != nil {
				s.listener.OnEvent(ev)
			}
		}
	}
}

// Send encodes and enqueues ev for delivery, subject to the socket-state
// gate: a no-op (with a warning log) when the socket is not open. This gate
// is distinct from — and evaluated independently of — the peer session's own
// Connected/Disconnecting state gate.
func (s *Session) Send(ev wire.Event) {
	if !s.open.Load() {
		s.log.Warn("send on closed transport session dropped", "event", ev.Type)
		return
	}
	s.sendRaw(ev)
}

// sendRaw is used directly for version/heartbeat replies, which never pass
// through the peer session's state gate. Like Send, it drops the frame when
// the socket is not open, but without logging a warning.
func (s *Session) sendRaw(ev wire.Event) {
	if !s.open.Load() {
		return
	}
	encoded, err := wire.Codec{}.Encode(ev)
	if err != nil {
		s.log.Error("failed to encode outbound event", "err", err, "event", ev.Type)
		return
	}
	if !s.queue.Enqueue(encoded) {
		s.log.Warn("outbound queue full, dropping frame", "event", ev.Type)
	}
}

// Dispose idempotently tears the session down: stops the heartbeat loop,
// raises OnClosed exactly once, requests a graceful close (code 1000), and
// schedules a forced close after forcedCloseDelay if the transport hasn't
// finished closing by then.
//
// OnClosed is raised after the close bookkeeping has run, outside closeOnce,
// so a listener that calls Dispose again from OnClosed gets an immediate
// return instead of re-entering closeOnce.
func (s *Session) Dispose() {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.open.Store(false)
		close(s.stopHeart)
		s.queue.Close()

		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

		s.forceTimer = time.AfterFunc(forcedCloseDelay, func() {
			_ = s.conn.Close()
		})
	})
	if first {
		s.raiseClosed()
	}
}

// raiseClosed notifies the listener exactly once. Only the first Dispose
// calls it; later calls (e.g. the read loop observing the close it just sent,
// or the listener disposing from inside OnClosed) return without a second
// OnClosed.
func (s *Session) raiseClosed() {
	s.closedOnce.Do(func() {
		if s.listener != nil {
			s.listener.OnClosed()
		}
	})
}

// cleanup is invoked from the read loop on any transport error (remote
// close, reset, or malformed frame) and funnels into the same single-shot
// Dispose path as an explicit Dispose call.
func (s *Session) cleanup() {
	s.Dispose()
}

func (s *Session) writeLoop() {
	for {
		frame, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.cleanup()
			return
		}
	}
}

func (s *Session) heartbeatLoop() {
	defer s.heartbeatWG.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopHeart:
			return
		case <-ticker.C:
			if !s.pongReceived.Swap(false) {
				s.log.Warn("no pong received since last heartbeat tick, closing session")
				s.cleanup()
				return
			}
			deadline := time.Now().Add(writeWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.log.Warn("heartbeat ping failed", "err", err)
				}
				s.cleanup()
				return
			}
		}
	}
}
