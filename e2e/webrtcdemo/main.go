// webrtcdemo exercises the relay the way a real browser pair would: two
// pion/webrtc PeerConnections negotiate a DataChannel entirely through an
// in-process relay, carrying their SDP as opaque ReliableMessageReceived
// string payloads. The relay never parses any of it — it only brokers the
// NewConnection pairing and forwards bytes — which is the property this demo
// is here to demonstrate end to end.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/stdnet"
	"github.com/pion/webrtc/v4"

	"github.com/kestrel-net/signalrelay/internal/config"
	"github.com/kestrel-net/signalrelay/internal/frontend"
	"github.com/kestrel-net/signalrelay/internal/httpserver"
	"github.com/kestrel-net/signalrelay/internal/wire"
)

const listenAddrName = "offerer"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "webrtcdemo failed:", err)
		os.Exit(1)
	}
	fmt.Println("webrtcdemo: OK")
}

func run() error {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Config{
		Apps:            []config.AppConfig{{Name: "demo", Path: "/demo"}},
		MaxPayloadBytes: config.DefaultMaxPayloadBytes,
	}
	fe := frontend.New(cfg, nil, log, nil)
	handler, err := fe.Handler("/demo")
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	srv := httpserver.New(config.Config{ListenAddr: "127.0.0.1:0", ShutdownTimeout: 5 * time.Second}, log, httpserver.BuildInfo{}, nil)
	srv.Handle("/demo", handler)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	}()

	wsURL := "ws://" + ln.Addr().String() + "/demo"

	answerer, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial answerer: %w", err)
	}
	defer answerer.Close()

	caller, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial caller: %w", err)
	}
	defer caller.Close()

	if err := send(answerer, wire.StringEvent(wire.EventServerInitialized, wire.NoConnection, listenAddrName)); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	if ev, err := recv(answerer); err != nil || ev.Type != wire.EventServerInitialized {
		return fmt.Errorf("listener registration not acked: %+v, %v", ev, err)
	}

	const callerLocalID = wire.ConnectionID(1)
	if err := send(caller, wire.StringEvent(wire.EventNewConnection, callerLocalID, listenAddrName)); err != nil {
		return fmt.Errorf("send connect request: %w", err)
	}
	callerEv, err := recv(caller)
	if err != nil || callerEv.Type != wire.EventNewConnection {
		return fmt.Errorf("caller did not get paired: %+v, %v", callerEv, err)
	}
	answererEv, err := recv(answerer)
	if err != nil || answererEv.Type != wire.EventNewConnection {
		return fmt.Errorf("answerer did not get paired: %+v, %v", answererEv, err)
	}
	callerConnID := callerEv.ConnID
	answererConnID := answererEv.ConnID

	api, err := newPeerAPI()
	if err != nil {
		return fmt.Errorf("new peer api: %w", err)
	}

	callerPC, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("new caller peer connection: %w", err)
	}
	defer callerPC.Close()
	answererPC, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("new answerer peer connection: %w", err)
	}
	defer answererPC.Close()

	received := make(chan string, 1)
	answererPC.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			received <- string(msg.Data)
		})
	})

	dc, err := callerPC.CreateDataChannel("demo", nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	dcOpen := make(chan struct{})
	dc.OnOpen(func() { close(dcOpen) })

	offer, err := callerPC.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	callerGatherComplete := webrtc.GatheringCompletePromise(callerPC)
	if err := callerPC.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set caller local description: %w", err)
	}
	<-callerGatherComplete

	localOffer := callerPC.LocalDescription()
	if err := send(caller, wire.StringEvent(wire.EventReliableMessageReceived, callerConnID, localOffer.SDP)); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	offerEv, err := recv(answerer)
	if err != nil || offerEv.Type != wire.EventReliableMessageReceived {
		return fmt.Errorf("answerer did not receive offer: %+v, %v", offerEv, err)
	}
	if err := answererPC.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerEv.Str}); err != nil {
		return fmt.Errorf("set answerer remote description: %w", err)
	}

	answer, err := answererPC.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	answererGatherComplete := webrtc.GatheringCompletePromise(answererPC)
	if err := answererPC.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set answerer local description: %w", err)
	}
	<-answererGatherComplete

	localAnswer := answererPC.LocalDescription()
	if err := send(answerer, wire.StringEvent(wire.EventReliableMessageReceived, answererConnID, localAnswer.SDP)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	answerEv, err := recv(caller)
	if err != nil || answerEv.Type != wire.EventReliableMessageReceived {
		return fmt.Errorf("caller did not receive answer: %+v, %v", answerEv, err)
	}
	if err := callerPC.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerEv.Str}); err != nil {
		return fmt.Errorf("set caller remote description: %w", err)
	}

	select {
	case <-dcOpen:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for data channel to open")
	}

	const payload = "hello over a relay that never looked inside this message"
	if err := dc.SendText(payload); err != nil {
		return fmt.Errorf("send data channel message: %w", err)
	}

	select {
	case got := <-received:
		if got != payload {
			return fmt.Errorf("got %q, want %q", got, payload)
		}
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for data channel message")
	}

	return nil
}

// newPeerAPI builds the webrtc.API both demo PeerConnections share: a real
// (vnet-free) pion/transport/v4 stdnet Net and a pion/logging factory, the same two
// SettingEngine knobs the relay's own teacher lineage configures for its
// production PeerConnections.
func newPeerAPI() (*webrtc.API, error) {
	n, err := stdnet.NewNet()
	if err != nil {
		return nil, fmt.Errorf("new net: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetNet(n)
	se.LoggerFactory = logging.NewDefaultLoggerFactory()

	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func send(c *websocket.Conn, ev wire.Event) error {
	b, err := wire.Codec{}.Encode(ev)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.BinaryMessage, b)
}

func recv(c *websocket.Conn) (wire.Event, error) {
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		return wire.Event{}, err
	}
	return wire.Codec{}.Decode(data)
}
