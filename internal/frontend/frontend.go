// Package frontend is the relay's server front-end: it resolves an incoming
// websocket upgrade to the app (namespace) named by the request path, admits
// it by optional token, and wires a transport.Session to a fresh peer.Session
// in that namespace's Pool.
package frontend

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kestrel-net/signalrelay/internal/admission"
	"github.com/kestrel-net/signalrelay/internal/config"
	"github.com/kestrel-net/signalrelay/internal/metrics"
	"github.com/kestrel-net/signalrelay/internal/peer"
	"github.com/kestrel-net/signalrelay/internal/transport"
)

// App binds one configured namespace to the Pool that brokers it.
type App struct {
	Config config.AppConfig
	Pool   *peer.Pool
}

// Frontend owns one Pool per configured app and the upgrader/gate shared by
// all of them.
type Frontend struct {
	log        *slog.Logger
	gate       *admission.Gate
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	apps       map[string]*App
	maxPayload int
}

// New builds one Pool per cfg.Apps entry, keyed by its URL path.
func New(cfg config.Config, gate *admission.Gate, log *slog.Logger, m *metrics.Metrics) *Frontend {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	f := &Frontend{
		log:     log,
		gate:    gate,
		metrics: m,
		upgrader: websocket.Upgrader{
			// No Origin check: the relay's own security surface is path
			// routing plus the optional userToken admission predicate, not
			// a CORS policy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		apps:       make(map[string]*App, len(cfg.Apps)),
		maxPayload: cfg.MaxPayloadBytes,
	}
	for _, a := range cfg.Apps {
		f.apps[a.Path] = &App{
			Config: a,
			Pool:   peer.NewPool(a.Name, a.AddressSharing, log, m),
		}
	}
	return f
}

// Apps returns every configured app, for cmd/signalreld to register routes.
func (f *Frontend) Apps() []*App {
	apps := make([]*App, 0, len(f.apps))
	for _, a := range f.apps {
		apps = append(apps, a)
	}
	return apps
}

// Handler returns the websocket-upgrading http.Handler for one app.
func (f *Frontend) Handler(path string) (http.Handler, error) {
	app, ok := f.apps[path]
	if !ok {
		return nil, fmt.Errorf("frontend: no app configured for path %q", path)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.serve(w, r, app)
	}), nil
}

func (f *Frontend) serve(w http.ResponseWriter, r *http.Request, app *App) {
	// Denied pre-upgrade, as a plain HTTP 403, rather than completing the
	// handshake and closing with websocket close code 1008 ("Invalid
	// token"): there is no connection yet for a close code to apply to.
	if f.gate != nil && !f.gate.IsAdmitted(r.URL.Query()) {
		f.metrics.Inc(metrics.AdmissionDenied)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed", "err", err, "app", app.Config.Name)
		return
	}

	ts := transport.New(conn, f.log.With("app", app.Config.Name), f.metrics, f.maxPayload)
	ps := app.Pool.NewSession(ts, f.log.With("app", app.Config.Name))
	ts.SetListener(ps)

	ts.Run()
}
