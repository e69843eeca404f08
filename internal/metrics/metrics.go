// Package metrics is a minimal, concurrency-safe counter registry for the
// relay's internal event counts. It exists to keep pool/session logic
// testable without pulling in a full metrics backend, while still exposing a
// scrapeable endpoint via PrometheusHandler.
package metrics

import "sync"

// Counter names for the relay's own domain events. A follow-up task can
// widen these into labeled vectors if per-pool breakdowns are needed.
const (
	PairsFormed     = "pairs_formed"
	SessionsCleaned = "sessions_cleaned"
	FramesMalformed = "frames_malformed"
	ListenDenied    = "listen_denied"
	ConnectDenied   = "connect_denied"
	AdmissionDenied = "admission_denied"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc increments the named counter by one.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add increments the named counter by n.
func (m *Metrics) Add(name string, n uint64) {
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

// Get returns the current value of the named counter.
func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a point-in-time copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
