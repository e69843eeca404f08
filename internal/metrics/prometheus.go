package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// counterHelp documents each of the relay's own known counters as its own
// Prometheus metric family. Unlike a general-purpose registry with an
// open-ended set of counter names, this package's vocabulary is fixed (see
// the const block in metrics.go), so each one gets a proper metric name and
// HELP text rather than being folded into a single generically-labeled
// series.
var counterHelp = map[string]string{
	PairsFormed:     "Peer pairs formed by a pool's NewConnection pairing.",
	SessionsCleaned: "Peer sessions torn down and removed from their pool.",
	FramesMalformed: "Inbound frames rejected by the wire codec as malformed.",
	ListenDenied:    "Listen requests denied, most commonly a duplicate address.",
	ConnectDenied:   "Connect requests denied, most commonly an unknown address.",
	AdmissionDenied: "Socket upgrades denied by the admission gate.",
}

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Every counter in counterHelp is exposed as its own metric family. A
// counter outside that known vocabulary (the registry itself stays
// general-purpose; pool.go and transport.Session only ever touch the names
// above) falls back to a single series labeled by counter name, so an
// unrecognized name is still scraped instead of silently dropped.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var unknown []string
		for _, k := range keys {
			help, known := counterHelp[k]
			if !known {
				unknown = append(unknown, k)
				continue
			}
			metric := "signalrelay_" + k + "_total"
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", metric, help)
			_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", metric)
			_, _ = fmt.Fprintf(w, "%s %d\n", metric, snap[k])
		}

		if len(unknown) > 0 {
			_, _ = fmt.Fprintln(w, "# HELP signalrelay_events_total Counters outside the relay's known vocabulary.")
			_, _ = fmt.Fprintln(w, "# TYPE signalrelay_events_total counter")
			for _, k := range unknown {
				escaped := strings.NewReplacer("\\", "\\\\", "\"", "\\\"").Replace(k)
				_, _ = fmt.Fprintf(w, "signalrelay_events_total{event=\"%s\"} %d\n", escaped, snap[k])
			}
		}
	})
}
