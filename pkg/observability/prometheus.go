package observability

import (
	"fmt"
	"net/http"
	"sort"
)

type counterDesc struct {
	key, name, kind, help string
}

var counters = []counterDesc{
	{"packets_sent", "curvecp_packets_sent_total", "counter", "Total number of packets sent."},
	{"packets_received", "curvecp_packets_received_total", "counter", "Total number of packets received."},
	{"handshakes", "curvecp_handshakes_total", "counter", "Total number of completed handshakes."},
	{"handshake_failures", "curvecp_handshake_failures_total", "counter", "Total number of handshakes that gave up."},
	{"retransmissions", "curvecp_retransmissions_total", "counter", "Total number of retransmitted blocks."},
	{"bytes_sent", "curvecp_stream_bytes_sent_total", "counter", "Total stream bytes sent."},
	{"bytes_received", "curvecp_stream_bytes_received_total", "counter", "Total stream bytes received."},
	{"active_sessions", "curvecp_sessions_active", "gauge", "Current number of active sessions."},
}

// PrometheusHandler returns an http.HandlerFunc that exports metrics in
// Prometheus text exposition format at /metrics.
func (m *Metrics) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := m.GetMetrics()
		for _, c := range counters {
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", c.name, c.kind)
			fmt.Fprintf(w, "%s %d\n\n", c.name, snap[c.key])
		}

		drops := m.Drops()
		fmt.Fprintf(w, "# HELP curvecp_packets_dropped_total Inbound packets dropped, by reason.\n")
		fmt.Fprintf(w, "# TYPE curvecp_packets_dropped_total counter\n")
		for _, reason := range sortedKeys(drops) {
			fmt.Fprintf(w, "curvecp_packets_dropped_total{reason=%q} %d\n", reason, drops[reason])
		}
		fmt.Fprintln(w)

		rtts := m.RTTSnapshot()
		if len(rtts) > 0 {
			sort.Slice(rtts, func(i, j int) bool { return rtts[i] < rtts[j] })
			fmt.Fprintf(w, "# HELP curvecp_rtt_seconds Smoothed round trip time percentiles.\n")
			fmt.Fprintf(w, "# TYPE curvecp_rtt_seconds summary\n")
			fmt.Fprintf(w, "curvecp_rtt_seconds{quantile=\"0.5\"} %f\n", percentile(rtts, 0.5))
			fmt.Fprintf(w, "curvecp_rtt_seconds{quantile=\"0.95\"} %f\n", percentile(rtts, 0.95))
			fmt.Fprintf(w, "curvecp_rtt_seconds{quantile=\"0.99\"} %f\n", percentile(rtts, 0.99))
			fmt.Fprintf(w, "curvecp_rtt_seconds_count %d\n\n", len(rtts))
		}
	}
}
