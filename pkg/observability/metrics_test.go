package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounters(t *testing.T) {
	m := NewMetrics()
	m.IncPacketSent()
	m.IncPacketSent()
	m.IncPacketReceived()
	m.IncHandshake()
	m.AddRetransmissions(3)
	m.AddBytesSent(1024)
	m.IncSession()
	m.IncSession()
	m.DecSession()
	m.IncDrop("replay")
	m.IncDrop("replay")
	m.IncDrop("")

	snap := m.GetMetrics()
	want := map[string]int64{
		"packets_sent":     2,
		"packets_received": 1,
		"packets_dropped":  3,
		"handshakes":       1,
		"retransmissions":  3,
		"bytes_sent":       1024,
		"active_sessions":  1,
	}
	for k, v := range want {
		if snap[k] != v {
			t.Errorf("%s = %d, want %d", k, snap[k], v)
		}
	}
	if d := m.Drops(); d["replay"] != 2 || d["other"] != 1 {
		t.Errorf("Drops = %v", d)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncPacketSent()
	m.IncDrop("x")
	m.ObserveRTT(time.Millisecond)
	if len(m.GetMetrics()) != 0 || len(m.Drops()) != 0 || m.RTTSnapshot() != nil {
		t.Error("nil Metrics recorded something")
	}
}

func TestRTTWindow(t *testing.T) {
	m := NewMetrics()
	for i := 1; i <= rttWindow+10; i++ {
		m.ObserveRTT(time.Duration(i) * time.Microsecond)
	}
	m.ObserveRTT(0)
	if got := len(m.RTTSnapshot()); got != rttWindow {
		t.Errorf("window holds %d samples, want %d", got, rttWindow)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := NewMetrics()
	m.IncHandshake()
	m.IncDrop("decrypt")
	m.ObserveRTT(20 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.PrometheusHandler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"curvecp_handshakes_total 1",
		`curvecp_packets_dropped_total{reason="decrypt"} 1`,
		`curvecp_rtt_seconds{quantile="0.5"} 0.020000`,
		"# TYPE curvecp_sessions_active gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}
