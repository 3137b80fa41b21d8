// Package observability provides lightweight internal metrics counters for
// CurveCP endpoints.
package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// rttWindow is the number of RTT samples kept for the quantile summary.
const rttWindow = 1024

// Metrics holds atomic counters shared by every session of an endpoint.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	packetsSent     atomic.Int64
	packetsReceived atomic.Int64
	handshakes      atomic.Int64
	handshakeFails  atomic.Int64
	retransmissions atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
	activeSessions  atomic.Int64

	mu sync.Mutex
	// drops counts rejected inbound packets by drop reason.
	drops map[string]int64
	// rtts is a ring of recent smoothed RTT samples; next is the slot the
	// following sample overwrites once the ring is full.
	rtts []time.Duration
	next int
}

// NewMetrics returns a zero-initialised Metrics.
func NewMetrics() *Metrics {
	return &Metrics{drops: make(map[string]int64)}
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

// IncPacketSent counts a packet handed to the transport.
func (m *Metrics) IncPacketSent() {
	if m != nil {
		m.packetsSent.Add(1)
	}
}

// IncPacketReceived counts an inbound packet that passed validation.
func (m *Metrics) IncPacketReceived() {
	if m != nil {
		m.packetsReceived.Add(1)
	}
}

// IncHandshake counts a session that reached the connected state.
func (m *Metrics) IncHandshake() {
	if m != nil {
		m.handshakes.Add(1)
	}
}

// IncHandshakeFailure counts a session that gave up before connecting.
func (m *Metrics) IncHandshakeFailure() {
	if m != nil {
		m.handshakeFails.Add(1)
	}
}

// AddRetransmissions adds n resent blocks.
func (m *Metrics) AddRetransmissions(n int64) {
	if m != nil {
		m.retransmissions.Add(n)
	}
}

// AddBytesSent adds n stream bytes sliced into blocks.
func (m *Metrics) AddBytesSent(n int64) {
	if m != nil {
		m.bytesSent.Add(n)
	}
}

// AddBytesReceived adds n stream bytes delivered to the reader.
func (m *Metrics) AddBytesReceived(n int64) {
	if m != nil {
		m.bytesReceived.Add(n)
	}
}

// IncSession counts a session start; DecSession its end.
func (m *Metrics) IncSession() {
	if m != nil {
		m.activeSessions.Add(1)
	}
}

func (m *Metrics) DecSession() {
	if m != nil {
		m.activeSessions.Add(-1)
	}
}

// IncDrop counts a dropped inbound packet under reason.
func (m *Metrics) IncDrop(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "other"
	}
	m.mu.Lock()
	m.drops[reason]++
	m.mu.Unlock()
}

// ObserveRTT records a smoothed round trip sample in a rolling window.
func (m *Metrics) ObserveRTT(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rtts) < rttWindow {
		m.rtts = append(m.rtts, d)
		return
	}
	m.rtts[m.next] = d
	m.next = (m.next + 1) % rttWindow
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// RTTSnapshot returns a copy of the rolling RTT window.
func (m *Metrics) RTTSnapshot() []time.Duration {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.rtts...)
}

// Drops returns the drop counters by reason.
func (m *Metrics) Drops() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.drops {
		out[k] = v
	}
	return out
}

// GetMetrics returns a snapshot of the counters.
func (m *Metrics) GetMetrics() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	var dropped int64
	for _, n := range m.Drops() {
		dropped += n
	}
	return map[string]int64{
		"packets_sent":       m.packetsSent.Load(),
		"packets_received":   m.packetsReceived.Load(),
		"packets_dropped":    dropped,
		"handshakes":         m.handshakes.Load(),
		"handshake_failures": m.handshakeFails.Load(),
		"retransmissions":    m.retransmissions.Load(),
		"bytes_sent":         m.bytesSent.Load(),
		"bytes_received":     m.bytesReceived.Load(),
		"active_sessions":    m.activeSessions.Load(),
	}
}

// percentile returns the p-th percentile value from sorted durations.
func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Seconds()
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
