package tui

import (
	"fmt"
	"strings"
	"time"
)

func field(label string, value any) string {
	return labelStyle.Render(label) + valueStyle.Render(fmt.Sprint(value))
}

func (m Model) renderTransfer(width int) string {
	st := m.stats
	lines := []string{
		field("Progress", m.progressBar(max(width-18, 10))),
		field("Acknowledged", humanBytes(st.BytesAcked)+m.ofTotal()),
		field("Sent", humanBytes(st.BytesSent)),
		field("Received", humanBytes(st.BytesReceived)),
		field("Throughput", m.throughput()),
		field("In flight", fmt.Sprintf("%d blocks, %s unsent", st.Outgoing, humanBytes(uint64(st.Unsent)))),
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderCongestion() string {
	st := m.stats
	lines := []string{
		field("Smoothed RTT", st.RTT.Round(time.Microsecond)),
		field("Timeout", st.RTO.Round(time.Microsecond)),
		field("Block interval", st.Pacing.Round(time.Microsecond)),
		field("Retransmissions", st.Retransmissions),
		field("Packets received", st.PacketsReceived),
		field("Packets dropped", st.PacketsDropped),
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderEvents() string {
	if len(m.events) == 0 {
		return dimStyle.Render("  No events yet.")
	}
	var sb strings.Builder
	// Newest first so clipping keeps the latest.
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		text := ev.text
		if ev.err {
			text = errorStyle.Render(text)
		}
		fmt.Fprintf(&sb, "%s  %s\n", ev.at.Format("15:04:05.000"), text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (m Model) fraction() float64 {
	if m.total == 0 {
		if m.done && m.err == nil {
			return 1
		}
		return 0
	}
	return min(float64(m.stats.BytesAcked)/float64(m.total), 1)
}

func (m Model) progressBar(width int) string {
	filled := int(m.fraction() * float64(width))
	bar := barFullStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", width-filled))
	if m.total == 0 && !m.done {
		return bar + " ?"
	}
	return fmt.Sprintf("%s %3.0f%%", bar, m.fraction()*100)
}

func (m Model) ofTotal() string {
	if m.total == 0 {
		return ""
	}
	return " of " + humanBytes(m.total)
}

func (m Model) throughput() string {
	elapsed := m.now.Sub(m.started).Seconds()
	if elapsed <= 0 {
		return "-"
	}
	return humanBytes(uint64(float64(m.stats.BytesAcked)/elapsed)) + "/s"
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
