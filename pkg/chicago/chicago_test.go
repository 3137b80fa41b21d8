package chicago

import (
	"math"
	"testing"
	"time"

	"github.com/strand-protocol/strand/curvecp/pkg/clock"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func newTestChicago(start clock.Clock) (*Chicago, *clock.Manual) {
	src := clock.NewManual(start)
	return New(Config{Clock: src, Rand: zeroReader{}}), src
}

func TestInitialState(t *testing.T) {
	c, _ := newTestChicago(clock.New(1, 0))
	if got := c.RTTTimeout(); got != int64(clock.Second) {
		t.Errorf("RTTTimeout = %d, want 1s", got)
	}
	if got := c.NsecPerBlock(); got != int64(clock.Second) {
		t.Errorf("NsecPerBlock = %d, want 1s", got)
	}
}

func TestFirstAcknowledgement(t *testing.T) {
	c, src := newTestChicago(clock.New(1, 0))
	sent := c.Clock()
	c.SendBlock()
	rtt := int64(50 * clock.Millisecond)
	src.Advance(uint64(rtt))
	c.Acknowledgement(sent)

	if got := c.RTTAverage(); got != rtt {
		t.Errorf("RTTAverage = %d, want %d", got, rtt)
	}
	// the first sample sets the interval to r and the first doubling halves it
	if got := c.NsecPerBlock(); got != rtt/2 {
		t.Errorf("NsecPerBlock = %d, want %d", got, rtt/2)
	}
	// deviation settles at 3r/8: timeout = r + 4*(3r/8) + 8r
	want := rtt + 4*(3*rtt/8) + 8*rtt
	if got := c.RTTTimeout(); got != want {
		t.Errorf("RTTTimeout = %d, want %d", got, want)
	}
	if now := c.Clock(); c.lastDoubling != now || c.lastEdge != now {
		t.Errorf("lastDoubling = %v, lastEdge = %v, want both %v", c.lastDoubling, c.lastEdge, now)
	}
}

// steadyAcks acknowledges one block every 100ms for d and returns the
// pacing interval after each acknowledgement and the instants at which the
// rate doubled.
func steadyAcks(start clock.Clock, d time.Duration) ([]int64, []clock.Clock) {
	c, src := newTestChicago(start)
	var rates []int64
	var doublings []clock.Clock
	for elapsed := time.Duration(0); elapsed < d; elapsed += 100 * time.Millisecond {
		sent := c.Clock()
		c.SendBlock()
		src.Advance(uint64(100 * time.Millisecond))
		prev := c.lastDoubling
		c.Acknowledgement(sent)
		rates = append(rates, c.NsecPerBlock())
		if c.lastDoubling != prev {
			doublings = append(doublings, c.lastDoubling)
		}
	}
	return rates, doublings
}

func TestRateDoublingIndependentOfStartTime(t *testing.T) {
	early, _ := steadyAcks(clock.New(1, 0), 20*time.Second)
	late, _ := steadyAcks(clock.New(1000, 0), 20*time.Second)
	if len(early) != len(late) {
		t.Fatalf("got %d and %d samples", len(early), len(late))
	}
	for i := range early {
		if early[i] != late[i] {
			t.Fatalf("ack %d: NsecPerBlock = %d starting at 1s, %d starting at 1000s", i, early[i], late[i])
		}
	}
}

func TestRateDoublingAdvancesEdge(t *testing.T) {
	start := clock.New(1000, 0)
	_, doublings := steadyAcks(start, 20*time.Second)
	if len(doublings) == 0 {
		t.Fatal("rate never doubled")
	}
	if first := start.Add(uint64(100 * time.Millisecond)); doublings[0] != first {
		t.Errorf("first doubling at %v, want %v", doublings[0], first)
	}
	// every doubling is an edge, so the next one waits at least
	// 64*rto + 5s with rto >= the 100ms average
	minGap := uint64(64*100*time.Millisecond + 5*time.Second)
	for i := 1; i < len(doublings); i++ {
		if gap := doublings[i].Since(doublings[i-1]); gap < minGap {
			t.Errorf("doublings %d and %d are %v apart, want at least %v", i-1, i, time.Duration(gap), time.Duration(minGap))
		}
	}
}

func TestRateDoublingWait(t *testing.T) {
	const (
		n   = int64(clock.Millisecond)
		rto = int64(10 * clock.Millisecond)
	)
	shortWait := uint64(4*n + 2*rto)
	longWait := uint64(4*n + 64*rto + int64(5*clock.Second))
	never := uint64(0)

	tests := []struct {
		name          string
		n             int64
		sinceDoubling uint64 // 0: never doubled
		sinceEdge     uint64 // 0: no edge
		wantHalved    bool
	}{
		{"never doubled", n, never, never, true},
		{"short wait pending", n, shortWait - 1, never, false},
		{"short wait passed", n, shortWait, never, true},
		{"edge older than a minute", n, shortWait, uint64(61 * clock.Second), true},
		{"recent edge holds", n, shortWait, uint64(30 * clock.Second), false},
		{"recent edge wait pending", n, longWait - 1, uint64(30 * clock.Second), false},
		{"recent edge wait passed", n, longWait, uint64(30 * clock.Second), true},
		{"at floor", MinNsecPerBlock, never, never, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := clock.New(1000, 0)
			ago := func(ns uint64) clock.Clock {
				if ns == 0 {
					return clock.Clock{}
				}
				return clock.New(0, 1000*clock.Second-ns)
			}
			c, _ := newTestChicago(now)
			c.nsecPerBlock = tt.n
			c.rttTimeout = rto
			c.lastDoubling = ago(tt.sinceDoubling)
			c.lastEdge = ago(tt.sinceEdge)
			edge := c.lastEdge

			c.doubleRate()

			if !tt.wantHalved {
				if c.nsecPerBlock != tt.n || c.lastEdge != edge {
					t.Errorf("NsecPerBlock = %d, lastEdge = %v, want unchanged", c.nsecPerBlock, c.lastEdge)
				}
				return
			}
			if c.nsecPerBlock != tt.n/2 {
				t.Errorf("NsecPerBlock = %d, want %d", c.nsecPerBlock, tt.n/2)
			}
			if c.lastDoubling != now || c.lastEdge != now {
				t.Errorf("lastDoubling = %v, lastEdge = %v, want both %v", c.lastDoubling, c.lastEdge, now)
			}
		})
	}
}

func TestWatermarks(t *testing.T) {
	ms := int64(clock.Millisecond)
	tests := []struct {
		name                      string
		avg, high, low            int64
		rtt                       int64
		wantHigh, wantLow         int64
		wantSeenHigh, wantSeenLow bool
	}{
		{"average above high watermark", 110 * ms, 100 * ms, 100 * ms, 100 * ms, 100 * ms, 100 * ms, true, false},
		{"average at high watermark slack", 105 * ms, 100 * ms, 100 * ms, 100 * ms, 100 * ms, 100 * ms, false, false},
		{"average below low watermark", 90 * ms, 100 * ms, 100 * ms, 100 * ms, 100 * ms, 100 * ms, false, true},
		{"low rises slowly", 100 * ms, 100 * ms, 100 * ms, 100*ms + 8192*1000, 100*ms + 8000, 100*ms + 1000, false, true},
		{"low falls quickly", 100 * ms, 100 * ms, 100 * ms, 100*ms - 256*1000, 100*ms - 250, 100*ms - 1000, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestChicago(clock.New(1, 0))
			c.rttAverage, c.rttHighwater, c.rttLowwater = tt.avg, tt.high, tt.low
			c.updateWatermarks(tt.rtt)
			if c.rttHighwater != tt.wantHigh || c.rttLowwater != tt.wantLow {
				t.Errorf("watermarks = (%d, %d), want (%d, %d)", c.rttHighwater, c.rttLowwater, tt.wantHigh, tt.wantLow)
			}
			if c.seenRecentHigh != tt.wantSeenHigh || c.seenRecentLow != tt.wantSeenLow {
				t.Errorf("seen recent (high, low) = (%v, %v), want (%v, %v)", c.seenRecentHigh, c.seenRecentLow, tt.wantSeenHigh, tt.wantSeenLow)
			}
		})
	}
}

func TestAdditiveIncrease(t *testing.T) {
	tests := []struct {
		name      string
		n         int64
		sinceAdj  uint64
		want      int64
		wantCycle bool
	}{
		{"below threshold", 100000, uint64(clock.Second), 100000, true},
		{"cubic", 1000000, uint64(clock.Second), 999556, true},
		{"cubic keeps fraction", 16000000, uint64(clock.Second), 14181011, true},
		{"quadratic", 20000000, uint64(clock.Second), 16983181, true},
		{"cycle incomplete", 1000000, 16*1000000 - 1, 1000000, false},
		{"slow restart", 1000000, uint64(11 * clock.Second), 2246740, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := clock.New(1000, 0)
			c, _ := newTestChicago(now)
			c.nsecPerBlock = tt.n
			c.lastSpeedAdjustment = clock.New(0, 1000*clock.Second-tt.sinceAdj)
			before := c.lastSpeedAdjustment

			c.adjust()

			if c.nsecPerBlock != tt.want {
				t.Errorf("NsecPerBlock = %d, want %d", c.nsecPerBlock, tt.want)
			}
			wantAdj := before
			if tt.wantCycle {
				wantAdj = now
			}
			if c.lastSpeedAdjustment != wantAdj {
				t.Errorf("lastSpeedAdjustment = %v, want %v", c.lastSpeedAdjustment, wantAdj)
			}
		})
	}
}

func TestPhaseEvents(t *testing.T) {
	const n = 100000 // below the additive increase threshold
	tests := []struct {
		name                string
		phase               int
		olderHigh, olderLow bool
		wantPhase           int
		wantEdge            bool
	}{
		{"older high enters phase 1", 0, true, false, 1, true},
		{"phase 0 without high", 0, false, true, 0, false},
		{"older low returns to phase 0", 1, false, true, 0, false},
		{"phase 1 without low", 1, true, false, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := clock.New(1000, 0)
			c, _ := newTestChicago(now)
			c.nsecPerBlock = n
			c.lastSpeedAdjustment = clock.New(999, 0)
			c.rttPhase = tt.phase
			c.seenOlderHigh, c.seenOlderLow = tt.olderHigh, tt.olderLow
			c.seenRecentHigh, c.seenRecentLow = true, false

			c.adjust()

			if c.rttPhase != tt.wantPhase {
				t.Errorf("rttPhase = %d, want %d", c.rttPhase, tt.wantPhase)
			}
			if got := c.lastEdge == now; got != tt.wantEdge {
				t.Errorf("lastEdge = %v, edge recorded = %v, want %v", c.lastEdge, got, tt.wantEdge)
			}
			if c.nsecPerBlock != n {
				t.Errorf("NsecPerBlock = %d, want %d with zero jitter", c.nsecPerBlock, n)
			}
			if !c.seenOlderHigh || c.seenOlderLow || c.seenRecentHigh || c.seenRecentLow {
				t.Errorf("flags did not roll: older (%v, %v) recent (%v, %v)",
					c.seenOlderHigh, c.seenOlderLow, c.seenRecentHigh, c.seenRecentLow)
			}
		})
	}
}

func TestPhaseJitter(t *testing.T) {
	const n = 100000
	for i := 0; i < 50; i++ {
		c := New(Config{Clock: clock.NewManual(clock.New(1000, 0))})
		c.nsecPerBlock = n
		c.lastSpeedAdjustment = clock.New(999, 0)
		c.seenOlderHigh = true
		c.adjust()
		if c.rttPhase != 1 {
			t.Fatalf("rttPhase = %d, want 1", c.rttPhase)
		}
		if c.nsecPerBlock < n || c.nsecPerBlock >= n+n/4 {
			t.Fatalf("NsecPerBlock = %d, want within [%d, %d)", c.nsecPerBlock, n, n+n/4)
		}
	}
}

func TestPacingFloor(t *testing.T) {
	c, src := newTestChicago(clock.New(100, 0))
	for i := 0; i < 5000; i++ {
		sent := c.Clock()
		src.Advance(1000)
		c.Acknowledgement(sent)
		if n := c.NsecPerBlock(); n < MinNsecPerBlock {
			t.Fatalf("iteration %d: NsecPerBlock = %d below floor", i, n)
		}
	}
}

func TestPacingCeiling(t *testing.T) {
	c, src := newTestChicago(clock.New(100, 0))
	for i := 0; i < 200; i++ {
		src.Advance(uint64(c.RTTTimeout())*4 + 1)
		c.Retransmission()
		n := c.NsecPerBlock()
		if n < MinNsecPerBlock || n > MaxNanoseconds {
			t.Fatalf("iteration %d: NsecPerBlock = %d out of bounds", i, n)
		}
	}
	if got := c.NsecPerBlock(); got != MaxNanoseconds {
		t.Errorf("NsecPerBlock = %d, want saturation at %d", got, int64(math.MaxInt64))
	}
}

func TestRetransmissionRateLimited(t *testing.T) {
	c, src := newTestChicago(clock.New(100, 0))
	before := c.NsecPerBlock()
	c.Retransmission()
	doubled := c.NsecPerBlock()
	if doubled != 2*before {
		t.Fatalf("NsecPerBlock = %d, want %d", doubled, 2*before)
	}

	c.Retransmission()
	if got := c.NsecPerBlock(); got != doubled {
		t.Errorf("second immediate retransmission changed rate to %d", got)
	}

	src.Advance(uint64(4 * c.RTTTimeout()))
	c.Retransmission()
	if got := c.NsecPerBlock(); got != doubled {
		t.Errorf("retransmission exactly 4*rto later changed rate to %d", got)
	}

	src.Advance(1)
	c.Retransmission()
	if got := c.NsecPerBlock(); got != 2*doubled {
		t.Errorf("NsecPerBlock = %d, want %d", got, 2*doubled)
	}
}

func TestBlockIsTimedOut(t *testing.T) {
	c, src := newTestChicago(clock.New(5, 0))
	sent := c.Clock()
	src.Advance(clock.Second)
	if c.BlockIsTimedOut(sent) {
		t.Error("block timed out at exactly one timeout")
	}
	src.Advance(1)
	if !c.BlockIsTimedOut(sent) {
		t.Error("block not timed out after one timeout")
	}
}

func TestSlowRestartStaysInBounds(t *testing.T) {
	c, src := newTestChicago(clock.New(1, 0))
	sent := c.Clock()
	src.Advance(uint64(10 * clock.Millisecond))
	c.Acknowledgement(sent)

	src.Advance(11 * clock.Second)
	sent = c.Clock()
	src.Advance(uint64(10 * clock.Millisecond))
	c.Acknowledgement(sent)
	if n := c.NsecPerBlock(); n < MinNsecPerBlock || n > int64(clock.Second)+int64(clock.Second)/8 {
		t.Errorf("NsecPerBlock after slow restart = %d", n)
	}
}

func TestTimer(t *testing.T) {
	c, src := newTestChicago(clock.New(1, 0))
	sent := c.Clock()
	src.Advance(uint64(clock.Millisecond))
	c.Acknowledgement(sent)

	if c.Timer() != nil {
		t.Fatal("Timer non-nil before EnableTimer")
	}
	c.EnableTimer()
	defer c.Stop()
	select {
	case <-c.Timer():
	case <-time.After(2 * time.Second):
		t.Fatal("pacing timer did not fire")
	}
	c.Rearm()
	c.DisableTimer()
	if c.Timer() != nil {
		t.Error("Timer non-nil after DisableTimer")
	}
	if c.TimerEnabled() {
		t.Error("TimerEnabled after DisableTimer")
	}
}
