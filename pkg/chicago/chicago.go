// Package chicago implements the CurveCP congestion controller: Jacobson
// style RTT and retransmission-timeout estimation combined with a pacing
// interval (nanoseconds per block) that is adapted from RTT watermarks.
//
// A Chicago value is not safe for concurrent use. It is owned by a single
// stream, which also owns the pacing timer.
package chicago

import (
	"crypto/rand"
	"io"
	"math"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/strand-protocol/strand/curvecp/pkg/clock"
)

// Pacing and timeout bounds, in nanoseconds.
const (
	MinNsecPerBlock int64 = 65535
	MaxNanoseconds  int64 = math.MaxInt64

	initialRTTTimeout   = int64(clock.Second)
	initialNsecPerBlock = int64(clock.Second)

	adjustmentBlocks     = 16
	slowRestartAfter     = 10 * int64(clock.Second)
	watermarkSlack       = 5 * int64(clock.Millisecond)
	edgeWindow           = 60 * int64(clock.Second)
	edgeWindowExtra      = 5 * int64(clock.Second)
	additiveThreshold    = 131072.0
	additiveCubicCeiling = 16777216
	additiveDivisor      = 2251799813685248.0
)

// Config carries the collaborators of a Chicago controller.
type Config struct {
	// Clock supplies instants; defaults to clock.System.
	Clock clock.Source
	// Rand supplies jitter; defaults to crypto/rand.Reader.
	Rand   io.Reader
	Logger zerolog.Logger
}

// Stats is a snapshot of the controller state.
type Stats struct {
	RTTAverage   time.Duration
	RTTDeviation time.Duration
	RTTTimeout   time.Duration
	NsecPerBlock time.Duration
	Phase        int
}

// Chicago is the congestion controller state.
type Chicago struct {
	source clock.Source
	rand   io.Reader
	log    zerolog.Logger

	now clock.Clock

	rttAverage   int64
	rttDeviation int64
	rttHighwater int64
	rttLowwater  int64
	rttTimeout   int64

	seenRecentHigh bool
	seenRecentLow  bool
	seenOlderHigh  bool
	seenOlderLow   bool
	rttPhase       int

	nsecPerBlock int64

	lastBlockTime       clock.Clock
	lastSpeedAdjustment clock.Clock
	lastEdge            clock.Clock
	lastDoubling        clock.Clock
	lastPanic           clock.Clock

	timer   *time.Timer
	enabled bool
}

// New returns a controller with a one second timeout and pacing interval.
func New(cfg Config) *Chicago {
	if cfg.Clock == nil {
		cfg.Clock = clock.System
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	c := &Chicago{
		source:       cfg.Clock,
		rand:         cfg.Rand,
		log:          cfg.Logger.With().Str("component", "chicago").Logger(),
		rttTimeout:   initialRTTTimeout,
		nsecPerBlock: initialNsecPerBlock,
	}
	c.refresh()
	c.lastSpeedAdjustment = c.now
	return c
}

// refresh advances the cached clock, never moving it backwards.
func (c *Chicago) refresh() {
	if now := c.source.Now(); now.After(c.now) {
		c.now = now
	}
}

// Clock returns the controller's current instant.
func (c *Chicago) Clock() clock.Clock {
	c.refresh()
	return c.now
}

// NsecPerBlock returns the pacing interval.
func (c *Chicago) NsecPerBlock() int64 { return c.nsecPerBlock }

// RTTTimeout returns the retransmission timeout.
func (c *Chicago) RTTTimeout() int64 { return c.rttTimeout }

// RTTAverage returns the smoothed round trip time.
func (c *Chicago) RTTAverage() int64 { return c.rttAverage }

// Stats returns a snapshot of the controller state.
func (c *Chicago) Stats() Stats {
	return Stats{
		RTTAverage:   time.Duration(c.rttAverage),
		RTTDeviation: time.Duration(c.rttDeviation),
		RTTTimeout:   time.Duration(c.rttTimeout),
		NsecPerBlock: time.Duration(c.nsecPerBlock),
		Phase:        c.rttPhase,
	}
}

// SendBlock records that a block left at the current instant.
func (c *Chicago) SendBlock() {
	c.refresh()
	c.lastBlockTime = c.now
}

// BlockIsTimedOut reports whether a block sent at sent has outlived the
// retransmission timeout.
func (c *Chicago) BlockIsTimedOut(sent clock.Clock) bool {
	c.refresh()
	return sent.Add(uint64(c.rttTimeout)).Before(c.now)
}

// Retransmission doubles the pacing interval, at most once per four
// timeouts.
func (c *Chicago) Retransmission() {
	c.refresh()
	if !c.lastPanic.Zero() && !c.now.After(c.lastPanic.Add(uint64(satMul(c.rttTimeout, 4)))) {
		return
	}
	c.nsecPerBlock = clamp(satMul(c.nsecPerBlock, 2))
	c.lastPanic = c.now
	c.lastEdge = c.now
	c.log.Debug().Int64("nsecperblock", c.nsecPerBlock).Msg("retransmission backoff")
}

// Acknowledgement feeds the round trip of a block sent at sent into the
// estimators and runs the rate adjustment.
func (c *Chicago) Acknowledgement(sent clock.Clock) {
	c.refresh()
	rtt := int64(c.now.Since(sent))
	if c.rttAverage == 0 {
		c.initialize(rtt)
	}
	c.updateTimeout(rtt)
	c.updateWatermarks(rtt)
	c.adjust()
	c.doubleRate()
}

func (c *Chicago) initialize(rtt int64) {
	c.nsecPerBlock = clamp(rtt)
	c.rttAverage = rtt
	c.rttDeviation = rtt / 2
	c.rttHighwater = rtt
	c.rttLowwater = rtt
}

func (c *Chicago) updateTimeout(rtt int64) {
	delta := rtt - c.rttAverage
	c.rttAverage = satAdd(c.rttAverage, delta/8)
	if delta < 0 {
		delta = -delta
	}
	delta -= c.rttDeviation
	c.rttDeviation = satAdd(c.rttDeviation, delta/4)
	c.rttTimeout = satAdd(c.rttAverage, satMul(c.rttDeviation, 4))
	c.rttTimeout = satAdd(c.rttTimeout, satMul(c.nsecPerBlock, 8))
}

func (c *Chicago) updateWatermarks(rtt int64) {
	c.rttHighwater += (rtt - c.rttHighwater) / 1024
	delta := rtt - c.rttLowwater
	if delta > 0 {
		c.rttLowwater += delta / 8192
	} else {
		c.rttLowwater += delta / 256
	}
	if c.rttAverage > satAdd(c.rttHighwater, watermarkSlack) {
		c.seenRecentHigh = true
	} else if c.rttAverage < c.rttLowwater {
		c.seenRecentLow = true
	}
}

func (c *Chicago) adjust() {
	since := int64(c.now.Since(c.lastSpeedAdjustment))
	if since < satMul(c.nsecPerBlock, adjustmentBlocks) {
		return
	}
	if since > slowRestartAfter {
		c.nsecPerBlock = int64(clock.Second) + c.randomMod(int64(clock.Second)/8)
		c.log.Debug().Int64("nsecperblock", c.nsecPerBlock).Msg("slow restart")
	}
	c.lastSpeedAdjustment = c.now

	if n := c.nsecPerBlock; n >= additiveThreshold {
		if n < additiveCubicCeiling {
			u := float64(n) / additiveThreshold
			c.nsecPerBlock = int64(math.Round(float64(n) - u*u*u))
		} else {
			d := float64(n)
			c.nsecPerBlock = int64(d / (1 + d*d/additiveDivisor))
		}
	}

	if c.rttPhase == 0 {
		if c.seenOlderHigh {
			c.rttPhase = 1
			c.lastEdge = c.now
			c.nsecPerBlock = satAdd(c.nsecPerBlock, c.randomMod(c.nsecPerBlock/4))
		}
	} else if c.seenOlderLow {
		c.rttPhase = 0
	}
	c.nsecPerBlock = clamp(c.nsecPerBlock)

	c.seenOlderHigh = c.seenRecentHigh
	c.seenOlderLow = c.seenRecentLow
	c.seenRecentHigh = false
	c.seenRecentLow = false
}

// doubleRate halves the pacing interval once the wait since the last
// doubling has passed. The zero instant stands for "never": a controller
// that has not doubled yet may double at once, and one without an edge uses
// the short wait.
func (c *Chicago) doubleRate() {
	if !c.lastDoubling.Zero() && c.now.Before(c.lastDoubling.Add(uint64(c.doublingWait()))) {
		return
	}
	if c.nsecPerBlock <= MinNsecPerBlock {
		return
	}
	c.nsecPerBlock = clamp(c.nsecPerBlock / 2)
	c.lastDoubling = c.now
	c.lastEdge = c.now
	c.log.Debug().Int64("nsecperblock", c.nsecPerBlock).Msg("rate doubled")
}

// doublingWait is 4n plus 64*rto+5s within a minute of the last edge, or
// 4n plus 2*rto otherwise.
func (c *Chicago) doublingWait() int64 {
	wait := satMul(c.nsecPerBlock, 4)
	if !c.lastEdge.Zero() && int64(c.now.Since(c.lastEdge)) < edgeWindow {
		return satAdd(wait, satAdd(satMul(c.rttTimeout, 64), edgeWindowExtra))
	}
	return satAdd(wait, satMul(c.rttTimeout, 2))
}

// randomMod returns a uniform value in [0, n), or zero when n <= 0 or the
// random source fails.
func (c *Chicago) randomMod(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(c.rand, big.NewInt(n))
	if err != nil {
		return 0
	}
	return v.Int64()
}

func clamp(n int64) int64 {
	if n < MinNsecPerBlock {
		return MinNsecPerBlock
	}
	return n
}

func satAdd(a, b int64) int64 {
	s := a + b
	if b > 0 && s < a {
		return MaxNanoseconds
	}
	if b < 0 && s > a {
		return math.MinInt64
	}
	return s
}

func satMul(a, m int64) int64 {
	if a > 0 && a > MaxNanoseconds/m {
		return MaxNanoseconds
	}
	return a * m
}
