package chicago

import "time"

// EnableTimer arms the pacing timer to fire one pacing interval after the
// last block was sent, immediately if that moment has passed. It is a no-op
// when the timer is already armed.
func (c *Chicago) EnableTimer() {
	if c.enabled {
		return
	}
	c.enabled = true
	var d time.Duration
	if now := c.Clock(); !c.lastBlockTime.Zero() {
		next := c.lastBlockTime.Add(uint64(c.nsecPerBlock))
		if wait, err := next.Sub(now); err == nil {
			d = time.Duration(wait)
		}
	}
	if c.timer == nil {
		c.timer = time.NewTimer(d)
		return
	}
	c.timer.Reset(d)
}

// DisableTimer disarms the pacing timer. Ticks already delivered are not
// retracted.
func (c *Chicago) DisableTimer() {
	if !c.enabled {
		return
	}
	c.enabled = false
	c.timer.Stop()
}

// TimerEnabled reports whether the pacing timer is armed.
func (c *Chicago) TimerEnabled() bool { return c.enabled }

// Timer returns the channel the pacing timer fires on, or nil while the
// timer is disabled so that a select on it blocks.
func (c *Chicago) Timer() <-chan time.Time {
	if !c.enabled {
		return nil
	}
	return c.timer.C
}

// Rearm schedules the next tick one pacing interval from now. Callers
// invoke it after consuming a tick.
func (c *Chicago) Rearm() {
	if !c.enabled {
		return
	}
	c.timer.Reset(time.Duration(c.nsecPerBlock))
}

// Stop releases the timer. The controller must not be ticked afterwards.
func (c *Chicago) Stop() {
	c.enabled = false
	if c.timer != nil {
		c.timer.Stop()
	}
}
