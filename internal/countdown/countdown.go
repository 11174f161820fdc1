// Package countdown drives the seconds-remaining indicator of the current
// green phase. At most one timer is live per Countdown: Start always
// cancels the previous timer before scheduling the next tick, and a tick
// that belongs to a cancelled timer is discarded.
package countdown

import (
	"fmt"
	"sync"
	"time"

	"github.com/care/signaldash/internal/clock"
	"github.com/care/signaldash/internal/types"
)

// TickInterval is the countdown resolution
const TickInterval = time.Second

// TickFunc receives the remaining seconds each time the display changes.
// It is called with the countdown lock held and must not call back into
// the Countdown.
type TickFunc func(remaining int)

// Countdown is a single cancellable one-second countdown
type Countdown struct {
	clock  clock.Clock
	onTick TickFunc

	mu         sync.Mutex
	timer      clock.Timer // nil when no countdown is running
	generation uint64
	remaining  int
}

// New creates an idle countdown
func New(clk clock.Clock, onTick TickFunc) *Countdown {
	if onTick == nil {
		onTick = func(int) {}
	}
	return &Countdown{
		clock:  clk,
		onTick: onTick,
	}
}

// Start cancels any running countdown and starts a new one at seconds.
// Negative values are shown as zero and no timer is scheduled.
func (c *Countdown) Start(seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelLocked()

	if seconds < 0 {
		seconds = 0
	}
	c.remaining = seconds
	c.onTick(seconds)

	if seconds == 0 {
		return
	}
	c.scheduleLocked(c.generation)
}

// StartText starts a countdown from a bus payload. Non-numeric payloads
// are ignored and leave any running countdown untouched.
func (c *Countdown) StartText(payload string) bool {
	v, err := types.ParseNumber(payload)
	if err != nil {
		return false
	}
	c.Start(int(v))
	return true
}

// Stop cancels the running countdown, if any. The display keeps its last value.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

// Remaining returns the last displayed value
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Active reports whether a timer is scheduled
func (c *Countdown) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// cancelLocked stops the current timer and invalidates its pending tick
func (c *Countdown) cancelLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
}

func (c *Countdown) scheduleLocked(gen uint64) {
	c.timer = c.clock.AfterFunc(TickInterval, func() { c.tick(gen) })
}

func (c *Countdown) tick(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Superseded by a later Start or Stop
	if gen != c.generation {
		return
	}

	c.remaining--
	if c.remaining <= 0 {
		c.remaining = 0
		c.timer = nil
		c.onTick(0)
		return
	}

	c.onTick(c.remaining)
	c.scheduleLocked(gen)
}

// Format renders the remaining seconds for display ("5s")
func Format(remaining int) string {
	return fmt.Sprintf("%ds", remaining)
}
