package clocks

import (
	"time"

	"github.com/noodlebox/clock/mocktime"

	"example.com/cristian-time/base/timebase"
)

type SystemClock struct{}

var _ timebase.LocalClock = SystemClock{}

func NewSystemClock() SystemClock {
	return SystemClock{}
}

func (SystemClock) Now() time.Time {
	return now()
}

// ManualClock is a raw clock that only moves when told to. It starts at the
// given instant and never tracks the system clock.
type ManualClock struct {
	clk mocktime.Clock
}

var _ timebase.LocalClock = (*ManualClock)(nil)

func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{clk: mocktime.NewClock(t)}
}

func (c *ManualClock) Now() time.Time {
	return c.clk.Now()
}

func (c *ManualClock) Set(t time.Time) {
	c.clk.Set(t)
}

// Advance moves the clock forward by d and returns the new time. d must not
// be negative.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.clk.Step(d)
	return c.clk.Now()
}
