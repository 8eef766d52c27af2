// Package clock abstracts time so countdowns and timestamps can be driven by
// a fake clock in tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source used across the game engine.
type Clock = clockwork.Clock

// Real returns a Clock backed by the system clock.
func Real() Clock { return clockwork.NewRealClock() }

// NewMock returns a fake clock frozen at t until advanced.
func NewMock(t time.Time) *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(t)
}

// NowUTC returns the current time of clk in UTC, truncated to microseconds so
// values round-trip through every store driver unchanged.
func NowUTC(clk Clock) time.Time {
	return clk.Now().UTC().Truncate(time.Microsecond)
}
