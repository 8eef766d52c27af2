// Package tick provides a pausable countdown that reports every elapsed
// interval to a callback without letting the callback hold up the timer.
package tick

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jensholdgaard/techrun/internal/clock"
)

// DefaultInterval is the countdown granularity.
const DefaultInterval = time.Second

// Countdown is the handle of one Start call.
type Countdown struct {
	done    chan struct{}
	stopped bool
	expired atomic.Bool
}

// Done is closed once the countdown has finished or was stopped and every
// delivered tick has been handled.
func (c *Countdown) Done() <-chan struct{} { return c.done }

// Stopped reports whether the countdown was cut short by Stop. Only
// meaningful after Done is closed.
func (c *Countdown) Stopped() bool { return c.stopped }

// Expired reports whether the countdown reached zero. It is set when the last
// interval elapses, before the final callback runs.
func (c *Countdown) Expired() bool { return c.expired.Load() }

func finished(expired bool) *Countdown {
	c := &Countdown{done: make(chan struct{})}
	c.expired.Store(expired)
	close(c.done)
	return c
}

// Scheduler runs at most one countdown at a time. It is safe for concurrent
// use.
type Scheduler struct {
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	remaining int
	halt      chan struct{} // closed to end the current ticker segment; nil while paused
	ticks     chan int
	current   *Countdown
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source, typically a fake clock in tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New returns an idle Scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clock.Real(),
		interval: DefaultInterval,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins a countdown of n intervals. After every interval remaining is
// decremented and onTick receives the new value, so a countdown of n delivers
// n-1 down to 0. Callbacks run in order on a dedicated goroutine.
//
// If a countdown is already running Start does nothing and returns a finished
// handle and false.
func (s *Scheduler) Start(n int, onTick func(remaining int)) (*Countdown, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn("countdown already running, ignoring start", slog.Int("remaining", s.remaining))
		return finished(false), false
	}
	if n <= 0 {
		return finished(true), true
	}

	cd := &Countdown{done: make(chan struct{})}
	// Buffered for the whole countdown so the timer goroutine never waits on
	// a slow callback.
	ticks := make(chan int, n)
	go dispatch(ticks, onTick, cd)

	s.running = true
	s.remaining = n
	s.ticks = ticks
	s.current = cd
	s.resumeLocked()
	return cd, true
}

func dispatch(ticks <-chan int, onTick func(int), cd *Countdown) {
	defer close(cd.done)
	for r := range ticks {
		if onTick != nil {
			onTick(r)
		}
	}
}

// resumeLocked starts a ticker segment. s.mu must be held.
func (s *Scheduler) resumeLocked() {
	halt := make(chan struct{})
	s.halt = halt
	go s.run(s.clock.NewTicker(s.interval), halt)
}

func (s *Scheduler) run(ticker clockwork.Ticker, halt chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-halt:
			return
		case <-ticker.Chan():
			if !s.advance(halt) {
				return
			}
		}
	}
}

// advance applies one tick and reports whether the segment should continue.
func (s *Scheduler) advance(halt chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A ticker may fire after its segment was halted.
	if !s.running || s.halt != halt {
		return false
	}
	s.remaining--
	if s.remaining == 0 {
		s.current.expired.Store(true)
	}
	s.ticks <- s.remaining
	if s.remaining > 0 {
		return true
	}
	s.finishLocked(false)
	return false
}

// finishLocked ends the current countdown. s.mu must be held.
func (s *Scheduler) finishLocked(stopped bool) {
	if s.halt != nil {
		close(s.halt)
		s.halt = nil
	}
	s.current.stopped = stopped
	close(s.ticks)
	s.running = false
	s.ticks = nil
	s.current = nil
}

// Stop cancels the running countdown. Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.finishLocked(true)
}

// Pause suspends ticking without touching the remaining count.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.halt == nil {
		return
	}
	close(s.halt)
	s.halt = nil
}

// Resume restarts a paused countdown with a full interval before the next
// tick.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.halt != nil {
		return
	}
	s.resumeLocked()
}

// Running reports whether a countdown is active, paused or not.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Paused reports whether the active countdown is paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.halt == nil
}

// Remaining returns the ticks left in the active countdown, 0 when idle.
func (s *Scheduler) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return s.remaining
}
