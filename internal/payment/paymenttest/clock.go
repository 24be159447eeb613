// Package paymenttest provides deterministic clocks and gateways for
// exercising payment watches.
package paymenttest

import (
	"sync"
	"time"

	"caixa/backend/internal/payment"
)

// FakeClock only moves when Advance is called. Tickers drop ticks the
// same way time.Ticker does when the reader is slow.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

var _ payment.Clock = (*FakeClock)(nil)

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) NewTicker(d time.Duration) payment.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) payment.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward in steps, stopping at every tick and timer
// deadline on the way so events fire in order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next, ok := c.nextEventLocked(target)
		if !ok {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next
		fire := c.dueLocked()
		c.mu.Unlock()
		for _, f := range fire {
			f()
		}
	}
}

// Timers reports how many timers are still armed.
func (c *FakeClock) Timers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (c *FakeClock) nextEventLocked(limit time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	consider := func(at time.Time) {
		if at.After(limit) {
			return
		}
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	for _, t := range c.tickers {
		if !t.stopped {
			consider(t.next)
		}
	}
	for _, t := range c.timers {
		if !t.done {
			consider(t.at)
		}
	}
	return next, found
}

func (c *FakeClock) dueLocked() []func() {
	var fire []func()
	for _, t := range c.tickers {
		if t.stopped || t.next.After(c.now) {
			continue
		}
		select {
		case t.ch <- c.now:
		default:
		}
		t.next = t.next.Add(t.period)
	}
	for _, t := range c.timers {
		if t.done || t.at.After(c.now) {
			continue
		}
		t.done = true
		fn := t.fn
		fire = append(fire, func() { go fn() })
	}
	return fire
}

type fakeTicker struct {
	clock   *FakeClock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

type fakeTimer struct {
	clock *FakeClock
	at    time.Time
	fn    func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
