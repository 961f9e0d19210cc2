package testutil

import (
	"sync"
	"time"
)

// Epoch is the time every test clock starts at.
var Epoch = time.Date(2026, time.January, 2, 15, 4, 5, 0, time.UTC)

// Clock is a settable wall clock for tests.
//
// Every party of a Network shares one Clock, so expirations computed by
// one are judged against the same time by another.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock reading start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current time. It has the signature of time.Now so it
// can be passed wherever a clock option is accepted.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
