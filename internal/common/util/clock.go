package util

import "time"

// Clock abstracts time.Now so time-dependent components (throttling,
// stall detection, completion detection) can be driven deterministically
// in tests.
type Clock interface {
	Now() time.Time
}

type DefaultClock struct{}

func (c *DefaultClock) Now() time.Time { return time.Now() }

// TestClock is a manually advanced Clock for unit tests.
type TestClock struct {
	T time.Time
}

func NewTestClock(t time.Time) *TestClock {
	return &TestClock{T: t}
}

func (c *TestClock) Now() time.Time { return c.T }

func (c *TestClock) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}
