package clock

import "time"

// Clock abstracts time for state-change timestamps, merge markers and
// deferral delays.
// Production: Real. Testing: fake.Clock.
type Clock interface {
	Now() time.Time
	// After delivers the time once d has elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// Real uses the system wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
