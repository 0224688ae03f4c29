// Package clock abstracts wall-clock reads so timestamps on queue entries,
// shadows and heartbeats can be controlled in tests.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the production clock. Times are returned in UTC so persisted
// timestamps compare and serialize identically across devices.
type System struct{}

// Now returns time.Now in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Func adapts a plain function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}
