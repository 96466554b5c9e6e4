package submitter

import "time"

// Clock abstracts time for deterministic tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After waits for d and then sends the current time on the channel.
	After(d time.Duration) <-chan time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// After wraps time.After.
func (SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
