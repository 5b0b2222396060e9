package service

import "time"

// Clock supplies the current time. Session logic never reads the wall clock
// directly so that expiry and revocation instants are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
