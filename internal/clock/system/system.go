// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements indexing.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Quota periods are derived from it in
// the tenant location, so the zone here only affects log output.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
