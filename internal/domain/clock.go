package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// clock stamps outcomes with their evaluation time. Tests freeze it via SetClock.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source used by NewOutcome and Now. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// Now reads the service clock.
func Now() time.Time {
	return clock.Now()
}
