package timebase

import (
	"time"
)

// LocalClock is the process's raw clock, read without any synchronization
// correction applied.
type LocalClock interface {
	Now() time.Time
}
