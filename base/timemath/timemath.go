package timemath

import (
	"math"
	"time"
)

const nanosecondsPerSecond = 1e9

func Duration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * nanosecondsPerSecond))
}

func Seconds(duration time.Duration) float64 {
	return float64(duration) / nanosecondsPerSecond
}

// UnixSeconds returns t as fractional seconds since the Unix epoch.
func UnixSeconds(t time.Time) float64 {
	sec := t.Unix()
	nsec := t.Nanosecond()
	return float64(sec) + float64(nsec)/nanosecondsPerSecond
}

// TimeFromUnixSeconds is the inverse of UnixSeconds, rounded to the
// nearest nanosecond.
func TimeFromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	nsec := math.Round(frac * nanosecondsPerSecond)
	return time.Unix(int64(sec), int64(nsec)).UTC()
}
