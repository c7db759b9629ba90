package measurements

import (
	"time"

	"example.com/cristian-time/core/cristian"
)

// Filter decides whether a sample is used for a clock adjustment.
type Filter interface {
	Do(s cristian.Sample) (ok bool)
}

// RoundTripFilter discards samples with a negative round trip time and, if
// Max is positive, samples with a round trip time above Max.
type RoundTripFilter struct {
	Max time.Duration
}

var _ Filter = RoundTripFilter{}

func (f RoundTripFilter) Do(s cristian.Sample) bool {
	rtt := s.RoundTrip()
	if rtt < 0 {
		return false
	}
	return f.Max <= 0 || rtt <= f.Max
}
