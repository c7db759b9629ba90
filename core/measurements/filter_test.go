package measurements_test

import (
	"testing"
	"time"

	"example.com/cristian-time/core/cristian"
	"example.com/cristian-time/core/measurements"
)

func sample(rtt time.Duration) cristian.Sample {
	t0 := time.Unix(1000, 0)
	return cristian.Sample{SentAt: t0, RemoteTime: t0, ReceivedAt: t0.Add(rtt)}
}

func TestRoundTripFilter(t *testing.T) {
	f := measurements.RoundTripFilter{Max: 100 * time.Millisecond}
	if !f.Do(sample(0)) {
		t.Errorf("zero round trip must pass")
	}
	if !f.Do(sample(100 * time.Millisecond)) {
		t.Errorf("round trip at limit must pass")
	}
	if f.Do(sample(101 * time.Millisecond)) {
		t.Errorf("round trip above limit must not pass")
	}
	if f.Do(sample(-time.Millisecond)) {
		t.Errorf("negative round trip must not pass")
	}
}

func TestRoundTripFilterWithoutLimit(t *testing.T) {
	var f measurements.RoundTripFilter
	if !f.Do(sample(time.Hour)) {
		t.Errorf("any non-negative round trip must pass without limit")
	}
}
