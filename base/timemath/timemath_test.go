package timemath_test

import (
	"testing"
	"time"

	"example.com/cristian-time/base/timemath"
)

func TestDurationSeconds(t *testing.T) {
	d := timemath.Duration(1.5)
	if d != 1500*time.Millisecond {
		t.Errorf("Duration(1.5): got %v, want 1.5s", d)
	}
	s := timemath.Seconds(-250 * time.Millisecond)
	if s != -0.25 {
		t.Errorf("Seconds(-250ms): got %f, want -0.25", s)
	}
}

func TestUnixSecondsRoundTrip(t *testing.T) {
	t0 := time.Unix(1699999999, 123456000).UTC()
	s := timemath.UnixSeconds(t0)
	t1 := timemath.TimeFromUnixSeconds(s)
	if d := t1.Sub(t0); d < -time.Microsecond || d > time.Microsecond {
		t.Errorf("unexpected round trip error: got %v, want <= 1µs", d)
	}
}

func TestTimeFromUnixSecondsNegative(t *testing.T) {
	t0 := timemath.TimeFromUnixSeconds(-1.5)
	if !t0.Equal(time.Unix(-2, 500000000)) {
		t.Errorf("TimeFromUnixSeconds(-1.5): got %v", t0)
	}
}
