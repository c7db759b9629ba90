package adjustments

import (
	"math"
	"testing"
)

func TestDampedAdjustment(t *testing.T) {
	a := &Damped{Rate: DampedDefaultRate}
	o, d := 1.5, 2.0
	n := o + a.Do(d)
	if n != o+d*0.1 {
		t.Errorf("new offset: got %f, want %f", n, o+d*0.1)
	}
}

func TestDampedConvergence(t *testing.T) {
	for _, r := range []float64{DampedMinRate, 0.1, 0.5, 0.99} {
		a := &Damped{Rate: r}
		const trueOffset = 7.25
		offset := -3.0
		prev := math.Inf(1)
		for range 200 {
			diff := trueOffset - offset
			if math.Abs(diff) > prev {
				t.Fatalf("rate %f: difference grew from %g to %g", r, prev, math.Abs(diff))
			}
			prev = math.Abs(diff)
			offset += a.Do(diff)
		}
		if r >= 0.1 && math.Abs(trueOffset-offset) > 1e-6 {
			t.Errorf("rate %f: did not converge, remaining difference %g", r, trueOffset-offset)
		}
	}
}
