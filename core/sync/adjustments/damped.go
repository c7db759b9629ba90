package adjustments

const (
	DampedMinRate     = 0.01
	DampedDefaultRate = 0.1
	DampedMaxRate     = 1.0
)

// Damped applies only the fraction Rate of each observed clock difference,
// slewing the clock towards the reference over several cycles instead of
// stepping it.
type Damped struct {
	Rate float64
}

// Do returns the correction in seconds for a difference of diff seconds
// between estimated true time and local corrected time.
func (a *Damped) Do(diff float64) (delta float64) {
	return diff * a.Rate
}
