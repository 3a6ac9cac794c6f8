package engine

import (
	"math"
	"time"
)

// recencyWeight scales an interaction's weight by its age:
// 2^(-age/halfLife). A zero half-life disables decay, and interactions
// stamped in the future count in full.
func recencyWeight(age, halfLife time.Duration) float64 {
	if halfLife <= 0 || age <= 0 {
		return 1
	}
	return math.Pow(2, -float64(age)/float64(halfLife))
}
