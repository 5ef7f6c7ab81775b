package stats

import "math"

// Welford holds running statistics using Welford's online algorithm, so mean
// and standard deviation update in O(1) per observation without keeping the
// samples around.
type Welford struct {
	count int
	mean  float64
	m2    float64
}

// Update adds one observation.
func (w *Welford) Update(value float64) {
	w.count++
	delta := value - w.mean
	w.mean += delta / float64(w.count)
	delta2 := value - w.mean
	w.m2 += delta * delta2
}

// Mean returns the current running mean.
func (w *Welford) Mean() float64 {
	return w.mean
}

// StdDev returns the population standard deviation, 0 below 2 observations.
func (w *Welford) StdDev() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count))
}

// Count returns the number of observations.
func (w *Welford) Count() int {
	return w.count
}
