// Package matcher renders grant/deny decisions by nearest-neighbour search
// over the enrolled face vectors.
package matcher

import (
	"math"
)

// Result of a Match call. Index is -1 and Distance is +Inf when the known
// set is empty.
type Result struct {
	Index    int
	Distance float64
	Matched  bool
}

// Euclidean returns the L2 distance between two vectors of equal length.
// Mismatched lengths are treated as infinitely far apart.
func Euclidean(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Match finds the known vector closest to observed. Ties go to the lowest
// index. A match requires distance strictly below threshold.
func Match(observed []float64, known [][]float64, threshold float64) Result {
	res := Result{Index: -1, Distance: math.Inf(1)}
	for i, k := range known {
		d := Euclidean(observed, k)
		if d < res.Distance {
			res.Index = i
			res.Distance = d
		}
	}
	// NaN distances never compare less, so an all-NaN gallery stays unmatched.
	res.Matched = res.Index >= 0 && res.Distance < threshold
	return res
}

// Gallery is the read-only set of known users for one session. Names and
// Vectors are index-aligned.
type Gallery struct {
	Names   []string
	Vectors [][]float64
}

// Len is the number of known users.
func (g Gallery) Len() int { return len(g.Names) }

// Identify matches vec against the gallery and returns the matched name.
func (g Gallery) Identify(vec []float64, threshold float64) (name string, distance float64, ok bool) {
	res := Match(vec, g.Vectors, threshold)
	if !res.Matched {
		return "", res.Distance, false
	}
	return g.Names[res.Index], res.Distance, true
}
