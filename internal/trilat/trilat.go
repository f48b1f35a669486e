// Package trilat solves the 2D trilateration problem: given three or more
// beacons with known coordinates and estimated distances, find the point that
// best explains the measurements. Degenerate beacon geometry (collinear or
// nearly so) is detected and reported as an error; the solver never returns
// NaN or infinite coordinates.
package trilat

import (
	"errors"
	"math"
	"sort"
)

var (
	// ErrInsufficientBeacons means fewer than MinBeacons usable readings
	// were supplied.
	ErrInsufficientBeacons = errors.New("trilat: need at least 3 beacons with valid distances")

	// ErrGeometryDegenerate means the chosen beacon triple is collinear or
	// numerically too close to it for a stable solution.
	ErrGeometryDegenerate = errors.New("trilat: degenerate beacon geometry")
)

// MinBeacons is the number of distinct beacons a solve requires.
const MinBeacons = 3

// DefaultMinDeterminant is the smallest coefficient-matrix determinant the
// solver accepts before declaring the geometry degenerate.
const DefaultMinDeterminant = 1e-6

// Reading pairs a beacon's surveyed coordinate with the estimated distance
// from the tracked entity to that beacon.
type Reading struct {
	BeaconID string
	X, Y     float64
	Distance float64
}

// Position is a solved location with its informational accuracy score and
// the readings that produced it.
type Position struct {
	X, Y float64
	// Accuracy is a 0-100 heuristic score derived from how well the solved
	// point agrees with the measured distances. It is not a statistical
	// confidence interval.
	Accuracy float64
	// Used holds the readings that entered the linear system, nearest first.
	Used []Reading
}

// Solver solves trilateration systems with a configurable degeneracy
// threshold. The zero value uses DefaultMinDeterminant.
type Solver struct {
	MinDeterminant float64
}

// Solve computes a position from the given readings. When more than three
// usable readings are present the three with the smallest distances are used
// (nearest beacons carry the least model error). Readings with non-finite or
// non-positive distances or non-finite coordinates are ignored.
func (s Solver) Solve(readings []Reading) (Position, error) {
	minDet := s.MinDeterminant
	if minDet <= 0 {
		minDet = DefaultMinDeterminant
	}

	usable := make([]Reading, 0, len(readings))
	for _, r := range readings {
		if !finite(r.X) || !finite(r.Y) || !finite(r.Distance) || r.Distance <= 0 {
			continue
		}
		usable = append(usable, r)
	}
	if len(usable) < MinBeacons {
		return Position{}, ErrInsufficientBeacons
	}

	sort.Slice(usable, func(i, j int) bool {
		if usable[i].Distance != usable[j].Distance {
			return usable[i].Distance < usable[j].Distance
		}
		return usable[i].BeaconID < usable[j].BeaconID
	})
	used := usable[:MinBeacons]

	b1, b2, b3 := used[0], used[1], used[2]
	r1, r2, r3 := b1.Distance, b2.Distance, b3.Distance

	// Subtracting the circle equations (x-xi)^2 + (y-yi)^2 = ri^2 pairwise
	// eliminates the quadratic terms and leaves the linear system
	//   A*x + B*y = C
	//   D*x + E*y = F
	a := 2 * (b2.X - b1.X)
	b := 2 * (b2.Y - b1.Y)
	c := r1*r1 - r2*r2 - b1.X*b1.X + b2.X*b2.X - b1.Y*b1.Y + b2.Y*b2.Y
	d := 2 * (b3.X - b2.X)
	e := 2 * (b3.Y - b2.Y)
	f := r2*r2 - r3*r3 - b2.X*b2.X + b3.X*b3.X - b2.Y*b2.Y + b3.Y*b3.Y

	// Cramer's rule. A vanishing determinant means the three beacons are
	// collinear and the system has no unique solution.
	den := a*e - b*d
	if math.Abs(den) < minDet {
		return Position{}, ErrGeometryDegenerate
	}

	x := (c*e - f*b) / den
	y := (a*f - c*d) / den
	if !finite(x) || !finite(y) {
		return Position{}, ErrGeometryDegenerate
	}

	pos := Position{
		X:        x,
		Y:        y,
		Accuracy: accuracyScore(x, y, used),
		Used:     append([]Reading(nil), used...),
	}
	return pos, nil
}

// accuracyScore maps the mean absolute disagreement between solved-point
// distances and measured distances onto a 0-100 scale.
func accuracyScore(x, y float64, used []Reading) float64 {
	var total float64
	for _, r := range used {
		dx := x - r.X
		dy := y - r.Y
		total += math.Abs(math.Hypot(dx, dy) - r.Distance)
	}
	mean := total / float64(len(used))
	return math.Max(0, 100-10*mean)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
