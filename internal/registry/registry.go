// Package registry holds the fixed beacon map for a site: each beacon's
// identifier and its surveyed 2D coordinate in meters. The registry is built
// once from configuration and is immutable afterwards, so readers need no
// locking.
package registry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// ErrNoBeacons is returned by Load when no entry yields a usable beacon.
var ErrNoBeacons = errors.New("registry: no valid beacons in configuration")

// Point is a 2D coordinate in meters.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance to other in meters.
func (p Point) DistanceTo(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Hypot(dx, dy)
}

// Entry is one raw beacon record from configuration. Position is the
// unparsed "x,y" coordinate string.
type Entry struct {
	ID       string
	Name     string
	Position string
}

// Beacon is a validated beacon with its parsed coordinate.
type Beacon struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Position Point  `json:"position"`
}

// Registry is the immutable beacon set for a site.
type Registry struct {
	beacons map[string]Beacon
	order   []string
}

var logf = monitoring.Prefixed("[registry]")

// Load builds a Registry from configuration entries. Entries with an empty
// identifier, a duplicate identifier, or an unparseable coordinate are
// excluded with a warning; a bad beacon never aborts the load. Load fails
// only when no usable beacon remains.
func Load(entries []Entry) (*Registry, error) {
	r := &Registry{beacons: make(map[string]Beacon, len(entries))}

	for _, e := range entries {
		if e.ID == "" {
			logf("skipping beacon with empty id (name=%q)", e.Name)
			continue
		}
		if _, dup := r.beacons[e.ID]; dup {
			logf("skipping duplicate beacon id %q", e.ID)
			continue
		}
		p, err := ParsePoint(e.Position)
		if err != nil {
			logf("skipping beacon %q: %v", e.ID, err)
			continue
		}
		r.beacons[e.ID] = Beacon{ID: e.ID, Name: e.Name, Position: p}
		r.order = append(r.order, e.ID)
	}

	if len(r.beacons) == 0 {
		return nil, ErrNoBeacons
	}
	if len(r.beacons) < 3 {
		logf("only %d beacon(s) configured; positions need at least 3", len(r.beacons))
	}
	return r, nil
}

// ParsePoint parses a coordinate string of the form "x,y" (floating point,
// comma separated, no enclosing brackets).
func ParsePoint(s string) (Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("coordinate %q: want \"x,y\"", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Point{}, fmt.Errorf("coordinate %q: bad x: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Point{}, fmt.Errorf("coordinate %q: bad y: %w", s, err)
	}
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return Point{}, fmt.Errorf("coordinate %q: non-finite component", s)
	}
	return Point{X: x, Y: y}, nil
}

// CoordinateOf returns the coordinate of the beacon with the given id.
func (r *Registry) CoordinateOf(id string) (Point, bool) {
	b, ok := r.beacons[id]
	return b.Position, ok
}

// Beacon returns the full record for the given id.
func (r *Registry) Beacon(id string) (Beacon, bool) {
	b, ok := r.beacons[id]
	return b, ok
}

// Has reports whether the given beacon id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.beacons[id]
	return ok
}

// Beacons returns all beacons in configuration order.
func (r *Registry) Beacons() []Beacon {
	out := make([]Beacon, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.beacons[id])
	}
	return out
}

// Len returns the number of registered beacons.
func (r *Registry) Len() int {
	return len(r.beacons)
}
