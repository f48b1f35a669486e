package registry

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePoint(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Point
		wantErr bool
	}{
		{"simple", "1,2", Point{1, 2}, false},
		{"floats", "0.5,3.25", Point{0.5, 3.25}, false},
		{"negative", "-4.5,-0.1", Point{-4.5, -0.1}, false},
		{"spaces", " 1.0 , 2.0 ", Point{1, 2}, false},
		{"missing component", "1", Point{}, true},
		{"too many components", "1,2,3", Point{}, true},
		{"non numeric x", "a,2", Point{}, true},
		{"non numeric y", "1,b", Point{}, true},
		{"empty", "", Point{}, true},
		{"brackets rejected", "(1,2)", Point{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadSkipsBadEntries(t *testing.T) {
	entries := []Entry{
		{ID: "b1", Name: "door", Position: "0,0"},
		{ID: "b2", Position: "4,0"},
		{ID: "bad", Position: "not-a-coordinate"},
		{ID: "", Position: "1,1"},
		{ID: "b2", Position: "9,9"}, // duplicate id, first wins
		{ID: "b3", Position: "0,3"},
	}

	r, err := Load(entries)
	require.NoError(t, err)

	assert.Equal(t, 3, r.Len())
	assert.True(t, r.Has("b1"))
	assert.False(t, r.Has("bad"))

	p, ok := r.CoordinateOf("b2")
	require.True(t, ok)
	assert.Equal(t, Point{4, 0}, p)

	_, ok = r.CoordinateOf("missing")
	assert.False(t, ok)
}

func TestLoadAllInvalid(t *testing.T) {
	_, err := Load([]Entry{
		{ID: "x", Position: "garbage"},
		{ID: "", Position: "1,1"},
	})
	assert.ErrorIs(t, err, ErrNoBeacons)

	_, err = Load(nil)
	assert.ErrorIs(t, err, ErrNoBeacons)
}

func TestBeaconsPreservesConfigOrder(t *testing.T) {
	r, err := Load([]Entry{
		{ID: "c", Position: "2,0"},
		{ID: "a", Position: "0,0"},
		{ID: "b", Position: "1,0"},
	})
	require.NoError(t, err)

	want := []Beacon{
		{ID: "c", Position: Point{2, 0}},
		{ID: "a", Position: Point{0, 0}},
		{ID: "b", Position: Point{1, 0}},
	}
	if diff := cmp.Diff(want, r.Beacons()); diff != "" {
		t.Errorf("Beacons() mismatch (-want +got):\n%s", diff)
	}
}

func TestPointDistanceTo(t *testing.T) {
	p := Point{0, 0}
	assert.InDelta(t, 5.0, p.DistanceTo(Point{3, 4}), 1e-12)
	assert.InDelta(t, 0.0, p.DistanceTo(Point{0, 0}), 1e-12)
	assert.False(t, math.IsNaN(p.DistanceTo(Point{-3, -4})))
}
