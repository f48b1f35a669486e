// Package testutil provides shared fixtures for the packages layered on
// top of the position engine: a canonical beacon layout, engine and
// store builders, and a helper that drives an entity to a solved
// position.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/engine"
	"github.com/banshee-data/presence.report/internal/registry"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// TestBeacons returns the canonical three-beacon layout used across
// tests: a right triangle at (0,0), (4,0), (0,3).
func TestBeacons() []registry.Entry {
	return []registry.Entry{
		{ID: "b1", Name: "corner", Position: "0,0"},
		{ID: "b2", Name: "east wall", Position: "4,0"},
		{ID: "b3", Name: "north wall", Position: "0,3"},
	}
}

// LoadRegistry builds a registry from TestBeacons.
func LoadRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Load(TestBeacons())
	require.NoError(t, err)
	return reg
}

// NewEngine builds an engine on the test registry with default tuning.
// A nil clock uses real time.
func NewEngine(t *testing.T, clock timeutil.Clock) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.Options{
		Registry: LoadRegistry(t),
		Clock:    clock,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

// OpenDB opens a migrated store on a file under t.TempDir().
func OpenDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "presence-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.MigrateUp())
	return d
}

// DriveToPosition ingests one -59 dBm sample per beacon for entityID and
// returns the estimate emitted on the final sample. With the default
// tuning each beacon reads exactly 1 m, which solves to (2, 1.5) on the
// TestBeacons layout.
func DriveToPosition(t *testing.T, eng *engine.Engine, entityID string, at time.Time) *engine.PositionEstimate {
	t.Helper()
	var (
		est *engine.PositionEstimate
		err error
	)
	for _, beacon := range []string{"b1", "b2", "b3"} {
		est, err = eng.Ingest(entityID, beacon, -59, at)
		require.NoError(t, err)
	}
	require.NotNil(t, est, "all beacons reported but no position was emitted")
	return est
}
