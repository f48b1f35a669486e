package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/engine"
)

// testBase is a fixed instant with no sub-millisecond component, so
// UnixMilli storage round-trips exactly.
var testBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func timeStep(i int) time.Duration { return time.Duration(i) * time.Second }

// newTestDB opens a migrated scratch database that is removed with the
// test's temp dir.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := Open(filepath.Join(t.TempDir(), "presence-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, database.MigrateUp())
	return database
}

// testEstimate builds a plausible emitted estimate for persistence
// tests.
func testEstimate(entityID string, x, y float64, at time.Time) engine.PositionEstimate {
	return engine.PositionEstimate{
		ID:       uuid.New(),
		EntityID: entityID,
		X:        x,
		Y:        y,
		Accuracy: 87.5,
		Beacons: []engine.BeaconObservation{
			{BeaconID: "b1", RSSI: -62, Distance: 1.41},
			{BeaconID: "b2", RSSI: -65, Distance: 2.0},
			{BeaconID: "b3", RSSI: -60, Distance: 1.12},
		},
		At: at,
	}
}
