package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/presence.report/internal/registry"
)

// Sample is one accepted RSSI reading after filtering and distance
// conversion. Samples are published on the sample stream for live signal
// consumers regardless of whether they produced a position.
type Sample struct {
	EntityID     string    `json:"entity_id"`
	BeaconID     string    `json:"beacon_id"`
	RSSI         int       `json:"rssi"`
	FilteredRSSI float64   `json:"filtered_rssi"`
	Distance     float64   `json:"distance_m"`
	At           time.Time `json:"at"`
}

// BeaconObservation records one beacon's contribution to a solved position.
type BeaconObservation struct {
	BeaconID string  `json:"beacon_id"`
	RSSI     int     `json:"rssi"`
	Distance float64 `json:"distance_m"`
}

// PositionEstimate is an emitted entity position. Forced marks estimates
// produced by an on-demand query rather than the significance gate.
type PositionEstimate struct {
	ID       uuid.UUID           `json:"id"`
	EntityID string              `json:"entity_id"`
	X        float64             `json:"x"`
	Y        float64             `json:"y"`
	Accuracy float64             `json:"accuracy"`
	Beacons  []BeaconObservation `json:"beacons"`
	Forced   bool                `json:"forced,omitempty"`
	At       time.Time           `json:"at"`
}

// Point returns the estimate's coordinate.
func (p PositionEstimate) Point() registry.Point {
	return registry.Point{X: p.X, Y: p.Y}
}

// EntityStatus is the diagnostic summary for one tracked entity. It lets a
// consumer distinguish "still collecting beacons" from "computation failing".
type EntityStatus struct {
	EntityID         string          `json:"entity_id"`
	TotalBeaconsSeen int             `json:"total_beacons_seen"`
	CanCalculate     bool            `json:"can_calculate"`
	LastPosition     *registry.Point `json:"last_position,omitempty"`
	LastAccuracy     float64         `json:"last_accuracy,omitempty"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// BeaconDiagnostic exposes the internal filter state for one (entity, beacon)
// pair for debugging.
type BeaconDiagnostic struct {
	BeaconID     string    `json:"beacon_id"`
	RawRSSI      int       `json:"raw_rssi"`
	FilteredRSSI float64   `json:"filtered_rssi"`
	Distance     float64   `json:"distance_m"`
	WindowMean   float64   `json:"window_mean"`
	WindowStdDev float64   `json:"window_std_dev"`
	SampleCount  int       `json:"sample_count"`
	LastSeen     time.Time `json:"last_seen"`
}

// EntityDebug is the full diagnostic snapshot for one entity.
type EntityDebug struct {
	EntityID     string             `json:"entity_id"`
	Beacons      []BeaconDiagnostic `json:"beacons"`
	LastPosition *registry.Point    `json:"last_position,omitempty"`
	LastAccuracy float64            `json:"last_accuracy,omitempty"`
	LastUpdated  time.Time          `json:"last_updated"`
}

// TimedPosition is one entry of an entity's bounded position history.
type TimedPosition struct {
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Accuracy float64   `json:"accuracy"`
	At       time.Time `json:"at"`
}
