package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/presence.report/internal/beaconmux"
	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/registry"
)

const mockTickInterval = 250 * time.Millisecond

// mockEntity walks a circle around the site centre so every beacon sees a
// slowly changing RSSI.
type mockEntity struct {
	id           string
	radius       float64 // metres
	angularSpeed float64 // radians per second
	phase        float64 // radians
}

// position returns the entity's coordinate after elapsed seconds.
func (m mockEntity) position(center registry.Point, elapsed float64) registry.Point {
	angle := m.phase + elapsed*m.angularSpeed
	return registry.Point{
		X: center.X + m.radius*math.Cos(angle),
		Y: center.Y + m.radius*math.Sin(angle),
	}
}

// mockRSSI inverts the log-distance path-loss model: the RSSI a beacon would
// report for an entity at distance d metres, before noise.
func mockRSSI(txPowerDbm, envFactor, d float64) float64 {
	if d < 0.1 {
		d = 0.1
	}
	return txPowerDbm - 10*envFactor*math.Log10(d)
}

// siteBounds returns the centre and half-span of the beacon bounding box.
func siteBounds(beacons []registry.Beacon) (center registry.Point, halfSpan float64) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, b := range beacons {
		minX = math.Min(minX, b.Position.X)
		minY = math.Min(minY, b.Position.Y)
		maxX = math.Max(maxX, b.Position.X)
		maxY = math.Max(maxY, b.Position.Y)
	}
	center = registry.Point{X: (minX + maxX) / 2, Y: (minY + maxY) / 2}
	halfSpan = math.Max(maxX-minX, maxY-minY) / 2
	if halfSpan == 0 {
		halfSpan = 1
	}
	return center, halfSpan
}

// runMockFeed synthesizes beacon notifications for entities walking circular
// paths through the site, so the whole pipeline can run without hardware.
func runMockFeed(ctx context.Context, reg *registry.Registry, tuning *config.TuningConfig, links []*beaconmux.MockLink) {
	beacons := reg.Beacons()
	center, halfSpan := siteBounds(beacons)
	txPower := tuning.GetTxPowerDbm()
	envFactor := tuning.GetEnvFactor()

	entities := []mockEntity{
		{id: "walker-1", radius: halfSpan * 0.4, angularSpeed: 0.3, phase: 0},
		{id: "walker-2", radius: halfSpan * 0.7, angularSpeed: 0.2, phase: math.Pi},
	}

	byBeacon := make(map[string]*beaconmux.MockLink, len(links))
	for _, l := range links {
		byBeacon[l.BeaconID()] = l
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now()
	ticker := time.NewTicker(mockTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start).Seconds()
			for _, ent := range entities {
				pos := ent.position(center, elapsed)
				for _, b := range beacons {
					link, ok := byBeacon[b.ID]
					if !ok {
						continue
					}
					d := pos.DistanceTo(b.Position)
					rssi := mockRSSI(txPower, envFactor, d) + rng.Float64()*4 - 2
					link.Send(fmt.Sprintf("%s:%d", ent.id, int(math.Round(rssi))))
				}
			}
		}
	}
}
