package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/banshee-data/presence.report/internal/engine"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// DefaultLiveSignalTTL bounds how long a sample counts as live.
const DefaultLiveSignalTTL = 30 * time.Second

// SignalCache keeps the most recent accepted sample per (entity, beacon)
// with a TTL, so /api/rssi and fingerprint capture only ever see signals
// that are actually fresh. Expired entries vanish from snapshots without
// any sweep of our own.
type SignalCache struct {
	ttl   time.Duration
	clock timeutil.Clock
	cache *cache.Cache
}

// NewSignalCache creates a cache expiring entries after ttl;
// non-positive ttl uses DefaultLiveSignalTTL.
func NewSignalCache(ttl time.Duration, clock timeutil.Clock) *SignalCache {
	if ttl <= 0 {
		ttl = DefaultLiveSignalTTL
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SignalCache{
		ttl:   ttl,
		clock: clock,
		cache: cache.New(ttl, 2*ttl),
	}
}

// Observe records one accepted sample, replacing the previous one for the
// same (entity, beacon) pair.
func (c *SignalCache) Observe(s engine.Sample) {
	c.cache.Set(s.EntityID+"|"+s.BeaconID, s, cache.DefaultExpiration)
}

// Run feeds the cache from the engine's sample stream until ctx ends or
// the stream closes.
func (c *SignalCache) Run(ctx context.Context, eng *engine.Engine) {
	id, samples := eng.SubscribeSamples()
	defer eng.UnsubscribeSamples(id)

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			c.Observe(s)
		}
	}
}

// SignalReading is one live (entity, beacon) sample with its age.
type SignalReading struct {
	BeaconID     string    `json:"beacon_id"`
	RSSI         int       `json:"rssi"`
	FilteredRSSI float64   `json:"filtered_rssi"`
	Distance     float64   `json:"distance_m"`
	AgeSeconds   float64   `json:"age_seconds"`
	At           time.Time `json:"at"`
}

// EntitySignals groups one entity's live readings.
type EntitySignals struct {
	EntityID string          `json:"entity_id"`
	Readings []SignalReading `json:"readings"`
}

// Snapshot returns the unexpired readings grouped by entity, entities and
// beacons sorted for stable output.
func (c *SignalCache) Snapshot() []EntitySignals {
	now := c.clock.Now()

	byEntity := make(map[string][]SignalReading)
	for _, item := range c.cache.Items() {
		s, ok := item.Object.(engine.Sample)
		if !ok {
			continue
		}
		byEntity[s.EntityID] = append(byEntity[s.EntityID], SignalReading{
			BeaconID:     s.BeaconID,
			RSSI:         s.RSSI,
			FilteredRSSI: s.FilteredRSSI,
			Distance:     s.Distance,
			AgeSeconds:   now.Sub(s.At).Seconds(),
			At:           s.At,
		})
	}

	out := make([]EntitySignals, 0, len(byEntity))
	for id, readings := range byEntity {
		sort.Slice(readings, func(i, j int) bool { return readings[i].BeaconID < readings[j].BeaconID })
		out = append(out, EntitySignals{EntityID: id, Readings: readings})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// EntityReadings returns entityID's current filtered RSSI per beacon,
// excluding readings older than maxAge (<= 0 keeps everything unexpired).
// This is the fingerprint capture source.
func (c *SignalCache) EntityReadings(entityID string, maxAge time.Duration) map[string]float64 {
	now := c.clock.Now()

	readings := make(map[string]float64)
	for _, item := range c.cache.Items() {
		s, ok := item.Object.(engine.Sample)
		if !ok || s.EntityID != entityID {
			continue
		}
		if maxAge > 0 && now.Sub(s.At) > maxAge {
			continue
		}
		readings[s.BeaconID] = s.FilteredRSSI
	}
	return readings
}

// showLiveSignals serves the live per-(entity, beacon) RSSI snapshot.
// Distances stay in meters here; this is a diagnostics surface.
func (s *Server) showLiveSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.signals.Snapshot())
}
