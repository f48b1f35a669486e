// Package engine is the position estimation pipeline: it turns per-beacon,
// per-entity RSSI notifications into filtered distances, solves the resulting
// trilateration problem once three beacons report, gates the solution on
// significant change, and maintains the concurrent per-entity state store
// with TTL eviction. All state is owned by the engine; callers only ever see
// snapshot copies.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/registry"
	"github.com/banshee-data/presence.report/internal/signal"
	"github.com/banshee-data/presence.report/internal/stream"
	"github.com/banshee-data/presence.report/internal/telemetry"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/trilat"
)

var (
	// ErrUnknownBeacon means a sample referenced a beacon id the registry
	// does not contain.
	ErrUnknownBeacon = errors.New("engine: beacon not registered")

	// ErrUnknownEntity means a query referenced an entity the store does not
	// currently track.
	ErrUnknownEntity = errors.New("engine: unknown entity")
)

var logf = monitoring.Prefixed("[engine]")

// beaconTrack is the per-(entity, beacon) filter state. It is only touched
// while the owning entity's lock is held.
type beaconTrack struct {
	filter       *signal.Filter
	lastRaw      int
	lastFiltered float64
	distance     float64
	hasDistance  bool
	samples      int
	lastSeen     time.Time
}

// entityState is the mutable per-entity record. Each entity has its own lock
// so updates to different entities never block each other.
type entityState struct {
	mu           sync.Mutex
	id           string
	tracks       map[string]*beaconTrack
	lastPosition *registry.Point
	lastAccuracy float64
	history      []TimedPosition
	lastUpdated  time.Time

	// evicted marks a state removed from the engine map while a concurrent
	// Ingest may still hold a stale pointer to it. Ingest re-fetches on
	// observing the flag, so no sample lands in a dropped record.
	evicted bool
}

// Options configures a new Engine.
type Options struct {
	// Registry is the immutable beacon map. Required.
	Registry *registry.Registry

	// Tuning provides the numeric pipeline parameters; nil uses defaults.
	Tuning *config.TuningConfig

	// LegacyPolicy decides what happens to bare-integer payloads with no
	// entity id: config.LegacyReject (default) or config.LegacyDefaultEntity.
	LegacyPolicy string

	// LegacyEntityID is the synthetic entity assigned to bare-integer
	// payloads under the default_entity policy.
	LegacyEntityID string

	// Clock is the time source; nil uses the real clock.
	Clock timeutil.Clock

	// Metrics receives pipeline counters; nil disables them.
	Metrics *telemetry.Metrics
}

// Engine is the stateful position estimation pipeline. All methods are safe
// for concurrent use.
type Engine struct {
	registry  *registry.Registry
	estimator signal.Estimator
	filterCfg signal.FilterConfig
	solver    trilat.Solver

	positionThreshold float64
	distanceThreshold float64
	distanceGate      bool
	historyLen        int
	ttl               time.Duration
	evictionInterval  time.Duration

	legacyPolicy string
	legacyEntity string

	clock   timeutil.Clock
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	entities map[string]*entityState

	events  *stream.Stream[PositionEstimate]
	samples *stream.Stream[Sample]
}

// New creates an Engine from the given options.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	tuning := opts.Tuning
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	policy := opts.LegacyPolicy
	if policy == "" {
		policy = config.LegacyReject
	}
	if policy != config.LegacyReject && policy != config.LegacyDefaultEntity {
		return nil, fmt.Errorf("engine: unknown legacy payload policy %q", policy)
	}
	if policy == config.LegacyDefaultEntity && opts.LegacyEntityID == "" {
		return nil, errors.New("engine: default_entity policy requires a default entity id")
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &Engine{
		registry:          opts.Registry,
		estimator:         tuning.Estimator(),
		filterCfg:         tuning.FilterConfig(),
		solver:            tuning.Solver(),
		positionThreshold: tuning.GetPositionThresholdM(),
		distanceThreshold: tuning.GetDistanceThresholdM(),
		distanceGate:      tuning.GetDistanceGate(),
		historyLen:        tuning.GetPositionHistory(),
		ttl:               tuning.GetEntityTTL(),
		evictionInterval:  tuning.GetEvictionInterval(),
		legacyPolicy:      policy,
		legacyEntity:      opts.LegacyEntityID,
		clock:             clock,
		metrics:           opts.Metrics,
		entities:          make(map[string]*entityState),
		events:            stream.NewBuffered[PositionEstimate](16),
		samples:           stream.NewBuffered[Sample](64),
	}, nil
}

// ProcessNotification parses a raw link payload received via the given beacon
// and feeds it through Ingest. Malformed payloads are dropped without
// touching any entity state.
func (e *Engine) ProcessNotification(beaconID, payload string) (*PositionEstimate, error) {
	entityID, rssi, err := parsePayload(payload)
	if err != nil {
		e.metrics.IncParseError()
		return nil, err
	}
	if entityID == "" {
		if e.legacyPolicy != config.LegacyDefaultEntity {
			e.metrics.IncParseError()
			return nil, fmt.Errorf("bare-integer payload %q rejected by policy: %w", payload, ErrMalformedPayload)
		}
		entityID = e.legacyEntity
	}
	return e.Ingest(entityID, beaconID, rssi, e.clock.Now())
}

// Ingest feeds one RSSI sample for (entityID, beaconID) into the pipeline.
// It returns a PositionEstimate only when a new position was solved and
// passed the significance gate; a nil estimate with a nil error means the
// sample was absorbed (still collecting beacons, solve not possible, or
// change not significant). Invalid input is rejected before any state is
// touched.
func (e *Engine) Ingest(entityID, beaconID string, rssi int, now time.Time) (*PositionEstimate, error) {
	if entityID == "" {
		e.metrics.IncParseError()
		return nil, fmt.Errorf("empty entity id: %w", ErrMalformedPayload)
	}
	if !e.registry.Has(beaconID) {
		e.metrics.IncUnknownBeacon()
		return nil, fmt.Errorf("beacon %q: %w", beaconID, ErrUnknownBeacon)
	}
	if rssi >= 0 {
		e.metrics.IncInvalidReading()
		return nil, fmt.Errorf("rssi %d: %w", rssi, signal.ErrInvalidReading)
	}

	st := e.entityFor(entityID)
	st.mu.Lock()
	for st.evicted {
		st.mu.Unlock()
		st = e.entityFor(entityID)
		st.mu.Lock()
	}

	est, solveErr := e.ingestLocked(st, beaconID, rssi, now)
	sample := Sample{
		EntityID:     entityID,
		BeaconID:     beaconID,
		RSSI:         rssi,
		FilteredRSSI: st.tracks[beaconID].lastFiltered,
		Distance:     st.tracks[beaconID].distance,
		At:           now,
	}
	st.mu.Unlock()

	// Side effects stay outside the entity's critical section so a slow
	// consumer never stalls other beacons reporting the same entity.
	e.metrics.IncSampleAccepted(beaconID)
	e.samples.Publish(sample)
	if solveErr != nil {
		e.metrics.IncSolverFailure(solveFailureReason(solveErr))
		logf("solve for entity %s failed: %v", entityID, solveErr)
		return nil, nil
	}
	if est != nil {
		e.metrics.IncPositionEmitted()
		e.events.Publish(*est)
	}
	return est, nil
}

// ingestLocked runs the filter-update / solve / gate sequence for one sample.
// The caller holds st.mu. A non-nil error is a solver failure to be counted
// and logged by the caller, never surfaced to the sample producer.
func (e *Engine) ingestLocked(st *entityState, beaconID string, rssi int, now time.Time) (*PositionEstimate, error) {
	tr, ok := st.tracks[beaconID]
	if !ok {
		tr = &beaconTrack{filter: signal.NewFilter(e.filterCfg)}
		st.tracks[beaconID] = tr
	}

	prevDistance, hadDistance := tr.distance, tr.hasDistance

	filtered := tr.filter.Update(float64(rssi))
	distance, err := e.estimator.DistanceFiltered(filtered)
	if err != nil {
		// The raw sample was negative, so the filtered value converting to
		// no distance means the filter is still dominated by earlier junk.
		// Keep the raw bookkeeping but leave the last good distance alone.
		tr.lastRaw = rssi
		tr.lastFiltered = filtered
		tr.samples++
		tr.lastSeen = now
		st.lastUpdated = now
		return nil, nil
	}

	tr.lastRaw = rssi
	tr.lastFiltered = filtered
	tr.distance = distance
	tr.hasDistance = true
	tr.samples++
	tr.lastSeen = now
	st.lastUpdated = now

	readings := e.readingsLocked(st)
	if len(readings) < trilat.MinBeacons {
		return nil, nil
	}

	// Optional coarse gate: skip the solve entirely when the triggering
	// beacon's distance barely moved.
	if e.distanceGate && hadDistance && math.Abs(distance-prevDistance) < e.distanceThreshold {
		return nil, nil
	}

	pos, err := e.solver.Solve(readings)
	if err != nil {
		return nil, err
	}

	point := registry.Point{X: pos.X, Y: pos.Y}
	if st.lastPosition != nil && point.DistanceTo(*st.lastPosition) <= e.positionThreshold {
		return nil, nil
	}

	st.lastPosition = &point
	st.lastAccuracy = pos.Accuracy
	st.history = append(st.history, TimedPosition{X: pos.X, Y: pos.Y, Accuracy: pos.Accuracy, At: now})
	if len(st.history) > e.historyLen {
		st.history = st.history[len(st.history)-e.historyLen:]
	}

	est := e.estimateLocked(st, pos, now, false)
	return &est, nil
}

// readingsLocked collects the current (coordinate, distance) pairs for every
// beacon of st with a valid distance. The caller holds st.mu.
func (e *Engine) readingsLocked(st *entityState) []trilat.Reading {
	readings := make([]trilat.Reading, 0, len(st.tracks))
	for id, tr := range st.tracks {
		if !tr.hasDistance {
			continue
		}
		p, ok := e.registry.CoordinateOf(id)
		if !ok {
			continue
		}
		readings = append(readings, trilat.Reading{BeaconID: id, X: p.X, Y: p.Y, Distance: tr.distance})
	}
	return readings
}

func (e *Engine) estimateLocked(st *entityState, pos trilat.Position, now time.Time, forced bool) PositionEstimate {
	obs := make([]BeaconObservation, 0, len(pos.Used))
	for _, r := range pos.Used {
		raw := 0
		if tr, ok := st.tracks[r.BeaconID]; ok {
			raw = tr.lastRaw
		}
		obs = append(obs, BeaconObservation{BeaconID: r.BeaconID, RSSI: raw, Distance: r.Distance})
	}
	return PositionEstimate{
		ID:       uuid.New(),
		EntityID: st.id,
		X:        pos.X,
		Y:        pos.Y,
		Accuracy: pos.Accuracy,
		Beacons:  obs,
		Forced:   forced,
		At:       now,
	}
}

// ForcePosition solves the entity's position from its current distances,
// bypassing the significance gate. Unlike Ingest it surfaces solver errors,
// and it never updates the stored last-reported position, so forced polling
// does not perturb future gating.
func (e *Engine) ForcePosition(entityID string) (*PositionEstimate, error) {
	st, ok := e.lookup(entityID)
	if !ok {
		return nil, fmt.Errorf("entity %q: %w", entityID, ErrUnknownEntity)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted {
		return nil, fmt.Errorf("entity %q: %w", entityID, ErrUnknownEntity)
	}

	pos, err := e.solver.Solve(e.readingsLocked(st))
	if err != nil {
		e.metrics.IncSolverFailure(solveFailureReason(err))
		return nil, err
	}
	est := e.estimateLocked(st, pos, e.clock.Now(), true)
	return &est, nil
}

// Status returns the diagnostic summary for one entity.
func (e *Engine) Status(entityID string) (EntityStatus, error) {
	st, ok := e.lookup(entityID)
	if !ok {
		return EntityStatus{}, fmt.Errorf("entity %q: %w", entityID, ErrUnknownEntity)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return e.statusLocked(st), nil
}

// StatusAll returns the diagnostic summary for every tracked entity, sorted
// by entity id.
func (e *Engine) StatusAll() []EntityStatus {
	e.mu.RLock()
	states := make([]*entityState, 0, len(e.entities))
	for _, st := range e.entities {
		states = append(states, st)
	}
	e.mu.RUnlock()

	out := make([]EntityStatus, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if !st.evicted {
			out = append(out, e.statusLocked(st))
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (e *Engine) statusLocked(st *entityState) EntityStatus {
	valid := 0
	for _, tr := range st.tracks {
		if tr.hasDistance {
			valid++
		}
	}
	status := EntityStatus{
		EntityID:         st.id,
		TotalBeaconsSeen: len(st.tracks),
		CanCalculate:     valid >= trilat.MinBeacons,
		LastAccuracy:     st.lastAccuracy,
		LastUpdated:      st.lastUpdated,
	}
	if st.lastPosition != nil {
		p := *st.lastPosition
		status.LastPosition = &p
	}
	return status
}

// Debug returns the full filter-level diagnostic snapshot for one entity,
// beacons sorted by id.
func (e *Engine) Debug(entityID string) (EntityDebug, error) {
	st, ok := e.lookup(entityID)
	if !ok {
		return EntityDebug{}, fmt.Errorf("entity %q: %w", entityID, ErrUnknownEntity)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	dbg := EntityDebug{
		EntityID:     st.id,
		Beacons:      make([]BeaconDiagnostic, 0, len(st.tracks)),
		LastAccuracy: st.lastAccuracy,
		LastUpdated:  st.lastUpdated,
	}
	if st.lastPosition != nil {
		p := *st.lastPosition
		dbg.LastPosition = &p
	}
	for id, tr := range st.tracks {
		dbg.Beacons = append(dbg.Beacons, BeaconDiagnostic{
			BeaconID:     id,
			RawRSSI:      tr.lastRaw,
			FilteredRSSI: tr.lastFiltered,
			Distance:     tr.distance,
			WindowMean:   tr.filter.WindowMean(),
			WindowStdDev: tr.filter.WindowStdDev(),
			SampleCount:  tr.samples,
			LastSeen:     tr.lastSeen,
		})
	}
	sort.Slice(dbg.Beacons, func(i, j int) bool { return dbg.Beacons[i].BeaconID < dbg.Beacons[j].BeaconID })
	return dbg, nil
}

// Trail returns a copy of the entity's bounded position history, oldest
// first.
func (e *Engine) Trail(entityID string) ([]TimedPosition, error) {
	st, ok := e.lookup(entityID)
	if !ok {
		return nil, fmt.Errorf("entity %q: %w", entityID, ErrUnknownEntity)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]TimedPosition(nil), st.history...), nil
}

// Len returns the number of currently tracked entities.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entities)
}

// SubscribeEvents registers a consumer for gated position events.
func (e *Engine) SubscribeEvents() (string, chan PositionEstimate) {
	return e.events.Subscribe()
}

// UnsubscribeEvents removes a position event consumer.
func (e *Engine) UnsubscribeEvents(id string) {
	e.events.Unsubscribe(id)
}

// SubscribeSamples registers a consumer for every accepted sample.
func (e *Engine) SubscribeSamples() (string, chan Sample) {
	return e.samples.Subscribe()
}

// UnsubscribeSamples removes a sample consumer.
func (e *Engine) UnsubscribeSamples(id string) {
	e.samples.Unsubscribe(id)
}

// Run drives the eviction janitor until ctx is cancelled. Entities with no
// accepted sample for the configured TTL are dropped to bound memory.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.evictionInterval)
	defer ticker.Stop()

	logf("state store janitor running (ttl %s, sweep every %s)", e.ttl, e.evictionInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if n := e.evictStale(); n > 0 {
				logf("evicted %d stale entities (ttl %s)", n, e.ttl)
			}
		}
	}
}

// Close tears down the event streams. Pending subscribers see their channels
// closed.
func (e *Engine) Close() {
	e.events.Close()
	e.samples.Close()
}

// evictStale drops every entity whose last accepted sample is older than the
// TTL and returns how many were dropped.
func (e *Engine) evictStale() int {
	now := e.clock.Now()

	e.mu.Lock()
	evicted := 0
	for id, st := range e.entities {
		st.mu.Lock()
		if now.Sub(st.lastUpdated) > e.ttl {
			st.evicted = true
			delete(e.entities, id)
			evicted++
		}
		st.mu.Unlock()
	}
	e.metrics.SetActiveEntities(len(e.entities))
	e.mu.Unlock()

	if evicted > 0 {
		e.metrics.AddEvictions(evicted)
	}
	return evicted
}

// lookup finds an existing entity state without creating one.
func (e *Engine) lookup(entityID string) (*entityState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.entities[entityID]
	return st, ok
}

// entityFor returns the state for entityID, creating it on first sighting.
func (e *Engine) entityFor(entityID string) *entityState {
	e.mu.RLock()
	st, ok := e.entities[entityID]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.entities[entityID]; ok {
		return st
	}
	st = &entityState{
		id:          entityID,
		tracks:      make(map[string]*beaconTrack),
		lastUpdated: e.clock.Now(),
	}
	e.entities[entityID] = st
	e.metrics.SetActiveEntities(len(e.entities))
	return st
}

func solveFailureReason(err error) string {
	switch {
	case errors.Is(err, trilat.ErrInsufficientBeacons):
		return "insufficient"
	case errors.Is(err, trilat.ErrGeometryDegenerate):
		return "degenerate"
	default:
		return "other"
	}
}
