package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/registry"
	"github.com/banshee-data/presence.report/internal/signal"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/trilat"
)

// ---
// Helpers

var testT0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// testBeacons returns the standard three-beacon test site: a right triangle
// with legs of 4 m and 3 m.
func testBeacons(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Load([]registry.Entry{
		{ID: "b1", Name: "northwest", Position: "0,0"},
		{ID: "b2", Name: "northeast", Position: "4,0"},
		{ID: "b3", Name: "southwest", Position: "0,3"},
	})
	require.NoError(t, err)
	return reg
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = testBeacons(t)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

// seedEntity feeds one sample per beacon so the entity has three valid
// distances. The third sample produces the entity's first position.
func seedEntity(t *testing.T, e *Engine, entity string, at time.Time) *PositionEstimate {
	t.Helper()
	est, err := e.Ingest(entity, "b1", -62, at)
	require.NoError(t, err)
	require.Nil(t, est)
	est, err = e.Ingest(entity, "b2", -65, at)
	require.NoError(t, err)
	require.Nil(t, est)
	est, err = e.Ingest(entity, "b3", -60, at)
	require.NoError(t, err)
	require.NotNil(t, est, "third beacon must produce the first position")
	return est
}

// ---
// Construction

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err, "registry is required")

	reg := testBeacons(t)

	_, err = New(Options{Registry: reg, LegacyPolicy: "whatever"})
	assert.Error(t, err)

	_, err = New(Options{Registry: reg, LegacyPolicy: config.LegacyDefaultEntity})
	assert.Error(t, err, "default_entity policy needs an entity id")

	e, err := New(Options{Registry: reg})
	require.NoError(t, err)
	assert.NotNil(t, e)
}

// ---
// Ingest pipeline

func TestIngestCollectsUntilThreeBeacons(t *testing.T) {
	e := newTestEngine(t, Options{})

	est, err := e.Ingest("user1", "b1", -62, testT0)
	require.NoError(t, err)
	assert.Nil(t, est)

	status, err := e.Status("user1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalBeaconsSeen)
	assert.False(t, status.CanCalculate)
	assert.Nil(t, status.LastPosition)

	est, err = e.Ingest("user1", "b2", -65, testT0)
	require.NoError(t, err)
	assert.Nil(t, est)

	est, err = e.Ingest("user1", "b3", -60, testT0)
	require.NoError(t, err)
	require.NotNil(t, est)

	// With tx power -59 and env factor 2 the three RSSI values convert to
	// 10^0.15, 10^0.3 and 10^0.05 meters; solving that system lands here.
	assert.InDelta(t, 1.751774, est.X, 1e-4)
	assert.InDelta(t, 1.622723, est.Y, 1e-4)
	assert.GreaterOrEqual(t, est.Accuracy, 0.0)
	assert.LessOrEqual(t, est.Accuracy, 100.0)
	assert.False(t, est.Forced)
	assert.Equal(t, "user1", est.EntityID)
	assert.Len(t, est.Beacons, 3)
	assert.Equal(t, testT0, est.At)

	status, err = e.Status("user1")
	require.NoError(t, err)
	assert.Equal(t, 3, status.TotalBeaconsSeen)
	assert.True(t, status.CanCalculate)
	require.NotNil(t, status.LastPosition)
	assert.InDelta(t, est.X, status.LastPosition.X, 1e-12)
	assert.InDelta(t, est.Y, status.LastPosition.Y, 1e-12)
}

func TestIngestRejectsInvalidReading(t *testing.T) {
	e := newTestEngine(t, Options{})

	// Rejected before any state exists: no entity must appear.
	_, err := e.Ingest("user1", "b1", 0, testT0)
	assert.ErrorIs(t, err, signal.ErrInvalidReading)
	_, err = e.Ingest("user1", "b1", 5, testT0)
	assert.ErrorIs(t, err, signal.ErrInvalidReading)
	assert.Zero(t, e.Len())

	// Rejected after state exists: the recorded track must not move.
	seedEntity(t, e, "user1", testT0)
	before, err := e.Debug("user1")
	require.NoError(t, err)

	_, err = e.Ingest("user1", "b1", 0, testT0.Add(time.Second))
	assert.ErrorIs(t, err, signal.ErrInvalidReading)

	after, err := e.Debug("user1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "invalid reading must not alter entity state")
}

func TestIngestRejectsUnknownBeacon(t *testing.T) {
	e := newTestEngine(t, Options{})

	_, err := e.Ingest("user1", "b9", -60, testT0)
	assert.ErrorIs(t, err, ErrUnknownBeacon)
	assert.Zero(t, e.Len())
}

func TestIngestRejectsEmptyEntity(t *testing.T) {
	e := newTestEngine(t, Options{})

	_, err := e.Ingest("", "b1", -60, testT0)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Zero(t, e.Len())
}

func TestDegenerateGeometryNeverEmits(t *testing.T) {
	collinear, err := registry.Load([]registry.Entry{
		{ID: "c1", Position: "0,0"},
		{ID: "c2", Position: "1,0"},
		{ID: "c3", Position: "2,0"},
	})
	require.NoError(t, err)
	e := newTestEngine(t, Options{Registry: collinear})

	for _, beacon := range []string{"c1", "c2", "c3"} {
		est, err := e.Ingest("user1", beacon, -62, testT0)
		require.NoError(t, err, "degenerate geometry is not an ingest error")
		assert.Nil(t, est, "collinear beacons can never produce a position")
	}

	// The entity keeps collecting; the status query is how a consumer can
	// tell the solve is failing rather than samples being lost.
	status, err := e.Status("user1")
	require.NoError(t, err)
	assert.True(t, status.CanCalculate)
	assert.Nil(t, status.LastPosition)
}

// ---
// Change gating

func TestChangeGating(t *testing.T) {
	e := newTestEngine(t, Options{})

	// First resolved position always emits.
	est1 := seedEntity(t, e, "user1", testT0)

	// The same samples again leave every filter estimate untouched, so the
	// solved position is identical and must be suppressed.
	for _, s := range []struct {
		beacon string
		rssi   int
	}{{"b1", -62}, {"b2", -65}, {"b3", -60}} {
		est, err := e.Ingest("user1", s.beacon, s.rssi, testT0.Add(time.Second))
		require.NoError(t, err)
		assert.Nil(t, est, "unchanged position must be suppressed")
	}

	// A clearly stronger reading on one beacon moves the solution well past
	// the 0.1 m threshold and must emit again.
	est3, err := e.Ingest("user1", "b1", -55, testT0.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, est3, "significant move must emit")
	assert.Greater(t, est1.Point().DistanceTo(est3.Point()), 0.1)
}

// ---
// Notification parsing and legacy policy

func TestProcessNotificationCanonical(t *testing.T) {
	e := newTestEngine(t, Options{Clock: timeutil.NewMockClock(testT0)})

	est, err := e.ProcessNotification("b1", "user1:-62")
	require.NoError(t, err)
	assert.Nil(t, est)

	dbg, err := e.Debug("user1")
	require.NoError(t, err)
	require.Len(t, dbg.Beacons, 1)
	assert.Equal(t, "b1", dbg.Beacons[0].BeaconID)
	assert.Equal(t, -62, dbg.Beacons[0].RawRSSI)
	assert.Equal(t, testT0, dbg.Beacons[0].LastSeen)
}

func TestProcessNotificationGarbageLeavesStateUntouched(t *testing.T) {
	e := newTestEngine(t, Options{})
	seedEntity(t, e, "user1", testT0)
	before, err := e.Debug("user1")
	require.NoError(t, err)

	est, err := e.ProcessNotification("b1", "garbage")
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Nil(t, est)

	after, err := e.Debug("user1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, e.Len(), "no phantom entity may appear")
}

func TestProcessNotificationUnknownBeacon(t *testing.T) {
	e := newTestEngine(t, Options{})

	_, err := e.ProcessNotification("b9", "user1:-62")
	assert.ErrorIs(t, err, ErrUnknownBeacon)
}

func TestLegacyPayloadRejectedByDefault(t *testing.T) {
	e := newTestEngine(t, Options{})

	est, err := e.ProcessNotification("b1", "-65")
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Nil(t, est)
	assert.Zero(t, e.Len())
}

func TestLegacyPayloadDefaultEntity(t *testing.T) {
	e := newTestEngine(t, Options{
		LegacyPolicy:   config.LegacyDefaultEntity,
		LegacyEntityID: "lobby-badge",
		Clock:          timeutil.NewMockClock(testT0),
	})

	est, err := e.ProcessNotification("b1", "-65")
	require.NoError(t, err)
	assert.Nil(t, est)

	status, err := e.Status("lobby-badge")
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalBeaconsSeen)
}

// ---
// Force path

func TestForcePositionBypassesGate(t *testing.T) {
	e := newTestEngine(t, Options{Clock: timeutil.NewMockClock(testT0)})
	est1 := seedEntity(t, e, "user1", testT0)

	eventsID, events := e.SubscribeEvents()
	defer e.UnsubscribeEvents(eventsID)

	forced, err := e.ForcePosition("user1")
	require.NoError(t, err)
	require.NotNil(t, forced)
	assert.True(t, forced.Forced)
	assert.InDelta(t, est1.X, forced.X, 1e-12)
	assert.InDelta(t, est1.Y, forced.Y, 1e-12)
	assert.Len(t, events, 0, "forced estimates are answers, not events")

	// Forcing must not move the gating reference: identical samples stay
	// suppressed afterwards.
	est, err := e.Ingest("user1", "b1", -62, testT0.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, est)
}

func TestForcePositionErrors(t *testing.T) {
	e := newTestEngine(t, Options{})

	_, err := e.ForcePosition("ghost")
	assert.ErrorIs(t, err, ErrUnknownEntity)

	// Two beacons are not enough, and force surfaces that.
	_, err = e.Ingest("user1", "b1", -62, testT0)
	require.NoError(t, err)
	_, err = e.Ingest("user1", "b2", -65, testT0)
	require.NoError(t, err)
	_, err = e.ForcePosition("user1")
	assert.ErrorIs(t, err, trilat.ErrInsufficientBeacons)
}

// ---
// Snapshots

func TestStatusAllSorted(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.Ingest("zed", "b1", -60, testT0)
	require.NoError(t, err)
	_, err = e.Ingest("alpha", "b1", -60, testT0)
	require.NoError(t, err)

	all := e.StatusAll()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].EntityID)
	assert.Equal(t, "zed", all[1].EntityID)
}

func TestDebugSnapshot(t *testing.T) {
	e := newTestEngine(t, Options{})
	seedEntity(t, e, "user1", testT0)

	_, err := e.Debug("ghost")
	assert.ErrorIs(t, err, ErrUnknownEntity)

	dbg, err := e.Debug("user1")
	require.NoError(t, err)
	assert.Equal(t, "user1", dbg.EntityID)
	require.Len(t, dbg.Beacons, 3)
	assert.Equal(t, "b1", dbg.Beacons[0].BeaconID)
	assert.Equal(t, "b2", dbg.Beacons[1].BeaconID)
	assert.Equal(t, "b3", dbg.Beacons[2].BeaconID)
	for _, b := range dbg.Beacons {
		assert.Equal(t, 1, b.SampleCount)
		assert.Greater(t, b.Distance, 0.0)
		assert.InDelta(t, float64(b.RawRSSI), b.WindowMean, 1e-12, "single sample mean is the sample")
		assert.Zero(t, b.WindowStdDev)
	}
	assert.NotNil(t, dbg.LastPosition)
}

func TestTrailBounded(t *testing.T) {
	history := 2
	tuning := config.EmptyTuningConfig()
	tuning.PositionHistory = &history

	e := newTestEngine(t, Options{Tuning: tuning})

	seedEntity(t, e, "user1", testT0)

	// Settle b1's filter, then yank it twice to force two more emissions.
	_, err := e.Ingest("user1", "b1", -62, testT0.Add(time.Second))
	require.NoError(t, err)
	est2, err := e.Ingest("user1", "b1", -55, testT0.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, est2)
	est3, err := e.Ingest("user1", "b1", -45, testT0.Add(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, est3)

	trail, err := e.Trail("user1")
	require.NoError(t, err)
	require.Len(t, trail, history, "history must stay bounded")
	assert.Equal(t, est2.X, trail[0].X)
	assert.Equal(t, est3.X, trail[1].X)
	assert.True(t, trail[0].At.Before(trail[1].At))

	_, err = e.Trail("ghost")
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

// ---
// Streams

func TestSampleStreamPublishesAcceptedSamples(t *testing.T) {
	e := newTestEngine(t, Options{})
	id, samples := e.SubscribeSamples()
	defer e.UnsubscribeSamples(id)

	_, err := e.Ingest("user1", "b1", -62, testT0)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	s := <-samples
	assert.Equal(t, "user1", s.EntityID)
	assert.Equal(t, "b1", s.BeaconID)
	assert.Equal(t, -62, s.RSSI)
	assert.InDelta(t, -62.0, s.FilteredRSSI, 1e-12, "first sample seeds the filter")
	assert.Greater(t, s.Distance, 0.0)
	assert.Equal(t, testT0, s.At)

	// Rejected samples never reach the stream.
	_, err = e.Ingest("user1", "b1", 0, testT0)
	require.Error(t, err)
	assert.Len(t, samples, 0)
}

func TestEventStreamMatchesReturnedEstimate(t *testing.T) {
	e := newTestEngine(t, Options{})
	id, events := e.SubscribeEvents()
	defer e.UnsubscribeEvents(id)

	est := seedEntity(t, e, "user1", testT0)
	require.Len(t, events, 1)
	got := <-events
	assert.Equal(t, *est, got)
}

// ---
// Concurrency

func TestConcurrentIsolation(t *testing.T) {
	e := newTestEngine(t, Options{})

	finals := map[string]int{"b1": -61, "b2": -67, "b3": -63}
	const rounds = 50

	var wg sync.WaitGroup
	errCh := make(chan error, len(finals)*rounds)
	for beacon, final := range finals {
		wg.Add(1)
		go func(beacon string, final int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				rssi := -75 + (i % 10)
				if i == rounds-1 {
					rssi = final
				}
				if _, err := e.Ingest("user1", beacon, rssi, testT0.Add(time.Duration(i)*time.Millisecond)); err != nil {
					errCh <- err
				}
			}
		}(beacon, final)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent ingest: %v", err)
	}

	// No update may be lost: each beacon's track must hold the last sample
	// its producer sent, regardless of interleaving.
	dbg, err := e.Debug("user1")
	require.NoError(t, err)
	require.Len(t, dbg.Beacons, 3)
	for _, b := range dbg.Beacons {
		assert.Equal(t, finals[b.BeaconID], b.RawRSSI, "beacon %s lost its final sample", b.BeaconID)
		assert.Equal(t, rounds, b.SampleCount)
		assert.Greater(t, b.Distance, 0.0)
	}
}

func TestConcurrentEntitiesIndependent(t *testing.T) {
	e := newTestEngine(t, Options{})

	const entities = 20
	var wg sync.WaitGroup
	for i := 0; i < entities; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entity := string(rune('a'+i%26)) + "-entity"
			for _, beacon := range []string{"b1", "b2", "b3"} {
				_, _ = e.Ingest(entity, beacon, -60-i%8, testT0)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(e.StatusAll()), e.Len())
	for _, status := range e.StatusAll() {
		assert.Equal(t, 3, status.TotalBeaconsSeen)
		assert.True(t, status.CanCalculate)
	}
}

// ---
// Eviction

func TestEvictStaleDropsIdleEntities(t *testing.T) {
	clock := timeutil.NewMockClock(testT0)
	e := newTestEngine(t, Options{Clock: clock})

	seedEntity(t, e, "idle", testT0)
	_, err := e.Ingest("fresh", "b1", -60, testT0)
	require.NoError(t, err)

	// Keep "fresh" alive past the idle TTL, let "idle" lapse.
	clock.Set(testT0.Add(45 * time.Second))
	_, err = e.Ingest("fresh", "b1", -60, clock.Now())
	require.NoError(t, err)

	clock.Set(testT0.Add(70 * time.Second))
	assert.Equal(t, 1, e.evictStale())

	_, err = e.Status("idle")
	assert.ErrorIs(t, err, ErrUnknownEntity)
	_, err = e.Status("fresh")
	assert.NoError(t, err)
	assert.Equal(t, 1, e.Len())

	// A returning entity starts from scratch.
	_, err = e.Ingest("idle", "b1", -60, clock.Now())
	require.NoError(t, err)
	status, err := e.Status("idle")
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalBeaconsSeen)
	assert.Nil(t, status.LastPosition)
}

func TestRunJanitorEvicts(t *testing.T) {
	clock := timeutil.NewMockClock(testT0)
	e := newTestEngine(t, Options{Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	seedEntity(t, e, "user1", testT0)

	// Advance on every poll: the first tick may predate the janitor's
	// ticker registration, later ones cannot.
	require.Eventually(t, func() bool {
		clock.Advance(61 * time.Second)
		_, err := e.Status("user1")
		return errors.Is(err, ErrUnknownEntity)
	}, 2*time.Second, 10*time.Millisecond, "janitor must evict the idle entity")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
