package beaconmux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/timeutil"
)

// ---
// Helpers

type sinkRecorder struct {
	mu  sync.Mutex
	got []string
}

func (s *sinkRecorder) sink(beaconID, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, beaconID+"|"+payload)
}

func (s *sinkRecorder) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

// gatedSink blocks every delivery until the gate is closed.
type gatedSink struct {
	gate chan struct{}
	rec  sinkRecorder
}

func (g *gatedSink) sink(beaconID, payload string) {
	<-g.gate
	g.rec.sink(beaconID, payload)
}

// failLink always fails immediately, driving the supervisor's retry path.
type failLink struct {
	name string
	err  error
}

func (f *failLink) Name() string     { return f.name }
func (f *failLink) BeaconID() string { return "b1" }

func (f *failLink) Run(ctx context.Context, emit func(line string)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return f.err
}

func startMux(t *testing.T, m *Mux) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	return func() {
		cancelCtx()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("mux did not stop on context cancellation")
		}
	}
}

// ---
// Line routing

func TestSplitLine(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		bound      string
		wantBeacon string
		wantLoad   string
		wantOK     bool
	}{
		{"bound bare payload", "user1:-62", "b1", "b1", "user1:-62", true},
		{"framed on shared link", "b2|user1:-62", "", "b2", "user1:-62", true},
		{"frame wins over binding", "b3|user1:-62", "b1", "b3", "user1:-62", true},
		{"framed with whitespace", " b2 | user1:-62 \r", "", "b2", "user1:-62", true},
		{"bare on shared link", "user1:-62", "", "", "", false},
		{"empty", "", "b1", "", "", false},
		{"frame missing beacon", "|user1:-62", "b1", "", "", false},
		{"frame missing payload", "b2|", "b1", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			beacon, payload, ok := splitLine(tc.raw, tc.bound)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantBeacon, beacon)
			assert.Equal(t, tc.wantLoad, payload)
		})
	}
}

// ---
// Mux behaviour

func TestRunWithoutLinks(t *testing.T) {
	m := New(Options{})
	assert.ErrorIs(t, m.Run(context.Background()), ErrNoLinks)
}

func TestMuxDeliversBoundLinkLines(t *testing.T) {
	rec := &sinkRecorder{}
	m := New(Options{Sink: rec.sink})
	link := NewMockLink("mock:b1", "b1")
	m.AddLink(link)

	stop := startMux(t, m)
	defer stop()

	link.Send("user1:-62")
	link.Send("user2:-70")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b1|user1:-62", "b1|user2:-70"}, rec.snapshot())

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "mock:b1", stats[0].Link)
	assert.Equal(t, "b1", stats[0].BeaconID)
	assert.Equal(t, uint64(2), stats[0].Lines)
	assert.Zero(t, stats[0].Dropped)
	assert.False(t, stats[0].LastLine.IsZero())
}

func TestMuxRoutesFramedLines(t *testing.T) {
	rec := &sinkRecorder{}
	m := New(Options{Sink: rec.sink})
	link := NewMockLink("mock:shared", "")
	m.AddLink(link)

	stop := startMux(t, m)
	defer stop()

	link.Send("b2|user1:-70")
	link.Send("no-frame-no-binding")
	link.Send("b3|user1:-64")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b2|user1:-70", "b3|user1:-64"}, rec.snapshot())

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].Unroutable)
	assert.Equal(t, uint64(2), stats[0].Lines)
}

func TestMuxDropsOldestWhenQueueFull(t *testing.T) {
	gated := &gatedSink{gate: make(chan struct{})}
	m := New(Options{Sink: gated.sink, QueueSize: 2})
	link := NewMockLink("mock:b1", "b1")
	m.AddLink(link)

	stop := startMux(t, m)
	defer stop()

	const sent = 6
	for _, line := range []string{"l1", "l2", "l3", "l4", "l5", "l6"} {
		link.Send(line)
	}

	// With the sink blocked at most one line is in flight and two are
	// queued, so at least three of six must be dropped.
	require.Eventually(t, func() bool { return m.Stats()[0].Dropped >= 3 }, 2*time.Second, 5*time.Millisecond)

	close(gated.gate)
	dropped := m.Stats()[0].Dropped
	require.Eventually(t, func() bool {
		return uint64(len(gated.rec.snapshot()))+dropped == sent
	}, 2*time.Second, 5*time.Millisecond)

	got := gated.rec.snapshot()
	assert.Equal(t, "b1|l6", got[len(got)-1], "drop-oldest must preserve the newest line")
}

func TestMuxTailSubscription(t *testing.T) {
	rec := &sinkRecorder{}
	m := New(Options{Sink: rec.sink})
	link := NewMockLink("mock:b1", "b1")
	m.AddLink(link)

	stop := startMux(t, m)
	defer stop()

	id, tail := m.Subscribe()
	defer m.Unsubscribe(id)

	link.Send("user1:-62")

	select {
	case ln := <-tail:
		assert.Equal(t, "b1", ln.BeaconID)
		assert.Equal(t, "user1:-62", ln.Payload)
		assert.Equal(t, "mock:b1", ln.Link)
		assert.False(t, ln.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no line on tail subscription")
	}
}

func TestMuxRestartsFailingLink(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	m := New(Options{Sink: func(string, string) {}, Clock: clock})
	m.AddLink(&failLink{name: "flaky", err: errors.New("transport down")})

	stop := startMux(t, m)
	defer stop()

	// Each advance releases the pending backoff timer; the cap is 30s so
	// 60s always covers it.
	require.Eventually(t, func() bool {
		clock.Advance(60 * time.Second)
		return m.Stats()[0].Restarts >= 3
	}, 2*time.Second, 10*time.Millisecond, "failing link must keep being retried")

	assert.False(t, m.Stats()[0].Connected)
}

func TestAddLinkAfterRunPanics(t *testing.T) {
	rec := &sinkRecorder{}
	m := New(Options{Sink: rec.sink})
	link := NewMockLink("mock:b1", "b1")
	m.AddLink(link)

	stop := startMux(t, m)
	defer stop()

	// A delivered line proves Run is underway before we poke it.
	link.Send("user1:-62")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Panics(t, func() { m.AddLink(NewMockLink("late", "b2")) })
}
