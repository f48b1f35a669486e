// Beaconmux fans the site's beacon ingest links (serial ports, UDP
// listeners, TCP connections) into one stream of (beacon, payload)
// notifications for the position engine. Each link gets a bounded queue with
// a drop-oldest policy so a stalled consumer can never grow memory without
// bound, a supervisor that reconnects with backoff, and per-link statistics.
package beaconmux

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/stream"
	"github.com/banshee-data/presence.report/internal/telemetry"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// ErrNoLinks is returned by Run when the mux has nothing to read from.
var ErrNoLinks = errors.New("beaconmux: no links configured")

const (
	// DefaultQueueSize bounds each link's undelivered-line queue.
	DefaultQueueSize = 64

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

var logf = monitoring.Prefixed("[beaconmux]")

// Line is one raw notification together with the beacon and link it came
// from.
type Line struct {
	BeaconID string    `json:"beacon_id"`
	Payload  string    `json:"payload"`
	Link     string    `json:"link"`
	At       time.Time `json:"at"`
}

// Sink consumes accepted lines, typically the engine's ProcessNotification.
// It is called from one goroutine per link, so per-link ordering is FIFO.
type Sink func(beaconID, payload string)

// Link is one ingest transport delivering newline-delimited notifications.
type Link interface {
	// Name identifies the link in logs and statistics.
	Name() string

	// BeaconID returns the beacon this link is bound to, or "" for shared
	// links whose lines carry their own "<beacon_id>|" prefix.
	BeaconID() string

	// Run reads from the transport until ctx is cancelled or the transport
	// fails, handing each raw line to emit. The mux restarts failed links
	// with backoff.
	Run(ctx context.Context, emit func(line string)) error
}

// LinkStats is a snapshot of one link's counters.
type LinkStats struct {
	Link       string    `json:"link"`
	BeaconID   string    `json:"beacon_id,omitempty"`
	Connected  bool      `json:"connected"`
	Lines      uint64    `json:"lines"`
	Dropped    uint64    `json:"dropped"`
	Unroutable uint64    `json:"unroutable"`
	Restarts   uint64    `json:"restarts"`
	LastLine   time.Time `json:"last_line,omitempty"`
}

type linkRunner struct {
	link  Link
	queue chan Line

	connected  atomic.Bool
	lines      atomic.Uint64
	dropped    atomic.Uint64
	unroutable atomic.Uint64
	restarts   atomic.Uint64
	lastLine   atomic.Int64 // unix nanos, 0 when never
}

// Options configures a Mux.
type Options struct {
	// Sink receives every accepted line. Required.
	Sink Sink

	// QueueSize bounds each link's queue; 0 uses DefaultQueueSize.
	QueueSize int

	// Clock is the time source; nil uses the real clock.
	Clock timeutil.Clock

	// Metrics receives drop counters; nil disables them.
	Metrics *telemetry.Metrics
}

// Mux supervises a set of ingest links and fans their lines into the sink
// and into the raw-line tail stream.
type Mux struct {
	sink      Sink
	queueSize int
	clock     timeutil.Clock
	metrics   *telemetry.Metrics

	mu      sync.Mutex
	runners []*linkRunner
	started bool

	lines *stream.Stream[Line]
}

// New creates a Mux. Links are added with AddLink before Run.
func New(opts Options) *Mux {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Mux{
		sink:      opts.Sink,
		queueSize: queueSize,
		clock:     clock,
		metrics:   opts.Metrics,
		lines:     stream.NewBuffered[Line](16),
	}
}

// AddLink registers a link. It must be called before Run.
func (m *Mux) AddLink(l Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		panic("beaconmux: AddLink after Run")
	}
	m.runners = append(m.runners, &linkRunner{
		link:  l,
		queue: make(chan Line, m.queueSize),
	})
}

// Run starts every link and blocks until ctx is cancelled. Links that fail
// are restarted with exponential backoff; backoff resets once a link
// delivers lines again.
func (m *Mux) Run(ctx context.Context) error {
	m.mu.Lock()
	if len(m.runners) == 0 {
		m.mu.Unlock()
		return ErrNoLinks
	}
	m.started = true
	runners := append([]*linkRunner(nil), m.runners...)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(2)
		go func(r *linkRunner) {
			defer wg.Done()
			defer close(r.queue)
			m.supervise(ctx, r)
		}(r)
		go func(r *linkRunner) {
			defer wg.Done()
			m.drain(r)
		}(r)
	}
	wg.Wait()
	m.lines.Close()
	return ctx.Err()
}

// supervise runs one link until the context ends, restarting it on failure.
func (m *Mux) supervise(ctx context.Context, r *linkRunner) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		before := r.lines.Load()
		r.connected.Store(true)
		err := r.link.Run(ctx, func(line string) { m.accept(r, line) })
		r.connected.Store(false)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			logf("link %s: %v", r.link.Name(), err)
		} else {
			logf("link %s: input ended", r.link.Name())
		}

		// A run that delivered lines was healthy; only persistent failures
		// escalate the backoff.
		if r.lines.Load() > before {
			backoff = initialBackoff
		} else if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		r.restarts.Add(1)

		logf("link %s: retrying in %s", r.link.Name(), backoff)
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(backoff):
		}
	}
}

// accept routes one raw line into the runner's bounded queue, dropping the
// oldest queued line when full.
func (m *Mux) accept(r *linkRunner, raw string) {
	beaconID, payload, ok := splitLine(raw, r.link.BeaconID())
	if !ok {
		r.unroutable.Add(1)
		logf("link %s: unroutable line %q", r.link.Name(), truncate(raw, 64))
		return
	}

	now := m.clock.Now()
	r.lines.Add(1)
	r.lastLine.Store(now.UnixNano())

	ln := Line{BeaconID: beaconID, Payload: payload, Link: r.link.Name(), At: now}
	for {
		select {
		case r.queue <- ln:
			return
		default:
		}
		select {
		case <-r.queue:
			r.dropped.Add(1)
			m.metrics.IncQueueDrop(r.link.Name())
		default:
		}
	}
}

// drain delivers queued lines to the tail stream and the sink until the
// queue closes.
func (m *Mux) drain(r *linkRunner) {
	for ln := range r.queue {
		m.lines.Publish(ln)
		if m.sink != nil {
			m.sink(ln.BeaconID, ln.Payload)
		}
	}
}

// Subscribe registers a consumer of the raw line tail (admin SSE, tests).
func (m *Mux) Subscribe() (string, chan Line) {
	return m.lines.Subscribe()
}

// Unsubscribe removes a tail consumer.
func (m *Mux) Unsubscribe(id string) {
	m.lines.Unsubscribe(id)
}

// Stats returns a snapshot of every link's counters, sorted by link name.
func (m *Mux) Stats() []LinkStats {
	m.mu.Lock()
	runners := append([]*linkRunner(nil), m.runners...)
	m.mu.Unlock()

	out := make([]LinkStats, 0, len(runners))
	for _, r := range runners {
		s := LinkStats{
			Link:       r.link.Name(),
			BeaconID:   r.link.BeaconID(),
			Connected:  r.connected.Load(),
			Lines:      r.lines.Load(),
			Dropped:    r.dropped.Load(),
			Unroutable: r.unroutable.Load(),
			Restarts:   r.restarts.Load(),
		}
		if ns := r.lastLine.Load(); ns != 0 {
			s.LastLine = time.Unix(0, ns)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Link < out[j].Link })
	return out
}

// splitLine resolves the beacon for one raw line. Links bound to a beacon
// deliver bare payloads; shared links prefix each line with "<beacon_id>|".
// A prefixed line wins over the binding so a shared head-end can relay for
// many beacons through one pipe.
func splitLine(raw, bound string) (beaconID, payload string, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", "", false
	}
	if i := strings.IndexByte(s, '|'); i >= 0 {
		b := strings.TrimSpace(s[:i])
		p := strings.TrimSpace(s[i+1:])
		if b == "" || p == "" {
			return "", "", false
		}
		return b, p, true
	}
	if bound == "" {
		return "", "", false
	}
	return bound, s, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
