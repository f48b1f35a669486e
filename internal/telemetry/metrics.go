// Package telemetry provides the Prometheus metrics for the position
// pipeline: sample acceptance and rejection, solver outcomes, emitted
// positions, link-queue drops, and entity-store occupancy. All helper
// methods are nil-receiver safe so callers never need to guard for a
// metrics-less configuration (tests, tools).
package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all Prometheus metrics exposed by the positioning
// pipeline.
type Metrics struct {
	SamplesAccepted *prometheus.CounterVec
	ParseErrors     prometheus.Counter
	InvalidReadings prometheus.Counter
	UnknownBeacons  prometheus.Counter
	SolverFailures  *prometheus.CounterVec
	PositionsEmit   prometheus.Counter
	QueueDrops      *prometheus.CounterVec
	EventWriteDrops prometheus.Counter
	Evictions       prometheus.Counter
	ActiveEntities  prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the pipeline metrics and registers them with the given
// registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()

	collectors := []prometheus.Collector{
		m.SamplesAccepted, m.ParseErrors, m.InvalidReadings, m.UnknownBeacons,
		m.SolverFailures, m.PositionsEmit, m.QueueDrops, m.EventWriteDrops,
		m.Evictions, m.ActiveEntities,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.SamplesAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_samples_accepted_total",
		Help: "Total RSSI samples accepted into the pipeline, by beacon",
	}, []string{"beacon"})

	m.ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_parse_errors_total",
		Help: "Total notification payloads dropped as unparseable",
	})

	m.InvalidReadings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_invalid_readings_total",
		Help: "Total samples dropped for zero or positive RSSI",
	})

	m.UnknownBeacons = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_unknown_beacon_samples_total",
		Help: "Total samples dropped because the beacon is not registered",
	})

	m.SolverFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_solver_failures_total",
		Help: "Total position solves that failed, by reason",
	}, []string{"reason"})

	m.PositionsEmit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_positions_emitted_total",
		Help: "Total significant position events emitted",
	})

	m.QueueDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_link_queue_drops_total",
		Help: "Total lines dropped from full link queues, by link",
	}, []string{"link"})

	m.EventWriteDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_event_write_drops_total",
		Help: "Total position events dropped before persistence due to writer backlog",
	})

	m.Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_entity_evictions_total",
		Help: "Total entities evicted after their idle TTL expired",
	})

	m.ActiveEntities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_active_entities",
		Help: "Entities currently held in the state store",
	})
}

// Registry returns the backing Prometheus registry (nil for a nil Metrics).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncSampleAccepted counts one accepted sample for the given beacon.
func (m *Metrics) IncSampleAccepted(beacon string) {
	if m == nil {
		return
	}
	m.SamplesAccepted.WithLabelValues(beacon).Inc()
}

// IncParseError counts one unparseable payload.
func (m *Metrics) IncParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// IncInvalidReading counts one zero/positive-RSSI sample.
func (m *Metrics) IncInvalidReading() {
	if m == nil {
		return
	}
	m.InvalidReadings.Inc()
}

// IncUnknownBeacon counts one sample from an unregistered beacon.
func (m *Metrics) IncUnknownBeacon() {
	if m == nil {
		return
	}
	m.UnknownBeacons.Inc()
}

// IncSolverFailure counts one failed solve with its reason label.
func (m *Metrics) IncSolverFailure(reason string) {
	if m == nil {
		return
	}
	m.SolverFailures.WithLabelValues(reason).Inc()
}

// IncPositionEmitted counts one emitted position event.
func (m *Metrics) IncPositionEmitted() {
	if m == nil {
		return
	}
	m.PositionsEmit.Inc()
}

// IncQueueDrop counts one dropped line on the given link.
func (m *Metrics) IncQueueDrop(link string) {
	if m == nil {
		return
	}
	m.QueueDrops.WithLabelValues(link).Inc()
}

// IncEventWriteDrop counts one event lost to writer backlog.
func (m *Metrics) IncEventWriteDrop() {
	if m == nil {
		return
	}
	m.EventWriteDrops.Inc()
}

// AddEvictions counts n evicted entities.
func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Evictions.Add(float64(n))
}

// SetActiveEntities records the current entity-store size.
func (m *Metrics) SetActiveEntities(n int) {
	if m == nil {
		return
	}
	m.ActiveEntities.Set(float64(n))
}
