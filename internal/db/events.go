package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/presence.report/internal/engine"
	"github.com/banshee-data/presence.report/internal/telemetry"
)

// DefaultEventQueueSize bounds the writer queue between the ingest path
// and the SQLite insert.
const DefaultEventQueueSize = 128

// PositionEvent is a persisted position estimate row.
type PositionEvent struct {
	ID          string                     `json:"id"`
	EntityID    string                     `json:"entity_id"`
	X           float64                    `json:"x"`
	Y           float64                    `json:"y"`
	Accuracy    float64                    `json:"accuracy"`
	BeaconCount int                        `json:"beacon_count"`
	Beacons     []engine.BeaconObservation `json:"beacons"`
	Forced      bool                       `json:"forced,omitempty"`
	RecordedAt  time.Time                  `json:"recorded_at"`
}

// RecordPositionEvent appends an emitted estimate to position_events.
func (db *DB) RecordPositionEvent(est engine.PositionEstimate) error {
	beacons, err := json.Marshal(est.Beacons)
	if err != nil {
		return fmt.Errorf("failed to marshal beacon observations: %w", err)
	}

	forced := 0
	if est.Forced {
		forced = 1
	}

	_, err = db.Exec(
		`INSERT INTO position_events (
			id, entity_id, x, y, accuracy, beacon_count, beacons, forced, recorded_at_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		est.ID.String(), est.EntityID, est.X, est.Y, est.Accuracy,
		len(est.Beacons), string(beacons), forced, est.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert position event: %w", err)
	}
	return nil
}

// EntityTrail returns the persisted estimates for one entity, newest
// first. A non-positive limit defaults to 100 rows.
func (db *DB) EntityTrail(entityID string, limit int) ([]PositionEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(
		`SELECT id, entity_id, x, y, accuracy, beacon_count, beacons, forced, recorded_at_unix_ms
		 FROM position_events
		 WHERE entity_id = ?
		 ORDER BY recorded_at_unix_ms DESC
		 LIMIT ?`,
		entityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity trail: %w", err)
	}
	defer rows.Close()

	return scanPositionEvents(rows)
}

// RecentPositionEvents returns the newest estimates across all
// entities. A non-positive limit defaults to 100 rows.
func (db *DB) RecentPositionEvents(limit int) ([]PositionEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(
		`SELECT id, entity_id, x, y, accuracy, beacon_count, beacons, forced, recorded_at_unix_ms
		 FROM position_events
		 ORDER BY recorded_at_unix_ms DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query position events: %w", err)
	}
	defer rows.Close()

	return scanPositionEvents(rows)
}

func scanPositionEvents(rows *sql.Rows) ([]PositionEvent, error) {
	var events []PositionEvent
	for rows.Next() {
		var (
			ev          PositionEvent
			beaconsJSON string
			forced      int
			recordedMs  int64
		)
		if err := rows.Scan(&ev.ID, &ev.EntityID, &ev.X, &ev.Y, &ev.Accuracy,
			&ev.BeaconCount, &beaconsJSON, &forced, &recordedMs); err != nil {
			return nil, fmt.Errorf("failed to scan position event: %w", err)
		}
		if err := json.Unmarshal([]byte(beaconsJSON), &ev.Beacons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal beacon observations: %w", err)
		}
		ev.Forced = forced == 1
		ev.RecordedAt = time.UnixMilli(recordedMs).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// PruneEventsBefore deletes events recorded before the cutoff and
// returns the number of rows removed.
func (db *DB) PruneEventsBefore(cutoff time.Time) (int64, error) {
	result, err := db.Exec(
		`DELETE FROM position_events WHERE recorded_at_unix_ms < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune position events: %w", err)
	}
	return result.RowsAffected()
}

// EventWriter decouples the ingest hot path from SQLite inserts. The
// sink side calls Enqueue, which never blocks; a single goroutine
// drains the queue into the database.
type EventWriter struct {
	db      *DB
	metrics *telemetry.Metrics
	queue   chan engine.PositionEstimate
	stop    chan struct{}
	done    chan struct{}
}

// NewEventWriter creates an EventWriter. A non-positive queueSize uses
// DefaultEventQueueSize.
func NewEventWriter(db *DB, queueSize int, metrics *telemetry.Metrics) *EventWriter {
	if queueSize <= 0 {
		queueSize = DefaultEventQueueSize
	}
	return &EventWriter{
		db:      db,
		metrics: metrics,
		queue:   make(chan engine.PositionEstimate, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the writer loop in a goroutine.
func (w *EventWriter) Start() {
	go w.loop()
}

// Stop flushes queued events and waits for the writer loop to exit.
func (w *EventWriter) Stop() {
	close(w.stop)
	<-w.done
}

// Enqueue hands an estimate to the writer. When the queue is full the
// event is dropped and counted; ingest latency wins over history
// completeness.
func (w *EventWriter) Enqueue(est engine.PositionEstimate) {
	select {
	case w.queue <- est:
	default:
		w.metrics.IncEventWriteDrop()
		logf("position event queue full, dropping event for %s", est.EntityID)
	}
}

func (w *EventWriter) loop() {
	defer close(w.done)
	for {
		select {
		case est := <-w.queue:
			w.write(est)
		case <-w.stop:
			// Drain whatever is queued before exiting.
			for {
				select {
				case est := <-w.queue:
					w.write(est)
				default:
					return
				}
			}
		}
	}
}

func (w *EventWriter) write(est engine.PositionEstimate) {
	if err := w.db.RecordPositionEvent(est); err != nil {
		logf("failed to record position event for %s: %v", est.EntityID, err)
	}
}
