package db

import "time"

// RetentionWorker periodically prunes position events older than
// MaxAge. Runs hourly; the deployments this serves care about the last
// few days of movement, not an unbounded archive.
type RetentionWorker struct {
	DB       *DB
	MaxAge   time.Duration
	Interval time.Duration
	StopChan chan struct{}
}

// NewRetentionWorker creates a worker with the default hourly interval.
// A non-positive maxAge keeps 30 days.
func NewRetentionWorker(db *DB, maxAge time.Duration) *RetentionWorker {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &RetentionWorker{
		DB:       db,
		MaxAge:   maxAge,
		Interval: time.Hour,
		StopChan: make(chan struct{}),
	}
}

// Start runs the periodic prune loop in a goroutine.
func (w *RetentionWorker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.RunOnce(); err != nil {
					logf("retention prune failed: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *RetentionWorker) Stop() {
	close(w.StopChan)
}

// RunOnce prunes events older than MaxAge.
func (w *RetentionWorker) RunOnce() error {
	n, err := w.DB.PruneEventsBefore(time.Now().Add(-w.MaxAge))
	if err != nil {
		return err
	}
	if n > 0 {
		logf("pruned %d position events older than %s", n, w.MaxAge)
	}
	return nil
}
