package signal

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// FilterConfig holds the tunable parameters for the per-(entity, beacon)
// RSSI filter. A fixed config and a fixed input sequence always produce the
// same filtered output.
type FilterConfig struct {
	// InitialUncertainty is the estimate variance before any sample arrives.
	InitialUncertainty float64
	// ProcessNoise (Q) models how fast the true RSSI drifts between samples.
	ProcessNoise float64
	// MeasurementNoise (R) models per-sample reading noise.
	MeasurementNoise float64
	// WindowSize bounds the raw-sample window kept for diagnostics.
	WindowSize int
}

// DefaultFilterConfig returns the default filter parameters.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		InitialUncertainty: 100.0,
		ProcessNoise:       0.05,
		MeasurementNoise:   4.0,
		WindowSize:         5,
	}
}

// Filter is a 1-D recursive (Kalman-style) estimator over raw RSSI samples.
// Each (entity, beacon) pair owns exactly one Filter; the owner serializes
// updates, so Filter itself is not safe for concurrent use.
type Filter struct {
	cfg FilterConfig

	estimate    float64
	uncertainty float64
	initialized bool

	// bounded raw-sample window, oldest overwritten first
	window []float64
	next   int
	count  int
}

// NewFilter creates a Filter with the given parameters. A non-positive
// WindowSize falls back to the default.
func NewFilter(cfg FilterConfig) *Filter {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultFilterConfig().WindowSize
	}
	return &Filter{
		cfg:         cfg,
		uncertainty: cfg.InitialUncertainty,
		window:      make([]float64, cfg.WindowSize),
	}
}

// Update feeds one raw sample through the filter and returns the new
// estimate. The first sample seeds the estimate directly. Non-finite samples
// are ignored and leave the state unchanged.
func (f *Filter) Update(z float64) float64 {
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return f.estimate
	}

	f.recordSample(z)

	if !f.initialized {
		f.estimate = z
		f.uncertainty = f.cfg.InitialUncertainty
		f.initialized = true
		return f.estimate
	}

	// Predict: the state model is a constant, so only uncertainty grows.
	f.uncertainty += f.cfg.ProcessNoise

	// Update: blend the measurement in, weighted by relative uncertainty.
	gain := f.uncertainty / (f.uncertainty + f.cfg.MeasurementNoise)
	f.estimate += gain * (z - f.estimate)
	f.uncertainty *= 1 - gain

	return f.estimate
}

// Estimate returns the current filtered value (zero before the first sample).
func (f *Filter) Estimate() float64 {
	return f.estimate
}

// Uncertainty returns the current estimate variance.
func (f *Filter) Uncertainty() float64 {
	return f.uncertainty
}

// Initialized reports whether at least one sample has been accepted.
func (f *Filter) Initialized() bool {
	return f.initialized
}

func (f *Filter) recordSample(z float64) {
	f.window[f.next] = z
	f.next = (f.next + 1) % len(f.window)
	if f.count < len(f.window) {
		f.count++
	}
}

// WindowLen returns the number of raw samples currently in the window.
func (f *Filter) WindowLen() int {
	return f.count
}

// Window returns a copy of the raw-sample window, oldest first.
func (f *Filter) Window() []float64 {
	out := make([]float64, 0, f.count)
	start := f.next - f.count
	for i := 0; i < f.count; i++ {
		idx := (start + i + len(f.window)) % len(f.window)
		out = append(out, f.window[idx])
	}
	return out
}

// WindowMean returns the mean of the raw-sample window, or 0 when empty.
func (f *Filter) WindowMean() float64 {
	if f.count == 0 {
		return 0
	}
	return stat.Mean(f.Window(), nil)
}

// WindowStdDev returns the sample standard deviation of the raw window, or 0
// when fewer than two samples are present.
func (f *Filter) WindowStdDev() float64 {
	if f.count < 2 {
		return 0
	}
	return stat.StdDev(f.Window(), nil)
}
