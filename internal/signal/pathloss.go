// Package signal converts raw per-beacon RSSI readings into stable distance
// estimates: a log-distance path-loss model maps dBm to meters, and a 1-D
// recursive filter smooths the raw readings before that conversion (the
// path-loss transform is nonlinear, so filtering afterwards would bias the
// estimate).
package signal

import (
	"errors"
	"math"
)

// ErrInvalidReading marks an RSSI sample that cannot be used: zero (no
// signal) or positive (dBm readings from real hardware are negative; a
// positive value indicates sensor or parse corruption).
var ErrInvalidReading = errors.New("signal: invalid RSSI reading")

// Default path-loss parameters. Deployments tune these per site; see the
// tuning config.
const (
	DefaultTxPowerDbm = -59.0 // measured RSSI at 1 m
	DefaultEnvFactor  = 2.0   // free-space-ish attenuation exponent
	DefaultMinMeters  = 0.1
	DefaultMaxMeters  = 100.0
)

// Estimator converts RSSI readings to distances using the log-distance
// path-loss model. It is pure and deterministic; the limits clamp the
// pathological extrapolation that very weak or very strong readings produce.
type Estimator struct {
	// TxPowerDbm is the expected RSSI at one meter from the beacon.
	TxPowerDbm float64
	// EnvFactor is the environmental attenuation exponent (2.0 free space,
	// higher indoors).
	EnvFactor float64
	// MinMeters and MaxMeters bound the returned distance.
	MinMeters float64
	MaxMeters float64
}

// DefaultEstimator returns an Estimator with the default parameters.
func DefaultEstimator() Estimator {
	return Estimator{
		TxPowerDbm: DefaultTxPowerDbm,
		EnvFactor:  DefaultEnvFactor,
		MinMeters:  DefaultMinMeters,
		MaxMeters:  DefaultMaxMeters,
	}
}

// Distance estimates the beacon-to-receiver distance in meters for one RSSI
// reading. Zero and positive readings return ErrInvalidReading rather than a
// clamped value.
func (e Estimator) Distance(rssi int) (float64, error) {
	if rssi == 0 {
		return 0, ErrInvalidReading
	}
	if rssi > 0 {
		return 0, ErrInvalidReading
	}

	d := math.Pow(10, (e.TxPowerDbm-float64(rssi))/(10*e.EnvFactor))

	if d < e.MinMeters {
		return e.MinMeters, nil
	}
	if d > e.MaxMeters {
		return e.MaxMeters, nil
	}
	return d, nil
}

// DistanceFiltered estimates distance from an already-filtered RSSI value.
// The validity rules match Distance; the filtered value inherits the sign of
// the raw readings, so the same zero/positive checks apply.
func (e Estimator) DistanceFiltered(rssi float64) (float64, error) {
	if math.IsNaN(rssi) || math.IsInf(rssi, 0) {
		return 0, ErrInvalidReading
	}
	if rssi >= 0 {
		return 0, ErrInvalidReading
	}

	d := math.Pow(10, (e.TxPowerDbm-rssi)/(10*e.EnvFactor))

	if d < e.MinMeters {
		return e.MinMeters, nil
	}
	if d > e.MaxMeters {
		return e.MaxMeters, nil
	}
	return d, nil
}
