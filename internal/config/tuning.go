package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/presence.report/internal/signal"
	"github.com/banshee-data/presence.report/internal/trilat"
)

// DefaultTuningPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultTuningPath = "config/tuning.defaults.json"

// TuningConfig represents the numeric knobs of the position pipeline. The
// schema matches the /api/config endpoint so the same JSON works for startup
// configuration and for inspecting the effective values at runtime. All
// fields are pointers: omitted fields fall back to the Get* defaults, so
// partial configs are safe.
type TuningConfig struct {
	// Path-loss model params
	TxPowerDbm   *float64 `json:"tx_power_dbm,omitempty"`
	EnvFactor    *float64 `json:"env_factor,omitempty"`
	MinDistanceM *float64 `json:"min_distance_m,omitempty"`
	MaxDistanceM *float64 `json:"max_distance_m,omitempty"`

	// Signal filter params
	InitialUncertainty *float64 `json:"initial_uncertainty,omitempty"`
	ProcessNoise       *float64 `json:"process_noise,omitempty"`
	MeasurementNoise   *float64 `json:"measurement_noise,omitempty"`
	RSSIWindow         *int     `json:"rssi_window,omitempty"`

	// Solver params
	MinDeterminant *float64 `json:"min_determinant,omitempty"`

	// Change detection params
	PositionThresholdM *float64 `json:"position_threshold_m,omitempty"`
	DistanceThresholdM *float64 `json:"distance_threshold_m,omitempty"`
	DistanceGate       *bool    `json:"distance_gate,omitempty"`

	// State store params
	PositionHistory  *int    `json:"position_history,omitempty"`
	EntityTTL        *string `json:"entity_ttl,omitempty"`        // duration string like "60s"
	EvictionInterval *string `json:"eviction_interval,omitempty"` // duration string like "15s"

	// Web-layer snapshot params
	LiveSignalTTL     *string `json:"live_signal_ttl,omitempty"`
	FingerprintMaxAge *string `json:"fingerprint_max_age,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from a file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and stay under the max file size. Fields omitted from
// the file keep their defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("tuning file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat tuning file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("tuning file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tuning JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultTuning loads the canonical tuning defaults from
// DefaultTuningPath, searching upwards from the current directory. Panics if
// the file cannot be loaded; intended for test setup.
func MustLoadDefaultTuning() *TuningConfig {
	candidates := []string{
		DefaultTuningPath,
		"../../" + DefaultTuningPath, // from internal/<pkg>/
		"../../../" + DefaultTuningPath,
		"../../../../" + DefaultTuningPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultTuningPath + " - run tests from repository root")
}

// Validate checks that any set values are usable.
func (c *TuningConfig) Validate() error {
	if c.EnvFactor != nil && *c.EnvFactor <= 0 {
		return fmt.Errorf("env_factor must be positive, got %f", *c.EnvFactor)
	}
	if c.TxPowerDbm != nil && *c.TxPowerDbm >= 0 {
		return fmt.Errorf("tx_power_dbm must be negative dBm, got %f", *c.TxPowerDbm)
	}
	if c.MinDistanceM != nil && *c.MinDistanceM <= 0 {
		return fmt.Errorf("min_distance_m must be positive, got %f", *c.MinDistanceM)
	}
	if c.MinDistanceM != nil && c.MaxDistanceM != nil && *c.MaxDistanceM <= *c.MinDistanceM {
		return fmt.Errorf("max_distance_m (%f) must exceed min_distance_m (%f)", *c.MaxDistanceM, *c.MinDistanceM)
	}
	if c.InitialUncertainty != nil && *c.InitialUncertainty <= 0 {
		return fmt.Errorf("initial_uncertainty must be positive, got %f", *c.InitialUncertainty)
	}
	if c.ProcessNoise != nil && *c.ProcessNoise <= 0 {
		return fmt.Errorf("process_noise must be positive, got %f", *c.ProcessNoise)
	}
	if c.MeasurementNoise != nil && *c.MeasurementNoise <= 0 {
		return fmt.Errorf("measurement_noise must be positive, got %f", *c.MeasurementNoise)
	}
	if c.RSSIWindow != nil && *c.RSSIWindow < 1 {
		return fmt.Errorf("rssi_window must be at least 1, got %d", *c.RSSIWindow)
	}
	if c.MinDeterminant != nil && *c.MinDeterminant <= 0 {
		return fmt.Errorf("min_determinant must be positive, got %f", *c.MinDeterminant)
	}
	if c.PositionThresholdM != nil && *c.PositionThresholdM < 0 {
		return fmt.Errorf("position_threshold_m must be non-negative, got %f", *c.PositionThresholdM)
	}
	if c.DistanceThresholdM != nil && *c.DistanceThresholdM < 0 {
		return fmt.Errorf("distance_threshold_m must be non-negative, got %f", *c.DistanceThresholdM)
	}
	if c.PositionHistory != nil && *c.PositionHistory < 1 {
		return fmt.Errorf("position_history must be at least 1, got %d", *c.PositionHistory)
	}
	for name, v := range map[string]*string{
		"entity_ttl":          c.EntityTTL,
		"eviction_interval":   c.EvictionInterval,
		"live_signal_ttl":     c.LiveSignalTTL,
		"fingerprint_max_age": c.FingerprintMaxAge,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	return nil
}

// GetTxPowerDbm returns the tx_power_dbm value or the default.
func (c *TuningConfig) GetTxPowerDbm() float64 {
	if c.TxPowerDbm == nil {
		return signal.DefaultTxPowerDbm
	}
	return *c.TxPowerDbm
}

// GetEnvFactor returns the env_factor value or the default.
func (c *TuningConfig) GetEnvFactor() float64 {
	if c.EnvFactor == nil {
		return signal.DefaultEnvFactor
	}
	return *c.EnvFactor
}

// GetMinDistanceM returns the min_distance_m value or the default.
func (c *TuningConfig) GetMinDistanceM() float64 {
	if c.MinDistanceM == nil {
		return signal.DefaultMinMeters
	}
	return *c.MinDistanceM
}

// GetMaxDistanceM returns the max_distance_m value or the default.
func (c *TuningConfig) GetMaxDistanceM() float64 {
	if c.MaxDistanceM == nil {
		return signal.DefaultMaxMeters
	}
	return *c.MaxDistanceM
}

// GetInitialUncertainty returns the initial_uncertainty value or the default.
func (c *TuningConfig) GetInitialUncertainty() float64 {
	if c.InitialUncertainty == nil {
		return 100.0
	}
	return *c.InitialUncertainty
}

// GetProcessNoise returns the process_noise value or the default.
func (c *TuningConfig) GetProcessNoise() float64 {
	if c.ProcessNoise == nil {
		return 0.05
	}
	return *c.ProcessNoise
}

// GetMeasurementNoise returns the measurement_noise value or the default.
func (c *TuningConfig) GetMeasurementNoise() float64 {
	if c.MeasurementNoise == nil {
		return 4.0
	}
	return *c.MeasurementNoise
}

// GetRSSIWindow returns the rssi_window value or the default.
func (c *TuningConfig) GetRSSIWindow() int {
	if c.RSSIWindow == nil {
		return 5
	}
	return *c.RSSIWindow
}

// GetMinDeterminant returns the min_determinant value or the default.
func (c *TuningConfig) GetMinDeterminant() float64 {
	if c.MinDeterminant == nil {
		return trilat.DefaultMinDeterminant
	}
	return *c.MinDeterminant
}

// GetPositionThresholdM returns the position_threshold_m value or the default.
func (c *TuningConfig) GetPositionThresholdM() float64 {
	if c.PositionThresholdM == nil {
		return 0.1
	}
	return *c.PositionThresholdM
}

// GetDistanceThresholdM returns the distance_threshold_m value or the default.
func (c *TuningConfig) GetDistanceThresholdM() float64 {
	if c.DistanceThresholdM == nil {
		return 0.5
	}
	return *c.DistanceThresholdM
}

// GetDistanceGate returns the distance_gate value or the default.
func (c *TuningConfig) GetDistanceGate() bool {
	if c.DistanceGate == nil {
		return false // default: gate on position delta only
	}
	return *c.DistanceGate
}

// GetPositionHistory returns the position_history value or the default.
func (c *TuningConfig) GetPositionHistory() int {
	if c.PositionHistory == nil {
		return 10
	}
	return *c.PositionHistory
}

// GetEntityTTL parses and returns the entity_ttl as a time.Duration.
func (c *TuningConfig) GetEntityTTL() time.Duration {
	return c.duration(c.EntityTTL, 60*time.Second)
}

// GetEvictionInterval parses and returns the eviction_interval as a time.Duration.
func (c *TuningConfig) GetEvictionInterval() time.Duration {
	return c.duration(c.EvictionInterval, 15*time.Second)
}

// GetLiveSignalTTL parses and returns the live_signal_ttl as a time.Duration.
func (c *TuningConfig) GetLiveSignalTTL() time.Duration {
	return c.duration(c.LiveSignalTTL, 30*time.Second)
}

// GetFingerprintMaxAge parses and returns the fingerprint_max_age as a time.Duration.
func (c *TuningConfig) GetFingerprintMaxAge() time.Duration {
	return c.duration(c.FingerprintMaxAge, 30*time.Second)
}

func (c *TuningConfig) duration(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

// Estimator builds the path-loss estimator configured by this tuning.
func (c *TuningConfig) Estimator() signal.Estimator {
	return signal.Estimator{
		TxPowerDbm: c.GetTxPowerDbm(),
		EnvFactor:  c.GetEnvFactor(),
		MinMeters:  c.GetMinDistanceM(),
		MaxMeters:  c.GetMaxDistanceM(),
	}
}

// FilterConfig builds the signal filter parameters configured by this tuning.
func (c *TuningConfig) FilterConfig() signal.FilterConfig {
	return signal.FilterConfig{
		InitialUncertainty: c.GetInitialUncertainty(),
		ProcessNoise:       c.GetProcessNoise(),
		MeasurementNoise:   c.GetMeasurementNoise(),
		WindowSize:         c.GetRSSIWindow(),
	}
}

// Solver builds the trilateration solver configured by this tuning.
func (c *TuningConfig) Solver() trilat.Solver {
	return trilat.Solver{MinDeterminant: c.GetMinDeterminant()}
}
