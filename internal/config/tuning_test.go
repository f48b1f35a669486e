package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTuning(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEmptyTuningDefaults(t *testing.T) {
	c := EmptyTuningConfig()

	assert.Equal(t, -59.0, c.GetTxPowerDbm())
	assert.Equal(t, 2.0, c.GetEnvFactor())
	assert.Equal(t, 0.1, c.GetMinDistanceM())
	assert.Equal(t, 100.0, c.GetMaxDistanceM())
	assert.Equal(t, 100.0, c.GetInitialUncertainty())
	assert.Equal(t, 0.05, c.GetProcessNoise())
	assert.Equal(t, 4.0, c.GetMeasurementNoise())
	assert.Equal(t, 5, c.GetRSSIWindow())
	assert.Equal(t, 1e-6, c.GetMinDeterminant())
	assert.Equal(t, 0.1, c.GetPositionThresholdM())
	assert.Equal(t, 0.5, c.GetDistanceThresholdM())
	assert.False(t, c.GetDistanceGate())
	assert.Equal(t, 10, c.GetPositionHistory())
	assert.Equal(t, 60*time.Second, c.GetEntityTTL())
	assert.Equal(t, 15*time.Second, c.GetEvictionInterval())
	assert.Equal(t, 30*time.Second, c.GetLiveSignalTTL())
	assert.Equal(t, 30*time.Second, c.GetFingerprintMaxAge())
}

func TestLoadTuningPartialFile(t *testing.T) {
	path := writeTuning(t, "tuning.json", `{
		"tx_power_dbm": -52,
		"env_factor": 2.8,
		"entity_ttl": "2m"
	}`)

	c, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, -52.0, c.GetTxPowerDbm())
	assert.Equal(t, 2.8, c.GetEnvFactor())
	assert.Equal(t, 2*time.Minute, c.GetEntityTTL())
	// untouched fields keep defaults
	assert.Equal(t, 0.05, c.GetProcessNoise())
	assert.Equal(t, 10, c.GetPositionHistory())
}

func TestLoadTuningRejectsBadFiles(t *testing.T) {
	t.Run("wrong extension", func(t *testing.T) {
		path := writeTuning(t, "tuning.yaml", `{}`)
		_, err := LoadTuningConfig(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		path := writeTuning(t, "tuning.json", `{not json`)
		_, err := LoadTuningConfig(path)
		assert.Error(t, err)
	})
}

func TestTuningValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*TuningConfig)
	}{
		{"zero env factor", func(c *TuningConfig) { c.EnvFactor = ptrFloat64(0) }},
		{"positive tx power", func(c *TuningConfig) { c.TxPowerDbm = ptrFloat64(10) }},
		{"zero min distance", func(c *TuningConfig) { c.MinDistanceM = ptrFloat64(0) }},
		{"max below min", func(c *TuningConfig) {
			c.MinDistanceM = ptrFloat64(5)
			c.MaxDistanceM = ptrFloat64(1)
		}},
		{"zero process noise", func(c *TuningConfig) { c.ProcessNoise = ptrFloat64(0) }},
		{"zero measurement noise", func(c *TuningConfig) { c.MeasurementNoise = ptrFloat64(0) }},
		{"zero window", func(c *TuningConfig) { c.RSSIWindow = ptrInt(0) }},
		{"zero determinant", func(c *TuningConfig) { c.MinDeterminant = ptrFloat64(0) }},
		{"negative position threshold", func(c *TuningConfig) { c.PositionThresholdM = ptrFloat64(-1) }},
		{"negative distance threshold", func(c *TuningConfig) { c.DistanceThresholdM = ptrFloat64(-1) }},
		{"zero history", func(c *TuningConfig) { c.PositionHistory = ptrInt(0) }},
		{"bad ttl", func(c *TuningConfig) { c.EntityTTL = ptrString("sixty seconds") }},
		{"bad eviction interval", func(c *TuningConfig) { c.EvictionInterval = ptrString("15") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := EmptyTuningConfig()
			tt.mut(c)
			assert.Error(t, c.Validate())
		})
	}

	t.Run("empty config is valid", func(t *testing.T) {
		assert.NoError(t, EmptyTuningConfig().Validate())
	})

	t.Run("sensible overrides are valid", func(t *testing.T) {
		c := EmptyTuningConfig()
		c.TxPowerDbm = ptrFloat64(-55)
		c.EnvFactor = ptrFloat64(2.5)
		c.DistanceGate = ptrBool(true)
		c.EntityTTL = ptrString("90s")
		assert.NoError(t, c.Validate())
	})
}

func TestTuningBuilders(t *testing.T) {
	c := EmptyTuningConfig()
	c.TxPowerDbm = ptrFloat64(-52)
	c.MeasurementNoise = ptrFloat64(9)
	c.MinDeterminant = ptrFloat64(1e-4)

	est := c.Estimator()
	assert.Equal(t, -52.0, est.TxPowerDbm)
	assert.Equal(t, 2.0, est.EnvFactor)

	fc := c.FilterConfig()
	assert.Equal(t, 9.0, fc.MeasurementNoise)
	assert.Equal(t, 5, fc.WindowSize)

	assert.Equal(t, 1e-4, c.Solver().MinDeterminant)
}

func TestDefaultTuningFileLoads(t *testing.T) {
	c := MustLoadDefaultTuning()
	require.NotNil(t, c)
	assert.NoError(t, c.Validate())
	assert.Equal(t, -59.0, c.GetTxPowerDbm())
}
