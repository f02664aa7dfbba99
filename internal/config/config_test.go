package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "high")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_FLOAT_BAD="high" is not a valid number`, err.Error())
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_DUR_BAD="five-seconds" is not a valid duration`, err.Error())
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, 30, cfg.MinSamplesTotal)
	assert.Equal(t, 5, cfg.MinSamplesCategory)
	assert.InDelta(t, 50.0, cfg.ConfidenceK, 1e-9)
	assert.Equal(t, 14*24*time.Hour, cfg.ValidityWindow)
	assert.InDelta(t, 0.3, cfg.MinConsumptionConfidence, 1e-9)
	assert.Equal(t, "0 3 * * 1", cfg.LearningSchedule)
	assert.False(t, cfg.UsesSQLite())
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("PATTERND_PORT", "abc")
	t.Setenv("PATTERND_CONFIDENCE_K", "lots")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PATTERND_PORT")
	assert.Contains(t, err.Error(), "abc")
	assert.Contains(t, err.Error(), "PATTERND_CONFIDENCE_K")
}

func TestLoadSQLiteURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite::memory:")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.UsesSQLite())
	assert.Equal(t, ":memory:", cfg.SQLitePath())
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"cache ttl beyond validity window", func(c *Config) { c.CacheTTL = c.ValidityWindow + time.Second }, "PATTERND_CACHE_TTL"},
		{"threshold above one", func(c *Config) { c.MinConsumptionConfidence = 1.5 }, "PATTERND_MIN_CONSUMPTION_CONFIDENCE"},
		{"negative threshold", func(c *Config) { c.MinConsumptionConfidence = -0.1 }, "PATTERND_MIN_CONSUMPTION_CONFIDENCE"},
		{"zero k", func(c *Config) { c.ConfidenceK = 0 }, "PATTERND_CONFIDENCE_K"},
		{"zero concurrency", func(c *Config) { c.LearningConcurrency = 0 }, "PATTERND_LEARNING_CONCURRENCY"},
		{"bad cron", func(c *Config) { c.HealthSchedule = "every tuesday" }, "PATTERND_HEALTH_SCHEDULE"},
		{"zero flush timeout", func(c *Config) { c.SnapshotFlushTimeout = 0 }, "PATTERND_SNAPSHOT_FLUSH_TIMEOUT"},
		{"negative flush timeout", func(c *Config) { c.SnapshotFlushTimeout = -time.Second }, "PATTERND_SNAPSHOT_FLUSH_TIMEOUT"},
		{"zero batch size", func(c *Config) { c.SnapshotBatchSize = 0 }, "PATTERND_SNAPSHOT_BATCH_SIZE"},
		{"capacity below batch size", func(c *Config) { c.SnapshotCapacity = c.SnapshotBatchSize - 1 }, "PATTERND_SNAPSHOT_CAPACITY"},
		{"empty database url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	assert.NoError(t, base.Validate())
}
