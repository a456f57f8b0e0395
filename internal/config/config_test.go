package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8680, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 7, cfg.Database.RetentionDays)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 300*time.Second, cfg.Engine.NodeTimeout)
	assert.Equal(t, 100, cfg.Engine.MaxIterationsGlobal)
	assert.GreaterOrEqual(t, cfg.Engine.WorkerPoolSize, 1)
	assert.Equal(t, 100, cfg.Router.MaxQueueSize)
	assert.Equal(t, 3, cfg.Router.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Events.LastEventTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DIAFLOW_PORT", "9999")
	t.Setenv("DIAFLOW_DB_DRIVER", "memory")
	t.Setenv("DIAFLOW_NODE_TIMEOUT", "30s")
	t.Setenv("DIAFLOW_MAX_ITERATIONS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Engine.NodeTimeout)
	assert.Equal(t, 5, cfg.Engine.MaxIterationsGlobal)
}

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Database.Driver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Database.RetentionDays = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Engine.WorkerPoolSize = 0
	assert.Error(t, cfg.Validate())
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("DIAFLOW_PORT", "not-a-number")
	t.Setenv("DIAFLOW_NODE_TIMEOUT", "soonish")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8680, cfg.Server.Port)
	assert.Equal(t, 300*time.Second, cfg.Engine.NodeTimeout)
}
