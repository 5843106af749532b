package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "info", cfg.Logger.Level)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, 30*time.Second, cfg.Router.DefaultTimeout)
	require.Equal(t, 10*time.Second, cfg.Health.Interval)
	require.Equal(t, 30*time.Second, cfg.Health.TTL)
	require.Equal(t, 10, cfg.Workflows.MaxRunning)
	require.Equal(t, "5m", cfg.Maintenance.SnapshotSchedule)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Store.Driver, cfg.Store.Driver)
}

func TestLoadOverridesAndFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logger:
  level: debug
store:
  driver: sqlite
  path: /tmp/state.db
router:
  routes:
    create-record: worker
  degraded_fallback: false
health:
  interval: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "sqlite", cfg.Store.Driver)
	require.Equal(t, "worker", cfg.Router.Routes["create-record"])
	require.Equal(t, 5*time.Second, cfg.Health.Interval)
	// Unset fields keep their defaults.
	require.Equal(t, 30*time.Second, cfg.Health.TTL)
	require.Equal(t, 30*time.Second, cfg.Router.DefaultTimeout)
	require.False(t, cfg.Router.DegradedFallbackEnabled())
}

func TestValidateSQLiteRequiresPath(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "sqlite"
	require.Error(t, cfg.Validate())

	cfg.Store.Path = "/tmp/state.db"
	require.NoError(t, cfg.Validate())
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "redis"
	require.Error(t, cfg.Validate())
}

func TestValidateNegativeDispatchRate(t *testing.T) {
	cfg := Default()
	cfg.Router.DispatchRate = -1
	require.Error(t, cfg.Validate())
}

func TestDegradedFallbackDefaultsOn(t *testing.T) {
	var rc RouterConfig
	require.True(t, rc.DegradedFallbackEnabled())

	off := false
	rc.DegradedFallback = &off
	require.False(t, rc.DegradedFallbackEnabled())
}
