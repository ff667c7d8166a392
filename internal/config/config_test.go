package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atmx/energy-engine/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, "MEX-455c57", cfg.Engine.LockableToken)
	require.Len(t, cfg.Engine.LockOptions, 3)
	require.Equal(t, uint64(10), cfg.Engine.UnbondEpochs)
	require.Equal(t, uint64(5_000), cfg.Engine.FeesBurnBps)
	require.Equal(t, 24*time.Hour, cfg.Clock.EpochDuration)
	require.Equal(t, "0 0 0 * * 1", cfg.Schedule.SweepCron)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  lockable_token: LKMEX-aab910
  lock_options:
    - lock_epochs: 180
      penalty_bps: 2000
    - lock_epochs: 3600
      penalty_bps: 9000
  unbond_epochs: 0
  fees_burn_bps: 2500
clock:
  genesis: 2024-06-01T00:00:00Z
  epoch_duration: 1h
database:
  sqlite_path: /tmp/energy.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "LKMEX-aab910", cfg.Engine.LockableToken)
	require.Equal(t, []model.LockOption{{LockEpochs: 180, PenaltyBps: 2000}, {LockEpochs: 3600, PenaltyBps: 9000}}, cfg.Engine.LockOptions)
	require.Equal(t, uint64(0), cfg.Engine.UnbondEpochs)
	require.Equal(t, time.Hour, cfg.Clock.EpochDuration)
	require.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), cfg.Clock.Genesis.UTC())
	require.Equal(t, "/tmp/energy.db", cfg.Database.SQLitePath)

	// Untouched sections keep their defaults.
	require.Equal(t, uint64(7), cfg.Engine.EpochsPerWeek)
	require.Equal(t, "8080", cfg.Server.Port)

	ec := cfg.EngineConfig()
	require.Equal(t, "LKMEX-aab910", ec.Asset.Token)
	require.Equal(t, uint64(2500), ec.FeesBurnBps)
	require.Equal(t, uint64(30), ec.Schedule.EpochsPerMonth)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/energy")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SWEEP_CRON", "@every 1h")
	t.Setenv("LOCKABLE_TOKEN", "XMEX-fda355")

	cfg, err := Load(writeConfig(t, "server:\n  port: \"7070\"\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, "postgres://localhost/energy", cfg.Database.URL)
	require.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	require.Equal(t, "@every 1h", cfg.Schedule.SweepCron)
	require.Equal(t, "XMEX-fda355", cfg.Engine.LockableToken)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "engine: [unclosed"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty token", func(c *Config) { c.Engine.LockableToken = "" }},
		{"no options", func(c *Config) { c.Engine.LockOptions = nil }},
		{"decreasing penalty", func(c *Config) {
			c.Engine.LockOptions = []model.LockOption{{LockEpochs: 360, PenaltyBps: 5000}, {LockEpochs: 720, PenaltyBps: 1000}}
		}},
		{"burn over 100%", func(c *Config) { c.Engine.FeesBurnBps = 10_001 }},
		{"zero week", func(c *Config) { c.Engine.EpochsPerWeek = 0 }},
		{"zero epoch duration", func(c *Config) { c.Clock.EpochDuration = 0 }},
		{"bad cron", func(c *Config) { c.Schedule.SweepCron = "every monday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
