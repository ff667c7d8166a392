package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/atmx/energy-engine/internal/engine"
	"github.com/atmx/energy-engine/internal/epoch"
	"github.com/atmx/energy-engine/internal/model"
	"github.com/atmx/energy-engine/internal/penalty"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Engine struct {
		LockableToken       string             `yaml:"lockable_token"`
		LockableNonce       uint64             `yaml:"lockable_nonce"`
		LockOptions         []model.LockOption `yaml:"lock_options"`
		EpochsPerWeek       uint64             `yaml:"epochs_per_week"`
		EpochsPerMonth      uint64             `yaml:"epochs_per_month"`
		FirstWeekStartEpoch uint64             `yaml:"first_week_start_epoch"`
		UnbondEpochs        uint64             `yaml:"unbond_epochs"`
		UnlockDelayEpochs   uint64             `yaml:"unlock_delay_epochs"`
		FeesBurnBps         uint64             `yaml:"fees_burn_bps"`
	} `yaml:"engine"`
	Clock struct {
		Genesis       time.Time     `yaml:"genesis"`
		EpochDuration time.Duration `yaml:"epoch_duration"`
	} `yaml:"clock"`
	Database struct {
		URL        string `yaml:"url"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Redis struct {
		URL       string        `yaml:"url"`
		CacheTTL  time.Duration `yaml:"cache_ttl"`
		FeeStream string        `yaml:"fee_stream"`
	} `yaml:"redis"`
	Schedule struct {
		SweepCron string `yaml:"sweep_cron"`
	} `yaml:"schedule"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Engine.LockableToken = "MEX-455c57"
	cfg.Engine.LockOptions = []model.LockOption{
		{LockEpochs: 360, PenaltyBps: 4_000},
		{LockEpochs: 720, PenaltyBps: 6_000},
		{LockEpochs: 1080, PenaltyBps: 8_000},
	}
	cfg.Engine.EpochsPerWeek = 7
	cfg.Engine.EpochsPerMonth = 30
	cfg.Engine.UnbondEpochs = 10
	cfg.Engine.FeesBurnBps = 5_000
	cfg.Clock.Genesis = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg.Clock.EpochDuration = 24 * time.Hour
	cfg.Redis.CacheTTL = 30 * time.Second
	cfg.Redis.FeeStream = "energy:fees"
	cfg.Schedule.SweepCron = "0 0 0 * * 1"
	return cfg
}

// Load reads config from a YAML file over the defaults, then applies
// environment variable overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SWEEP_CRON"); v != "" {
		cfg.Schedule.SweepCron = v
	}
	if v := os.Getenv("LOCKABLE_TOKEN"); v != "" {
		cfg.Engine.LockableToken = v
	}

	return cfg, nil
}

// Validate checks the option table, the basis-point ranges and the schedule.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Engine.LockableToken == "" {
		return fmt.Errorf("engine.lockable_token is required")
	}
	if _, err := penalty.NewCalculator(c.Engine.LockOptions); err != nil {
		return fmt.Errorf("engine.lock_options: %w", err)
	}
	if c.Engine.FeesBurnBps > penalty.MaxBps {
		return fmt.Errorf("engine.fees_burn_bps must be at most %d", penalty.MaxBps)
	}
	if err := c.schedule().Validate(); err != nil {
		return fmt.Errorf("engine.epochs_per_week: %w", err)
	}
	if c.Clock.EpochDuration <= 0 {
		return fmt.Errorf("clock.epoch_duration must be positive")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Schedule.SweepCron); err != nil {
		return fmt.Errorf("schedule.sweep_cron: %w", err)
	}
	return nil
}

// EngineConfig returns the engine's view of the configuration.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Asset:             model.Asset{Token: c.Engine.LockableToken, Nonce: c.Engine.LockableNonce},
		Options:           c.Engine.LockOptions,
		Schedule:          c.schedule(),
		UnbondEpochs:      c.Engine.UnbondEpochs,
		UnlockDelayEpochs: c.Engine.UnlockDelayEpochs,
		FeesBurnBps:       c.Engine.FeesBurnBps,
	}
}

// WallClock returns the wall clock the server derives epochs from.
func (c *Config) WallClock() *epoch.WallClock {
	return epoch.NewWallClock(c.Clock.Genesis, c.Clock.EpochDuration)
}

func (c *Config) schedule() epoch.Schedule {
	return epoch.Schedule{
		EpochsPerWeek:       c.Engine.EpochsPerWeek,
		EpochsPerMonth:      c.Engine.EpochsPerMonth,
		FirstWeekStartEpoch: c.Engine.FirstWeekStartEpoch,
	}
}
