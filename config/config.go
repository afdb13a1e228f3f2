/*
Package config loads server configuration.

SOURCES (highest precedence first):
  1. Environment variables, LEAVE_ prefix, dots become underscores
     (LEAVE_SERVER_PORT, LEAVE_DATABASE_PATH, LEAVE_LOGGER_LEVEL)
  2. The YAML file passed to Load, or ./config.yaml / ./config/config.yaml
  3. Defaults below

SECTIONS:
  server     HTTP port, timeouts, CORS origins
  database   SQLite path (":memory:" for an ephemeral store)
  catalog    Policy file, or built-in region presets when none is given
  engine     Optimistic-write retries, low balance threshold, job workers
  compoff    Work-hour thresholds and grant validity
  scheduler  Timer sweep interval and daily job toggles
  logger     zap level, format and output
  roles      Static actor -> approver role grants (viper lower-cases the
             actor IDs)
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Database  DatabaseConfig      `mapstructure:"database"`
	Catalog   CatalogConfig       `mapstructure:"catalog"`
	Engine    EngineConfig        `mapstructure:"engine"`
	CompOff   CompOffConfig       `mapstructure:"compoff"`
	Scheduler SchedulerConfig     `mapstructure:"scheduler"`
	Logger    LoggerConfig        `mapstructure:"logger"`
	Roles     map[string][]string `mapstructure:"roles"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf(":%d", s.Port) }

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type CatalogConfig struct {
	// PolicyFile is a YAML or JSON policy document. Empty serves the presets.
	PolicyFile string `mapstructure:"policy_file"`
	// PresetsEffectiveFrom dates the built-in presets (YYYY-MM-DD).
	PresetsEffectiveFrom string `mapstructure:"presets_effective_from"`
	// SeedPresets writes the presets to the database on first start.
	SeedPresets bool `mapstructure:"seed_presets"`
}

type EngineConfig struct {
	MaxRetries          int     `mapstructure:"max_retries"`
	LowBalanceThreshold float64 `mapstructure:"low_balance_threshold"`
	JobWorkers          int     `mapstructure:"job_workers"`
}

type CompOffConfig struct {
	FullDayHours         float64 `mapstructure:"full_day_hours"`
	HalfDayHours         float64 `mapstructure:"half_day_hours"`
	ValidityMonths       int     `mapstructure:"validity_months"`
	ExpiringSoonDays     int     `mapstructure:"expiring_soon_days"`
	RequireNonWorkingDay bool    `mapstructure:"require_non_working_day"`
}

type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	TimerInterval time.Duration `mapstructure:"timer_interval"`
	DailyInterval time.Duration `mapstructure:"daily_interval"`
	// Daily jobs are idempotent by key, so every tick may run them.
	// Accruals credits the previous month and the current year's annual
	// grants; YearEnd closes the previous year.
	Accruals     bool `mapstructure:"accruals"`
	YearEnd      bool `mapstructure:"year_end"`
	CompOffSweep bool `mapstructure:"compoff_sweep"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// =============================================================================
// LOADING
// =============================================================================

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("database.path", "leave.db")

	v.SetDefault("catalog.policy_file", "")
	v.SetDefault("catalog.presets_effective_from", "2024-01-01")
	v.SetDefault("catalog.seed_presets", true)

	v.SetDefault("engine.max_retries", 5)
	v.SetDefault("engine.low_balance_threshold", 2)
	v.SetDefault("engine.job_workers", 8)

	v.SetDefault("compoff.full_day_hours", 8)
	v.SetDefault("compoff.half_day_hours", 4)
	v.SetDefault("compoff.validity_months", 3)
	v.SetDefault("compoff.expiring_soon_days", 7)
	v.SetDefault("compoff.require_non_working_day", true)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timer_interval", "1m")
	v.SetDefault("scheduler.daily_interval", "24h")
	v.SetDefault("scheduler.accruals", true)
	v.SetDefault("scheduler.year_end", true)
	v.SetDefault("scheduler.compoff_sweep", true)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_path", "stdout")
}

// Load reads the configuration. A missing file is not an error when path is
// empty; defaults and environment variables then apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if c.Catalog.PolicyFile == "" {
		if _, err := time.Parse("2006-01-02", c.Catalog.PresetsEffectiveFrom); err != nil {
			problems = append(problems, "catalog.presets_effective_from must be YYYY-MM-DD")
		}
	}
	if c.Engine.MaxRetries < 1 {
		problems = append(problems, "engine.max_retries must be at least 1")
	}
	if c.Engine.LowBalanceThreshold < 0 {
		problems = append(problems, "engine.low_balance_threshold must not be negative")
	}
	if c.Engine.JobWorkers < 1 {
		problems = append(problems, "engine.job_workers must be at least 1")
	}
	if c.CompOff.HalfDayHours <= 0 || c.CompOff.FullDayHours < c.CompOff.HalfDayHours {
		problems = append(problems, "compoff hours need 0 < half_day_hours <= full_day_hours")
	}
	if c.CompOff.ValidityMonths < 1 {
		problems = append(problems, "compoff.validity_months must be at least 1")
	}
	if c.Scheduler.Enabled && (c.Scheduler.TimerInterval <= 0 || c.Scheduler.DailyInterval <= 0) {
		problems = append(problems, "scheduler intervals must be positive")
	}
	if _, err := zapcore.ParseLevel(c.Logger.Level); err != nil {
		problems = append(problems, fmt.Sprintf("logger.level %q is not a zap level", c.Logger.Level))
	}
	switch c.Logger.Format {
	case "json", "console":
	default:
		problems = append(problems, "logger.format must be json or console")
	}
	for actor, roles := range c.Roles {
		for _, r := range roles {
			switch strings.ToUpper(r) {
			case "MANAGER", "DEPARTMENT_HEAD", "HR", "HR_ADMIN":
			default:
				problems = append(problems, fmt.Sprintf("roles.%s: unknown role %q", actor, r))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}
