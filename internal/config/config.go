// Package config provides configuration loading, validation, and defaults
// for the traffic engine. Configuration is read from config.yaml and
// TRAFFIC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// LogConfig controls logger level and output format.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig holds SQLite connection settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ScanConfig drives the periodic opportunity scan cycle.
type ScanConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"min=1s"`
}

// EngineConfig holds orchestrator-level timeouts and limits.
type EngineConfig struct {
	OpportunityTimeout time.Duration `mapstructure:"opportunity_timeout" validate:"min=1s"`
	ObservationTimeout time.Duration `mapstructure:"observation_timeout" validate:"min=1m"`
	MaxConcurrent      int           `mapstructure:"max_concurrent" validate:"min=1"`
}

// HoursConfig defines the simulated human activity window. Hours are
// local-time hours in [0, 24). Lunch is a slowdown window inside the
// active window where the allowance probability is multiplied by
// LunchFactor rather than dropped to zero.
type HoursConfig struct {
	Start       int     `mapstructure:"start" validate:"min=0,max=23"`
	End         int     `mapstructure:"end" validate:"min=1,max=24"`
	LunchStart  int     `mapstructure:"lunch_start" validate:"min=0,max=23"`
	LunchEnd    int     `mapstructure:"lunch_end" validate:"min=0,max=24"`
	LunchFactor float64 `mapstructure:"lunch_factor" validate:"min=0,max=1"`
}

// DelayConfig is the per-action-kind minimum delay between actions of
// that kind on one account. The effective delay is Base scaled by a
// uniform jitter of ±JitterPct percent.
type DelayConfig struct {
	Base      time.Duration `mapstructure:"base" validate:"min=1s"`
	JitterPct int           `mapstructure:"jitter_pct" validate:"min=0,max=90"`
}

// PhasesConfig is the warmup schedule: Limits[i] holds the per-kind
// daily limits for phase i+1, DurationDays is how long an account
// stays in each phase before advancing to the next.
type PhasesConfig struct {
	DurationDays int              `mapstructure:"duration_days" validate:"min=1"`
	Limits       []map[string]int `mapstructure:"limits" validate:"min=1"`
}

// SimilarityConfig tunes the cross-account duplicate detector.
type SimilarityConfig struct {
	Threshold  float64       `mapstructure:"threshold" validate:"gt=0,lte=1"`
	MaxEntries int           `mapstructure:"max_entries" validate:"min=1"`
	MaxAge     time.Duration `mapstructure:"max_age" validate:"min=1m"`
}

// RewardConfig maps observed engagement to bandit reward values.
type RewardConfig struct {
	None     float64 `mapstructure:"none" validate:"min=0,max=1"`
	Reaction float64 `mapstructure:"reaction" validate:"min=0,max=1"`
	Reply    float64 `mapstructure:"reply" validate:"min=0,max=1"`
}

// GateConfig holds rate-gate randomness settings. Seed 0 means the
// gate seeds itself from the clock; any other value makes allowance
// decisions reproducible for identical inputs.
type GateConfig struct {
	Seed int64 `mapstructure:"seed"`
}

// GeminiConfig configures the content-generation client.
type GeminiConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model" validate:"required"`
	Temperature float32       `mapstructure:"temperature" validate:"min=0,max=2"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"min=1s,max=10m"`
}

// TelegramConfig maps account identifiers to their bot tokens.
type TelegramConfig struct {
	Accounts map[string]string `mapstructure:"accounts"`
}

// TaskConfig enables and schedules one named maintenance task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig holds the maintenance task table keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// Config is the root configuration for the traffic engine.
type Config struct {
	Strategies []string               `mapstructure:"strategies" validate:"min=1"`
	Log        LogConfig              `mapstructure:"log"`
	Database   DatabaseConfig         `mapstructure:"database"`
	Scan       ScanConfig             `mapstructure:"scan"`
	Engine     EngineConfig           `mapstructure:"engine"`
	Hours      HoursConfig            `mapstructure:"hours"`
	Delays     map[string]DelayConfig `mapstructure:"delays" validate:"min=1"`
	Phases     PhasesConfig           `mapstructure:"phases"`
	Similarity SimilarityConfig       `mapstructure:"similarity"`
	Reward     RewardConfig           `mapstructure:"reward"`
	Gate       GateConfig             `mapstructure:"gate"`
	Gemini     GeminiConfig           `mapstructure:"gemini"`
	Telegram   TelegramConfig         `mapstructure:"telegram"`
	Scheduler  SchedulerConfig        `mapstructure:"scheduler"`
}

// Load reads configuration from the given file path (plus TRAFFIC_*
// environment variables), applies defaults, and validates the result.
// Configuration errors are fatal by design: a malformed limits table
// or reward mapping must stop the process at startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TRAFFIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing config file is fine, defaults plus env apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := cfg.validateTables(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateTables checks the cross-field constraints struct tags cannot
// express: the active-hours window must be non-empty and phase limits
// must be monotonically non-decreasing per action kind.
func (c *Config) validateTables() error {
	if c.Hours.Start >= c.Hours.End {
		return fmt.Errorf("hours.start (%d) must be before hours.end (%d)", c.Hours.Start, c.Hours.End)
	}

	for i := 1; i < len(c.Phases.Limits); i++ {
		for kind, limit := range c.Phases.Limits[i-1] {
			next, ok := c.Phases.Limits[i][kind]
			if !ok {
				return fmt.Errorf("phase %d is missing a limit for kind %q present in phase %d", i+1, kind, i)
			}
			if next < limit {
				return fmt.Errorf("phase %d limit for kind %q (%d) is below phase %d (%d)", i+1, kind, next, i, limit)
			}
		}
	}

	for kind := range c.Delays {
		if _, ok := c.Phases.Limits[0][kind]; !ok {
			return fmt.Errorf("delay configured for kind %q with no phase limits", kind)
		}
	}

	return nil
}

// LimitsForPhase returns the per-kind daily limits for the given
// 1-based phase, clamping past the last configured phase.
func (c *Config) LimitsForPhase(phase int) map[string]int {
	if phase < 1 {
		phase = 1
	}
	if phase > len(c.Phases.Limits) {
		phase = len(c.Phases.Limits)
	}
	return c.Phases.Limits[phase-1]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategies", []string{"casual", "expert", "question", "supportive"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("database.path", "traffic.db")

	v.SetDefault("scan.interval", 3*time.Minute)

	v.SetDefault("engine.opportunity_timeout", 90*time.Second)
	v.SetDefault("engine.observation_timeout", 24*time.Hour)
	v.SetDefault("engine.max_concurrent", 8)

	v.SetDefault("hours.start", 9)
	v.SetDefault("hours.end", 23)
	v.SetDefault("hours.lunch_start", 13)
	v.SetDefault("hours.lunch_end", 14)
	v.SetDefault("hours.lunch_factor", 0.3)

	v.SetDefault("delays.comment.base", 15*time.Minute)
	v.SetDefault("delays.comment.jitter_pct", 20)
	v.SetDefault("delays.invite.base", 30*time.Minute)
	v.SetDefault("delays.invite.jitter_pct", 20)
	v.SetDefault("delays.view.base", 2*time.Minute)
	v.SetDefault("delays.view.jitter_pct", 20)
	v.SetDefault("delays.react.base", 5*time.Minute)
	v.SetDefault("delays.react.jitter_pct", 20)

	v.SetDefault("phases.duration_days", 7)
	v.SetDefault("phases.limits", []map[string]int{
		{"comment": 2, "invite": 1, "view": 10, "react": 5},
		{"comment": 5, "invite": 3, "view": 25, "react": 10},
		{"comment": 10, "invite": 8, "view": 50, "react": 20},
		{"comment": 20, "invite": 15, "view": 100, "react": 40},
	})

	v.SetDefault("similarity.threshold", 0.6)
	v.SetDefault("similarity.max_entries", 200)
	v.SetDefault("similarity.max_age", 24*time.Hour)

	v.SetDefault("reward.none", 0.0)
	v.SetDefault("reward.reaction", 0.5)
	v.SetDefault("reward.reply", 1.0)

	v.SetDefault("gate.seed", 0)

	v.SetDefault("gemini.model", "gemini-2.0-flash")
	v.SetDefault("gemini.temperature", 1.0)
	v.SetDefault("gemini.timeout", 2*time.Minute)

	v.SetDefault("scheduler.tasks.daily_rollover.enabled", true)
	v.SetDefault("scheduler.tasks.daily_rollover.schedule", "0 0 0 * * *")
	v.SetDefault("scheduler.tasks.phase_advance.enabled", true)
	v.SetDefault("scheduler.tasks.phase_advance.schedule", "0 30 0 * * *")
	v.SetDefault("scheduler.tasks.observation_sweep.enabled", true)
	v.SetDefault("scheduler.tasks.observation_sweep.schedule", "0 */30 * * * *")
	v.SetDefault("scheduler.tasks.sql_maintenance.enabled", true)
	v.SetDefault("scheduler.tasks.sql_maintenance.schedule", "0 0 4 * * 0")
}
