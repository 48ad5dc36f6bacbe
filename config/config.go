// Package config provides the coordinator's process-environment
// configuration.
//
// Environment parsing happens once at bootstrap via FromEnv; core packages
// receive the resulting struct and never read the environment themselves.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// envPrefix is the prefix of every recognized environment variable,
// e.g. DISCO_MAX_FAILURE_RATE.
const envPrefix = "DISCO"

// Config holds every tunable of the master process.
type Config struct {
	// MaxFailureRate is the per-task retry budget: a task that fails more
	// than this many times aborts its job.
	MaxFailureRate int `mapstructure:"max_failure_rate"`

	// FailedMinPause is the retry backoff unit. The pause before the k-th
	// retry is min(k*FailedMinPause, FailedMaxPause) plus a uniform random
	// amount below FailedPauseRandomize.
	FailedMinPause       time.Duration `mapstructure:"failed_min_pause"`
	FailedMaxPause       time.Duration `mapstructure:"failed_max_pause"`
	FailedPauseRandomize time.Duration `mapstructure:"failed_pause_randomize"`

	// InputFailureCap is the number of read failures tolerated per host per
	// input before that host stops counting as a usable location.
	InputFailureCap int `mapstructure:"input_failure_cap"`

	// JobHome is the directory job packs are persisted under.
	JobHome string `mapstructure:"job_home"`

	// SubmitTimeout bounds a single scheduler submission call;
	// SubmitRetries bounds how often a failed submission is re-attempted
	// before the job is aborted.
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	SubmitRetries int           `mapstructure:"submit_retries"`

	// JobStartTimeout bounds coordinator initialization as observed by the
	// intake layer.
	JobStartTimeout time.Duration `mapstructure:"job_start_timeout"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns the configuration used when the environment is silent.
func Default() *Config {
	return &Config{
		MaxFailureRate:       9,
		FailedMinPause:       time.Second,
		FailedMaxPause:       60 * time.Second,
		FailedPauseRandomize: 30 * time.Second,
		InputFailureCap:      3,
		JobHome:              "./jobs",
		SubmitTimeout:        30 * time.Second,
		SubmitRetries:        3,
		JobStartTimeout:      60 * time.Second,
		LogLevel:             "info",
	}
}

// FromEnv builds a Config from the process environment. Unset variables
// fall back to defaults. Durations accept Go syntax ("30s") or a bare
// millisecond count.
func FromEnv() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("max_failure_rate", d.MaxFailureRate)
	v.SetDefault("failed_min_pause", d.FailedMinPause)
	v.SetDefault("failed_max_pause", d.FailedMaxPause)
	v.SetDefault("failed_pause_randomize", d.FailedPauseRandomize)
	v.SetDefault("input_failure_cap", d.InputFailureCap)
	v.SetDefault("job_home", d.JobHome)
	v.SetDefault("submit_timeout", d.SubmitTimeout)
	v.SetDefault("submit_retries", d.SubmitRetries)
	v.SetDefault("job_start_timeout", d.JobStartTimeout)
	v.SetDefault("log_level", d.LogLevel)

	cfg := &Config{
		MaxFailureRate:       v.GetInt("max_failure_rate"),
		FailedMinPause:       envDuration(v, "failed_min_pause"),
		FailedMaxPause:       envDuration(v, "failed_max_pause"),
		FailedPauseRandomize: envDuration(v, "failed_pause_randomize"),
		InputFailureCap:      v.GetInt("input_failure_cap"),
		JobHome:              v.GetString("job_home"),
		SubmitTimeout:        envDuration(v, "submit_timeout"),
		SubmitRetries:        v.GetInt("submit_retries"),
		JobStartTimeout:      envDuration(v, "job_start_timeout"),
		LogLevel:             v.GetString("log_level"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envDuration reads a duration that may be given in Go syntax or as a bare
// millisecond count (the historical unit of the pause variables).
func envDuration(v *viper.Viper, key string) time.Duration {
	if ms := v.GetInt64(key); ms > 0 {
		if _, err := time.ParseDuration(v.GetString(key)); err != nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return v.GetDuration(key)
}

// Validate rejects configurations the coordinator cannot operate under.
func (c *Config) Validate() error {
	if c.MaxFailureRate < 0 {
		return fmt.Errorf("config: max_failure_rate must be non-negative, got %d", c.MaxFailureRate)
	}
	if c.FailedMinPause <= 0 || c.FailedMaxPause <= 0 {
		return fmt.Errorf("config: retry pauses must be positive")
	}
	if c.FailedMaxPause < c.FailedMinPause {
		return fmt.Errorf("config: failed_max_pause %v below failed_min_pause %v", c.FailedMaxPause, c.FailedMinPause)
	}
	if c.FailedPauseRandomize < 0 {
		return fmt.Errorf("config: failed_pause_randomize must be non-negative")
	}
	if c.InputFailureCap <= 0 {
		return fmt.Errorf("config: input_failure_cap must be positive, got %d", c.InputFailureCap)
	}
	if c.JobHome == "" {
		return fmt.Errorf("config: job_home is required")
	}
	if c.SubmitTimeout <= 0 || c.JobStartTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.SubmitRetries < 0 {
		return fmt.Errorf("config: submit_retries must be non-negative")
	}
	return nil
}
