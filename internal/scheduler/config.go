package scheduler

import (
	"time"

	appconfig "github.com/docuvine/docuvine/internal/config"
)

// Config controls scheduler intervals, batch sizes, and which jobs a
// process runs.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		JobTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

func ProvideConfig(cfg appconfig.Config) Config {
	return Config{
		RunInterval: time.Duration(cfg.SchedulerRunInterval) * time.Second,
		EnabledJobs: cfg.SchedulerEnabledJobs,
	}.withDefaults()
}
