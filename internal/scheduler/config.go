package scheduler

import (
	"time"

	"github.com/smallbiznis/lexcredit/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval  time.Duration
	JobTimeout   time.Duration
	BatchSize    int
	GracePeriod  time.Duration
	StaleAfter   time.Duration
	LockTTL      time.Duration
	EnabledJobs  []string
	LockKeyspace string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  time.Minute,
		JobTimeout:   2 * time.Minute,
		BatchSize:    200,
		GracePeriod:  7 * 24 * time.Hour,
		StaleAfter:   15 * time.Minute,
		LockKeyspace: "lexcredit:scheduler",
	}
}

// ProvideConfig maps the service config onto scheduler settings.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.Interval,
		JobTimeout:  cfg.Scheduler.JobTimeout,
		BatchSize:   cfg.Scheduler.BatchSize,
		GracePeriod: cfg.Subscription.GracePeriod,
		StaleAfter:  cfg.Generation.StaleReservationAfter,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaults.GracePeriod
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.StaleAfter
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.JobTimeout + 30*time.Second
	}
	if c.LockKeyspace == "" {
		c.LockKeyspace = defaults.LockKeyspace
	}
	return c
}
