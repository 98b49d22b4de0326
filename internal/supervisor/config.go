package supervisor

import "time"

type Config struct {
	Interval           time.Duration
	StalenessThreshold time.Duration
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	MaxRetries         int
	BatchSize          int
	Workers            int
}

func DefaultConfig() Config {
	return Config{
		Interval:           15 * time.Second,
		StalenessThreshold: 30 * time.Second,
		BaseDelay:          5 * time.Second,
		MaxDelay:           5 * time.Minute,
		MaxRetries:         5,
		BatchSize:          50,
		Workers:            4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = d.StalenessThreshold
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}
