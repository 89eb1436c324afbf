package session

import "time"

// Config holds the pool limits and persistence timings.
type Config struct {
	MaxClients     int
	MaxInactivity  time.Duration
	SweepInterval  time.Duration
	ConnectTimeout time.Duration

	HandshakeTTL time.Duration
	ActivityTTL  time.Duration

	StoreTimeout   time.Duration
	EnqueueTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxClients:     30,
		MaxInactivity:  30 * 24 * time.Hour,
		SweepInterval:  24 * time.Hour,
		ConnectTimeout: 60 * time.Second,
		HandshakeTTL:   120 * time.Second,
		ActivityTTL:    30 * 24 * time.Hour,
		StoreTimeout:   5 * time.Second,
		EnqueueTimeout: 5 * time.Second,
	}
}

// normalized fills zero values from DefaultConfig.
// SweepInterval and ConnectTimeout keep zero: it disables the background sweep
// and the Acquire deadline respectively.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxClients <= 0 {
		c.MaxClients = d.MaxClients
	}
	if c.MaxInactivity <= 0 {
		c.MaxInactivity = d.MaxInactivity
	}
	if c.SweepInterval < 0 {
		c.SweepInterval = 0
	}
	if c.ConnectTimeout < 0 {
		c.ConnectTimeout = 0
	}
	if c.HandshakeTTL <= 0 {
		c.HandshakeTTL = d.HandshakeTTL
	}
	if c.ActivityTTL <= 0 {
		c.ActivityTTL = d.ActivityTTL
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = d.EnqueueTimeout
	}
	return c
}
