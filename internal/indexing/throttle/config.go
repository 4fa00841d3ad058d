package throttle

import "time"

// AdaptiveConfig holds configuration for adaptive sync scheduling.
type AdaptiveConfig struct {
	// Enabled controls whether adaptive scheduling is active
	Enabled bool

	// Interval bounds
	MinInterval time.Duration // Fastest polling rate while behind maxNSU (default: 5s)
	MaxInterval time.Duration // Slowest polling rate (default: 1h)

	// CaughtUpInterval is the wait the authority requires after cStat 137 (default: 1h)
	CaughtUpInterval time.Duration

	// Error backoff doubles per consecutive failed sync up to MaxInterval
	ErrorBackoffBase time.Duration // default: 1m
}

// DefaultConfig returns the authority's pacing rules.
func DefaultConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Enabled:          true,
		MinInterval:      5 * time.Second,
		MaxInterval:      time.Hour,
		CaughtUpInterval: time.Hour,
		ErrorBackoffBase: time.Minute,
	}
}
