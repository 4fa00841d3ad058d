package throttle

import (
	"time"
)

// Observation is what the scheduler learned from the last sync of a tenant.
type Observation struct {
	// CaughtUp is true after cStat 137 or when ultNSU reached maxNSU
	CaughtUp bool
	// Failed is true when the sync ended in error
	Failed bool
	// BlockedUntil is set while the authority throttle window is active
	BlockedUntil *time.Time
	// Lag is maxNSU - lastNSU as reported by the authority
	Lag uint64
}

// AdaptiveController computes the wait before the next sync of one tenant.
type AdaptiveController struct {
	tenantID     string
	baseInterval time.Duration
	config       AdaptiveConfig

	// Current state (for metrics)
	currentInterval   time.Duration
	consecutiveErrors int
}

// NewAdaptiveController creates a new adaptive controller.
func NewAdaptiveController(
	tenantID string,
	baseInterval time.Duration,
	config AdaptiveConfig,
) *AdaptiveController {
	return &AdaptiveController{
		tenantID:        tenantID,
		baseInterval:    baseInterval,
		config:          config,
		currentInterval: baseInterval,
	}
}

// ComputeInterval calculates the wait before the next sync.
//
// Algorithm:
//   - blocked: wait until BlockedUntil (never shorter than min interval)
//   - failed: base error backoff doubled per consecutive failure
//   - caught up: caught-up interval (authority rule after cStat 137)
//   - lag > 0: min interval (more windows are waiting)
//   - otherwise: base interval
func (c *AdaptiveController) ComputeInterval(obs Observation, now time.Time) time.Duration {
	if obs.BlockedUntil != nil && obs.BlockedUntil.After(now) {
		c.consecutiveErrors = 0
		interval := obs.BlockedUntil.Sub(now)
		if interval < c.config.MinInterval {
			interval = c.config.MinInterval
		}
		c.currentInterval = interval
		return interval
	}

	if obs.Failed {
		c.consecutiveErrors++
	} else {
		c.consecutiveErrors = 0
	}

	if !c.config.Enabled {
		c.currentInterval = c.baseInterval
		return c.baseInterval
	}

	var interval time.Duration

	switch {
	case obs.Failed:
		interval = c.config.ErrorBackoffBase
		for i := 1; i < c.consecutiveErrors && interval < c.config.MaxInterval; i++ {
			interval *= 2
		}

	case obs.CaughtUp:
		interval = c.config.CaughtUpInterval

	case obs.Lag > 0:
		interval = c.config.MinInterval

	default:
		interval = c.baseInterval
	}

	// Enforce bounds
	if interval < c.config.MinInterval {
		interval = c.config.MinInterval
	}
	if interval > c.config.MaxInterval && !obs.CaughtUp {
		interval = c.config.MaxInterval
	}

	c.currentInterval = interval
	return interval
}

// GetCurrentInterval returns the last computed interval (for metrics).
func (c *AdaptiveController) GetCurrentInterval() time.Duration {
	return c.currentInterval
}

// ConsecutiveErrors returns the number of failed syncs in a row.
func (c *AdaptiveController) ConsecutiveErrors() int {
	return c.consecutiveErrors
}
