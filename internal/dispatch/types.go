package dispatch

import (
	"context"
	"time"
)

// Config controls the dispatcher loop.
type Config struct {
	Enabled bool
	Workers int // default 2

	// TickInterval is the poll resolution. Coarser than real time, but the
	// staleness is bounded and acceptable for this domain. Default 30s.
	TickInterval time.Duration

	// ExecTimeout bounds a single executor backend call. Default 30s.
	ExecTimeout time.Duration

	// MaxAttempts is the retry budget per action. Default 3.
	MaxAttempts int

	// Retry backoff: exponential from RetryBase, capped at RetryMaxDelay.
	// Defaults 1m / 30m. Retries are scheduled by advancing the record's
	// trigger time, not by sleeping, so they survive restarts.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// StaleClaim is how long an Executing claim may sit before startup
	// recovery releases it back to Confirmed (crash between claim and
	// acknowledgement). Default 5m.
	StaleClaim time.Duration

	// FatalAfter is how many consecutive store scan failures halt the loop.
	// Store unavailability is the only fatal condition. Default 3.
	FatalAfter int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	if c.StaleClaim <= 0 {
		c.StaleClaim = 5 * time.Minute
	}
	if c.FatalAfter <= 0 {
		c.FatalAfter = 3
	}
	return c
}

// Sweeper is the confirmation-expiry hook run once per tick (workflow
// implements it). It shares the dispatcher's wall clock so expiry and
// retries stay on the same timeline.
type Sweeper interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// backoffDelay returns the trigger advance before retry number `attempt`
// (1-based): 1m, 2m, 4m, ... capped at RetryMaxDelay.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			return cfg.RetryMaxDelay
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
