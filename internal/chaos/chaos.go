// Package chaos provides deterministic failure injection for venue calls,
// used by the paper-trading venue and by resilience tests.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Chaos injects venue-call failures and delays from a seeded RNG so runs
// are reproducible.
type Chaos struct {
	cfg    *Config
	logger *zap.Logger
	rng    *rand.Rand
	mu     sync.Mutex
	start  time.Time
}

// New creates a Chaos instance.
func New(cfg *Config, logger *zap.Logger) *Chaos {
	c := &Chaos{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		start:  time.Now(),
	}

	if cfg.Profile != "" {
		dropPct, rateLimitPct, delayMin, delayMax, err := ParseProfile(cfg.Profile)
		if err != nil {
			logger.Warn("failed to parse chaos profile", zap.Error(err))
		} else {
			if dropPct > 0 {
				cfg.DropPct = dropPct
			}
			if rateLimitPct > 0 {
				cfg.RateLimitPct = rateLimitPct
			}
			if delayMin > 0 || delayMax > 0 {
				cfg.DelayMsMin = delayMin
				cfg.DelayMsMax = delayMax
			}
		}
	}

	return c
}

// EnabledFor checks whether injection applies to a specific venue.
func (c *Chaos) EnabledFor(venueName string) bool {
	if !c.cfg.Enabled {
		return false
	}

	if c.cfg.WindowMs > 0 {
		elapsed := time.Since(c.start).Milliseconds()
		if elapsed > int64(c.cfg.WindowMs) {
			return false
		}
	}

	if c.cfg.TargetVenue != "" && c.cfg.TargetVenue != venueName {
		return false
	}

	return true
}

// MaybeDelay injects a random delay if injection is enabled.
func (c *Chaos) MaybeDelay(ctx context.Context, venueName, op string) error {
	if !c.EnabledFor(venueName) {
		return nil
	}

	if c.cfg.DelayMsMin == 0 && c.cfg.DelayMsMax == 0 {
		return nil
	}

	c.mu.Lock()
	var delayMs int
	if c.cfg.DelayMsMin == c.cfg.DelayMsMax {
		delayMs = c.cfg.DelayMsMin
	} else {
		delayMs = c.cfg.DelayMsMin + c.rng.Intn(c.cfg.DelayMsMax-c.cfg.DelayMsMin+1)
	}
	c.mu.Unlock()

	if delayMs > 0 {
		c.logger.Info("chaos delay injected",
			zap.String("venue", venueName),
			zap.String("op", op),
			zap.Int("delay_ms", delayMs),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delayMs) * time.Millisecond):
			return nil
		}
	}

	return nil
}

// MaybeDrop returns true if the call should fail as venue-unavailable.
func (c *Chaos) MaybeDrop(venueName, op string) bool {
	return c.roll(venueName, op, c.cfg.DropPct, "drop")
}

// MaybeRateLimit returns true if the call should fail as rate-limited.
func (c *Chaos) MaybeRateLimit(venueName, op string) bool {
	return c.roll(venueName, op, c.cfg.RateLimitPct, "rate_limit")
}

func (c *Chaos) roll(venueName, op string, pct int, kind string) bool {
	if !c.EnabledFor(venueName) || pct == 0 {
		return false
	}

	c.mu.Lock()
	hit := c.rng.Intn(100) < pct
	c.mu.Unlock()

	if hit {
		c.logger.Info("chaos failure injected",
			zap.String("venue", venueName),
			zap.String("op", op),
			zap.String("kind", kind),
		)
	}

	return hit
}
