package fec

import (
	"sync"
	"time"

	"github.com/meshbridge/corelink/internal/packet"
)

// PolicyConfig fixes the thresholds and shard counts a Controller
// hystereses between. All smoothing of raw loss samples happens
// upstream (in the path's own EWMA metrics) — the controller only
// applies caller-supplied inputs; it never learns from history itself.
type PolicyConfig struct {
	EnableThreshold  float64 // loss rate (0..1) above which FEC turns on
	DisableThreshold float64 // loss rate below which FEC turns back off
	MinObservation   time.Duration
	DefaultK         int
	DefaultR         int
	MaxR             int
}

// DefaultPolicyConfig matches the teacher's tuned defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		EnableThreshold:  0.01,
		DisableThreshold: 0.005,
		MinObservation:   30 * time.Second,
		DefaultK:         8,
		DefaultR:         2,
		MaxR:             4,
	}
}

// Select is the pure decision function named by the spec: given the
// caller's measured loss rate, the packet priority being scheduled,
// and a 0..1 network-quality score, it returns the profile and shard
// counts to use for the next block. It holds no state and always
// returns the same output for the same input.
func Select(cfg PolicyConfig, lossRate float64, priority packet.Priority, qualityScore float64) Params {
	switch {
	case lossRate <= 0 || qualityScore >= 0.99:
		return Params{Profile: ProfileNone, K: cfg.DefaultK, R: 0}
	case lossRate < cfg.EnableThreshold:
		return Params{Profile: ProfileXOR, K: cfg.DefaultK, R: 1}
	default:
		r := cfg.DefaultR
		switch {
		case lossRate > 0.05:
			r = cfg.MaxR
		case lossRate > 0.03:
			r = min(cfg.MaxR, cfg.DefaultR+1)
		}
		// Bulk traffic tolerates more latency from larger parity
		// blocks; Critical traffic favors XOR's lower overhead unless
		// loss is already high enough that Select chose RS above.
		if priority == packet.PriorityBulk {
			r = min(cfg.MaxR, r+1)
		}
		return Params{Profile: ProfileReedSolomon, K: cfg.DefaultK, R: r}
	}
}

// Controller adds hysteresis on top of Select so that a loss rate
// oscillating near a threshold does not flap the active profile on
// every tick: a change only commits after MinObservation has elapsed
// since the last one.
type Controller struct {
	cfg PolicyConfig

	mu         sync.Mutex
	current    Params
	lastChange time.Time
}

// NewController creates a controller starting from the "off" profile.
func NewController(cfg PolicyConfig) *Controller {
	return &Controller{
		cfg:        cfg,
		current:    Params{Profile: ProfileNone, K: cfg.DefaultK, R: 0},
	}
}

// Update applies the latest measurement and returns the profile now in
// effect. If less than MinObservation has passed since the last
// change, the previous profile is kept even if Select would pick a
// different one.
func (c *Controller) Update(now time.Time, lossRate float64, priority packet.Priority, qualityScore float64) Params {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidate := Select(c.cfg, lossRate, priority, qualityScore)
	if candidate.Profile == c.current.Profile && candidate.R == c.current.R {
		return c.current
	}
	if now.Sub(c.lastChange) < c.cfg.MinObservation {
		return c.current
	}

	c.current = candidate
	c.lastChange = now
	return c.current
}

// Current returns the profile currently in effect without applying a
// new measurement.
func (c *Controller) Current() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
