// Package handover implements the active-path switchover state
// machine: it watches path metrics, decides when the active path has
// degraded enough to warrant a move, scores candidates, and drives the
// migration sequence that keeps receiver ordering intact across the
// switch.
package handover

import (
	"errors"
	"sync"
	"time"

	"github.com/meshbridge/corelink/internal/netpath"
)

// State is the controller's place in its switchover state machine.
type State int

const (
	StateStable State = iota
	StateProbing
	StateMigrating
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "Stable"
	case StateProbing:
		return "Probing"
	case StateMigrating:
		return "Migrating"
	default:
		return "Unknown"
	}
}

var validTransitions = map[State][]State{
	StateStable:    {StateProbing},
	StateProbing:   {StateMigrating, StateStable},
	StateMigrating: {StateStable},
}

// ErrInvalidTransition is returned by TransitionTo for a state change
// not present in validTransitions.
var ErrInvalidTransition = errors.New("handover: invalid state transition")

// Policy names one of the three switchover styles the spec names;
// each carries its own scoring weights, trigger thresholds, and
// overlap behavior during migration.
type Policy int

const (
	PolicySmooth Policy = iota
	PolicyImmediate
	PolicyAggressive
)

func (p Policy) String() string {
	switch p {
	case PolicySmooth:
		return "Smooth"
	case PolicyImmediate:
		return "Immediate"
	case PolicyAggressive:
		return "Aggressive"
	default:
		return "Unknown"
	}
}

// Weights are the composite-score coefficients: score = w1*(1-loss) -
// w2*rttRatio - w3*jitterSeconds. Larger is better.
type Weights struct {
	Loss    float64
	RTT     float64
	Jitter  float64
}

// Config holds the tunables for one policy, with Smooth/Immediate/
// Aggressive defaults in DefaultConfig matching spec §4.6.
type Config struct {
	Policy Policy

	RTTSpikeRatio  float64       // trigger if rtt_avg exceeds baseline by this fraction
	LossTrigger    float64       // trigger if loss rate exceeds this fraction
	PathDownAfter  time.Duration // trigger if a path has been silent this long
	Window         time.Duration // observation window W for RTT/loss triggers

	Weights Weights

	// OverlapWindow is stored in the config only: neither Controller nor
	// the endpoint reads it. A migration switches the active path in one
	// step and no path forwards duplicates.
	OverlapWindow time.Duration
}

// DefaultConfig returns the tuned defaults for a policy: Smooth and
// Immediate share the base window and triggers (Smooth records a
// 500ms OverlapWindow, Immediate none); Aggressive uses a shorter
// window and lower RTT and loss triggers.
func DefaultConfig(policy Policy) Config {
	base := Config{
		Policy:        policy,
		RTTSpikeRatio: 0.40,
		LossTrigger:   0.07,
		PathDownAfter: 5 * time.Second,
		Window:        2 * time.Second,
		Weights:       Weights{Loss: 1.0, RTT: 0.6, Jitter: 0.3},
	}
	switch policy {
	case PolicySmooth:
		base.OverlapWindow = 500 * time.Millisecond
	case PolicyImmediate:
		base.OverlapWindow = 0
	case PolicyAggressive:
		base.Window = time.Second
		base.RTTSpikeRatio = 0.25
		base.LossTrigger = 0.05
		base.OverlapWindow = 0
	}
	return base
}

// Reason is the cause attached to a Migration event, forwarded to the
// fallback supervisor.
type Reason int

const (
	ReasonRTTSpike Reason = iota
	ReasonLossThreshold
	ReasonPathDown
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonRTTSpike:
		return "rtt_spike"
	case ReasonLossThreshold:
		return "loss_threshold"
	case ReasonPathDown:
		return "path_down"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Migration describes one completed or failed switchover.
type Migration struct {
	FromPathID uint16
	ToPathID   uint16
	Reason     Reason
	Failed     bool
	At         time.Time

	// OldPathNextSequence is one above the highest sequence sent on
	// the old path: the lowest sequence number the new path may use,
	// preserving per-transfer orderability across the switch.
	OldPathNextSequence uint64
}

// Controller is a single-transfer handover state machine. It is not
// safe to drive concurrently from more than one goroutine pushing
// path updates, but Active and State are safe to read from any
// goroutine.
type Controller struct {
	cfg   Config
	paths *netpath.Set

	mu          sync.Mutex
	state       State
	activeID    uint16
	hasActive   bool
	migrating   bool
	nextSeqBase map[uint16]uint64 // per path: one above the highest sequence sent on it

	onMigration func(Migration)
}

// NewController creates a controller with no active path yet; the
// first call to SetActive establishes it without emitting a migration.
func NewController(cfg Config, paths *netpath.Set, onMigration func(Migration)) *Controller {
	return &Controller{
		cfg:         cfg,
		paths:       paths,
		state:       StateStable,
		nextSeqBase: make(map[uint16]uint64),
		onMigration: onMigration,
	}
}

// SetActive pins the initial active path without going through the
// Probing/Migrating states; used when the endpoint opens its first
// path.
func (c *Controller) SetActive(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeID = id
	c.hasActive = true
}

// Active returns the current active path id and whether one has been
// set.
func (c *Controller) Active() (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID, c.hasActive
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) transitionTo(s State) error {
	allowed := validTransitions[c.state]
	for _, a := range allowed {
		if a == s {
			c.state = s
			return nil
		}
	}
	return ErrInvalidTransition
}

// Baseline is the per-path RTT floor the trigger compares against,
// supplied by the caller (typically the path's own RTTMin at the time
// it became active) rather than recomputed here — keeping this
// decision a function of caller-supplied inputs.
type Baseline struct {
	RTT time.Duration
}

// Evaluate runs one tick of the trigger/candidate-selection/migration
// pipeline against the current path snapshots. It returns the
// Migration that resulted, or nil if no trigger fired or migration was
// already in flight.
func (c *Controller) Evaluate(now time.Time, baseline Baseline) *Migration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasActive || c.migrating {
		return nil
	}

	active, ok := c.paths.Get(c.activeID)
	if !ok {
		return nil
	}
	snap := active.Snapshot()

	reason, triggered := c.checkTrigger(snap, now, baseline)
	if !triggered {
		return nil
	}

	if err := c.transitionTo(StateProbing); err != nil {
		return nil
	}

	candidateID, found := c.selectCandidate(snap)
	if !found {
		// Single-path boundary: no migration possible. Record the
		// failure and fall back to Stable without a state-machine
		// error — HandoverFailed is a normal outcome, not a bug.
		_ = c.transitionTo(StateStable)
		m := Migration{FromPathID: c.activeID, ToPathID: c.activeID, Reason: reason, Failed: true, At: now}
		if c.onMigration != nil {
			c.onMigration(m)
		}
		return &m
	}

	if err := c.transitionTo(StateMigrating); err != nil {
		return nil
	}
	c.migrating = true

	floor := c.nextSeqBase[c.activeID]
	m := Migration{
		FromPathID:          c.activeID,
		ToPathID:            candidateID,
		Reason:              reason,
		At:                  now,
		OldPathNextSequence: floor,
	}

	c.activeID = candidateID
	c.hasActive = true
	c.migrating = false
	_ = c.transitionTo(StateStable)

	if c.onMigration != nil {
		c.onMigration(m)
	}
	return &m
}

// RecordSentSequence tells the controller the highest sequence number
// sent so far on a path, so a future migration away from it starts the
// new path strictly above it.
func (c *Controller) RecordSentSequence(pathID uint16, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq+1 > c.nextSeqBase[pathID] {
		c.nextSeqBase[pathID] = seq + 1
	}
}

func (c *Controller) checkTrigger(snap netpath.Snapshot, now time.Time, baseline Baseline) (Reason, bool) {
	if snap.IsDownSince(now, c.cfg.PathDownAfter) {
		return ReasonPathDown, true
	}
	if snap.LossRate > c.cfg.LossTrigger {
		return ReasonLossThreshold, true
	}
	if baseline.RTT > 0 {
		ratio := float64(snap.RTTAvg-baseline.RTT) / float64(baseline.RTT)
		if ratio > c.cfg.RTTSpikeRatio {
			return ReasonRTTSpike, true
		}
	}
	return 0, false
}

// score computes the composite candidate score from spec §4.6:
// score = w1*(1-loss) - w2*rttRatio - w3*jitterSeconds, where rttRatio
// is the candidate's RTT relative to the active path's RTT (so a
// candidate twice as slow scores the same regardless of absolute
// units).
func (c *Controller) score(candidate, active netpath.Snapshot) float64 {
	rttRatio := 1.0
	if active.RTTAvg > 0 {
		rttRatio = float64(candidate.RTTAvg) / float64(active.RTTAvg)
	}
	return c.cfg.Weights.Loss*(1-candidate.LossRate) -
		c.cfg.Weights.RTT*rttRatio -
		c.cfg.Weights.Jitter*candidate.Jitter.Seconds()
}

// selectCandidate picks the healthy (non-Down) path other than the
// active one with the best composite score. It reports found=false
// when the active path is the only one available — the single-path
// HandoverFailed boundary case.
func (c *Controller) selectCandidate(active netpath.Snapshot) (uint16, bool) {
	var bestID uint16
	bestScore := -1e18
	found := false

	for _, p := range c.paths.All() {
		if p.ID == c.activeID {
			continue
		}
		if p.Status() == netpath.StatusDown {
			continue
		}
		snap := p.Snapshot()
		s := c.score(snap, active)
		if !found || s > bestScore {
			bestID = p.ID
			bestScore = s
			found = true
		}
	}
	return bestID, found
}
