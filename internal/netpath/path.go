// Package netpath models a single logical transport bound to a
// distinct access link: its lifecycle, and the EWMA-smoothed RTT,
// jitter, loss, and throughput metrics the handover controller and
// scheduler read.
package netpath

import (
	"fmt"
	"sync"
	"time"
)

// Kind is informational: it does not change how a path is scored, but
// is surfaced in metrics snapshots for the dashboard collaborator.
type Kind uint8

const (
	KindOther Kind = iota
	KindWiFi
	KindCellular
	KindSatellite
	KindEthernet
)

func (k Kind) String() string {
	switch k {
	case KindWiFi:
		return "WiFi"
	case KindCellular:
		return "Cellular"
	case KindSatellite:
		return "Satellite"
	case KindEthernet:
		return "Ethernet"
	default:
		return "Other"
	}
}

// Status is a path's place in its lifecycle.
type Status uint8

const (
	StatusActive Status = iota
	StatusStandby
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusStandby:
		return "Standby"
	case StatusDown:
		return "Down"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Snapshot is an immutable copy of a path's metrics at one instant,
// safe to hand to readers (handover, metrics snapshot) without locking.
type Snapshot struct {
	ID              uint16
	Kind            Kind
	Status          Status
	RTTAvg          time.Duration
	RTTMin          time.Duration
	RTTP95          time.Duration
	Jitter          time.Duration
	LossRate        float64
	ThroughputBps   float64
	LastSampleAt    time.Time
	LastPacketAt    time.Time
	ConsecutiveLoss int
}

// metrics is the single-writer EWMA state updated by the path's own
// receive task. Readers only ever see cloned Snapshots.
type metrics struct {
	mu sync.Mutex

	rttAvg   time.Duration
	rttMin   time.Duration
	rttP95   time.Duration // approximated via an EWMA biased toward recent highs
	jitter   time.Duration
	lossRate float64

	lastRTT time.Duration
	hasRTT  bool

	sentWindow int
	lostWindow int

	throughputBps float64
	bytesWindow   int64
	windowStart   time.Time

	lastSampleAt    time.Time
	lastPacketAt    time.Time
	consecutiveLoss int
}

const (
	rttAlpha    = 0.125 // matches TCP's classic SRTT smoothing factor
	jitterAlpha = 0.25
	lossAlpha   = 0.2
	p95Alpha    = 0.05 // slow-moving, biased toward the tail
	throughputWindow = 2 * time.Second
)

func newMetrics() *metrics {
	return &metrics{windowStart: time.Now()}
}

// ObserveRTT folds a fresh RTT sample (from an explicit sample packet
// or an ack) into the EWMA state.
func (m *metrics) ObserveRTT(sample time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasRTT {
		m.rttAvg = sample
		m.rttMin = sample
		m.rttP95 = sample
		m.hasRTT = true
	} else {
		delta := sample - m.lastRTT
		if delta < 0 {
			delta = -delta
		}
		m.jitter = time.Duration(float64(m.jitter)*(1-jitterAlpha) + float64(delta)*jitterAlpha)

		m.rttAvg = time.Duration(float64(m.rttAvg)*(1-rttAlpha) + float64(sample)*rttAlpha)
		if sample < m.rttMin {
			m.rttMin = sample
		}
		if sample > m.rttP95 {
			m.rttP95 = time.Duration(float64(m.rttP95)*(1-p95Alpha) + float64(sample)*p95Alpha*4)
		} else {
			m.rttP95 = time.Duration(float64(m.rttP95)*(1-p95Alpha) + float64(sample)*p95Alpha)
		}
	}
	m.lastRTT = sample
	m.lastSampleAt = now
	m.lastPacketAt = now
}

// ObserveLoss records one sent packet and whether it was detected lost
// (via sequence-gap analysis or an ack timeout).
func (m *metrics) ObserveLoss(lost bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sentWindow++
	if lost {
		m.lostWindow++
		m.consecutiveLoss++
	} else {
		m.consecutiveLoss = 0
		m.lastPacketAt = now
	}

	// Re-derive the instantaneous rate from this window, fold into the
	// EWMA, then reset the window once it has enough samples to be
	// meaningful.
	if m.sentWindow >= 20 {
		instant := float64(m.lostWindow) / float64(m.sentWindow)
		m.lossRate = m.lossRate*(1-lossAlpha) + instant*lossAlpha
		m.sentWindow = 0
		m.lostWindow = 0
	}
}

// ObserveThroughput accumulates bytesReceived and periodically folds a
// bytes-per-second sample into the running rate.
func (m *metrics) ObserveThroughput(bytesReceived int64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.bytesWindow += bytesReceived
	m.lastPacketAt = now

	elapsed := now.Sub(m.windowStart)
	if elapsed >= throughputWindow {
		m.throughputBps = float64(m.bytesWindow) / elapsed.Seconds()
		m.bytesWindow = 0
		m.windowStart = now
	}
}

func (m *metrics) snapshot(id uint16, kind Kind, status Status) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		ID:              id,
		Kind:            kind,
		Status:          status,
		RTTAvg:          m.rttAvg,
		RTTMin:          m.rttMin,
		RTTP95:          m.rttP95,
		Jitter:          m.jitter,
		LossRate:        m.lossRate,
		ThroughputBps:   m.throughputBps,
		LastSampleAt:    m.lastSampleAt,
		LastPacketAt:    m.lastPacketAt,
		ConsecutiveLoss: m.consecutiveLoss,
	}
}

// Path is a logical transport bound to one access link.
type Path struct {
	ID     uint16
	Kind   Kind
	Metrics *metrics

	mu     sync.RWMutex
	status Status
}

// New creates a path in Active status, as it would be immediately
// after the endpoint opens it.
func New(id uint16, kind Kind) *Path {
	return &Path{
		ID:      id,
		Kind:    kind,
		Metrics: newMetrics(),
		status:  StatusActive,
	}
}

// Status returns the path's current lifecycle status.
func (p *Path) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// SetStatus transitions the path, as directed by the handover
// controller (promote to Active, demote to Standby) or the endpoint
// (Down on probe failure / explicit close).
func (p *Path) SetStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// Snapshot returns an immutable view of the path's current metrics,
// safe to read without further locking.
func (p *Path) Snapshot() Snapshot {
	return p.Metrics.snapshot(p.ID, p.Kind, p.Status())
}

// IsDownSince reports whether the path has gone silent for at least d,
// used by the handover trigger's "path down" rule (spec default: 5s).
func (s Snapshot) IsDownSince(now time.Time, d time.Duration) bool {
	if s.LastPacketAt.IsZero() {
		return false
	}
	return now.Sub(s.LastPacketAt) >= d
}
