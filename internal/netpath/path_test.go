package netpath

import (
	"testing"
	"time"
)

func TestPathStartsActive(t *testing.T) {
	p := New(1, KindWiFi)
	if p.Status() != StatusActive {
		t.Fatalf("expected new path to start Active, got %v", p.Status())
	}
}

func TestSetStatusTransitions(t *testing.T) {
	p := New(1, KindCellular)
	p.SetStatus(StatusStandby)
	if p.Status() != StatusStandby {
		t.Fatalf("expected Standby, got %v", p.Status())
	}
	p.SetStatus(StatusDown)
	if p.Status() != StatusDown {
		t.Fatalf("expected Down, got %v", p.Status())
	}
}

func TestObserveRTTTracksAverageAndJitter(t *testing.T) {
	m := newMetrics()
	now := time.Now()

	m.ObserveRTT(50*time.Millisecond, now)
	snap := m.snapshot(1, KindWiFi, StatusActive)
	if snap.RTTAvg != 50*time.Millisecond {
		t.Fatalf("expected first sample to set RTTAvg directly, got %v", snap.RTTAvg)
	}
	if snap.Jitter != 0 {
		t.Fatalf("expected zero jitter on first sample, got %v", snap.Jitter)
	}

	m.ObserveRTT(60*time.Millisecond, now.Add(time.Second))
	snap = m.snapshot(1, KindWiFi, StatusActive)
	if snap.RTTAvg <= 50*time.Millisecond || snap.RTTAvg >= 60*time.Millisecond {
		t.Fatalf("expected RTTAvg to move toward 60ms but stay smoothed, got %v", snap.RTTAvg)
	}
	if snap.Jitter == 0 {
		t.Fatal("expected nonzero jitter after a differing second sample")
	}
	if snap.RTTMin != 50*time.Millisecond {
		t.Fatalf("expected RTTMin to stay at the lower sample, got %v", snap.RTTMin)
	}
}

func TestObserveLossAccumulatesRateOverWindow(t *testing.T) {
	m := newMetrics()
	now := time.Now()

	for i := 0; i < 19; i++ {
		m.ObserveLoss(false, now)
	}
	snap := m.snapshot(1, KindWiFi, StatusActive)
	if snap.LossRate != 0 {
		t.Fatalf("expected no rate update before window fills, got %v", snap.LossRate)
	}

	m.ObserveLoss(true, now) // 20th sample closes the window: 1/20 lost
	snap = m.snapshot(1, KindWiFi, StatusActive)
	if snap.LossRate <= 0 {
		t.Fatalf("expected nonzero loss rate once window closes, got %v", snap.LossRate)
	}
}

func TestObserveLossTracksConsecutiveLoss(t *testing.T) {
	m := newMetrics()
	now := time.Now()

	m.ObserveLoss(true, now)
	m.ObserveLoss(true, now)
	snap := m.snapshot(1, KindWiFi, StatusActive)
	if snap.ConsecutiveLoss != 2 {
		t.Fatalf("expected 2 consecutive losses, got %d", snap.ConsecutiveLoss)
	}

	m.ObserveLoss(false, now)
	snap = m.snapshot(1, KindWiFi, StatusActive)
	if snap.ConsecutiveLoss != 0 {
		t.Fatalf("expected consecutive loss counter to reset on delivery, got %d", snap.ConsecutiveLoss)
	}
}

func TestObserveThroughputFoldsAfterWindow(t *testing.T) {
	m := newMetrics()
	now := time.Now()
	m.windowStart = now

	m.ObserveThroughput(1024, now)
	snap := m.snapshot(1, KindWiFi, StatusActive)
	if snap.ThroughputBps != 0 {
		t.Fatalf("expected no throughput sample before window elapses, got %v", snap.ThroughputBps)
	}

	m.ObserveThroughput(1024*1024, now.Add(3*time.Second))
	snap = m.snapshot(1, KindWiFi, StatusActive)
	if snap.ThroughputBps <= 0 {
		t.Fatalf("expected positive throughput once the window elapses, got %v", snap.ThroughputBps)
	}
}

func TestIsDownSince(t *testing.T) {
	now := time.Now()
	snap := Snapshot{LastPacketAt: now.Add(-10 * time.Second)}
	if !snap.IsDownSince(now, 5*time.Second) {
		t.Fatal("expected path silent for 10s to be considered down at a 5s threshold")
	}
	if snap.IsDownSince(now, 20*time.Second) {
		t.Fatal("expected path not to be considered down at a 20s threshold")
	}

	var zero Snapshot
	if zero.IsDownSince(now, time.Second) {
		t.Fatal("expected a path with no samples yet to not be reported down")
	}
}
