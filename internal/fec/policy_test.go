package fec

import (
	"testing"
	"time"

	"github.com/meshbridge/corelink/internal/packet"
)

func TestSelectIsPureAndDeterministic(t *testing.T) {
	cfg := DefaultPolicyConfig()
	a := Select(cfg, 0.02, packet.PriorityNormal, 0.8)
	b := Select(cfg, 0.02, packet.PriorityNormal, 0.8)
	if a != b {
		t.Fatalf("Select is not deterministic: %+v != %+v", a, b)
	}
}

func TestSelectEscalatesWithLossRate(t *testing.T) {
	cfg := DefaultPolicyConfig()

	none := Select(cfg, 0, packet.PriorityNormal, 1.0)
	if none.Profile != ProfileNone {
		t.Fatalf("expected ProfileNone at zero loss, got %v", none.Profile)
	}

	light := Select(cfg, 0.005, packet.PriorityNormal, 0.9)
	if light.Profile != ProfileXOR {
		t.Fatalf("expected ProfileXOR at light loss, got %v", light.Profile)
	}

	heavy := Select(cfg, 0.08, packet.PriorityNormal, 0.2)
	if heavy.Profile != ProfileReedSolomon {
		t.Fatalf("expected ProfileReedSolomon at heavy loss, got %v", heavy.Profile)
	}
	if heavy.R != cfg.MaxR {
		t.Fatalf("expected max parity shards at heavy loss, got r=%d", heavy.R)
	}
}

func TestControllerHoldsProfileWithinObservationWindow(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.MinObservation = time.Minute
	c := NewController(cfg)

	start := time.Now()
	first := c.Update(start, 0.08, packet.PriorityNormal, 0.2)
	if first.Profile != ProfileReedSolomon {
		t.Fatalf("expected first update to adopt ReedSolomon, got %v", first.Profile)
	}

	// A measurement 10s later would pick a different profile, but the
	// observation window has not elapsed yet.
	held := c.Update(start.Add(10*time.Second), 0, packet.PriorityNormal, 1.0)
	if held.Profile != ProfileReedSolomon {
		t.Fatalf("expected profile to hold within observation window, got %v", held.Profile)
	}

	// Past the window, the controller adopts the new candidate.
	changed := c.Update(start.Add(2*time.Minute), 0, packet.PriorityNormal, 1.0)
	if changed.Profile != ProfileNone {
		t.Fatalf("expected profile to change after observation window elapsed, got %v", changed.Profile)
	}
}
