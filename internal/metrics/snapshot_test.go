package metrics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/meshbridge/corelink/internal/fallback"
	"github.com/meshbridge/corelink/internal/fec"
	"github.com/meshbridge/corelink/internal/netpath"
)

func TestBuildPathSummaryOmitsUnmeasuredFields(t *testing.T) {
	p := netpath.New(1, netpath.KindWiFi)
	row := BuildPathSummary(p.Snapshot())

	if row.RTTAvgMS != nil || row.LossRate != nil || row.ThroughputBps != nil {
		t.Fatalf("expected nil measurement fields before any sample, got %+v", row)
	}

	b, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"rtt_avg_ms", "rtt_p95_ms", "jitter_ms", "loss_rate", "throughput_bps"} {
		if _, present := m[field]; present {
			t.Fatalf("expected field %q to be omitted, present in %v", field, m)
		}
	}
}

func TestBuildPathSummaryIncludesFieldsAfterSample(t *testing.T) {
	p := netpath.New(2, netpath.KindCellular)
	now := time.Unix(1000, 0)
	p.Metrics.ObserveRTT(50*time.Millisecond, now)
	row := BuildPathSummary(p.Snapshot())

	if row.RTTAvgMS == nil {
		t.Fatal("expected rtt_avg_ms to be populated after a sample")
	}
	if *row.RTTAvgMS <= 0 {
		t.Fatalf("expected positive rtt_avg_ms, got %f", *row.RTTAvgMS)
	}
}

func TestBuildFECStatsReflectsActiveProfile(t *testing.T) {
	params := fec.Params{Profile: fec.ProfileReedSolomon, K: 8, R: 3}
	stats := BuildFECStats(params, 42, 1)

	if stats.ActiveProfile != "ReedSolomon" || stats.K != 8 || stats.R != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ReconstructionsTotal != 42 || stats.ReconstructionFailures != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
}

func TestBuildFallbackStateOmitsTransitionBeforeAnyDegrade(t *testing.T) {
	fs := BuildFallbackState(fallback.LevelFullExperimental, fallback.StrategyAutomatic, time.Time{})
	if fs.LastTransition != nil {
		t.Fatal("expected no last_transition before any degrade")
	}
	if fs.Level != "FullExperimental" || fs.Strategy != "Automatic" {
		t.Fatalf("unexpected state: %+v", fs)
	}
}

func TestSnapshotJSONRoundTrips(t *testing.T) {
	snap := Snapshot{
		GeneratedAt: time.Unix(2000, 0),
		Health:      Health{Status: "ok", UptimeSeconds: 120},
		Network:     Network{ActivePaths: 2},
		Transfers:   []TransferSummary{{TransferID: "t1", Direction: "send", State: "active", BytesTransferred: 10}},
		Paths:       []PathSummary{{PathID: 1, Kind: "WiFi", Status: "Active"}},
		FallbackState: FallbackState{
			Level:    "FullExperimental",
			Strategy: "Automatic",
		},
		FECStats: FECStats{ActiveProfile: "None", K: 4, R: 0},
	}

	b, err := snap.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Health.Status != "ok" || decoded.Network.ActivePaths != 2 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if len(decoded.Transfers) != 1 || decoded.Transfers[0].TransferID != "t1" {
		t.Fatalf("transfers did not round trip: %+v", decoded.Transfers)
	}
}
