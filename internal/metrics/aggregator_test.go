package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/meshbridge/corelink/internal/fallback"
	"github.com/meshbridge/corelink/internal/fec"
	"github.com/meshbridge/corelink/internal/netpath"
	"github.com/meshbridge/corelink/internal/observability"
)

func TestAggregatorBuildOmitsNetworkFieldsWithoutSamples(t *testing.T) {
	health := observability.NewHealthChecker("test")
	health.RegisterCheck("always-ok", func(ctx context.Context) observability.ComponentHealth {
		return observability.ComponentHealth{Status: observability.HealthStatusOK}
	})

	paths := netpath.NewSet()
	paths.Add(netpath.New(1, netpath.KindWiFi))

	sup := fallback.New(fallback.DefaultConfig(fallback.StrategyAutomatic), nil)

	agg := NewAggregator(health, paths, sup,
		func() fec.Params { return fec.Params{Profile: fec.ProfileXOR, K: 4, R: 1} },
		func() []TransferSummary { return nil },
		func() (int64, int64) { return 0, 0 },
	)

	snap := agg.Build(time.Unix(5000, 0))

	if snap.Health.Status != "ok" {
		t.Fatalf("expected health ok, got %q", snap.Health.Status)
	}
	if snap.Network.ActivePaths != 1 {
		t.Fatalf("expected 1 active path, got %d", snap.Network.ActivePaths)
	}
	if snap.Network.AverageLossRate != nil || snap.Network.AggregateBps != nil {
		t.Fatalf("expected nil network measurement fields with no samples, got %+v", snap.Network)
	}
	if len(snap.Paths) != 1 {
		t.Fatalf("expected 1 path row, got %d", len(snap.Paths))
	}
	if len(snap.Transfers) != 0 {
		t.Fatalf("expected empty transfers slice, not nil/fabricated entries, got %+v", snap.Transfers)
	}
	if snap.FallbackState.Level != "FullExperimental" {
		t.Fatalf("unexpected fallback level: %s", snap.FallbackState.Level)
	}
	if snap.FECStats.ActiveProfile != "XOR" {
		t.Fatalf("unexpected fec profile: %s", snap.FECStats.ActiveProfile)
	}
}

func TestAggregatorBuildIncludesNetworkAveragesAfterSamples(t *testing.T) {
	health := observability.NewHealthChecker("test")
	paths := netpath.NewSet()
	p := netpath.New(1, netpath.KindEthernet)
	now := time.Unix(6000, 0)
	p.Metrics.ObserveRTT(10*time.Millisecond, now)
	paths.Add(p)

	sup := fallback.New(fallback.DefaultConfig(fallback.StrategyNone), nil)

	agg := NewAggregator(health, paths, sup,
		func() fec.Params { return fec.Params{Profile: fec.ProfileNone, K: 4, R: 0} },
		nil,
		nil,
	)

	snap := agg.Build(now)
	if snap.Network.AverageLossRate == nil {
		t.Fatal("expected average_loss_rate populated once a path has sampled")
	}
}
