package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meshbridge/corelink/internal/fallback"
	"github.com/meshbridge/corelink/internal/handover"
	"github.com/meshbridge/corelink/internal/netpath"
	"github.com/meshbridge/corelink/internal/packet"
	"github.com/meshbridge/corelink/internal/scheduler"
)

func newTestPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()
	a := New(scheduler.DefaultWeights(), handover.DefaultConfig(handover.PolicySmooth), nil)
	b := New(scheduler.DefaultWeights(), handover.DefaultConfig(handover.PolicySmooth), nil)

	left, right := NewMemoryPipe(32)
	a.OpenPath(1, netpath.KindEthernet, left)
	b.OpenPath(1, netpath.KindEthernet, right)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSendReceiveRoundTrip(t *testing.T) {
	a, b := newTestPair(t)

	pkt := packet.Packet{
		Kind:       packet.KindData,
		Priority:   packet.PriorityNormal,
		TransferID: uuid.New(),
		Sequence:   1,
		Payload:    []byte("hello"),
	}
	if err := a.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("expected payload 'hello', got %q", got.Payload)
	}
	if got.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", got.Sequence)
	}
}

func TestOpenPathPromotesFirstPathToActive(t *testing.T) {
	a := New(scheduler.DefaultWeights(), handover.DefaultConfig(handover.PolicySmooth), nil)
	defer a.Close()

	left, _ := NewMemoryPipe(8)
	a.OpenPath(5, netpath.KindWiFi, left)

	id, ok := a.ActivePathID()
	if !ok || id != 5 {
		t.Fatalf("expected path 5 active, got %d ok=%v", id, ok)
	}
}

func TestClosePathPromotesAnotherPath(t *testing.T) {
	a := New(scheduler.DefaultWeights(), handover.DefaultConfig(handover.PolicySmooth), nil)
	defer a.Close()

	left1, _ := NewMemoryPipe(8)
	left2, _ := NewMemoryPipe(8)
	a.OpenPath(1, netpath.KindWiFi, left1)
	a.OpenPath(2, netpath.KindCellular, left2)

	if err := a.ClosePath(1); err != nil {
		t.Fatalf("ClosePath: %v", err)
	}

	id, ok := a.ActivePathID()
	if !ok || id != 2 {
		t.Fatalf("expected path 2 promoted to active, got %d ok=%v", id, ok)
	}
}

func TestClosePathRejectsUnknownID(t *testing.T) {
	a := New(scheduler.DefaultWeights(), handover.DefaultConfig(handover.PolicySmooth), nil)
	defer a.Close()

	if err := a.ClosePath(99); err != ErrUnknownPath {
		t.Fatalf("expected ErrUnknownPath, got %v", err)
	}
}

func TestReceiveLoopUpdatesPathMetricsOnDelivery(t *testing.T) {
	a, b := newTestPair(t)

	pkt := packet.Packet{
		Kind:       packet.KindData,
		Priority:   packet.PriorityBulk,
		TransferID: uuid.New(),
		Sequence:   1,
		Payload:    make([]byte, 4096),
	}
	if err := a.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.Receive(ctx); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	snap, ok := b.PathMetrics(1)
	if !ok {
		t.Fatal("expected path 1 metrics present")
	}
	if snap.LastPacketAt.IsZero() {
		t.Fatal("expected LastPacketAt to be set after delivery")
	}
}

func TestFallbackObservesHandoverFailureOnSinglePath(t *testing.T) {
	sup := fallback.New(fallback.DefaultConfig(fallback.StrategyAutomatic), nil)

	hoCfg := handover.DefaultConfig(handover.PolicyAggressive)
	hoCfg.PathDownAfter = 10 * time.Millisecond
	hoCfg.Window = 40 * time.Millisecond

	a := New(scheduler.DefaultWeights(), hoCfg, sup)
	defer a.Close()
	left, _ := NewMemoryPipe(8)
	a.OpenPath(1, netpath.KindSatellite, left)

	// IsDownSince only fires once a path has seen at least one packet;
	// seed LastPacketAt so the silence window can actually elapse.
	p, _ := a.paths.Get(1)
	p.Metrics.ObserveThroughput(1, time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.Level() == fallback.LevelQuicWithFec {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected fallback to degrade to QuicWithFec on repeated handover failure, got %s", sup.Level())
}
