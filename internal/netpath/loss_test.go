package netpath

import "testing"

func containsUint64(xs []uint64, want uint64) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func TestGapTrackerNoLossOnInOrderDelivery(t *testing.T) {
	g := NewGapTracker(4)
	for seq := uint64(0); seq < 10; seq++ {
		if lost := g.Observe(seq); len(lost) != 0 {
			t.Fatalf("unexpected loss reported for in-order seq %d: %v", seq, lost)
		}
	}
	if g.PendingCount() != 0 {
		t.Fatalf("expected no pending sequences, got %d", g.PendingCount())
	}
}

func TestGapTrackerToleratesReordering(t *testing.T) {
	g := NewGapTracker(4)
	g.Observe(0)
	g.Observe(2) // 1 is pending, within the reorder window
	if lost := g.Observe(1); len(lost) != 0 {
		t.Fatalf("expected reordered seq 1 to arrive without being marked lost, got %v", lost)
	}
	if g.PendingCount() != 0 {
		t.Fatalf("expected pending to clear once seq 1 arrived, got %d", g.PendingCount())
	}
}

func TestGapTrackerDeclaresLossAfterWindowCloses(t *testing.T) {
	g := NewGapTracker(2)
	g.Observe(0)
	g.Observe(1)
	// seq 2..4 never arrive; once the highest advances far enough past
	// them, all three fall outside the reorder window and are declared
	// lost together.
	lost := g.Observe(7)
	if !containsUint64(lost, 2) || !containsUint64(lost, 3) || !containsUint64(lost, 4) {
		t.Fatalf("expected sequences 2, 3 and 4 to be declared lost, got %v", lost)
	}
}

func TestGapTrackerIgnoresDuplicates(t *testing.T) {
	g := NewGapTracker(4)
	g.Observe(5)
	if lost := g.Observe(5); len(lost) != 0 {
		t.Fatalf("expected duplicate delivery to report no loss, got %v", lost)
	}
}
