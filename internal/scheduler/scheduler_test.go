package scheduler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/meshbridge/corelink/internal/packet"
)

func pkt(priority packet.Priority, transferID uuid.UUID, seq uint64) packet.Packet {
	return packet.Packet{
		Kind:       packet.KindData,
		Priority:   priority,
		TransferID: transferID,
		Sequence:   seq,
		Payload:    []byte{1, 2, 3, 4},
	}
}

func TestEnqueueDequeueFIFOWithinClass(t *testing.T) {
	s := New(DefaultWeights(), 0)
	tid := uuid.New()

	for i := uint64(0); i < 3; i++ {
		if err := s.Enqueue(pkt(packet.PriorityNormal, tid, i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for i := uint64(0); i < 3; i++ {
		p, ok := s.Dequeue()
		if !ok {
			t.Fatalf("expected a packet at step %d", i)
		}
		if p.Sequence != i {
			t.Fatalf("expected FIFO order within a class: want seq %d, got %d", i, p.Sequence)
		}
	}
}

func TestCriticalGetsMoreThroughputThanBulk(t *testing.T) {
	s := New(DefaultWeights(), 0)
	tid := uuid.New()

	const n = 200
	for i := uint64(0); i < n; i++ {
		_ = s.Enqueue(pkt(packet.PriorityCritical, tid, i))
		_ = s.Enqueue(pkt(packet.PriorityBulk, tid, i))
	}

	criticalSeen, bulkSeen := 0, 0
	for {
		p, ok := s.Dequeue()
		if !ok {
			break
		}
		if p.Priority == packet.PriorityCritical {
			criticalSeen++
		} else {
			bulkSeen++
		}
		if criticalSeen+bulkSeen >= 40 {
			break
		}
	}
	if criticalSeen <= bulkSeen {
		t.Fatalf("expected Critical to substantially outpace Bulk within the first 40 sends, got critical=%d bulk=%d", criticalSeen, bulkSeen)
	}
}

func TestBulkStillGetsNonzeroShareWhenEnabled(t *testing.T) {
	s := New(DefaultWeights(), 0)
	tid := uuid.New()
	for i := uint64(0); i < 500; i++ {
		_ = s.Enqueue(pkt(packet.PriorityCritical, tid, i))
	}
	for i := uint64(0); i < 500; i++ {
		_ = s.Enqueue(pkt(packet.PriorityBulk, tid, i))
	}

	bulkSeen := 0
	for i := 0; i < 1000; i++ {
		p, ok := s.Dequeue()
		if !ok {
			break
		}
		if p.Priority == packet.PriorityBulk {
			bulkSeen++
		}
	}
	if bulkSeen == 0 {
		t.Fatal("expected Bulk to eventually be served given its nonzero weight (starvation avoidance)")
	}
}

func TestSetBulkEnabledDisablesDequeue(t *testing.T) {
	s := New(DefaultWeights(), 0)
	tid := uuid.New()
	_ = s.Enqueue(pkt(packet.PriorityBulk, tid, 0))
	s.SetBulkEnabled(false)

	if _, ok := s.Dequeue(); ok {
		t.Fatal("expected no packets dequeued while Bulk is disabled and it's the only class with data")
	}

	s.SetBulkEnabled(true)
	if _, ok := s.Dequeue(); !ok {
		t.Fatal("expected the queued Bulk packet to dequeue once re-enabled")
	}
}

func TestPauseSkipsTransferWithoutLosingOrder(t *testing.T) {
	s := New(DefaultWeights(), 0)
	paused := uuid.New()
	other := uuid.New()

	_ = s.Enqueue(pkt(packet.PriorityNormal, paused, 0))
	_ = s.Enqueue(pkt(packet.PriorityNormal, other, 0))
	_ = s.Enqueue(pkt(packet.PriorityNormal, paused, 1))

	s.Pause(paused)
	p, ok := s.Dequeue()
	if !ok || p.TransferID != other {
		t.Fatalf("expected the unpaused transfer's packet to dequeue first, got %+v ok=%v", p, ok)
	}
	if _, ok := s.Dequeue(); ok {
		t.Fatal("expected no further packets while the only remaining transfer is paused")
	}

	s.Resume(paused)
	p, ok = s.Dequeue()
	if !ok || p.Sequence != 0 {
		t.Fatalf("expected paused transfer's packets to resume in original order, got %+v ok=%v", p, ok)
	}
	p, ok = s.Dequeue()
	if !ok || p.Sequence != 1 {
		t.Fatalf("expected second queued packet next, got %+v ok=%v", p, ok)
	}
}

func TestEnqueueRejectsWhenAtCapacity(t *testing.T) {
	s := New(DefaultWeights(), 1)
	tid := uuid.New()
	if err := s.Enqueue(pkt(packet.PriorityNormal, tid, 0)); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := s.Enqueue(pkt(packet.PriorityNormal, tid, 1)); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull at capacity, got %v", err)
	}
}
