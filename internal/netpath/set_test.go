package netpath

import "testing"

func TestSetAddGetRemove(t *testing.T) {
	s := NewSet()
	p := New(1, KindWiFi)
	s.Add(p)

	got, ok := s.Get(1)
	if !ok || got != p {
		t.Fatal("expected to retrieve the added path")
	}

	s.Remove(1)
	if _, ok := s.Get(1); ok {
		t.Fatal("expected path to be gone after Remove")
	}
}

func TestSetActiveCount(t *testing.T) {
	s := NewSet()
	a := New(1, KindWiFi)
	b := New(2, KindCellular)
	b.SetStatus(StatusStandby)
	c := New(3, KindEthernet)
	c.SetStatus(StatusDown)

	s.Add(a)
	s.Add(b)
	s.Add(c)

	if got := s.ActiveCount(); got != 1 {
		t.Fatalf("expected 1 active path, got %d", got)
	}
}

func TestSetSnapshots(t *testing.T) {
	s := NewSet()
	s.Add(New(1, KindWiFi))
	s.Add(New(2, KindCellular))

	snaps := s.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}
