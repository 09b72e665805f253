package netpath

import "sync"

// Set is the shared registry of paths belonging to one transfer
// endpoint. The endpoint adds/removes paths as they come up or go
// down; the handover controller and scheduler read snapshots from it.
type Set struct {
	mu    sync.RWMutex
	paths map[uint16]*Path
}

// NewSet creates an empty path set.
func NewSet() *Set {
	return &Set{paths: make(map[uint16]*Path)}
}

// Add registers a path, replacing any existing path with the same ID.
func (s *Set) Add(p *Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[p.ID] = p
}

// Remove drops a path from the set entirely (a closed path, not just
// one marked Down — Down paths stay in the set so they can recover).
func (s *Set) Remove(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, id)
}

// Get returns the path with the given ID, if present.
func (s *Set) Get(id uint16) (*Path, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.paths[id]
	return p, ok
}

// All returns every path currently registered, in no particular order.
func (s *Set) All() []*Path {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Path, 0, len(s.paths))
	for _, p := range s.paths {
		out = append(out, p)
	}
	return out
}

// Snapshots returns a Snapshot for every registered path.
func (s *Set) Snapshots() []Snapshot {
	all := s.All()
	out := make([]Snapshot, len(all))
	for i, p := range all {
		out[i] = p.Snapshot()
	}
	return out
}

// ActiveCount reports how many paths are currently Active; the metrics
// aggregator publishes it as the network's active path count.
func (s *Set) ActiveCount() int {
	all := s.All()
	n := 0
	for _, p := range all {
		if p.Status() == StatusActive {
			n++
		}
	}
	return n
}
