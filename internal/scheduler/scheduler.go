// Package scheduler implements the priority send scheduler: a
// deficit-round-robin weighted fair queue across the five packet
// priority classes, with per-transfer pause/resume and a global Bulk
// disable toggle.
package scheduler

import (
	"container/list"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/meshbridge/corelink/internal/packet"
)

// ErrQueueFull is returned by Enqueue when a class's queue is at
// capacity; callers apply backpressure on this signal rather than
// blocking the caller's goroutine.
var ErrQueueFull = errors.New("scheduler: queue full")

// Weights assigns each class's DRR quantum, read in the fixed order
// Critical, High, Normal, Low, Bulk.
type Weights struct {
	Critical int
	High     int
	Normal   int
	Low      int
	Bulk     int
}

// DefaultWeights gives Critical the largest quantum and a strictly
// decreasing share down to Bulk, while keeping every enabled class's
// share nonzero (the starvation-avoidance invariant).
func DefaultWeights() Weights {
	return Weights{Critical: 50, High: 30, Normal: 15, Low: 4, Bulk: 1}
}

var classOrder = []packet.Priority{
	packet.PriorityCritical,
	packet.PriorityHigh,
	packet.PriorityNormal,
	packet.PriorityLow,
	packet.PriorityBulk,
}

func weightFor(w Weights, p packet.Priority) int {
	switch p {
	case packet.PriorityCritical:
		return w.Critical
	case packet.PriorityHigh:
		return w.High
	case packet.PriorityNormal:
		return w.Normal
	case packet.PriorityLow:
		return w.Low
	case packet.PriorityBulk:
		return w.Bulk
	default:
		return 1
	}
}

type queue struct {
	items    *list.List // of packet.Packet
	deficit  int
	disabled bool
}

// Scheduler is a single-endpoint DRR queue. It is safe for concurrent
// Enqueue/Dequeue/Pause/Resume/SetBulkEnabled calls.
type Scheduler struct {
	mu       sync.Mutex
	weights  Weights
	queues   map[packet.Priority]*queue
	order    []packet.Priority
	cursor   int
	capacity int

	paused map[uuid.UUID]bool
}

// New creates a scheduler with the given weights and a per-class
// capacity (0 means unbounded).
func New(weights Weights, perClassCapacity int) *Scheduler {
	s := &Scheduler{
		weights:  weights,
		queues:   make(map[packet.Priority]*queue, len(classOrder)),
		order:    append([]packet.Priority{}, classOrder...),
		capacity: perClassCapacity,
		paused:   make(map[uuid.UUID]bool),
	}
	for _, p := range classOrder {
		s.queues[p] = &queue{items: list.New()}
	}
	return s
}

// Enqueue adds a packet to its class's queue. It returns ErrQueueFull
// if the class is at capacity, letting the caller apply backpressure
// rather than blocking.
func (s *Scheduler) Enqueue(p packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[p.Priority]
	if s.capacity > 0 && q.items.Len() >= s.capacity {
		return ErrQueueFull
	}
	q.items.PushBack(p)
	return nil
}

// SetBulkEnabled globally enables or disables dequeuing from the Bulk
// class, per policy.
func (s *Scheduler) SetBulkEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[packet.PriorityBulk].disabled = !enabled
}

// Pause marks a transfer's packets to be skipped on dequeue without
// losing their position in the queue; Resume reverses it.
func (s *Scheduler) Pause(transferID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[transferID] = true
}

func (s *Scheduler) Resume(transferID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, transferID)
}

// Dequeue returns the next packet to send, or false if every
// (enabled, non-empty) queue is currently empty of unpaused packets.
//
// It implements deficit round robin: each enabled class accrues its
// quantum every time the cursor visits it, and may send packets (each
// consuming len(payload) "cost" units, floored at 1) while its deficit
// stays nonnegative. Paused transfers' packets are skipped in place —
// they remain at the front of their queue for the next successful
// dequeue once resumed.
func (s *Scheduler) Dequeue() (packet.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.order)
	for attempts := 0; attempts < 2*n; attempts++ {
		p := s.order[s.cursor]
		q := s.queues[p]
		s.cursor = (s.cursor + 1) % n

		if q.disabled || q.items.Len() == 0 {
			continue
		}

		q.deficit += weightFor(s.weights, p)

		for e := q.items.Front(); e != nil; e = e.Next() {
			pkt := e.Value.(packet.Packet)
			if s.paused[pkt.TransferID] {
				continue
			}
			cost := len(pkt.Payload)
			if cost < 1 {
				cost = 1
			}
			if q.deficit < cost {
				break
			}
			q.items.Remove(e)
			q.deficit -= cost
			return pkt, true
		}
	}
	return packet.Packet{}, false
}

// Len reports how many packets are queued for a class, including
// paused ones.
func (s *Scheduler) Len(p packet.Priority) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[p].items.Len()
}
