package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshbridge/corelink/internal/fallback"
	"github.com/meshbridge/corelink/internal/handover"
	"github.com/meshbridge/corelink/internal/netpath"
	"github.com/meshbridge/corelink/internal/packet"
	"github.com/meshbridge/corelink/internal/scheduler"
)

// ErrUnknownPath is returned for an explicit path_id with no open
// backend.
var ErrUnknownPath = errors.New("endpoint: unknown path")

// ErrMultipathDisabled is returned by OpenPath when a second path is
// requested while the fallback supervisor has degraded below a level
// that allows multipath.
var ErrMultipathDisabled = errors.New("endpoint: multipath disabled at current fallback level")

type pathEntry struct {
	path    *netpath.Path
	backend Backend
	gaps    *netpath.GapTracker
	cancel  context.CancelFunc
}

// Endpoint is the multipath transport endpoint: a set of paths, the
// scheduler that orders outbound packets across priority classes, and
// the handover controller that decides which path is "active" right
// now. Path selection for Send is: an explicit non-zero PathID on the
// packet wins; otherwise it goes out the handover controller's current
// active path.
type Endpoint struct {
	paths      *netpath.Set
	sched      *scheduler.Scheduler
	handoverCtl *handover.Controller
	fallbackSup *fallback.Supervisor

	mu       sync.RWMutex
	entries  map[uint16]*pathEntry
	baseline map[uint16]time.Duration // RTTMin captured when a path became active

	recvCh chan packet.Packet
	wake   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New creates an endpoint with no paths open yet, owning a fresh,
// private path set.
func New(weights scheduler.Weights, hoCfg handover.Config, fbSup *fallback.Supervisor) *Endpoint {
	return NewWithPaths(weights, hoCfg, fbSup, netpath.NewSet())
}

// NewWithPaths creates an endpoint backed by an externally-owned path
// set, so a caller juggling several endpoints (one per connection, for
// example) can publish one combined view of every path for the
// metrics snapshot.
func NewWithPaths(weights scheduler.Weights, hoCfg handover.Config, fbSup *fallback.Supervisor, paths *netpath.Set) *Endpoint {
	e := &Endpoint{
		paths:       paths,
		sched:       scheduler.New(weights, 4096),
		fallbackSup: fbSup,
		entries:     make(map[uint16]*pathEntry),
		baseline:    make(map[uint16]time.Duration),
		recvCh:      make(chan packet.Packet, 256),
		wake:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	e.handoverCtl = handover.NewController(hoCfg, paths, e.onMigration)

	e.wg.Add(2)
	go e.dispatchLoop()
	go e.evaluateLoop(hoCfg.Window)
	return e
}

// OpenPath registers a new logical link, starts its receive loop, and
// — if it is the first path — makes it the active path. Opening a
// second (or later) path while the fallback supervisor has degraded
// multipath off returns ErrMultipathDisabled; a degraded level never
// blocks the first path, since an endpoint with zero paths can't send
// at all.
func (e *Endpoint) OpenPath(id uint16, kind netpath.Kind, backend Backend) error {
	e.mu.RLock()
	activeID, hasActive := e.handoverCtl.Active()
	if hasActive {
		// A closed active path with nothing to promote stays recorded
		// in the controller; it no longer counts as active.
		_, hasActive = e.entries[activeID]
	}
	e.mu.RUnlock()

	if hasActive && e.fallbackSup != nil && !e.fallbackSup.Features().Multipath {
		return ErrMultipathDisabled
	}

	p := netpath.New(id, kind)
	e.paths.Add(p)

	ctx, cancel := context.WithCancel(context.Background())
	entry := &pathEntry{path: p, backend: backend, gaps: netpath.NewGapTracker(32), cancel: cancel}

	e.mu.Lock()
	e.entries[id] = entry
	e.mu.Unlock()

	if !hasActive {
		e.handoverCtl.SetActive(id)
		e.mu.Lock()
		e.baseline[id] = p.Snapshot().RTTMin
		e.mu.Unlock()
	}

	e.wg.Add(1)
	go e.receiveLoop(ctx, id, entry)
	return nil
}

// ClosePath tears a path down: closes its backend, stops its receive
// loop, and drops it from the set. If it was the active path, another
// open path (if any) is promoted; otherwise the endpoint is left with
// no active path until OpenPath is called again.
func (e *Endpoint) ClosePath(id uint16) error {
	e.mu.Lock()
	entry, ok := e.entries[id]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownPath
	}
	delete(e.entries, id)
	activeID, hasActive := e.handoverCtl.Active()
	wasActive := hasActive && activeID == id
	var promote uint16
	var promoteOK bool
	if wasActive {
		for otherID := range e.entries {
			promote = otherID
			promoteOK = true
			break
		}
	}
	e.mu.Unlock()

	entry.cancel()
	err := entry.backend.Close()
	e.paths.Remove(id)

	if wasActive && promoteOK {
		e.handoverCtl.SetActive(promote)
	}
	return err
}

// PathMetrics returns the current metrics snapshot for a path.
func (e *Endpoint) PathMetrics(id uint16) (netpath.Snapshot, bool) {
	p, ok := e.paths.Get(id)
	if !ok {
		return netpath.Snapshot{}, false
	}
	return p.Snapshot(), true
}

// ActivePathID returns the handover controller's current active path.
func (e *Endpoint) ActivePathID() (uint16, bool) {
	return e.handoverCtl.Active()
}

// RecordRTTSample feeds a measured round-trip time (from an explicit
// sample packet or an ack) into a path's EWMA state.
func (e *Endpoint) RecordRTTSample(pathID uint16, sample time.Duration) {
	if p, ok := e.paths.Get(pathID); ok {
		p.Metrics.ObserveRTT(sample, time.Now())
	}
}

// Send enqueues a packet for transmission. If pkt.PathID is nonzero it
// is sent on that exact path; otherwise it is sent on the current
// active path. ErrQueueFull signals backpressure; the caller should
// retry or shed load rather than block.
func (e *Endpoint) Send(pkt packet.Packet) error {
	return e.sched.Enqueue(pkt)
}

// Receive returns the next validated packet received on any path, or
// ctx.Err() if ctx is cancelled first.
func (e *Endpoint) Receive(ctx context.Context) (packet.Packet, error) {
	select {
	case pkt := <-e.recvCh:
		return pkt, nil
	case <-ctx.Done():
		return packet.Packet{}, ctx.Err()
	case <-e.closed:
		return packet.Packet{}, fmt.Errorf("endpoint: closed")
	}
}

// Close stops all receive loops, the dispatcher, and the evaluate
// loop, and closes every path's backend.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		entries := make([]*pathEntry, 0, len(e.entries))
		for _, entry := range e.entries {
			entries = append(entries, entry)
		}
		e.mu.Unlock()
		for _, entry := range entries {
			entry.cancel()
			entry.backend.Close()
			e.paths.Remove(entry.path.ID)
		}
		e.wg.Wait()
	})
}

func (e *Endpoint) dispatchLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-e.wake:
		case <-ticker.C:
		}
		for {
			pkt, ok := e.sched.Dequeue()
			if !ok {
				break
			}
			e.dispatch(pkt)
		}
	}
}

// dispatch sends one dequeued packet on its target path. A missing
// active/explicit path drops the packet silently — the transfer
// layer's ack-timeout retransmit is what makes delivery reliable, not
// this layer.
func (e *Endpoint) dispatch(pkt packet.Packet) {
	targetID := pkt.PathID
	if targetID == 0 {
		active, ok := e.handoverCtl.Active()
		if !ok {
			return
		}
		targetID = active
	}

	e.mu.RLock()
	entry, ok := e.entries[targetID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	pkt.PathID = targetID
	frame, err := packet.Encode(pkt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = entry.backend.SendFrame(ctx, frame)
	cancel()
	if err != nil {
		if e.fallbackSup != nil {
			e.fallbackSup.Observe(time.Now(), fallback.EventConnectionFailure)
		}
		return
	}
	e.handoverCtl.RecordSentSequence(targetID, pkt.Sequence)
}

func (e *Endpoint) receiveLoop(ctx context.Context, id uint16, entry *pathEntry) {
	defer e.wg.Done()
	for {
		frame, err := entry.backend.ReceiveFrame(ctx)
		if err != nil {
			entry.path.SetStatus(netpath.StatusDown)
			return
		}
		pkt, err := packet.Decode(frame)
		if err != nil {
			// Malformed/corrupt frame: counted as a loss-adjacent
			// signal, not forwarded to the caller.
			entry.path.Metrics.ObserveLoss(true, time.Now())
			continue
		}

		now := time.Now()
		entry.path.Metrics.ObserveThroughput(int64(len(pkt.Payload)), now)
		entry.path.Metrics.ObserveLoss(false, now)
		for range entry.gaps.Observe(pkt.Sequence) {
			entry.path.Metrics.ObserveLoss(true, now)
		}

		select {
		case e.recvCh <- pkt:
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		}
	}
}

func (e *Endpoint) evaluateLoop(window time.Duration) {
	defer e.wg.Done()
	interval := window / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			e.evaluateOnce()
		}
	}
}

func (e *Endpoint) evaluateOnce() {
	if e.fallbackSup != nil && !e.fallbackSup.Features().Handover {
		return
	}
	activeID, ok := e.handoverCtl.Active()
	if !ok {
		return
	}
	e.mu.RLock()
	baseline := e.baseline[activeID]
	e.mu.RUnlock()

	m := e.handoverCtl.Evaluate(time.Now(), handover.Baseline{RTT: baseline})
	if m == nil {
		return
	}
	if m.Failed {
		if e.fallbackSup != nil {
			e.fallbackSup.Observe(m.At, fallback.EventHandoverFailure)
		}
		return
	}

	if p, ok := e.paths.Get(m.FromPathID); ok {
		p.SetStatus(netpath.StatusStandby)
	}
	if p, ok := e.paths.Get(m.ToPathID); ok {
		p.SetStatus(netpath.StatusActive)
		e.mu.Lock()
		e.baseline[m.ToPathID] = p.Snapshot().RTTMin
		e.mu.Unlock()
	}
}

// onMigration is the handover controller's callback; it wakes the
// dispatcher immediately so in-flight sends pick up the new active
// path without waiting for the next tick.
func (e *Endpoint) onMigration(handover.Migration) {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
