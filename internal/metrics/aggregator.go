package metrics

import (
	"context"
	"time"

	"github.com/meshbridge/corelink/internal/fallback"
	"github.com/meshbridge/corelink/internal/fec"
	"github.com/meshbridge/corelink/internal/netpath"
	"github.com/meshbridge/corelink/internal/observability"
)

// Aggregator assembles Snapshots from the live component state each
// poll tick, without owning any of that state itself.
type Aggregator struct {
	health     *observability.HealthChecker
	paths      *netpath.Set
	supervisor *fallback.Supervisor
	fecParams  func() fec.Params
	transfers  func() []TransferSummary
	fecCounts  func() (reconstructions, failures int64)
}

// NewAggregator wires an Aggregator to the daemon's live components.
// transfers and fecCounts are callbacks rather than stored slices so
// the aggregator always reads the current state at publish time.
func NewAggregator(
	health *observability.HealthChecker,
	paths *netpath.Set,
	supervisor *fallback.Supervisor,
	fecParams func() fec.Params,
	transfers func() []TransferSummary,
	fecCounts func() (int64, int64),
) *Aggregator {
	return &Aggregator{
		health:     health,
		paths:      paths,
		supervisor: supervisor,
		fecParams:  fecParams,
		transfers:  transfers,
		fecCounts:  fecCounts,
	}
}

// Build produces one consistent Snapshot. Every field is read once up
// front so a concurrent path/transfer update never surfaces as a
// half-updated document.
func (a *Aggregator) Build(now time.Time) Snapshot {
	healthResp := a.health.Check(context.Background())

	pathSnaps := a.paths.Snapshots()
	rows := make([]PathSummary, 0, len(pathSnaps))
	var lossSum float64
	var lossSamples int
	var throughputSum float64
	var throughputSamples int
	for _, ps := range pathSnaps {
		rows = append(rows, BuildPathSummary(ps))
		if !ps.LastSampleAt.IsZero() {
			lossSum += ps.LossRate
			lossSamples++
			if ps.ThroughputBps > 0 {
				throughputSum += ps.ThroughputBps
				throughputSamples++
			}
		}
	}

	net := Network{ActivePaths: a.paths.ActiveCount()}
	if lossSamples > 0 {
		avg := lossSum / float64(lossSamples)
		net.AverageLossRate = &avg
	}
	if throughputSamples > 0 {
		net.AggregateBps = &throughputSum
	}

	var transfers []TransferSummary
	if a.transfers != nil {
		transfers = a.transfers()
	}
	if transfers == nil {
		transfers = []TransferSummary{}
	}

	var reconstructions, failures int64
	if a.fecCounts != nil {
		reconstructions, failures = a.fecCounts()
	}
	var params fec.Params
	if a.fecParams != nil {
		params = a.fecParams()
	}

	level, strategy, lastTransition := a.supervisor.Level(), a.supervisor.Strategy(), a.supervisor.LastTransitionAt()

	return Snapshot{
		GeneratedAt: now,
		Health: Health{
			Status:        string(healthResp.Status),
			UptimeSeconds: healthResp.UptimeSeconds,
		},
		Network:       net,
		Transfers:     transfers,
		Paths:         rows,
		FallbackState: BuildFallbackState(level, strategy, lastTransition),
		FECStats:      BuildFECStats(params, reconstructions, failures),
	}
}
