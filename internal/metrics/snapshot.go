// Package metrics assembles the read-only JSON snapshot the dashboard
// collaborator polls: health, network, per-transfer, per-path,
// fallback state, and FEC stats. Optional measurements are pointer or
// omitempty fields, so one with no real sample is omitted rather than
// filled with a fabricated default; health, counters and identifiers
// (active path count, bytes transferred, FEC stats) are always present.
package metrics

import (
	"encoding/json"
	"time"

	"github.com/meshbridge/corelink/internal/fallback"
	"github.com/meshbridge/corelink/internal/fec"
	"github.com/meshbridge/corelink/internal/netpath"
)

// Health is the top-level health summary.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Network rolls up aggregate throughput/loss across all active paths.
type Network struct {
	ActivePaths     int      `json:"active_paths"`
	AggregateBps    *float64 `json:"aggregate_bps,omitempty"`
	AverageLossRate *float64 `json:"average_loss_rate,omitempty"`
}

// TransferSummary is one transfer's dashboard row.
type TransferSummary struct {
	TransferID       string   `json:"transfer_id"`
	Direction        string   `json:"direction"`
	State            string   `json:"state"`
	FileName         string   `json:"file_name,omitempty"`
	FileSize         int64    `json:"file_size,omitempty"`
	BytesTransferred int64    `json:"bytes_transferred"`
	ProgressPercent  *float64 `json:"progress_percent,omitempty"`
	ErrorMessage     string   `json:"error_message,omitempty"`
}

// PathSummary is one path's dashboard row; RTT/jitter/loss/throughput
// are nil until the path has produced at least one real sample.
type PathSummary struct {
	PathID        uint16   `json:"path_id"`
	Kind          string   `json:"kind"`
	Status        string   `json:"status"`
	RTTAvgMS      *float64 `json:"rtt_avg_ms,omitempty"`
	RTTP95MS      *float64 `json:"rtt_p95_ms,omitempty"`
	JitterMS      *float64 `json:"jitter_ms,omitempty"`
	LossRate      *float64 `json:"loss_rate,omitempty"`
	ThroughputBps *float64 `json:"throughput_bps,omitempty"`
}

// FECStats reports the profile currently selected and cumulative
// reconstruction outcomes.
type FECStats struct {
	ActiveProfile          string `json:"active_profile"`
	K                      int    `json:"k"`
	R                      int    `json:"r"`
	ReconstructionsTotal   int64  `json:"reconstructions_total"`
	ReconstructionFailures int64  `json:"reconstruction_failures"`
}

// FallbackState reports the current ladder level and when it was last
// changed.
type FallbackState struct {
	Level          string     `json:"level"`
	Strategy       string     `json:"strategy"`
	LastTransition *time.Time `json:"last_transition,omitempty"`
}

// Snapshot is the full document published to the dashboard collaborator.
type Snapshot struct {
	GeneratedAt   time.Time         `json:"generated_at"`
	Health        Health            `json:"health"`
	Network       Network           `json:"network"`
	Transfers     []TransferSummary `json:"transfers"`
	Paths         []PathSummary     `json:"paths"`
	FallbackState FallbackState     `json:"fallback_state"`
	FECStats      FECStats          `json:"fec_stats"`
}

// JSON renders the snapshot via the standard library encoder, so call
// sites read Snapshot.JSON() rather than reaching for encoding/json
// directly at every publish site.
func (s Snapshot) JSON() ([]byte, error) {
	return json.Marshal(s)
}

// BuildPathSummary converts a path snapshot into its dashboard row,
// including samples only once the path has actually produced one
// (LastSampleAt is non-zero).
func BuildPathSummary(snap netpath.Snapshot) PathSummary {
	row := PathSummary{
		PathID: snap.ID,
		Kind:   snap.Kind.String(),
		Status: snap.Status.String(),
	}
	if snap.LastSampleAt.IsZero() {
		return row
	}
	rttAvg := snap.RTTAvg.Seconds() * 1000
	rttP95 := snap.RTTP95.Seconds() * 1000
	jitter := snap.Jitter.Seconds() * 1000
	loss := snap.LossRate
	row.RTTAvgMS = &rttAvg
	row.RTTP95MS = &rttP95
	row.JitterMS = &jitter
	row.LossRate = &loss
	if snap.ThroughputBps > 0 {
		tp := snap.ThroughputBps
		row.ThroughputBps = &tp
	}
	return row
}

// BuildFallbackState converts a supervisor's current state.
func BuildFallbackState(level fallback.Level, strategy fallback.Strategy, lastTransition time.Time) FallbackState {
	fs := FallbackState{Level: level.String(), Strategy: strategyName(strategy)}
	if !lastTransition.IsZero() {
		fs.LastTransition = &lastTransition
	}
	return fs
}

func strategyName(s fallback.Strategy) string {
	switch s {
	case fallback.StrategyNone:
		return "None"
	case fallback.StrategyAutomatic:
		return "Automatic"
	case fallback.StrategyConservative:
		return "Conservative"
	case fallback.StrategyAggressive:
		return "Aggressive"
	default:
		return "Unknown"
	}
}

// BuildFECStats converts a fec.Params plus cumulative counters.
func BuildFECStats(params fec.Params, reconstructions, failures int64) FECStats {
	return FECStats{
		ActiveProfile:          params.Profile.String(),
		K:                      params.K,
		R:                      params.R,
		ReconstructionsTotal:   reconstructions,
		ReconstructionFailures: failures,
	}
}

