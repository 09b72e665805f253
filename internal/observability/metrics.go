package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process's Prometheus collectors.
type Metrics struct {
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec

	PathsActive        prometheus.Gauge
	PathLossRate       *prometheus.GaugeVec
	PathRTTSeconds     *prometheus.GaugeVec
	HandoverMigrations *prometheus.CounterVec
	HandoverFailures   prometheus.Counter

	FECProfileActive       *prometheus.GaugeVec
	FECReconstructionsTotal prometheus.Counter
	FECReconstructionFailuresTotal prometheus.Counter
	FECParityShardsSentTotal       prometheus.Counter

	FallbackLevel      prometheus.Gauge
	FallbackTransitions *prometheus.CounterVec

	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram
	MerkleVerificationsTotal *prometheus.CounterVec

	DiskSpaceUsedBytes prometheus.Gauge

	activeTransfers int64
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	return &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "corelink_transfers_total", Help: "Total transfers initiated"},
			[]string{"status"},
		),
		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "corelink_transfers_active", Help: "Currently active transfers"},
		),
		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "corelink_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),
		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "corelink_bytes_transferred_total", Help: "Total bytes transferred"},
			[]string{"direction"},
		),
		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "corelink_chunks_sent_total", Help: "Total chunks sent"},
		),
		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "corelink_chunks_received_total", Help: "Total chunks received"},
		),
		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "corelink_chunks_retransmitted_total", Help: "Chunks requiring retransmission"},
			[]string{"reason"},
		),

		PathsActive: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "corelink_paths_active", Help: "Active transport paths"},
		),
		PathLossRate: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "corelink_path_loss_rate", Help: "Per-path observed loss rate (0..1)"},
			[]string{"path_id"},
		),
		PathRTTSeconds: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "corelink_path_rtt_seconds", Help: "Per-path smoothed RTT"},
			[]string{"path_id"},
		),
		HandoverMigrations: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "corelink_handover_migrations_total", Help: "Completed path migrations"},
			[]string{"reason"},
		),
		HandoverFailures: promauto.NewCounter(
			prometheus.CounterOpts{Name: "corelink_handover_failures_total", Help: "Handover attempts with no candidate path available"},
		),

		FECProfileActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "corelink_fec_profile_active", Help: "1 if the named FEC profile is currently selected"},
			[]string{"profile"},
		),
		FECReconstructionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "corelink_fec_reconstructions_total", Help: "Blocks reconstructed via FEC"},
		),
		FECReconstructionFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "corelink_fec_reconstruction_failures_total", Help: "Failed FEC reconstructions"},
		),
		FECParityShardsSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{Name: "corelink_fec_parity_shards_sent_total", Help: "Parity shards transmitted"},
		),

		FallbackLevel: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "corelink_fallback_level", Help: "Current fallback ladder level (0=FullExperimental..4=MinimalFallback)"},
		),
		FallbackTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "corelink_fallback_transitions_total", Help: "Fallback level transitions"},
			[]string{"direction"},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "corelink_crypto_operations_total", Help: "Cryptographic operations performed"},
			[]string{"operation"},
		),
		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "corelink_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),
		MerkleVerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "corelink_merkle_verifications_total", Help: "Merkle root verifications"},
			[]string{"result"},
		),

		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "corelink_disk_space_used_bytes", Help: "Disk space used by received files"},
		),
	}
}

// RecordTransferStart marks one more transfer as active.
func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

// RecordTransferComplete records a finished transfer's outcome and
// duration.
func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}
	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

// RecordChunkSent updates send-side chunk counters.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates receive-side chunk counters.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments the retransmit counter for reason.
func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

// RecordPathMetrics publishes a path's current loss rate and RTT.
func (m *Metrics) RecordPathMetrics(pathID string, lossRate float64, rttSeconds float64) {
	m.PathLossRate.WithLabelValues(pathID).Set(lossRate)
	m.PathRTTSeconds.WithLabelValues(pathID).Set(rttSeconds)
}

// RecordHandoverMigration records a completed or failed migration.
func (m *Metrics) RecordHandoverMigration(reason string, failed bool) {
	if failed {
		m.HandoverFailures.Inc()
		return
	}
	m.HandoverMigrations.WithLabelValues(reason).Inc()
}

// SetFECProfile marks profile as the one currently in effect,
// clearing the others.
func (m *Metrics) SetFECProfile(active string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == active {
			v = 1.0
		}
		m.FECProfileActive.WithLabelValues(p).Set(v)
	}
}

// RecordFECReconstruction records whether an FEC block reconstruction
// succeeded.
func (m *Metrics) RecordFECReconstruction(success bool) {
	if success {
		m.FECReconstructionsTotal.Inc()
	} else {
		m.FECReconstructionFailuresTotal.Inc()
	}
}

// SetFallbackLevel publishes the current fallback ladder level and
// records the direction of the transition that produced it.
func (m *Metrics) SetFallbackLevel(level int, upgrade bool) {
	m.FallbackLevel.Set(float64(level))
	direction := "degrade"
	if upgrade {
		direction = "upgrade"
	}
	m.FallbackTransitions.WithLabelValues(direction).Inc()
}

// RecordCryptoOperation records one crypto op's latency.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordMerkleVerification records a verification outcome.
func (m *Metrics) RecordMerkleVerification(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.MerkleVerificationsTotal.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
