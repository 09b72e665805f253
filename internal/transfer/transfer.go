package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshbridge/corelink/internal/fec"
	"github.com/meshbridge/corelink/internal/integrity"
	"github.com/meshbridge/corelink/internal/packet"
)

// Status is a transfer's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusPaused
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusInProgress:
		return "InProgress"
	case StatusPaused:
		return "Paused"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RetryPolicy bounds ack-timeout retransmission.
type RetryPolicy struct {
	MaxRetries int
	AckTimeout time.Duration
}

// DefaultRetryPolicy matches the teacher's conservative chunk-retry
// defaults: a handful of attempts, generous per-chunk timeout so a
// slow path isn't mistaken for a lost one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, AckTimeout: 3 * time.Second}
}

// Transfer is the record of one file send or receive operation. Its
// chunks_acked bitset and bytes_transferred counter are the live
// progress state both the sender and the metrics snapshot read.
type Transfer struct {
	ID               uuid.UUID
	LocalPath        string
	RemotePath       string
	Size             int64
	FileDigest       integrity.Digest
	ChunkSize        int
	Priority         packet.Priority
	FECProfile       fec.Profile
	RetryPolicy      RetryPolicy
	SessionID        string
	StartedAt        time.Time
	ChunksTotal      int
	ChunksAcked      *ChunkBitset
	BytesTransferred int64

	mu           sync.Mutex
	status       Status
	errorMessage string
}

// NewTransfer creates a transfer record in Pending status.
func NewTransfer(m *Manifest, remotePath string, priority packet.Priority, fecProfile fec.Profile, retry RetryPolicy, sessionID string) *Transfer {
	return &Transfer{
		ID:          m.TransferID,
		LocalPath:   "",
		RemotePath:  remotePath,
		Size:        m.FileSize,
		FileDigest:  m.FileDigest,
		ChunkSize:   m.ChunkSize,
		Priority:    priority,
		FECProfile:  fecProfile,
		RetryPolicy: retry,
		SessionID:   sessionID,
		StartedAt:   time.Now(),
		ChunksTotal: len(m.Chunks),
		ChunksAcked: NewChunkBitset(len(m.Chunks)),
		status:      StatusPending,
	}
}

// Status returns the transfer's current lifecycle state.
func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus transitions the transfer's lifecycle state.
func (t *Transfer) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// Fail moves the transfer to Failed and records a human-readable
// reason for the metrics snapshot.
func (t *Transfer) Fail(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusFailed
	t.errorMessage = reason
}

// ErrorMessage returns the reason Fail was called with, if any.
func (t *Transfer) ErrorMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorMessage
}

// AckChunk records a chunk as acked and advances bytes_transferred by
// its length, keeping the invariant that
// chunks_acked.count*chunk_size >= bytes_transferred >=
// (chunks_acked.count-1)*chunk_size.
func (t *Transfer) AckChunk(index, length int) {
	if t.ChunksAcked.IsSet(index) {
		return
	}
	t.ChunksAcked.Set(index)
	t.mu.Lock()
	t.BytesTransferred += int64(length)
	t.mu.Unlock()
}

// ProgressPercent is the fraction of chunks acked, in [0,100].
func (t *Transfer) ProgressPercent() float64 {
	if t.ChunksTotal == 0 {
		return 100
	}
	return float64(t.ChunksAcked.Count()) / float64(t.ChunksTotal) * 100
}

// ErrIntegrityMismatch is returned when a recomputed digest does not
// match the transfer's declared one.
type ErrIntegrityMismatch struct {
	TransferID uuid.UUID
}

func (e ErrIntegrityMismatch) Error() string {
	return fmt.Sprintf("transfer: integrity mismatch for transfer %s", e.TransferID)
}
