package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshbridge/corelink/internal/fec"
	"github.com/meshbridge/corelink/internal/integrity"
	"github.com/meshbridge/corelink/internal/observability"
	"github.com/meshbridge/corelink/internal/packet"
)

// Transport is the narrow send surface the transfer layer needs from
// the multipath endpoint. Decoupling from *endpoint.Endpoint directly
// keeps this package testable with a fake and usable from either a
// client or server role.
type Transport interface {
	Send(pkt packet.Packet) error
}

// Sender drives the send side of one file transfer: fragmenting each
// chunk into packets, tracking acks, and retransmitting on timeout up
// to the transfer's retry policy.
type Sender struct {
	manifest  *Manifest
	transfer  *Transfer
	transport Transport
	filePath  string
	retry     *RetryQueue
	log       *observability.Logger

	seq atomic.Uint64

	mu        sync.Mutex
	attempts  map[int]int
	fecParams fec.Params
}

// NewSender prepares a sender for a manifest already computed by
// ComputeManifest. retry may be nil; the sender then keeps no retry
// bookkeeping and never retransmits, so each chunk is sent exactly
// once.
func NewSender(manifest *Manifest, transfer *Transfer, transport Transport, filePath string, retry *RetryQueue, log *observability.Logger) *Sender {
	return &Sender{
		manifest:  manifest,
		transfer:  transfer,
		transport: transport,
		filePath:  filePath,
		retry:     retry,
		log:       log,
		attempts:  make(map[int]int),
	}
}

// SetFEC enables block-wise forward error correction for every chunk
// sent from this point on. A block groups params.K consecutive chunks.
// A final group of fewer than params.K chunks is sent plain, since the
// encoder takes exactly K data shards; a block containing a chunk that
// itself needs fragmentation (larger than a packet's max payload) is
// sent plain too, since FEC blocking and sub-chunk fragmentation don't
// compose.
func (s *Sender) SetFEC(params fec.Params) {
	s.fecParams = params
}

// Run sends every chunk once, then services acks and timeouts until
// the transfer completes, fails, or ctx is cancelled.
func (s *Sender) Run(ctx context.Context, acks <-chan packet.Packet) error {
	s.transfer.SetStatus(StatusInProgress)
	if s.log != nil {
		s.log.TransferOpened(s.transfer.ID.String(), s.filePath, s.transfer.Size, s.transfer.ChunksTotal)
	}

	if s.fecParams.Profile == fec.ProfileNone {
		for i := range s.manifest.Chunks {
			if err := s.sendChunk(i); err != nil {
				return fmt.Errorf("transfer: send chunk %d: %w", i, err)
			}
		}
	} else if err := s.sendAllBlocks(); err != nil {
		return err
	}

	ticker := time.NewTicker(s.transfer.RetryPolicy.AckTimeout / 2)
	defer ticker.Stop()
	start := time.Now()

	for {
		if s.transfer.ChunksAcked.Full() {
			return nil
		}
		if s.transfer.Status() == StatusFailed {
			return fmt.Errorf("transfer: %s", s.transfer.ErrorMessage())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ack, ok := <-acks:
			if !ok {
				return fmt.Errorf("transfer: ack channel closed before completion")
			}
			s.handleAck(ack)
		case <-ticker.C:
			s.retransmitDue()
			if s.log != nil {
				s.log.TransferProgress(s.transfer.ID.String(), s.transfer.ChunksAcked.Count(), s.transfer.ChunksTotal, s.transfer.BytesTransferred, time.Since(start))
			}
		}
	}
}

func (s *Sender) nextSequence() uint64 {
	return s.seq.Add(1)
}

// sendChunk reads one chunk and fragments it into packets no larger
// than a packet's max payload. A chunk that fits in one packet carries
// no fragment flags; a split chunk flags every fragment with
// FlagFragment and the last one also with FlagLastFragment.
func (s *Sender) sendChunk(index int) error {
	desc := s.manifest.Chunks[index]
	data, err := ReadChunk(s.filePath, index, s.manifest.ChunkSize)
	if err != nil {
		return err
	}
	if len(data) != desc.Length {
		return fmt.Errorf("transfer: chunk %d length changed from %d to %d bytes since manifest", index, desc.Length, len(data))
	}

	fragSize := packet.MaxPayloadSize
	total := (len(data) + fragSize - 1) / fragSize
	if total == 0 {
		total = 1
	}

	s.mu.Lock()
	s.retryAt(index, s.attempts[index], time.Now().Add(s.transfer.RetryPolicy.AckTimeout))
	s.mu.Unlock()

	for i := 0; i < total; i++ {
		start := i * fragSize
		end := start + fragSize
		if end > len(data) {
			end = len(data)
		}
		var flags packet.Flags
		if total > 1 {
			flags = packet.FlagFragment
			if i == total-1 {
				flags |= packet.FlagLastFragment
			}
		}
		pkt := packet.Packet{
			Version:    1,
			Kind:       packet.KindData,
			Flags:      flags,
			Priority:   s.transfer.Priority,
			TransferID: s.transfer.ID,
			Sequence:   s.nextSequence(),
			ChunkIndex: uint64(index),
			Payload:    data[start:end],
		}
		if err := s.transport.Send(pkt); err != nil {
			return err
		}
	}
	return nil
}

// sendAllBlocks walks the manifest in fixed-size FEC blocks, falling
// back to the plain per-chunk path for a final group of fewer than k
// chunks and for any block that contains a chunk requiring
// fragmentation.
func (s *Sender) sendAllBlocks() error {
	k := s.fecParams.K
	chunks := s.manifest.Chunks
	for start := 0; start < len(chunks); start += k {
		end := start + k
		if end > len(chunks) {
			end = len(chunks)
		}
		if end-start < k || s.blockHasFragmentedChunk(start, end) {
			for i := start; i < end; i++ {
				if err := s.sendChunk(i); err != nil {
					return fmt.Errorf("transfer: send chunk %d: %w", i, err)
				}
			}
			continue
		}
		if err := s.sendBlock(start, end); err != nil {
			return fmt.Errorf("transfer: send FEC block at chunk %d: %w", start, err)
		}
	}
	return nil
}

func (s *Sender) blockHasFragmentedChunk(start, end int) bool {
	for i := start; i < end; i++ {
		if s.manifest.Chunks[i].Length > packet.MaxPayloadSize {
			return true
		}
	}
	return false
}

// sendBlock reads chunks [start,end), encodes them as one FEC block,
// and sends the data shards followed by the parity shards. Shards are
// padded to the block's longest chunk before encoding; the wire
// payload for each data shard stays the original, unpadded bytes since
// the receiver can recompute the padded length from the manifest.
func (s *Sender) sendBlock(start, end int) error {
	blockID := uint64(start / s.fecParams.K)
	n := end - start

	shards := make([][]byte, n)
	maxLen := 0
	for i := 0; i < n; i++ {
		data, err := ReadChunk(s.filePath, start+i, s.manifest.ChunkSize)
		if err != nil {
			return err
		}
		shards[i] = data
		if len(data) > maxLen {
			maxLen = len(data)
		}
	}

	padded := make([][]byte, n)
	for i, data := range shards {
		if len(data) == maxLen {
			padded[i] = data
			continue
		}
		p := make([]byte, maxLen)
		copy(p, data)
		padded[i] = p
	}

	s.mu.Lock()
	for i := start; i < end; i++ {
		s.retryAt(i, s.attempts[i], time.Now().Add(s.transfer.RetryPolicy.AckTimeout))
	}
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		index := start + i
		pkt := packet.Packet{
			Version:    1,
			Kind:       packet.KindData,
			Flags:      packet.FlagFECBlock,
			Priority:   s.transfer.Priority,
			TransferID: s.transfer.ID,
			Sequence:   s.nextSequence(),
			ChunkIndex: uint64(index),
			BlockID:    blockID,
			ShardIndex: uint16(i),
			Payload:    shards[i],
		}
		if err := s.transport.Send(pkt); err != nil {
			return err
		}
	}

	encoder, err := fec.NewEncoder(s.fecParams)
	if err != nil {
		return fmt.Errorf("transfer: build FEC encoder for block %d: %w", blockID, err)
	}
	parity, err := encoder.Encode(padded)
	if err != nil {
		return fmt.Errorf("transfer: encode FEC block %d: %w", blockID, err)
	}
	for j, shard := range parity {
		pkt := packet.Packet{
			Version:    1,
			Kind:       packet.KindParity,
			Flags:      packet.FlagFECBlock,
			Priority:   s.transfer.Priority,
			TransferID: s.transfer.ID,
			Sequence:   s.nextSequence(),
			ChunkIndex: uint64(start),
			BlockID:    blockID,
			ShardIndex: uint16(n + j),
			Payload:    shard,
		}
		if err := s.transport.Send(pkt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) retryAt(index, attempts int, dueAt time.Time) {
	if s.retry == nil {
		return
	}
	if err := s.retry.Enqueue(s.transfer.ID.String(), int64(index), attempts, dueAt); err != nil && s.log != nil {
		s.log.Error(err, "failed to enqueue chunk retry bookkeeping")
	}
}

// handleAck applies one Ack packet: its payload is the receiver's
// computed digest for the chunk, which must match the manifest's
// declared digest for the ack to count.
func (s *Sender) handleAck(pkt packet.Packet) {
	if pkt.Kind != packet.KindAck || pkt.TransferID != s.transfer.ID {
		return
	}
	index := int(pkt.ChunkIndex)
	if index < 0 || index >= len(s.manifest.Chunks) {
		return
	}
	var got integrity.Digest
	if len(pkt.Payload) != integrity.Size {
		return
	}
	copy(got[:], pkt.Payload)
	if got != s.manifest.Chunks[index].Digest {
		if s.log != nil {
			s.log.ChunkAuthFailed(s.transfer.ID.String(), pkt.ChunkIndex, "ack digest mismatch", nil)
		}
		return
	}

	s.transfer.AckChunk(index, s.manifest.Chunks[index].Length)
	if s.retry != nil {
		if err := s.retry.Remove(s.transfer.ID.String(), int64(index)); err != nil && s.log != nil {
			s.log.Error(err, "failed to clear chunk retry bookkeeping")
		}
	}
}

// retransmitDue resends any chunk whose ack-timeout has elapsed,
// dropping (and failing the transfer) once a chunk exceeds its retry
// policy's attempt bound.
func (s *Sender) retransmitDue() {
	if s.retry == nil {
		return
	}
	due, err := s.retry.DueItems(time.Now())
	if err != nil {
		if s.log != nil {
			s.log.Error(err, "failed to scan retry queue")
		}
		return
	}

	for _, item := range due {
		if item.TransferID != s.transfer.ID.String() {
			continue
		}
		index := int(item.ChunkIndex)
		if s.transfer.ChunksAcked.IsSet(index) {
			_ = s.retry.Remove(item.TransferID, item.ChunkIndex)
			continue
		}
		if item.Attempts >= s.transfer.RetryPolicy.MaxRetries {
			s.transfer.Fail(fmt.Sprintf("chunk %d exceeded %d retry attempts", index, s.transfer.RetryPolicy.MaxRetries))
			_ = s.retry.Remove(item.TransferID, item.ChunkIndex)
			continue
		}

		s.mu.Lock()
		s.attempts[index] = item.Attempts + 1
		s.mu.Unlock()

		if err := s.sendChunk(index); err != nil && s.log != nil {
			s.log.Error(err, fmt.Sprintf("retransmit of chunk %d failed", index))
		}
	}
}
