package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshbridge/corelink/internal/fec"
	"github.com/meshbridge/corelink/internal/integrity"
	"github.com/meshbridge/corelink/internal/observability"
	"github.com/meshbridge/corelink/internal/packet"
)

// fragmentAssembly accumulates a chunk's fragments as they arrive.
// Fragments are assumed to arrive in send order, which holds for the
// common case of a chunk staying on one path; a chunk whose fragments
// are split across a mid-chunk handover is not reassembled correctly,
// a known limitation of fragmenting below the chunk boundary.
type fragmentAssembly struct {
	buf []byte
}

// Receiver drives the receive side of one file transfer: applying Data
// packets to a temp file, persisting chunk records, acking, and
// reassembling once every chunk is present.
type Receiver struct {
	manifest  *Manifest
	transfer  *Transfer
	transport Transport
	tempPath  string
	finalPath string
	records   *RecordStore
	log       *observability.Logger

	mu         sync.Mutex
	fragmented map[int]*fragmentAssembly

	fecParams          fec.Params
	fecDecoder         *fec.BlockDecoder
	fecReconstructions *atomic.Int64
	fecFailures        *atomic.Int64
}

// ErrChunkDigestMismatch is returned when a reassembled chunk's
// content does not match its manifest digest.
type ErrChunkDigestMismatch struct {
	ChunkIndex int
}

func (e ErrChunkDigestMismatch) Error() string {
	return fmt.Sprintf("transfer: chunk %d digest mismatch", e.ChunkIndex)
}

// NewReceiver starts a transfer on the receive side: temp storage at
// tempPath, final destination at finalPath once verified.
func NewReceiver(manifest *Manifest, transfer *Transfer, transport Transport, tempPath, finalPath string, records *RecordStore, log *observability.Logger) (*Receiver, error) {
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transfer: allocate temp storage: %w", err)
	}
	if err := f.Truncate(manifest.FileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("transfer: preallocate temp storage: %w", err)
	}
	f.Close()

	transfer.SetStatus(StatusInProgress)
	return &Receiver{
		manifest:   manifest,
		transfer:   transfer,
		transport:  transport,
		tempPath:   tempPath,
		finalPath:  finalPath,
		records:    records,
		log:        log,
		fragmented: make(map[int]*fragmentAssembly),
	}, nil
}

// SetFEC enables block-wise FEC recovery for this receiver. maxOpenBlocks
// bounds how many in-flight blocks are buffered awaiting enough shards
// to decode; the oldest is evicted (counted as a failed reconstruction)
// once the bound is exceeded. reconstructions and failures, if non-nil,
// are incremented as blocks resolve, for the metrics snapshot's FEC
// stats.
func (r *Receiver) SetFEC(params fec.Params, maxOpenBlocks int, reconstructions, failures *atomic.Int64) {
	r.fecParams = params
	r.fecReconstructions = reconstructions
	r.fecFailures = failures
	r.fecDecoder = fec.NewBlockDecoder(maxOpenBlocks, func(blockID uint64) {
		if r.fecFailures != nil {
			r.fecFailures.Add(1)
		}
		if r.log != nil {
			r.log.Error(fmt.Errorf("FEC block %d evicted before it could be reconstructed", blockID), "FEC block eviction")
		}
	})
}

// Resume rebuilds the chunks_acked bitset from the record store's
// durable truth, for a transfer that is reconnecting rather than
// starting fresh. Any chunk without a committed record is treated as
// unreceived, even if a stray temp write exists for it.
func (r *Receiver) Resume() error {
	indices, err := r.records.ReceivedIndices(r.transfer.ID.String())
	if err != nil {
		return fmt.Errorf("transfer: resume: %w", err)
	}
	for _, idx := range indices {
		r.transfer.ChunksAcked.Set(idx)
	}
	return nil
}

// OnData applies one Data or Parity packet. Duplicate chunks are
// idempotent: redelivering an already-acked chunk just re-emits the
// ack. A Parity packet only ever contributes to FEC block recovery and
// never carries a chunk on its own.
func (r *Receiver) OnData(ctx context.Context, pkt packet.Packet) error {
	if pkt.TransferID != r.transfer.ID {
		return nil
	}
	if pkt.Kind == packet.KindParity {
		return r.onParity(ctx, pkt)
	}
	if pkt.Kind != packet.KindData {
		return nil
	}

	index := int(pkt.ChunkIndex)
	if index < 0 || index >= r.transfer.ChunksTotal {
		return fmt.Errorf("transfer: chunk index %d out of range", index)
	}

	if r.transfer.ChunksAcked.IsSet(index) {
		return r.sendAck(index, r.manifest.Chunks[index].Digest)
	}

	if pkt.Flags&packet.FlagFECBlock != 0 {
		return r.offerFECShard(ctx, pkt.BlockID, int(pkt.ShardIndex), false, pkt.Payload)
	}

	chunkData, complete := r.assemble(pkt)
	if !complete {
		return nil
	}
	return r.commitChunk(ctx, index, chunkData)
}

// onParity offers a block's parity shard to the FEC decoder.
func (r *Receiver) onParity(ctx context.Context, pkt packet.Packet) error {
	if r.fecDecoder == nil {
		return nil
	}
	return r.offerFECShard(ctx, pkt.BlockID, int(pkt.ShardIndex), true, pkt.Payload)
}

// offerFECShard records one data or parity shard with the FEC block
// decoder and, once a block has enough shards to decode, commits every
// chunk in the block. A parity shard completing the block means at
// least one data shard was missing and had to be reconstructed.
func (r *Receiver) offerFECShard(ctx context.Context, blockID uint64, shardIndex int, isParity bool, payload []byte) error {
	if r.fecDecoder == nil {
		return nil
	}
	if !isParity {
		// Data shards travel unpadded; pad to the block's longest chunk
		// as the sender did before encoding.
		start := r.fecBlockStart(blockID)
		maxLen := 0
		for i := start; i < start+r.fecParams.K && i < r.transfer.ChunksTotal; i++ {
			maxLen = max(maxLen, r.manifest.Chunks[i].Length)
		}
		if len(payload) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, payload)
			payload = padded
		}
	}
	shards, ready, err := r.fecDecoder.Offer(blockID, r.fecParams, fec.Shard{
		IndexInBlock: shardIndex,
		IsParity:     isParity,
		Payload:      payload,
	})
	if err != nil {
		if _, ok := err.(fec.ErrInsufficientShards); ok {
			return nil
		}
		return fmt.Errorf("transfer: FEC offer for block %d: %w", blockID, err)
	}
	if !ready {
		return nil
	}
	if isParity && r.fecReconstructions != nil {
		r.fecReconstructions.Add(1)
	}
	return r.applyRecoveredBlock(ctx, blockID, shards)
}

// applyRecoveredBlock commits every chunk of a decoded FEC block. Each
// shard is padded to the block's longest chunk by the sender; trimming
// back to the manifest's declared chunk length recovers the original
// bytes. Shards that map past the transfer's last chunk are skipped.
func (r *Receiver) applyRecoveredBlock(ctx context.Context, blockID uint64, shards [][]byte) error {
	start := r.fecBlockStart(blockID)
	for i, data := range shards {
		index := start + i
		if index >= r.transfer.ChunksTotal {
			break
		}
		if want := r.manifest.Chunks[index].Length; want < len(data) {
			data = data[:want]
		}
		if err := r.commitChunk(ctx, index, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) fecBlockStart(blockID uint64) int {
	return int(blockID) * r.fecParams.K
}

// commitChunk applies one fully-assembled chunk's bytes to the
// transfer: verifies its digest, writes it to temp storage, persists
// the chunk record, acks it, and finalizes the transfer once every
// chunk is in. It is the shared tail of both the direct-arrival path
// and FEC block recovery.
func (r *Receiver) commitChunk(ctx context.Context, index int, chunkData []byte) error {
	if r.transfer.ChunksAcked.IsSet(index) {
		return r.sendAck(index, r.manifest.Chunks[index].Digest)
	}

	declared := r.manifest.Chunks[index].Digest
	got := integrity.Hash(chunkData)
	if got != declared {
		if r.log != nil {
			r.log.ChunkAuthFailed(r.transfer.ID.String(), uint64(index), "chunk digest mismatch", ErrChunkDigestMismatch{ChunkIndex: index})
		}
		return ErrChunkDigestMismatch{ChunkIndex: index}
	}

	offset := int64(index) * int64(r.manifest.ChunkSize)
	if err := r.writeChunk(offset, chunkData); err != nil {
		return fmt.Errorf("transfer: write chunk %d: %w", index, err)
	}
	if err := r.records.PutChunk(ChunkRecord{
		TransferID: r.transfer.ID.String(),
		ChunkIndex: index,
		Offset:     offset,
		Length:     len(chunkData),
		Digest:     got,
		StoredAt:   time.Now(),
	}); err != nil {
		return fmt.Errorf("transfer: persist chunk record %d: %w", index, err)
	}

	r.transfer.AckChunk(index, len(chunkData))
	if err := r.sendAck(index, got); err != nil {
		return err
	}

	if r.transfer.ChunksAcked.Full() {
		return r.finalize()
	}
	return nil
}

// assemble appends pkt's payload to the chunk's fragment buffer and
// reports whether the chunk is now complete. A non-fragmented packet
// (no FlagFragment) is complete immediately.
func (r *Receiver) assemble(pkt packet.Packet) ([]byte, bool) {
	index := int(pkt.ChunkIndex)
	if pkt.Flags&packet.FlagFragment == 0 {
		return pkt.Payload, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	asm, ok := r.fragmented[index]
	if !ok {
		asm = &fragmentAssembly{}
		r.fragmented[index] = asm
	}
	asm.buf = append(asm.buf, pkt.Payload...)
	if pkt.Flags&packet.FlagLastFragment == 0 {
		return nil, false
	}
	delete(r.fragmented, index)
	return asm.buf, true
}

func (r *Receiver) writeChunk(offset int64, data []byte) error {
	f, err := os.OpenFile(r.tempPath, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	return f.Sync()
}

func (r *Receiver) sendAck(index int, digest integrity.Digest) error {
	ack := packet.Packet{
		Version:    1,
		Kind:       packet.KindAck,
		Priority:   r.transfer.Priority,
		TransferID: r.transfer.ID,
		ChunkIndex: uint64(index),
		Payload:    digest[:],
	}
	return r.transport.Send(ack)
}

// finalize recomputes the whole-file digest from the temp file's bytes
// and, if it matches the declared digest, atomically moves it to the
// final path. On mismatch the temp file is kept for diagnosis.
func (r *Receiver) finalize() error {
	digest, err := r.fileDigest()
	if err != nil {
		return fmt.Errorf("transfer: recompute file digest: %w", err)
	}

	result := Verify(r.transfer.ID, digest, r.transfer.FileDigest)
	if result.Status != VerificationSuccess {
		r.transfer.Fail("IntegrityMismatch")
		return ErrIntegrityMismatch{TransferID: r.transfer.ID}
	}

	if err := os.Rename(r.tempPath, r.finalPath); err != nil {
		return fmt.Errorf("transfer: move temp file to final path: %w", err)
	}
	if err := r.records.DeleteTransfer(r.transfer.ID.String()); err != nil && r.log != nil {
		r.log.Error(err, "failed to clear chunk records after completion")
	}

	r.transfer.SetStatus(StatusCompleted)
	if r.log != nil {
		r.log.TransferCompleted(r.transfer.ID.String(), r.transfer.Size, time.Since(r.transfer.StartedAt), true)
	}
	return nil
}

func (r *Receiver) fileDigest() (integrity.Digest, error) {
	f, err := os.Open(r.tempPath)
	if err != nil {
		return integrity.Digest{}, err
	}
	defer f.Close()

	h := integrity.NewStreaming()
	buf := make([]byte, 1<<20)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return integrity.Digest{}, err
		}
	}
	return h.Sum(), nil
}
