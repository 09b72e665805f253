// Package transfer implements reliable file transfer on top of the
// packet/path layers: chunking and manifest computation, send-side
// chunk streaming with ack-driven retransmit, receive-side chunk
// records and reassembly, and whole-file digest verification.
package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/meshbridge/corelink/internal/integrity"
)

// ChunkOptions controls how a file is split for transfer.
type ChunkOptions struct {
	ChunkSize int
}

// DefaultChunkOptions returns the standard 1 MiB chunk size.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{ChunkSize: 1 << 20}
}

// ChunkDescriptor is one entry in a manifest: a chunk's position,
// content digest, and length.
type ChunkDescriptor struct {
	Index  int
	Digest integrity.Digest
	Length int
}

// Manifest is the send-side description of a file prepared for
// transfer: identity, chunk layout, and a Merkle root over the chunk
// digests binding the whole set.
type Manifest struct {
	TransferID uuid.UUID
	FileName   string
	FileSize   int64
	ChunkSize  int
	Chunks     []ChunkDescriptor
	FileDigest integrity.Digest
	MerkleRoot integrity.Digest
	CreatedAt  time.Time
}

// ComputeManifest streams filePath once, producing a chunk-by-chunk
// digest list, the whole-file digest, and the Merkle root binding
// them. A zero-length file still yields a single zero-length chunk so
// manifests never have an empty Chunks slice.
func ComputeManifest(filePath string, options ChunkOptions) (*Manifest, error) {
	if options.ChunkSize <= 0 {
		options = DefaultChunkOptions()
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("transfer: open %s: %w", filePath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("transfer: stat %s: %w", filePath, err)
	}

	fileHash := integrity.NewStreaming()
	var chunks []ChunkDescriptor
	digests := make([]integrity.Digest, 0)
	buffer := make([]byte, options.ChunkSize)

	for i := 0; ; i++ {
		n, readErr := io.ReadFull(file, buffer)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return nil, fmt.Errorf("transfer: read chunk %d: %w", i, readErr)
		}
		if n == 0 {
			if i == 0 {
				// Empty file: one zero-length chunk, hash of empty input.
				d := integrity.Hash(nil)
				chunks = append(chunks, ChunkDescriptor{Index: 0, Digest: d, Length: 0})
				digests = append(digests, d)
			}
			break
		}

		fileHash.Write(buffer[:n])
		d := integrity.Hash(buffer[:n])
		chunks = append(chunks, ChunkDescriptor{Index: i, Digest: d, Length: n})
		digests = append(digests, d)

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	root, err := ComputeMerkleRoot(digests)
	if err != nil {
		return nil, fmt.Errorf("transfer: merkle root: %w", err)
	}

	return &Manifest{
		TransferID: uuid.New(),
		FileName:   filepath.Base(filePath),
		FileSize:   info.Size(),
		ChunkSize:  options.ChunkSize,
		Chunks:     chunks,
		FileDigest: fileHash.Sum(),
		MerkleRoot: root,
		CreatedAt:  time.Now(),
	}, nil
}
