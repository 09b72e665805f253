package transfer

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meshbridge/corelink/internal/integrity"
)

// ErrRecordNotFound is returned when a chunk record does not exist.
var ErrRecordNotFound = errors.New("transfer: chunk record not found")

// ChunkRecord is the receiver's durable truth for one received chunk:
// where it landed on disk and what it hashed to. A chunk counts as
// received only once its record row is committed, after the chunk
// bytes themselves are durable — see RecordStore.PutChunk.
type ChunkRecord struct {
	TransferID string
	ChunkIndex int
	Offset     int64
	Length     int
	Digest     integrity.Digest
	StoredAt   time.Time
}

// RecordStore is the SQLite-backed chunk-record table used on the
// receive side. Its rows are the resume protocol's source of truth:
// a transfer's chunks_acked bitset is rebuilt from this table on
// reconnect, not from any in-memory state.
type RecordStore struct {
	db *sql.DB
}

// OpenRecordStore opens (creating if needed) the chunk-record database
// at dbPath.
func OpenRecordStore(dbPath string) (*RecordStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: open record store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer SQLite file; avoid lock contention
	db.SetConnMaxLifetime(time.Hour)

	const schema = `
		CREATE TABLE IF NOT EXISTS chunk_records (
			transfer_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			offset INTEGER NOT NULL,
			length INTEGER NOT NULL,
			digest TEXT NOT NULL,
			stored_at TIMESTAMP NOT NULL,
			PRIMARY KEY (transfer_id, chunk_index)
		);
		CREATE INDEX IF NOT EXISTS idx_chunk_records_transfer ON chunk_records(transfer_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("transfer: init record schema: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// PutChunk commits a chunk record. The caller must have already
// durably written the chunk's bytes to their storage location before
// calling this, so a crash between the two never leaves a record
// pointing at data that doesn't exist.
func (s *RecordStore) PutChunk(rec ChunkRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO chunk_records (transfer_id, chunk_index, offset, length, digest, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TransferID, rec.ChunkIndex, rec.Offset, rec.Length,
		hex.EncodeToString(rec.Digest[:]), rec.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("transfer: put chunk record: %w", err)
	}
	return nil
}

// GetChunk returns the record for one chunk of a transfer.
func (s *RecordStore) GetChunk(transferID string, chunkIndex int) (ChunkRecord, error) {
	var rec ChunkRecord
	var digestHex string
	err := s.db.QueryRow(
		`SELECT transfer_id, chunk_index, offset, length, digest, stored_at
		 FROM chunk_records WHERE transfer_id = ? AND chunk_index = ?`,
		transferID, chunkIndex,
	).Scan(&rec.TransferID, &rec.ChunkIndex, &rec.Offset, &rec.Length, &digestHex, &rec.StoredAt)
	if err == sql.ErrNoRows {
		return ChunkRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("transfer: get chunk record: %w", err)
	}
	raw, err := hex.DecodeString(digestHex)
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("transfer: decode digest: %w", err)
	}
	copy(rec.Digest[:], raw)
	return rec, nil
}

// ReceivedIndices returns every chunk index this transfer has a
// committed record for, ascending. On reconnect this — not any
// in-memory bitset — is what resume is built from.
func (s *RecordStore) ReceivedIndices(transferID string) ([]int, error) {
	rows, err := s.db.Query(
		`SELECT chunk_index FROM chunk_records WHERE transfer_id = ? ORDER BY chunk_index`,
		transferID,
	)
	if err != nil {
		return nil, fmt.Errorf("transfer: query received indices: %w", err)
	}
	defer rows.Close()

	var indices []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("transfer: scan chunk index: %w", err)
		}
		indices = append(indices, idx)
	}
	return indices, rows.Err()
}

// DeleteTransfer removes all records for a transfer, used once it has
// been reassembled and verified (or abandoned).
func (s *RecordStore) DeleteTransfer(transferID string) error {
	_, err := s.db.Exec(`DELETE FROM chunk_records WHERE transfer_id = ?`, transferID)
	if err != nil {
		return fmt.Errorf("transfer: delete transfer records: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *RecordStore) Close() error {
	return s.db.Close()
}
