package transfer

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var bucketRetry = []byte("retry_queue")

// RetryItem is one pending chunk retransmit: due once DueAt elapses,
// dropped once Attempts exceeds the transfer's retry policy.
type RetryItem struct {
	TransferID string
	ChunkIndex int64
	Attempts   int
	DueAt      time.Time
}

// RetryQueue is the bolt-backed ack-timeout bookkeeping for in-flight
// chunks: a chunk is enqueued when sent and removed when acked; if its
// due time elapses first, the worker hands it back for retransmit.
type RetryQueue struct {
	db *bolt.DB
}

// OpenRetryQueue opens (creating if needed) the retry queue database
// at path.
func OpenRetryQueue(path string) (*RetryQueue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("transfer: open retry queue: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketRetry)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("transfer: init retry queue bucket: %w", err)
	}
	return &RetryQueue{db: db}, nil
}

func retryKey(transferID string, chunkIndex int64) []byte {
	key := make([]byte, len(transferID)+1+8)
	n := copy(key, transferID)
	key[n] = ':'
	binary.BigEndian.PutUint64(key[n+1:], uint64(chunkIndex))
	return key
}

// Enqueue schedules (or reschedules) a chunk to come due at dueAt.
func (q *RetryQueue) Enqueue(transferID string, chunkIndex int64, attempts int, dueAt time.Time) error {
	val := make([]byte, 4+8)
	binary.BigEndian.PutUint32(val[0:4], uint32(attempts))
	binary.BigEndian.PutUint64(val[4:12], uint64(dueAt.UnixNano()))
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetry).Put(retryKey(transferID, chunkIndex), val)
	})
}

// Remove drops a chunk from the queue, called on ack.
func (q *RetryQueue) Remove(transferID string, chunkIndex int64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetry).Delete(retryKey(transferID, chunkIndex))
	})
}

// DueItems returns every item whose DueAt has elapsed, removing none
// of them — the caller re-Enqueues (bumping Attempts) or Removes each
// one after acting on it.
func (q *RetryQueue) DueItems(now time.Time) ([]RetryItem, error) {
	var items []RetryItem
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRetry).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 12 {
				continue
			}
			attempts := int(binary.BigEndian.Uint32(v[0:4]))
			dueAt := time.Unix(0, int64(binary.BigEndian.Uint64(v[4:12])))
			if dueAt.After(now) {
				continue
			}
			sepIdx := len(k) - 9 // ':' + 8-byte index
			if sepIdx < 0 || k[sepIdx] != ':' {
				continue
			}
			items = append(items, RetryItem{
				TransferID: string(k[:sepIdx]),
				ChunkIndex: int64(binary.BigEndian.Uint64(k[sepIdx+1:])),
				Attempts:   attempts,
				DueAt:      dueAt,
			})
		}
		return nil
	})
	return items, err
}

// Close closes the underlying database handle.
func (q *RetryQueue) Close() error {
	return q.db.Close()
}
