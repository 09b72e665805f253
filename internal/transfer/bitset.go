package transfer

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ChunkBitset tracks which chunk indices of a transfer have been
// durably received (or, send-side, acked). It is the truth of
// chunks_acked referenced throughout the transfer record.
type ChunkBitset struct {
	mu    sync.RWMutex
	total int
	words []uint64
	count int
}

// NewChunkBitset allocates a bitset sized for total chunks.
func NewChunkBitset(total int) *ChunkBitset {
	return &ChunkBitset{total: total, words: make([]uint64, (total+63)/64)}
}

// Set marks index as received; idempotent on an already-set index.
func (b *ChunkBitset) Set(index int) {
	if index < 0 || index >= b.total {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	word, bit := index/64, uint(index%64)
	mask := uint64(1) << bit
	if b.words[word]&mask == 0 {
		b.words[word] |= mask
		b.count++
	}
}

// IsSet reports whether index has been received.
func (b *ChunkBitset) IsSet(index int) bool {
	if index < 0 || index >= b.total {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	word, bit := index/64, uint(index%64)
	return b.words[word]&(uint64(1)<<bit) != 0
}

// Count returns how many indices are set.
func (b *ChunkBitset) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Full reports whether every index in [0,total) is set.
func (b *ChunkBitset) Full() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count == b.total
}

// Missing returns the indices not yet set, in ascending order.
func (b *ChunkBitset) Missing() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	missing := make([]int, 0, b.total-b.count)
	for i := 0; i < b.total; i++ {
		word, bit := i/64, uint(i%64)
		if b.words[word]&(uint64(1)<<bit) == 0 {
			missing = append(missing, i)
		}
	}
	return missing
}

// Ranges compresses the set indices into comma-separated runs
// ("0-3,7,9-12"), used for the resume handshake's chunks_acked report.
func (b *ChunkBitset) Ranges() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var buf bytes.Buffer
	start, prev := -1, -1
	flush := func() {
		if start < 0 {
			return
		}
		if buf.Len() > 0 {
			buf.WriteByte(',')
		}
		if start == prev {
			fmt.Fprintf(&buf, "%d", start)
		} else {
			fmt.Fprintf(&buf, "%d-%d", start, prev)
		}
	}

	for i := 0; i < b.total; i++ {
		word, bit := i/64, uint(i%64)
		set := b.words[word]&(uint64(1)<<bit) != 0
		if !set {
			continue
		}
		if start == -1 {
			start, prev = i, i
		} else if i == prev+1 {
			prev = i
		} else {
			flush()
			start, prev = i, i
		}
	}
	flush()
	return buf.String()
}

// ParseRanges decompresses a Ranges() string back into indices.
func ParseRanges(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var indices []int
	for _, part := range strings.Split(s, ",") {
		bounds := strings.SplitN(part, "-", 2)
		start, err := strconv.Atoi(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("transfer: invalid range %q: %w", part, err)
		}
		end := start
		if len(bounds) == 2 {
			end, err = strconv.Atoi(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("transfer: invalid range %q: %w", part, err)
			}
		}
		for i := start; i <= end; i++ {
			indices = append(indices, i)
		}
	}
	return indices, nil
}
