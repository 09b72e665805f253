package fec

import (
	"container/list"
	"sync"
)

// Shard is one packet's payload within a block, tagged with its
// position. IsParity distinguishes parity shards (indices k..k+r-1)
// from data shards (indices 0..k-1) sharing the same index space as
// IndexInBlock.
type Shard struct {
	IndexInBlock int
	IsParity     bool
	Payload      []byte
}

// openBlock tracks shards received so far for one block_id.
type openBlock struct {
	blockID uint64
	params  Params
	shards  [][]byte // length k+r, nil where not yet received
	have    int
	element *list.Element // position in the decoder's LRU eviction list
}

// BlockDecoder buffers shards per block_id across a transfer and
// reconstructs a block's data shards once enough have arrived. It
// enforces a bounded number of concurrently open blocks: the oldest is
// force-evicted (and reported failed) once the bound is exceeded, so a
// stalled block can never grow memory use without limit.
type BlockDecoder struct {
	mu          sync.Mutex
	maxOpen     int
	open        map[uint64]*openBlock
	lru         *list.List // front = most recently touched
	onEvict     func(blockID uint64)
}

// NewBlockDecoder creates a decoder that holds at most maxOpen blocks
// concurrently.
func NewBlockDecoder(maxOpen int, onEvict func(blockID uint64)) *BlockDecoder {
	if maxOpen < 1 {
		maxOpen = 1
	}
	return &BlockDecoder{
		maxOpen: maxOpen,
		open:    make(map[uint64]*openBlock),
		lru:     list.New(),
		onEvict: onEvict,
	}
}

// Offer records a shard for blockID under params, evicting the oldest
// open block if this is a new block and the decoder is at capacity.
// It returns the reconstructed k data shards once the block has enough
// shards to decode; otherwise returns (nil, false, nil).
func (d *BlockDecoder) Offer(blockID uint64, params Params, shard Shard) ([][]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.open[blockID]
	if !ok {
		if len(d.open) >= d.maxOpen {
			d.evictOldestLocked()
		}
		total := params.K + params.R
		if params.Profile == ProfileNone {
			total = params.K
		}
		b = &openBlock{
			blockID: blockID,
			params:  params,
			shards:  make([][]byte, total),
		}
		b.element = d.lru.PushFront(blockID)
		d.open[blockID] = b
	} else {
		d.lru.MoveToFront(b.element)
	}

	if shard.IndexInBlock >= 0 && shard.IndexInBlock < len(b.shards) && b.shards[shard.IndexInBlock] == nil {
		b.shards[shard.IndexInBlock] = shard.Payload
		b.have++
	}

	if b.have < b.params.K {
		return nil, false, nil
	}

	decoder, err := NewDecoder(b.params)
	if err != nil {
		return nil, false, err
	}

	shardsCopy := make([][]byte, len(b.shards))
	copy(shardsCopy, b.shards)

	if err := decoder.Reconstruct(shardsCopy); err != nil {
		if insufficient, ok := err.(ErrInsufficientShards); ok {
			insufficient.BlockID = blockID
			return nil, false, insufficient
		}
		return nil, false, err
	}

	d.closeLocked(blockID)
	return shardsCopy[:b.params.K], true, nil
}

// evictOldestLocked removes the least-recently-touched open block and
// notifies onEvict, if set. Caller must hold d.mu.
func (d *BlockDecoder) evictOldestLocked() {
	back := d.lru.Back()
	if back == nil {
		return
	}
	blockID := back.Value.(uint64)
	d.lru.Remove(back)
	delete(d.open, blockID)
	if d.onEvict != nil {
		d.onEvict(blockID)
	}
}

// closeLocked removes a completed block. Caller must hold d.mu.
func (d *BlockDecoder) closeLocked(blockID uint64) {
	if b, ok := d.open[blockID]; ok {
		d.lru.Remove(b.element)
		delete(d.open, blockID)
	}
}

// OpenCount reports how many blocks are currently buffered.
func (d *BlockDecoder) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}
