package fec

import (
	"bytes"
	"testing"
)

func TestBlockDecoderReconstructsOnceKArrive(t *testing.T) {
	params := Params{Profile: ProfileReedSolomon, K: 3, R: 2}
	enc, _ := NewEncoder(params)
	data := makeShards(3, 16, 10)
	parity, _ := enc.Encode(data)

	bd := NewBlockDecoder(4, nil)

	var reconstructed [][]byte
	var done bool
	offer := func(idx int, payload []byte, isParity bool) {
		result, ok, err := bd.Offer(1, params, Shard{IndexInBlock: idx, IsParity: isParity, Payload: payload})
		if err != nil {
			t.Fatalf("Offer: %v", err)
		}
		if ok {
			reconstructed = result
			done = true
		}
	}

	offer(0, data[0], false)
	if done {
		t.Fatal("should not decode before k shards arrive")
	}
	offer(3, parity[0], true) // a parity shard, out of order
	if done {
		t.Fatal("should not decode with only 2 of 3 needed shards")
	}
	offer(4, parity[1], true)

	if !done {
		t.Fatal("expected block to decode once 3 shards (k) arrived")
	}
	for i := range data {
		if !bytes.Equal(reconstructed[i], data[i]) {
			t.Fatalf("data shard %d mismatch after block reconstruction", i)
		}
	}
}

func TestBlockDecoderEvictsOldestWhenFull(t *testing.T) {
	params := Params{Profile: ProfileReedSolomon, K: 3, R: 1}

	var evicted []uint64
	bd := NewBlockDecoder(2, func(blockID uint64) {
		evicted = append(evicted, blockID)
	})

	// Open three distinct blocks with a single partial shard each;
	// none reach k, so all stay open until capacity forces eviction.
	for blockID := uint64(1); blockID <= 3; blockID++ {
		_, _, err := bd.Offer(blockID, params, Shard{IndexInBlock: 0, Payload: []byte{1, 2, 3}})
		if err != nil {
			t.Fatalf("Offer block %d: %v", blockID, err)
		}
	}

	if bd.OpenCount() != 2 {
		t.Fatalf("expected at most 2 open blocks, got %d", bd.OpenCount())
	}
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Fatalf("expected block 1 (oldest) to be evicted, got %v", evicted)
	}
}
