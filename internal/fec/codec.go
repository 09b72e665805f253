package fec

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Encoder produces parity shards for a block of k data shards under a
// fixed profile.
type Encoder struct {
	params Params
	rs     reedsolomon.Encoder // nil for ProfileNone and ProfileXOR
}

// NewEncoder builds an encoder for params. ProfileReedSolomon delegates
// to klauspost/reedsolomon; ProfileXOR and ProfileNone are handled
// directly since they need no Galois-field arithmetic.
func NewEncoder(params Params) (*Encoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	e := &Encoder{params: params}
	if params.Profile == ProfileReedSolomon {
		rs, err := reedsolomon.New(params.K, params.R)
		if err != nil {
			return nil, fmt.Errorf("fec: failed to construct reed-solomon encoder: %w", err)
		}
		e.rs = rs
	}
	return e, nil
}

// Encode returns the r parity shards for dataShards, in
// index-in-block order after the k data shards. All data shards must
// be the same length; shorter shards are not auto-padded by the
// caller's responsibility to pad to the largest shard in the block
// beforehand (per spec, shard size is the largest data packet's size).
func (e *Encoder) Encode(dataShards [][]byte) ([][]byte, error) {
	if len(dataShards) != e.params.K {
		return nil, fmt.Errorf("fec: expected %d data shards, got %d", e.params.K, len(dataShards))
	}
	if err := equalLengths(dataShards); err != nil {
		return nil, err
	}

	switch e.params.Profile {
	case ProfileNone:
		return nil, nil

	case ProfileXOR:
		shardLen := 0
		if len(dataShards) > 0 {
			shardLen = len(dataShards[0])
		}
		parity := make([]byte, shardLen)
		for _, shard := range dataShards {
			for i, b := range shard {
				parity[i] ^= b
			}
		}
		return [][]byte{parity}, nil

	case ProfileReedSolomon:
		shardLen := 0
		if len(dataShards) > 0 {
			shardLen = len(dataShards[0])
		}
		parity := make([][]byte, e.params.R)
		for i := range parity {
			parity[i] = make([]byte, shardLen)
		}
		all := make([][]byte, e.params.K+e.params.R)
		copy(all[:e.params.K], dataShards)
		copy(all[e.params.K:], parity)
		if err := e.rs.Encode(all); err != nil {
			return nil, fmt.Errorf("fec: reed-solomon encode failed: %w", err)
		}
		return all[e.params.K:], nil

	default:
		return nil, fmt.Errorf("fec: unknown profile %v", e.params.Profile)
	}
}

func equalLengths(shards [][]byte) error {
	if len(shards) == 0 {
		return nil
	}
	want := len(shards[0])
	for i, s := range shards {
		if len(s) != want {
			return fmt.Errorf("fec: shard %d has length %d, want %d", i, len(s), want)
		}
	}
	return nil
}

// Decoder reconstructs the k data shards of a block from any k of its
// k+r shards.
type Decoder struct {
	params Params
	rs     reedsolomon.Encoder
}

// NewDecoder builds a decoder matching the encoder's params.
func NewDecoder(params Params) (*Decoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	d := &Decoder{params: params}
	if params.Profile == ProfileReedSolomon {
		rs, err := reedsolomon.New(params.K, params.R)
		if err != nil {
			return nil, fmt.Errorf("fec: failed to construct reed-solomon decoder: %w", err)
		}
		d.rs = rs
	}
	return d, nil
}

// Reconstruct fills in nil entries of shards (length k+r, k data
// followed by r parity) in place. It returns ErrInsufficientShards if
// too many are missing to recover.
func (d *Decoder) Reconstruct(shards [][]byte) error {
	total := d.params.K + d.params.R
	if d.params.Profile == ProfileNone {
		total = d.params.K
	}
	if len(shards) != total {
		return fmt.Errorf("fec: expected %d shards, got %d", total, len(shards))
	}

	missing := 0
	for _, s := range shards {
		if s == nil {
			missing++
		}
	}
	if missing == 0 {
		return nil
	}

	switch d.params.Profile {
	case ProfileNone:
		return ErrInsufficientShards{Missing: missing, Recoverable: 0}

	case ProfileXOR:
		if missing > 1 {
			return ErrInsufficientShards{Missing: missing, Recoverable: 1}
		}
		return d.reconstructXOR(shards)

	case ProfileReedSolomon:
		if missing > d.params.R {
			return ErrInsufficientShards{Missing: missing, Recoverable: d.params.R}
		}
		if err := d.rs.Reconstruct(shards); err != nil {
			return fmt.Errorf("fec: reed-solomon reconstruct failed: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("fec: unknown profile %v", d.params.Profile)
	}
}

// reconstructXOR recovers the single missing shard (data or parity) as
// the XOR of all present shards.
func (d *Decoder) reconstructXOR(shards [][]byte) error {
	shardLen := 0
	missingIdx := -1
	for i, s := range shards {
		if s == nil {
			missingIdx = i
			continue
		}
		if shardLen == 0 {
			shardLen = len(s)
		}
	}
	if missingIdx == -1 {
		return nil
	}

	recovered := make([]byte, shardLen)
	for i, s := range shards {
		if i == missingIdx {
			continue
		}
		for j, b := range s {
			recovered[j] ^= b
		}
	}
	shards[missingIdx] = recovered
	return nil
}

// Verify recomputes parity from the (fully present) data shards of
// shards and reports whether it matches the carried parity — used by
// tests and diagnostics, not the hot decode path.
func Verify(params Params, shards [][]byte) (bool, error) {
	enc, err := NewEncoder(params)
	if err != nil {
		return false, err
	}
	if params.Profile == ProfileNone {
		return true, nil
	}

	dataShards := shards[:params.K]
	wantParity, err := enc.Encode(dataShards)
	if err != nil {
		return false, err
	}
	gotParity := shards[params.K:]
	for i := range wantParity {
		if !bytes.Equal(wantParity[i], gotParity[i]) {
			return false, nil
		}
	}
	return true, nil
}
