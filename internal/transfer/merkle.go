package transfer

import (
	"github.com/meshbridge/corelink/internal/integrity"
)

// ComputeMerkleRoot builds a Merkle tree bottom-up over digests,
// duplicating the trailing element at each level with an odd count,
// and returns the root. An empty input yields the zero digest.
func ComputeMerkleRoot(digests []integrity.Digest) (integrity.Digest, error) {
	if len(digests) == 0 {
		return integrity.Digest{}, nil
	}

	level := make([]integrity.Digest, len(digests))
	copy(level, digests)

	for len(level) > 1 {
		next := make([]integrity.Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var combined [2 * integrity.Size]byte
			copy(combined[:integrity.Size], level[i][:])
			if i+1 < len(level) {
				copy(combined[integrity.Size:], level[i+1][:])
			} else {
				copy(combined[integrity.Size:], level[i][:])
			}
			next = append(next, integrity.Hash(combined[:]))
		}
		level = next
	}

	return level[0], nil
}
