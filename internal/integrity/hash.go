// Package integrity provides the fixed-output cryptographic hash used
// throughout corelink for packet checksums, chunk digests, and file
// digests.
//
// BLAKE3 is used directly: it natively supports a plain hash mode, a
// keyed mode suitable for short-term message authentication, and a
// key-derivation mode for context-bound key material, which covers all
// three contracts without a hand-rolled HMAC/HKDF construction.
package integrity

import (
	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes (256 bits).
const Size = 32

// Digest is a fixed-size 256-bit hash value.
type Digest [Size]byte

// Hash computes the BLAKE3 digest of data.
func Hash(data []byte) Digest {
	var d Digest
	sum := blake3.Sum256(data)
	copy(d[:], sum[:])
	return d
}

// HashKeyed computes a keyed BLAKE3 digest (MAC) of data under key.
// key must be exactly 32 bytes.
func HashKeyed(key [Size]byte, data []byte) (Digest, error) {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return Digest{}, err
	}
	h.Write(data)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Derive produces context-bound key material from input, using BLAKE3's
// key-derivation mode. context should be a short, unique, application
// string (e.g. "corelink file-kek v1"); input is the keying material.
func Derive(context string, input []byte) Digest {
	h := blake3.NewDeriveKey(context)
	h.Write(input)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Streaming wraps a running BLAKE3 hash for incremental updates, used
// when hashing data larger than fits comfortably in memory at once
// (file digests, chunk streams).
type Streaming struct {
	h *blake3.Hasher
}

// NewStreaming creates a new streaming hash.
func NewStreaming() *Streaming {
	return &Streaming{h: blake3.New()}
}

// Write adds more data to the running hash. It never returns an error.
func (s *Streaming) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum returns the digest of everything written so far without
// resetting the running state.
func (s *Streaming) Sum() Digest {
	var d Digest
	copy(d[:], s.h.Sum(nil))
	return d
}

// Reset clears the running state so the Streaming can be reused.
func (s *Streaming) Reset() {
	s.h.Reset()
}
