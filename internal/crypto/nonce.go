package crypto

import "encoding/binary"

// DeriveNonce produces a deterministic 12-byte GCM nonce by XORing a
// per-session base IV with an encoded counter (chunk index or message
// counter). Same counter under the same ivBase always yields the same
// nonce; distinct counters never collide as long as the counter itself
// never repeats within the session.
func DeriveNonce(ivBase [12]byte, counter uint64) [12]byte {
	var nonce [12]byte

	var counterBytes [8]byte
	binary.LittleEndian.PutUint64(counterBytes[:], counter)

	for i := 0; i < 8; i++ {
		nonce[i] = ivBase[i] ^ counterBytes[i]
	}
	copy(nonce[8:12], ivBase[8:12])

	return nonce
}

// DeriveChunkNonce derives the nonce for encrypting packet/envelope
// chunk index i.
func DeriveChunkNonce(ivBase [12]byte, chunkIndex uint64) [12]byte {
	return DeriveNonce(ivBase, chunkIndex)
}

// DeriveControlNonce derives the nonce for control-message counter c,
// offset into the high half of the counter space so it can never
// collide with a chunk nonce derived from the same ivBase.
func DeriveControlNonce(ivBase [12]byte, messageCounter uint32) [12]byte {
	const controlOffset = uint64(1) << 63
	return DeriveNonce(ivBase, controlOffset|uint64(messageCounter))
}
