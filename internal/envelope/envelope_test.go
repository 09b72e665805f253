package envelope

import (
	"bytes"
	"crypto/mlkem"
	"errors"
	"io"
	"testing"

	corelinkcrypto "github.com/meshbridge/corelink/internal/crypto"
)

func testRecipient(t *testing.T) (RecipientPublicKey, RecipientPrivateKey) {
	t.Helper()

	decap, err := mlkem.GenerateKey768()
	if err != nil {
		t.Fatalf("failed to generate ML-KEM-768 keypair: %v", err)
	}

	x25519, err := corelinkcrypto.GenerateX25519()
	if err != nil {
		t.Fatalf("failed to generate X25519 keypair: %v", err)
	}

	pub := RecipientPublicKey{KEM: decap.EncapsulationKey(), X25519: x25519.PublicKey}
	priv := RecipientPrivateKey{KEM: decap, X25519: x25519.PrivateKey}
	return pub, priv
}

func roundTrip(t *testing.T, plaintext []byte, chunkSize int) []byte {
	t.Helper()

	pub, priv := testRecipient(t)

	var encrypted bytes.Buffer
	if err := Encrypt(bytes.NewReader(plaintext), &encrypted, pub, chunkSize); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	var decrypted bytes.Buffer
	if err := Decrypt(bytes.NewReader(encrypted.Bytes()), &decrypted, priv); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted.Bytes()) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", decrypted.Len(), len(plaintext))
	}

	return encrypted.Bytes()
}

func TestRoundTripSmallFile(t *testing.T) {
	roundTrip(t, []byte("the quick brown fox jumps over the lazy dog"), 16)
}

func TestRoundTripMultiChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 5*16+3)
	roundTrip(t, data, 16)
}

func TestRoundTripExactChunkMultiple(t *testing.T) {
	data := bytes.Repeat([]byte{0xCD}, 4*16)
	roundTrip(t, data, 16)
}

func TestRoundTripEmptyFile(t *testing.T) {
	roundTrip(t, []byte{}, 16)
}

func TestDecryptRejectsBadMagic(t *testing.T) {
	pub, priv := testRecipient(t)

	var encrypted bytes.Buffer
	if err := Encrypt(bytes.NewReader([]byte("hello")), &encrypted, pub, 16); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	corrupted := encrypted.Bytes()
	corrupted[0] = 'X'

	var decrypted bytes.Buffer
	err := Decrypt(bytes.NewReader(corrupted), &decrypted, priv)
	if err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecryptRejectsUnsupportedVersion(t *testing.T) {
	pub, priv := testRecipient(t)

	var encrypted bytes.Buffer
	if err := Encrypt(bytes.NewReader([]byte("hello")), &encrypted, pub, 16); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	corrupted := encrypted.Bytes()
	corrupted[4] = 99 // version byte

	var decrypted bytes.Buffer
	err := Decrypt(bytes.NewReader(corrupted), &decrypted, priv)

	var unsupported ErrUnsupportedVersion
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecryptDetectsChunkTamper(t *testing.T) {
	pub, priv := testRecipient(t)

	chunkSize := 16
	data := bytes.Repeat([]byte{0x11}, chunkSize*6) // chunks 0..5

	var encrypted bytes.Buffer
	if err := Encrypt(bytes.NewReader(data), &encrypted, pub, chunkSize); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	corrupted := encrypted.Bytes()

	// Locate chunk 3's ciphertext by walking the header + preceding
	// chunks, then flip a byte inside its ciphertext.
	offset := headerSizeForTest(t, corrupted)
	for i := 0; i < 3; i++ {
		offset = skipChunkForTest(t, corrupted, offset)
	}
	chunkStart := offset + chunkSizeBytes + nonceSize
	corrupted[chunkStart] ^= 0xFF

	var decrypted bytes.Buffer
	err := Decrypt(bytes.NewReader(corrupted), &decrypted, priv)

	var chunkErr ErrChunkAuthFailed
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected ErrChunkAuthFailed, got %v", err)
	}
	if chunkErr.Index != 3 {
		t.Fatalf("expected failure at chunk 3, got chunk %d", chunkErr.Index)
	}

	// Nothing from chunk 3 onward should have reached the output.
	if decrypted.Len() != 0 && decrypted.Len() > 3*chunkSize {
		t.Fatalf("plaintext leaked beyond the failing chunk: %d bytes", decrypted.Len())
	}
}

func TestDecryptRejectsTruncatedInput(t *testing.T) {
	pub, priv := testRecipient(t)

	var encrypted bytes.Buffer
	if err := Encrypt(bytes.NewReader(bytes.Repeat([]byte{1}, 64)), &encrypted, pub, 16); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	truncated := encrypted.Bytes()[:len(encrypted.Bytes())-4]

	var decrypted bytes.Buffer
	err := Decrypt(bytes.NewReader(truncated), &decrypted, priv)
	if err == nil {
		t.Fatal("expected error for truncated envelope")
	}
}

func TestDecryptRejectsWrongRecipient(t *testing.T) {
	pub, _ := testRecipient(t)
	_, otherPriv := testRecipient(t)

	var encrypted bytes.Buffer
	if err := Encrypt(bytes.NewReader([]byte("hello")), &encrypted, pub, 16); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	var decrypted bytes.Buffer
	err := Decrypt(bytes.NewReader(encrypted.Bytes()), &decrypted, otherPriv)
	if err == nil {
		t.Fatal("expected error when decrypting with the wrong recipient key")
	}
}

// headerSizeForTest and skipChunkForTest re-parse the on-wire layout
// purely to locate byte offsets for the tamper test; they mirror
// readHeader/readChunk but return offsets instead of values.

func headerSizeForTest(t *testing.T, envelope []byte) int {
	t.Helper()
	r := bytes.NewReader(envelope)
	if _, _, _, err := readHeader(r); err != nil {
		t.Fatalf("failed to parse header for test setup: %v", err)
	}
	return len(envelope) - r.Len()
}

func skipChunkForTest(t *testing.T, envelope []byte, offset int) int {
	t.Helper()
	r := bytes.NewReader(envelope[offset:])
	if _, _, err := readChunk(r); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("failed to parse chunk for test setup: %v", err)
	}
	return offset + (len(envelope[offset:]) - r.Len())
}
