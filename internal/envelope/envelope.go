// Package envelope implements the self-contained PQC file envelope: a
// hybrid ML-KEM-768/X25519 key encapsulation wraps a random per-file key,
// which in turn seals the file body as a stream of independently
// authenticated AES-256-GCM chunks. Each chunk's tag binds its index and
// an is-last flag, so corruption or tampering is localized to the chunk
// that failed and decryption never emits plaintext past that point.
package envelope

import (
	"bufio"
	"crypto/ed25519"
	"crypto/mlkem"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"

	corelinkcrypto "github.com/meshbridge/corelink/internal/crypto"
)

const (
	magic          = "CLE1"
	version1       = 1
	saltSize       = 16
	chunkSizeBytes = 4
	nonceSize      = 12
	tagSize        = 16
	defaultChunkSize = 1 << 20 // 1 MiB

	kekInfo  = "corelink file-kek v1"
	wrapAAD  = "wrap-v1"
)

// RecipientPublicKey is the hybrid KEM public identity an envelope is
// sealed to.
type RecipientPublicKey struct {
	KEM    *mlkem.EncapsulationKey768
	X25519 [32]byte
}

// RecipientPrivateKey is the hybrid KEM private identity used to open
// an envelope.
type RecipientPrivateKey struct {
	KEM    *mlkem.DecapsulationKey768
	X25519 [32]byte
}

// Signer holds an Ed25519 private key for signing envelope headers.
// Encrypt and Decrypt neither take nor use a Signer; nothing in this
// package signs or verifies a header.
type Signer struct {
	PrivateKey ed25519.PrivateKey
}

// Encrypt reads all of input, seals it for recipient, and writes a
// complete .cle envelope to output. chunkSize <= 0 uses the default
// (1 MiB).
func Encrypt(input io.Reader, output io.Writer, recipient RecipientPublicKey, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	ephemeral, err := corelinkcrypto.GenerateX25519()
	if err != nil {
		return fmt.Errorf("envelope: failed to generate ephemeral X25519 keypair: %w", err)
	}

	sharedClassical, err := corelinkcrypto.X25519Exchange(&ephemeral.PrivateKey, &recipient.X25519)
	if err != nil {
		return fmt.Errorf("envelope: classical key exchange failed: %w", err)
	}

	sharedPQ, kemCiphertext := recipient.KEM.Encapsulate()

	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("envelope: failed to generate salt: %w", err)
	}

	kek, err := deriveKEK(sharedClassical[:], sharedPQ, salt[:])
	if err != nil {
		return fmt.Errorf("envelope: failed to derive key-encryption key: %w", err)
	}

	var fileKey [32]byte
	if _, err := rand.Read(fileKey[:]); err != nil {
		return fmt.Errorf("envelope: failed to generate file key: %w", err)
	}

	var zeroNonce [nonceSize]byte
	wrapped, err := corelinkcrypto.Seal(kek, zeroNonce[:], []byte(wrapAAD), fileKey[:])
	if err != nil {
		return fmt.Errorf("envelope: failed to wrap file key: %w", err)
	}

	hybridCiphertext := append(append([]byte{}, ephemeral.PublicKey[:]...), kemCiphertext...)

	if err := writeHeader(output, salt, hybridCiphertext, wrapped); err != nil {
		return err
	}

	var ivBase [nonceSize]byte
	copy(ivBase[:], salt[:nonceSize])

	return streamEncryptChunks(input, output, fileKey, ivBase, chunkSize)
}

// Decrypt parses a .cle envelope from input, verifies and decrypts it
// with recipient's private keys, and writes the recovered plaintext to
// output. Decryption stops at the first chunk that fails
// authentication; nothing after that chunk is written.
func Decrypt(input io.Reader, output io.Writer, recipient RecipientPrivateKey) error {
	salt, hybridCiphertext, wrapped, err := readHeader(input)
	if err != nil {
		return err
	}

	ephemeralPub, kemCiphertext, err := splitHybridCiphertext(hybridCiphertext)
	if err != nil {
		return err
	}

	sharedClassical, err := corelinkcrypto.X25519Exchange(&recipient.X25519, ephemeralPub)
	if err != nil {
		return fmt.Errorf("envelope: classical key exchange failed: %w", err)
	}

	sharedPQ, err := recipient.KEM.Decapsulate(kemCiphertext)
	if err != nil {
		return ErrKemDecapFailed{Cause: err}
	}

	kek, err := deriveKEK(sharedClassical[:], sharedPQ, salt[:])
	if err != nil {
		return fmt.Errorf("envelope: failed to derive key-encryption key: %w", err)
	}

	var zeroNonce [nonceSize]byte
	fileKey, err := corelinkcrypto.Open(kek, zeroNonce[:], []byte(wrapAAD), wrapped)
	if err != nil {
		return ErrWrappedKeyAuthFailed{Cause: err}
	}

	var ivBase [nonceSize]byte
	copy(ivBase[:], salt[:nonceSize])

	return streamDecryptChunks(input, output, fileKey, ivBase)
}

func deriveKEK(classical []byte, pq []byte, salt []byte) ([]byte, error) {
	combined := append(append([]byte{}, classical...), pq...)
	reader := hkdf.New(func() hash.Hash { return sha256.New() }, combined, salt, []byte(kekInfo))
	kek := make([]byte, 32)
	if _, err := io.ReadFull(reader, kek); err != nil {
		return nil, err
	}
	return kek, nil
}

func splitHybridCiphertext(blob []byte) (*[32]byte, []byte, error) {
	if len(blob) <= 32 {
		return nil, nil, ErrTruncated{Context: "hybrid KEM ciphertext"}
	}
	var pub [32]byte
	copy(pub[:], blob[:32])
	return &pub, blob[32:], nil
}

func writeHeader(w io.Writer, salt [saltSize]byte, kemCiphertext, wrapped []byte) error {
	if _, err := w.Write([]byte(magic)); err != nil {
		return fmt.Errorf("envelope: failed to write magic: %w", err)
	}
	if _, err := w.Write([]byte{version1}); err != nil {
		return fmt.Errorf("envelope: failed to write version: %w", err)
	}
	if _, err := w.Write(salt[:]); err != nil {
		return fmt.Errorf("envelope: failed to write salt: %w", err)
	}
	if err := writeLenPrefixed(w, kemCiphertext); err != nil {
		return fmt.Errorf("envelope: failed to write KEM ciphertext: %w", err)
	}
	if err := writeLenPrefixed(w, wrapped); err != nil {
		return fmt.Errorf("envelope: failed to write wrapped key: %w", err)
	}
	return nil
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if len(b) > 0xFFFF {
		return errors.New("field exceeds 65535 bytes")
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readHeader(r io.Reader) (salt [saltSize]byte, kemCiphertext, wrapped []byte, err error) {
	var magicBuf [4]byte
	if _, err = io.ReadFull(r, magicBuf[:]); err != nil {
		return salt, nil, nil, ErrTruncated{Context: "magic"}
	}
	if string(magicBuf[:]) != magic {
		return salt, nil, nil, fmt.Errorf("envelope: bad magic %q", magicBuf[:])
	}

	var verBuf [1]byte
	if _, err = io.ReadFull(r, verBuf[:]); err != nil {
		return salt, nil, nil, ErrTruncated{Context: "version"}
	}
	if verBuf[0] != version1 {
		return salt, nil, nil, ErrUnsupportedVersion{Version: verBuf[0]}
	}

	if _, err = io.ReadFull(r, salt[:]); err != nil {
		return salt, nil, nil, ErrTruncated{Context: "salt"}
	}

	kemCiphertext, err = readLenPrefixed(r, "KEM ciphertext")
	if err != nil {
		return salt, nil, nil, err
	}
	wrapped, err = readLenPrefixed(r, "wrapped file key")
	if err != nil {
		return salt, nil, nil, err
	}
	return salt, kemCiphertext, wrapped, nil
}

func readLenPrefixed(r io.Reader, context string) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, ErrTruncated{Context: context + " length"}
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrTruncated{Context: context}
	}
	return buf, nil
}

func streamEncryptChunks(input io.Reader, output io.Writer, fileKey [32]byte, ivBase [nonceSize]byte, chunkSize int) error {
	br := bufio.NewReaderSize(input, chunkSize)
	buf := make([]byte, chunkSize)

	var index uint64
	for {
		n, readErr := io.ReadFull(br, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return fmt.Errorf("envelope: failed to read chunk %d: %w", index, readErr)
		}

		// Peek to see whether more data follows; if not, this is the
		// last chunk (including the zero-length final chunk case).
		_, peekErr := br.Peek(1)
		isLast := errors.Is(peekErr, io.EOF)

		if n == 0 && !isLast {
			return fmt.Errorf("envelope: failed to read chunk %d: %w", index, readErr)
		}

		nonce := corelinkcrypto.DeriveChunkNonce(ivBase, index)
		aad := chunkAAD(index, isLast)
		ciphertext, err := corelinkcrypto.Seal(fileKey[:], nonce[:], aad, buf[:n])
		if err != nil {
			return fmt.Errorf("envelope: failed to seal chunk %d: %w", index, err)
		}

		if err := writeChunk(output, nonce, ciphertext); err != nil {
			return fmt.Errorf("envelope: failed to write chunk %d: %w", index, err)
		}

		if isLast {
			return nil
		}
		index++
	}
}

func streamDecryptChunks(input io.Reader, output io.Writer, fileKey []byte, ivBase [nonceSize]byte) error {
	br := bufio.NewReader(input)

	var index uint64
	for {
		nonce, ciphertext, err := readChunk(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		expectedNonce := corelinkcrypto.DeriveChunkNonce(ivBase, index)
		if nonce != expectedNonce {
			return ErrChunkAuthFailed{Index: index, Cause: errors.New("nonce does not match derived chunk nonce")}
		}

		_, peekErr := br.Peek(1)
		isLast := errors.Is(peekErr, io.EOF)

		aad := chunkAAD(index, isLast)
		plaintext, err := corelinkcrypto.Open(fileKey, nonce[:], aad, ciphertext)
		if err != nil {
			return ErrChunkAuthFailed{Index: index, Cause: err}
		}

		if _, err := output.Write(plaintext); err != nil {
			return fmt.Errorf("envelope: failed to write chunk %d: %w", index, err)
		}

		if isLast {
			return nil
		}
		index++
	}
}

func chunkAAD(index uint64, isLast bool) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad[:8], index)
	if isLast {
		aad[8] = 1
	}
	return aad
}

func writeChunk(w io.Writer, nonce [nonceSize]byte, ciphertext []byte) error {
	var lenBuf [chunkSizeBytes]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(nonce[:]); err != nil {
		return err
	}
	_, err := w.Write(ciphertext)
	return err
}

func readChunk(r io.Reader) (nonce [nonceSize]byte, ciphertext []byte, err error) {
	var lenBuf [chunkSizeBytes]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nonce, nil, io.EOF
		}
		return nonce, nil, ErrTruncated{Context: "chunk length"}
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < tagSize {
		return nonce, nil, fmt.Errorf("envelope: chunk ciphertext shorter than tag size")
	}

	if _, err = io.ReadFull(r, nonce[:]); err != nil {
		return nonce, nil, ErrTruncated{Context: "chunk nonce"}
	}

	ciphertext = make([]byte, n)
	if _, err = io.ReadFull(r, ciphertext); err != nil {
		return nonce, nil, ErrTruncated{Context: "chunk ciphertext"}
	}
	return nonce, ciphertext, nil
}
