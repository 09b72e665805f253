package envelope

import "fmt"

// ErrUnsupportedVersion is returned when an envelope's version byte is
// not one this implementation understands.
type ErrUnsupportedVersion struct {
	Version byte
}

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("envelope: unsupported version %d", e.Version)
}

// ErrKemDecapFailed is returned when KEM decapsulation of the header's
// ciphertext fails (wrong private key or corrupted header).
type ErrKemDecapFailed struct {
	Cause error
}

func (e ErrKemDecapFailed) Error() string {
	return fmt.Sprintf("envelope: KEM decapsulation failed: %v", e.Cause)
}

func (e ErrKemDecapFailed) Unwrap() error { return e.Cause }

// ErrWrappedKeyAuthFailed is returned when the wrapped file key fails
// AEAD authentication — either the derived kek is wrong or the header
// has been tampered with.
type ErrWrappedKeyAuthFailed struct {
	Cause error
}

func (e ErrWrappedKeyAuthFailed) Error() string {
	return fmt.Sprintf("envelope: wrapped file key authentication failed: %v", e.Cause)
}

func (e ErrWrappedKeyAuthFailed) Unwrap() error { return e.Cause }

// ErrChunkAuthFailed is returned when chunk i fails AEAD authentication.
// No chunk after i is decrypted or emitted once this is returned.
type ErrChunkAuthFailed struct {
	Index uint64
	Cause error
}

func (e ErrChunkAuthFailed) Error() string {
	return fmt.Sprintf("envelope: chunk %d authentication failed: %v", e.Index, e.Cause)
}

func (e ErrChunkAuthFailed) Unwrap() error { return e.Cause }

// ErrTruncated is returned when the envelope ends before a complete
// header or chunk could be read.
type ErrTruncated struct {
	Context string
}

func (e ErrTruncated) Error() string {
	return fmt.Sprintf("envelope: truncated while reading %s", e.Context)
}
