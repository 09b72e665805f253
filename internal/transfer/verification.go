package transfer

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meshbridge/corelink/internal/integrity"
)

// VerificationStatus is the outcome of comparing a recomputed file
// digest against the one declared at Open.
type VerificationStatus int

const (
	VerificationSuccess VerificationStatus = iota + 1
	VerificationDigestMismatch
)

func (s VerificationStatus) String() string {
	switch s {
	case VerificationSuccess:
		return "Success"
	case VerificationDigestMismatch:
		return "IntegrityMismatch"
	default:
		return "Unknown"
	}
}

// VerificationResult is the receipt emitted once reassembly completes:
// whether the recomputed digest matched, signed so the sender (or a
// third party holding the signer's public key) can trust it offline.
type VerificationResult struct {
	TransferID     uuid.UUID
	Status         VerificationStatus
	DigestComputed integrity.Digest
	DigestExpected integrity.Digest
	Timestamp      time.Time
	Signature      []byte
	PublicKey      ed25519.PublicKey
}

// Verify compares a recomputed file digest against the transfer's
// declared one and produces an (unsigned) result.
func Verify(transferID uuid.UUID, computed, expected integrity.Digest) VerificationResult {
	status := VerificationDigestMismatch
	if computed == expected {
		status = VerificationSuccess
	}
	return VerificationResult{
		TransferID:     transferID,
		Status:         status,
		DigestComputed: computed,
		DigestExpected: expected,
		Timestamp:      time.Now(),
	}
}

// canonicalFields is what gets signed: the result, minus the signature
// fields themselves.
func (r VerificationResult) canonicalFields() ([]byte, error) {
	return json.Marshal(map[string]any{
		"transfer_id":     r.TransferID.String(),
		"status":          r.Status.String(),
		"digest_computed": r.DigestComputed[:],
		"digest_expected": r.DigestExpected[:],
		"timestamp":       r.Timestamp.Unix(),
	})
}

// Sign attaches an Ed25519 signature over the result's canonical
// fields, letting the sender verify the receipt came from the
// receiver it expects without a live connection.
func (r *VerificationResult) Sign(priv ed25519.PrivateKey) error {
	canonical, err := r.canonicalFields()
	if err != nil {
		return fmt.Errorf("transfer: marshal verification result: %w", err)
	}
	r.Signature = ed25519.Sign(priv, canonical)
	r.PublicKey = priv.Public().(ed25519.PublicKey)
	return nil
}

// VerifySignature checks the result's signature against its own
// embedded public key (the caller is responsible for having already
// established that key is the expected receiver's).
func (r VerificationResult) VerifySignature() bool {
	canonical, err := r.canonicalFields()
	if err != nil {
		return false
	}
	return ed25519.Verify(r.PublicKey, canonical, r.Signature)
}
